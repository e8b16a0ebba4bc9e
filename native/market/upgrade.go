package market

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/google/uuid"
)

// initialLogicVersion is the version tag written by Initialize.
const initialLogicVersion uint32 = 1

// Migration upgrades records written by the previous logic version to the
// version it is registered for. Migrations may only add or change
// Attributes; altering any other field fails the read with
// ErrInvariantViolation. A nil hook leaves that record type unchanged.
type Migration struct {
	Listing func(*Listing) error
	Offer   func(*Offer) error
}

func (m Migration) empty() bool { return m.Listing == nil && m.Offer == nil }

// Initialize performs the one-time deployment of a marketplace instance and
// makes admin its upgrade administrator.
func (e *Engine) Initialize(admin [20]byte) (*Deployment, error) {
	dep, err := e.initialize(admin)
	return dep, e.record("initialize", err)
}

func (e *Engine) initialize(admin [20]byte) (*Deployment, error) {
	if admin == ([20]byte{}) {
		return nil, fmt.Errorf("%w: admin required", ErrValidationFailed)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	if _, ok, err := e.state.MarketVersion(); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyInitialized
	}
	dep := &Deployment{
		ID:             uuid.NewString(),
		Admin:          admin,
		InitialVersion: initialLogicVersion,
		CreatedAt:      e.now(),
	}
	if err := e.state.MarketSetDeployment(dep); err != nil {
		return nil, err
	}
	if err := e.state.MarketSetVersion(initialLogicVersion); err != nil {
		return nil, err
	}
	e.metrics.SetLogicVersion(initialLogicVersion)
	e.emit(newControlEvent(EventTypeMarketInitialized, admin, map[string]string{
		"deploymentId": dep.ID,
		"version":      strconv.FormatUint(uint64(initialLogicVersion), 10),
	}))
	return dep.Clone(), nil
}

// Upgrade advances the running logic version and registers the migration that
// lifts records from the previous version. Persisted listings, offers and
// settlement entries are not touched; they migrate lazily on their next read.
// Upgrades are refused while any settlement is in flight.
func (e *Engine) Upgrade(caller [20]byte, newVersion uint32, migration Migration) (*UpgradeRecord, error) {
	rec, err := e.upgrade(caller, newVersion, migration)
	return rec, e.record("upgrade", err)
}

func (e *Engine) upgrade(caller [20]byte, newVersion uint32, migration Migration) (*UpgradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, err := e.requireInitialized()
	if err != nil {
		return nil, err
	}
	dep, err := e.requireAdmin(caller)
	if err != nil {
		return nil, err
	}
	ids, err := e.state.MarketEscrowIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		return nil, fmt.Errorf("%w: %d settlement(s) pending", ErrEscrowInProgress, len(ids))
	}
	if newVersion <= current {
		return nil, fmt.Errorf("%w: version %d not after %d", ErrValidationFailed, newVersion, current)
	}
	rec := &UpgradeRecord{
		FromVersion: current,
		ToVersion:   newVersion,
		Admin:       dep.Admin,
		At:          e.now(),
	}
	if err := e.state.MarketSetVersion(newVersion); err != nil {
		return nil, err
	}
	if err := e.state.MarketUpgradeAppend(rec); err != nil {
		return nil, err
	}
	if !migration.empty() {
		e.migrations[newVersion] = migration
	}
	e.metrics.SetLogicVersion(newVersion)
	e.emit(newControlEvent(EventTypeMarketUpgraded, dep.Admin, map[string]string{
		"fromVersion": strconv.FormatUint(uint64(current), 10),
		"toVersion":   strconv.FormatUint(uint64(newVersion), 10),
	}))
	clone := *rec
	return &clone, nil
}

// RegisterMigration installs the migration for version without changing the
// running version. Processes call it at start-up for every upgrade already
// recorded in state, since migrations are code and are not persisted.
func (e *Engine) RegisterMigration(version uint32, migration Migration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if migration.empty() {
		delete(e.migrations, version)
		return
	}
	e.migrations[version] = migration
}

// TransferAdmin hands the upgrade administrator role to newAdmin.
func (e *Engine) TransferAdmin(caller, newAdmin [20]byte) error {
	return e.record("transfer_admin", e.transferAdmin(caller, newAdmin))
}

func (e *Engine) transferAdmin(caller, newAdmin [20]byte) error {
	if newAdmin == ([20]byte{}) {
		return fmt.Errorf("%w: admin required", ErrValidationFailed)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.requireInitialized(); err != nil {
		return err
	}
	dep, err := e.requireAdmin(caller)
	if err != nil {
		return err
	}
	dep.Admin = newAdmin
	if err := e.state.MarketSetDeployment(dep); err != nil {
		return err
	}
	e.emit(newControlEvent(EventTypeAdminTransferred, newAdmin, map[string]string{
		"previousAdmin": fmt.Sprintf("0x%x", caller),
	}))
	return nil
}

// SetPaused toggles the marketplace pause switch. While paused every mutating
// trading operation fails with ErrPaused; queries, recovery and upgrades
// keep working.
func (e *Engine) SetPaused(caller [20]byte, paused bool) error {
	return e.record("set_paused", e.setPaused(caller, paused))
}

func (e *Engine) setPaused(caller [20]byte, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.requireInitialized(); err != nil {
		return err
	}
	dep, err := e.requireAdmin(caller)
	if err != nil {
		return err
	}
	if err := e.state.MarketSetPaused(ModuleName, paused); err != nil {
		return err
	}
	e.emit(newControlEvent(EventTypeMarketPaused, dep.Admin, map[string]string{
		"paused": strconv.FormatBool(paused),
	}))
	return nil
}

// LogicVersion returns the running logic version.
func (e *Engine) LogicVersion() (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requireInitialized()
}

// Deployment returns the deployment record written by Initialize.
func (e *Engine) Deployment() (*Deployment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.requireInitialized(); err != nil {
		return nil, err
	}
	dep, ok, err := e.state.MarketDeployment()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: deployment record missing", ErrInvariantViolation)
	}
	return dep.Clone(), nil
}

// Upgrades returns the upgrade history, oldest first.
func (e *Engine) Upgrades() ([]*UpgradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.requireInitialized(); err != nil {
		return nil, err
	}
	return e.state.MarketUpgrades()
}

// requireAdmin returns the deployment when caller is its admin. Callers must
// hold mu.
func (e *Engine) requireAdmin(caller [20]byte) (*Deployment, error) {
	dep, ok, err := e.state.MarketDeployment()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: deployment record missing", ErrInvariantViolation)
	}
	if dep.Admin != caller {
		return nil, fmt.Errorf("%w: caller is not the marketplace admin", ErrUnauthorized)
	}
	return dep, nil
}

// migrateListing lifts l to version by applying each registered migration in
// turn. The result is not persisted until the record is next written.
func (e *Engine) migrateListing(l *Listing, version uint32) error {
	if l.Version >= version {
		return nil
	}
	before := l.Clone()
	for v := l.Version + 1; v <= version; v++ {
		m, ok := e.migrations[v]
		if !ok || m.Listing == nil {
			continue
		}
		if err := m.Listing(l); err != nil {
			return fmt.Errorf("%w: listing %s migration to v%d: %w", ErrInvariantViolation, hexID(l.ID), v, err)
		}
	}
	if !listingCoreEqual(before, l) {
		return fmt.Errorf("%w: migration to v%d altered core fields of listing %s", ErrInvariantViolation, version, hexID(before.ID))
	}
	l.Version = version
	return nil
}

// migrateOffer is the offer counterpart of migrateListing.
func (e *Engine) migrateOffer(o *Offer, version uint32) error {
	if o.Version >= version {
		return nil
	}
	before := o.Clone()
	for v := o.Version + 1; v <= version; v++ {
		m, ok := e.migrations[v]
		if !ok || m.Offer == nil {
			continue
		}
		if err := m.Offer(o); err != nil {
			return fmt.Errorf("%w: offer %s migration to v%d: %w", ErrInvariantViolation, hexID(o.ID), v, err)
		}
	}
	if !offerCoreEqual(before, o) {
		return fmt.Errorf("%w: migration to v%d altered core fields of offer %s", ErrInvariantViolation, version, hexID(before.ID))
	}
	o.Version = version
	return nil
}

func listingCoreEqual(a, b *Listing) bool {
	return a.ID == b.ID &&
		a.Asset.Equal(b.Asset) &&
		a.Seller == b.Seller &&
		a.PaymentToken == b.PaymentToken &&
		bigEqual(a.MinPrice, b.MinPrice) &&
		a.Status == b.Status &&
		a.LockedBy == b.LockedBy &&
		a.CreatedAt == b.CreatedAt &&
		a.UpdatedAt == b.UpdatedAt
}

func offerCoreEqual(a, b *Offer) bool {
	return a.ID == b.ID &&
		a.ListingID == b.ListingID &&
		a.Buyer == b.Buyer &&
		a.PaymentToken == b.PaymentToken &&
		bigEqual(a.Amount, b.Amount) &&
		a.Status == b.Status &&
		a.ExpiresAt == b.ExpiresAt &&
		a.CreatedAt == b.CreatedAt &&
		a.UpdatedAt == b.UpdatedAt
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
