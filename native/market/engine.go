package market

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rlfmarket/core/events"
	"rlfmarket/core/types"
	nativecommon "rlfmarket/native/common"
	"rlfmarket/observability/metrics"
)

// ModuleName is the pause key guarding every mutating marketplace operation.
const ModuleName = "market"

const (
	defaultTransferAttempts = 3
	defaultRetryBackoff     = 50 * time.Millisecond
)

var errNilState = errors.New("market engine: state not configured")

// AssetRegistry is the custody collaborator for non-fungible items.
// Transfer must return an error wrapping ErrOwnershipChanged when from is not
// the current owner and ErrInsufficientAuthority when the marketplace may not
// move the item. Transferring to the current owner is a no-op. CanTransfer
// runs the same checks without moving anything.
type AssetRegistry interface {
	OwnerOf(ctx context.Context, asset AssetRef) ([20]byte, error)
	CanTransfer(ctx context.Context, asset AssetRef, from [20]byte) error
	Transfer(ctx context.Context, asset AssetRef, from, to [20]byte) error
}

// FungibleLedger is the payment collaborator. Transfer must be atomic per
// call and return an error wrapping ErrInsufficientBalance when from cannot
// cover amount.
type FungibleLedger interface {
	Transfer(ctx context.Context, token, from, to [20]byte, amount *big.Int) error
	BalanceOf(ctx context.Context, token, account [20]byte) (*big.Int, error)
}

type engineState interface {
	MarketNextNonce() (uint64, error)

	MarketListingPut(*Listing) error
	MarketListingGet(id [32]byte) (*Listing, bool, error)
	MarketActiveListing(assetKey [32]byte) ([32]byte, bool, error)
	MarketSetActiveListing(assetKey, listingID [32]byte) error
	MarketClearActiveListing(assetKey [32]byte) error

	MarketOfferPut(*Offer) error
	MarketOfferGet(id [32]byte) (*Offer, bool, error)
	MarketIndexListingOffer(listingID, offerID [32]byte) error
	MarketListingOfferIDs(listingID [32]byte) ([][32]byte, error)
	MarketOpenOffer(listingID [32]byte, buyer [20]byte) ([32]byte, bool, error)
	MarketSetOpenOffer(listingID [32]byte, buyer [20]byte, offerID [32]byte) error
	MarketClearOpenOffer(listingID [32]byte, buyer [20]byte) error
	MarketIndexExpiringOffer(offerID [32]byte) error
	MarketRemoveExpiringOffer(offerID [32]byte) error
	MarketExpiringOfferIDs() ([][32]byte, error)

	MarketEscrowPut(*EscrowRecord) error
	MarketEscrowGet(offerID [32]byte) (*EscrowRecord, bool, error)
	MarketEscrowDelete(offerID [32]byte) error
	MarketEscrowIDs() ([][32]byte, error)

	MarketSettlementAppend(*SettlementEntry) (uint64, error)
	MarketSettlementGet(seq uint64) (*SettlementEntry, bool, error)
	MarketSettlementByOffer(offerID [32]byte) (*SettlementEntry, bool, error)
	MarketSettlementCount() (uint64, error)

	MarketVersion() (uint32, bool, error)
	MarketSetVersion(uint32) error
	MarketDeployment() (*Deployment, bool, error)
	MarketSetDeployment(*Deployment) error
	MarketUpgradeAppend(*UpgradeRecord) error
	MarketUpgrades() ([]*UpgradeRecord, error)
	MarketSetPaused(module string, paused bool) error
}

// Engine wires the marketplace business logic with persisted state, the
// custody and payment collaborators and event emitters.
//
// All state reads and writes happen under mu. Collaborator calls never do,
// so settlements on different listings proceed in parallel while the
// persisted listing lock serialises work on the same listing.
type Engine struct {
	mu         sync.Mutex
	state      engineState
	registry   AssetRegistry
	ledger     FungibleLedger
	emitter    events.Emitter
	logger     *slog.Logger
	metrics    *metrics.MarketMetrics
	pauses     nativecommon.PauseView
	nowFn      func() int64
	attempts   int
	backoff    time.Duration
	migrations map[uint32]Migration
}

// NewEngine creates a marketplace engine with a no-op emitter and the default
// logger. Callers configure state and collaborators via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		metrics:    metrics.Market(),
		nowFn:      func() int64 { return time.Now().Unix() },
		attempts:   defaultTransferAttempts,
		backoff:    defaultRetryBackoff,
		migrations: make(map[uint32]Migration),
	}
}

// SetState configures the state backend used by the engine. When the backend
// also reports pauses it is consulted by the pause guard.
func (e *Engine) SetState(state engineState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	if view, ok := state.(nativecommon.PauseView); ok && e.pauses == nil {
		e.pauses = view
	}
}

// SetRegistry configures the asset custody collaborator.
func (e *Engine) SetRegistry(registry AssetRegistry) { e.registry = registry }

// SetLedger configures the payment collaborator.
func (e *Engine) SetLedger(ledger FungibleLedger) { e.ledger = ledger }

// SetPauses overrides the pause view. Passing nil disables pause checks.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetLogger configures the structured logger. Passing nil restores the default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With(slog.String("component", ModuleName))
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetSettlementRetry bounds how many times the asset leg of a paid settlement
// is attempted inside AcceptOffer and how long to wait between attempts.
func (e *Engine) SetSettlementRetry(attempts int, backoff time.Duration) {
	if attempts <= 0 {
		attempts = defaultTransferAttempts
	}
	if backoff < 0 {
		backoff = 0
	}
	e.attempts = attempts
	e.backoff = backoff
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) guard() error {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return fmt.Errorf("%w: %w", ErrPaused, err)
	}
	return nil
}

// record reports the outcome of an operation to metrics and passes err through.
func (e *Engine) record(op string, err error) error {
	if err != nil {
		e.metrics.ObserveFailure(op, Code(err))
		return err
	}
	e.metrics.ObserveOperation(op)
	return nil
}

// requireInitialized returns the running logic version. Callers must hold mu.
func (e *Engine) requireInitialized() (uint32, error) {
	if e.state == nil {
		return 0, errNilState
	}
	version, ok, err := e.state.MarketVersion()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotInitialized
	}
	return version, nil
}

func (e *Engine) nextID(domain string, parts ...[]byte) ([32]byte, error) {
	nonce, err := e.state.MarketNextNonce()
	if err != nil {
		return [32]byte{}, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	chunks := make([][]byte, 0, len(parts)+2)
	chunks = append(chunks, []byte(domain))
	chunks = append(chunks, parts...)
	chunks = append(chunks, buf[:])
	return ethcrypto.Keccak256Hash(chunks...), nil
}

// loadListing reads a listing and applies any pending lazy migrations.
// Callers must hold mu.
func (e *Engine) loadListing(id [32]byte, version uint32) (*Listing, error) {
	listing, ok, err := e.state.MarketListingGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: listing %s", ErrNotFound, hexID(id))
	}
	if err := e.migrateListing(listing, version); err != nil {
		return nil, err
	}
	return listing, nil
}

func (e *Engine) storeListing(l *Listing, version uint32) error {
	l.Version = version
	l.UpdatedAt = e.now()
	return e.state.MarketListingPut(l)
}

// loadOffer reads an offer and applies any pending lazy migrations.
// Callers must hold mu.
func (e *Engine) loadOffer(id [32]byte, version uint32) (*Offer, error) {
	offer, ok, err := e.state.MarketOfferGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: offer %s", ErrNotFound, hexID(id))
	}
	if err := e.migrateOffer(offer, version); err != nil {
		return nil, err
	}
	return offer, nil
}

func (e *Engine) storeOffer(o *Offer, version uint32) error {
	o.Version = version
	o.UpdatedAt = e.now()
	return e.state.MarketOfferPut(o)
}

func (e *Engine) refreshEscrowGauge() {
	if e.state == nil {
		return
	}
	ids, err := e.state.MarketEscrowIDs()
	if err != nil {
		return
	}
	e.metrics.SetEscrowsInFlight(len(ids))
}

// OwnerOf delegates an ownership query to the asset registry.
func (e *Engine) OwnerOf(ctx context.Context, asset AssetRef) ([20]byte, error) {
	if e.registry == nil {
		return [20]byte{}, fmt.Errorf("%w: asset registry not configured", ErrResourceFailure)
	}
	owner, err := e.registry.OwnerOf(ctx, asset)
	if err != nil {
		return [20]byte{}, wrapResource(err)
	}
	return owner, nil
}

// BalanceOf delegates a balance query to the fungible ledger.
func (e *Engine) BalanceOf(ctx context.Context, token, account [20]byte) (*big.Int, error) {
	if e.ledger == nil {
		return nil, fmt.Errorf("%w: ledger not configured", ErrResourceFailure)
	}
	balance, err := e.ledger.BalanceOf(ctx, token, account)
	if err != nil {
		return nil, wrapResource(err)
	}
	return cloneBigInt(balance), nil
}

// wrapResource classifies a collaborator failure as ErrResourceFailure unless
// it already carries a marketplace kind.
func wrapResource(err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %w", ErrResourceFailure, err)
}
