package state

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strings"

	"rlfmarket/native/market"
)

type storedAttribute struct {
	Key   string
	Value string
}

type storedAsset struct {
	Collection [20]byte
	TokenID    *big.Int
}

type storedListing struct {
	ID           [32]byte
	Asset        storedAsset
	Seller       [20]byte
	PaymentToken [20]byte
	MinPrice     *big.Int
	Status       uint8
	LockedBy     [32]byte
	CreatedAt    *big.Int
	UpdatedAt    *big.Int
	Version      uint32
	Attributes   []storedAttribute
}

type storedOffer struct {
	ID           [32]byte
	ListingID    [32]byte
	Buyer        [20]byte
	PaymentToken [20]byte
	Amount       *big.Int
	Status       uint8
	ExpiresAt    *big.Int
	CreatedAt    *big.Int
	UpdatedAt    *big.Int
	Version      uint32
	Attributes   []storedAttribute
}

type storedEscrow struct {
	OfferID      [32]byte
	ListingID    [32]byte
	Asset        storedAsset
	Buyer        [20]byte
	Seller       [20]byte
	PaymentToken [20]byte
	Amount       *big.Int
	Phase        uint8
	CreatedAt    *big.Int
	Version      uint32
}

type storedSettlement struct {
	Sequence     uint64
	ListingID    [32]byte
	OfferID      [32]byte
	Asset        storedAsset
	Seller       [20]byte
	Buyer        [20]byte
	PaymentToken [20]byte
	Amount       *big.Int
	Timestamp    *big.Int
	Version      uint32
}

type storedDeployment struct {
	ID             string
	Admin          [20]byte
	InitialVersion uint32
	CreatedAt      *big.Int
}

type storedUpgrade struct {
	FromVersion uint32
	ToVersion   uint32
	Admin       [20]byte
	At          *big.Int
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func int64OrZero(v *big.Int) int64 {
	if v == nil {
		return 0
	}
	return v.Int64()
}

func newStoredAsset(a market.AssetRef) storedAsset {
	return storedAsset{Collection: a.Collection, TokenID: bigOrZero(a.TokenID)}
}

func (s storedAsset) toAsset() market.AssetRef {
	return market.AssetRef{Collection: s.Collection, TokenID: bigOrZero(s.TokenID)}
}

func newStoredAttributes(attrs []market.Attribute) []storedAttribute {
	out := make([]storedAttribute, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, storedAttribute{Key: a.Key, Value: a.Value})
	}
	return out
}

func toAttributes(attrs []storedAttribute) []market.Attribute {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]market.Attribute, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, market.Attribute{Key: a.Key, Value: a.Value})
	}
	return out
}

func marketListingKey(id [32]byte) []byte { return prefixedKey(marketListingPrefix, id[:]) }

func marketOfferKey(id [32]byte) []byte { return prefixedKey(marketOfferPrefix, id[:]) }

func marketEscrowKey(offerID [32]byte) []byte { return prefixedKey(marketEscrowPrefix, offerID[:]) }

func marketSettlementKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return prefixedKey(marketSettlementPrefix, buf[:])
}

// MarketNextNonce returns a fresh, strictly increasing nonce for record ids.
func (m *Manager) MarketNextNonce() (uint64, error) {
	return m.KVIncrement(marketNonceKey)
}

func (m *Manager) MarketListingPut(l *market.Listing) error {
	clean, err := market.SanitizeListing(l)
	if err != nil {
		return err
	}
	return m.KVPut(marketListingKey(clean.ID), &storedListing{
		ID:           clean.ID,
		Asset:        newStoredAsset(clean.Asset),
		Seller:       clean.Seller,
		PaymentToken: clean.PaymentToken,
		MinPrice:     clean.MinPrice,
		Status:       uint8(clean.Status),
		LockedBy:     clean.LockedBy,
		CreatedAt:    big.NewInt(clean.CreatedAt),
		UpdatedAt:    big.NewInt(clean.UpdatedAt),
		Version:      clean.Version,
		Attributes:   newStoredAttributes(clean.Attributes),
	})
}

func (m *Manager) MarketListingGet(id [32]byte) (*market.Listing, bool, error) {
	var stored storedListing
	ok, err := m.KVGet(marketListingKey(id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	listing, err := market.SanitizeListing(&market.Listing{
		ID:           stored.ID,
		Asset:        stored.Asset.toAsset(),
		Seller:       stored.Seller,
		PaymentToken: stored.PaymentToken,
		MinPrice:     bigOrZero(stored.MinPrice),
		Status:       market.ListingStatus(stored.Status),
		LockedBy:     stored.LockedBy,
		CreatedAt:    int64OrZero(stored.CreatedAt),
		UpdatedAt:    int64OrZero(stored.UpdatedAt),
		Version:      stored.Version,
		Attributes:   toAttributes(stored.Attributes),
	})
	if err != nil {
		return nil, false, err
	}
	return listing, true, nil
}

func (m *Manager) MarketActiveListing(assetKey [32]byte) ([32]byte, bool, error) {
	var id [32]byte
	ok, err := m.KVGet(prefixedKey(marketActivePrefix, assetKey[:]), &id)
	return id, ok, err
}

func (m *Manager) MarketSetActiveListing(assetKey, listingID [32]byte) error {
	return m.KVPut(prefixedKey(marketActivePrefix, assetKey[:]), listingID)
}

func (m *Manager) MarketClearActiveListing(assetKey [32]byte) error {
	return m.KVDelete(prefixedKey(marketActivePrefix, assetKey[:]))
}

func (m *Manager) MarketOfferPut(o *market.Offer) error {
	clean, err := market.SanitizeOffer(o)
	if err != nil {
		return err
	}
	return m.KVPut(marketOfferKey(clean.ID), &storedOffer{
		ID:           clean.ID,
		ListingID:    clean.ListingID,
		Buyer:        clean.Buyer,
		PaymentToken: clean.PaymentToken,
		Amount:       clean.Amount,
		Status:       uint8(clean.Status),
		ExpiresAt:    big.NewInt(clean.ExpiresAt),
		CreatedAt:    big.NewInt(clean.CreatedAt),
		UpdatedAt:    big.NewInt(clean.UpdatedAt),
		Version:      clean.Version,
		Attributes:   newStoredAttributes(clean.Attributes),
	})
}

func (m *Manager) MarketOfferGet(id [32]byte) (*market.Offer, bool, error) {
	var stored storedOffer
	ok, err := m.KVGet(marketOfferKey(id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	offer, err := market.SanitizeOffer(&market.Offer{
		ID:           stored.ID,
		ListingID:    stored.ListingID,
		Buyer:        stored.Buyer,
		PaymentToken: stored.PaymentToken,
		Amount:       bigOrZero(stored.Amount),
		Status:       market.OfferStatus(stored.Status),
		ExpiresAt:    int64OrZero(stored.ExpiresAt),
		CreatedAt:    int64OrZero(stored.CreatedAt),
		UpdatedAt:    int64OrZero(stored.UpdatedAt),
		Version:      stored.Version,
		Attributes:   toAttributes(stored.Attributes),
	})
	if err != nil {
		return nil, false, err
	}
	return offer, true, nil
}

func (m *Manager) MarketIndexListingOffer(listingID, offerID [32]byte) error {
	return m.KVAppend(prefixedKey(marketListingOffersPfx, listingID[:]), offerID[:])
}

func (m *Manager) MarketListingOfferIDs(listingID [32]byte) ([][32]byte, error) {
	return m.idList(prefixedKey(marketListingOffersPfx, listingID[:]))
}

func (m *Manager) MarketOpenOffer(listingID [32]byte, buyer [20]byte) ([32]byte, bool, error) {
	var id [32]byte
	ok, err := m.KVGet(prefixedKey(marketOpenOfferPrefix, listingID[:], buyer[:]), &id)
	return id, ok, err
}

func (m *Manager) MarketSetOpenOffer(listingID [32]byte, buyer [20]byte, offerID [32]byte) error {
	return m.KVPut(prefixedKey(marketOpenOfferPrefix, listingID[:], buyer[:]), offerID)
}

func (m *Manager) MarketClearOpenOffer(listingID [32]byte, buyer [20]byte) error {
	return m.KVDelete(prefixedKey(marketOpenOfferPrefix, listingID[:], buyer[:]))
}

func (m *Manager) MarketIndexExpiringOffer(offerID [32]byte) error {
	return m.KVAppend(marketExpiringKey, offerID[:])
}

func (m *Manager) MarketRemoveExpiringOffer(offerID [32]byte) error {
	return m.KVRemove(marketExpiringKey, offerID[:])
}

func (m *Manager) MarketExpiringOfferIDs() ([][32]byte, error) {
	return m.idList(marketExpiringKey)
}

func (m *Manager) MarketEscrowPut(r *market.EscrowRecord) error {
	clean, err := market.SanitizeEscrowRecord(r)
	if err != nil {
		return err
	}
	if err := m.KVPut(marketEscrowKey(clean.OfferID), &storedEscrow{
		OfferID:      clean.OfferID,
		ListingID:    clean.ListingID,
		Asset:        newStoredAsset(clean.Asset),
		Buyer:        clean.Buyer,
		Seller:       clean.Seller,
		PaymentToken: clean.PaymentToken,
		Amount:       clean.Amount,
		Phase:        uint8(clean.Phase),
		CreatedAt:    big.NewInt(clean.CreatedAt),
		Version:      clean.Version,
	}); err != nil {
		return err
	}
	return m.KVAppend(marketEscrowIndexKey, clean.OfferID[:])
}

func (m *Manager) MarketEscrowGet(offerID [32]byte) (*market.EscrowRecord, bool, error) {
	var stored storedEscrow
	ok, err := m.KVGet(marketEscrowKey(offerID), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec, err := market.SanitizeEscrowRecord(&market.EscrowRecord{
		OfferID:      stored.OfferID,
		ListingID:    stored.ListingID,
		Asset:        stored.Asset.toAsset(),
		Buyer:        stored.Buyer,
		Seller:       stored.Seller,
		PaymentToken: stored.PaymentToken,
		Amount:       bigOrZero(stored.Amount),
		Phase:        market.EscrowPhase(stored.Phase),
		CreatedAt:    int64OrZero(stored.CreatedAt),
		Version:      stored.Version,
	})
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (m *Manager) MarketEscrowDelete(offerID [32]byte) error {
	if err := m.KVDelete(marketEscrowKey(offerID)); err != nil {
		return err
	}
	return m.KVRemove(marketEscrowIndexKey, offerID[:])
}

func (m *Manager) MarketEscrowIDs() ([][32]byte, error) {
	return m.idList(marketEscrowIndexKey)
}

// MarketSettlementAppend writes the entry at the next log sequence and indexes
// it by offer. The assigned sequence is returned.
func (m *Manager) MarketSettlementAppend(s *market.SettlementEntry) (uint64, error) {
	if s == nil {
		return 0, fmt.Errorf("market: nil settlement entry")
	}
	seq, err := m.KVIncrement(marketSettlementSeqKey)
	if err != nil {
		return 0, err
	}
	batch := newKVBatch()
	if err := batch.put(marketSettlementKey(seq), &storedSettlement{
		Sequence:     seq,
		ListingID:    s.ListingID,
		OfferID:      s.OfferID,
		Asset:        newStoredAsset(s.Asset),
		Seller:       s.Seller,
		Buyer:        s.Buyer,
		PaymentToken: s.PaymentToken,
		Amount:       bigOrZero(s.Amount),
		Timestamp:    big.NewInt(s.Timestamp),
		Version:      s.Version,
	}); err != nil {
		return 0, err
	}
	if err := batch.put(prefixedKey(marketSettlementByOffer, s.OfferID[:]), seq); err != nil {
		return 0, err
	}
	if err := m.commit(batch); err != nil {
		return 0, err
	}
	return seq, nil
}

func (m *Manager) MarketSettlementGet(seq uint64) (*market.SettlementEntry, bool, error) {
	var stored storedSettlement
	ok, err := m.KVGet(marketSettlementKey(seq), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &market.SettlementEntry{
		Sequence:     stored.Sequence,
		ListingID:    stored.ListingID,
		OfferID:      stored.OfferID,
		Asset:        stored.Asset.toAsset(),
		Seller:       stored.Seller,
		Buyer:        stored.Buyer,
		PaymentToken: stored.PaymentToken,
		Amount:       bigOrZero(stored.Amount),
		Timestamp:    int64OrZero(stored.Timestamp),
		Version:      stored.Version,
	}, true, nil
}

func (m *Manager) MarketSettlementByOffer(offerID [32]byte) (*market.SettlementEntry, bool, error) {
	var seq uint64
	ok, err := m.KVGet(prefixedKey(marketSettlementByOffer, offerID[:]), &seq)
	if err != nil || !ok {
		return nil, ok, err
	}
	return m.MarketSettlementGet(seq)
}

func (m *Manager) MarketSettlementCount() (uint64, error) {
	var count uint64
	_, err := m.KVGet(marketSettlementSeqKey, &count)
	return count, err
}

func (m *Manager) MarketVersion() (uint32, bool, error) {
	var stored uint64
	ok, err := m.KVGet(marketVersionKey, &stored)
	if err != nil || !ok {
		return 0, ok, err
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("market: logic version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

func (m *Manager) MarketSetVersion(version uint32) error {
	return m.KVPut(marketVersionKey, uint64(version))
}

func (m *Manager) MarketDeployment() (*market.Deployment, bool, error) {
	var stored storedDeployment
	ok, err := m.KVGet(marketDeploymentKey, &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &market.Deployment{
		ID:             stored.ID,
		Admin:          stored.Admin,
		InitialVersion: stored.InitialVersion,
		CreatedAt:      int64OrZero(stored.CreatedAt),
	}, true, nil
}

func (m *Manager) MarketSetDeployment(d *market.Deployment) error {
	if d == nil {
		return fmt.Errorf("market: nil deployment")
	}
	return m.KVPut(marketDeploymentKey, &storedDeployment{
		ID:             d.ID,
		Admin:          d.Admin,
		InitialVersion: d.InitialVersion,
		CreatedAt:      big.NewInt(d.CreatedAt),
	})
}

func (m *Manager) MarketUpgradeAppend(u *market.UpgradeRecord) error {
	if u == nil {
		return fmt.Errorf("market: nil upgrade record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var history []storedUpgrade
	if err := m.KVGetList(marketUpgradesKey, &history); err != nil {
		return err
	}
	history = append(history, storedUpgrade{
		FromVersion: u.FromVersion,
		ToVersion:   u.ToVersion,
		Admin:       u.Admin,
		At:          big.NewInt(u.At),
	})
	return m.KVPut(marketUpgradesKey, history)
}

func (m *Manager) MarketUpgrades() ([]*market.UpgradeRecord, error) {
	var history []storedUpgrade
	if err := m.KVGetList(marketUpgradesKey, &history); err != nil {
		return nil, err
	}
	out := make([]*market.UpgradeRecord, 0, len(history))
	for _, h := range history {
		out = append(out, &market.UpgradeRecord{
			FromVersion: h.FromVersion,
			ToVersion:   h.ToVersion,
			Admin:       h.Admin,
			At:          int64OrZero(h.At),
		})
	}
	return out, nil
}

func pauseKey(module string) []byte {
	return prefixedKey(pausePrefix, []byte(strings.ToLower(strings.TrimSpace(module))))
}

// MarketSetPaused persists the pause flag for module.
func (m *Manager) MarketSetPaused(module string, paused bool) error {
	if !paused {
		return m.KVDelete(pauseKey(module))
	}
	return m.KVPut(pauseKey(module), true)
}

// IsPaused implements the pause view consulted by module guards. Read errors
// report the module as not paused.
func (m *Manager) IsPaused(module string) bool {
	var paused bool
	ok, err := m.KVGet(pauseKey(module), &paused)
	return err == nil && ok && paused
}

func (m *Manager) idList(key []byte) ([][32]byte, error) {
	var raw [][]byte
	if err := m.KVGetList(key, &raw); err != nil {
		return nil, err
	}
	out := make([][32]byte, 0, len(raw))
	for _, item := range raw {
		if len(item) != 32 {
			return nil, fmt.Errorf("state: malformed id index entry of %d bytes", len(item))
		}
		var id [32]byte
		copy(id[:], item)
		out = append(out, id)
	}
	return out, nil
}
