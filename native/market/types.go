package market

import (
	"encoding/hex"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ListingStatus represents the lifecycle states of a listing.
type ListingStatus uint8

const (
	ListingActive ListingStatus = iota + 1
	ListingCancelled
	ListingSold
)

// Valid reports whether the status value is within the supported range.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingActive, ListingCancelled, ListingSold:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed.
func (s ListingStatus) Terminal() bool { return s == ListingCancelled || s == ListingSold }

func (s ListingStatus) String() string {
	switch s {
	case ListingActive:
		return "active"
	case ListingCancelled:
		return "cancelled"
	case ListingSold:
		return "sold"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// OfferStatus represents the lifecycle states of an offer.
type OfferStatus uint8

const (
	OfferOpen OfferStatus = iota + 1
	OfferCancelled
	OfferAccepted
	OfferExpired
)

func (s OfferStatus) Valid() bool {
	switch s {
	case OfferOpen, OfferCancelled, OfferAccepted, OfferExpired:
		return true
	default:
		return false
	}
}

func (s OfferStatus) Terminal() bool { return s != OfferOpen }

func (s OfferStatus) String() string {
	switch s {
	case OfferOpen:
		return "open"
	case OfferCancelled:
		return "cancelled"
	case OfferAccepted:
		return "accepted"
	case OfferExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// EscrowPhase tracks how far an in-flight settlement has progressed.
type EscrowPhase uint8

const (
	// EscrowLocked: listing locked, payment not yet requested.
	EscrowLocked EscrowPhase = iota + 1
	// EscrowPaid: payment committed, asset transfer outstanding.
	EscrowPaid
	// EscrowHalted: an invariant violation was detected; manual action required.
	EscrowHalted
	// EscrowPaying: payment requested but its outcome not yet recorded.
	EscrowPaying
)

func (p EscrowPhase) Valid() bool {
	return p >= EscrowLocked && p <= EscrowPaying
}

func (p EscrowPhase) String() string {
	switch p {
	case EscrowLocked:
		return "locked"
	case EscrowPaid:
		return "paid"
	case EscrowHalted:
		return "halted"
	case EscrowPaying:
		return "paying"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// AssetRef identifies a non-fungible item by collection and token id.
type AssetRef struct {
	Collection [20]byte
	TokenID    *big.Int
}

// NewAssetRef builds a reference for the given collection and numeric id.
func NewAssetRef(collection [20]byte, tokenID uint64) AssetRef {
	return AssetRef{Collection: collection, TokenID: new(big.Int).SetUint64(tokenID)}
}

// Key returns the keccak256 hash of the collection address and the 32-byte
// big-endian token id. It is the canonical index key for custody and listing
// lookups.
func (a AssetRef) Key() [32]byte {
	var word [32]byte
	if a.TokenID != nil && a.TokenID.Sign() >= 0 && a.TokenID.BitLen() <= 256 {
		a.TokenID.FillBytes(word[:])
	}
	return ethcrypto.Keccak256Hash(a.Collection[:], word[:])
}

// Clone returns a deep copy of the reference.
func (a AssetRef) Clone() AssetRef {
	return AssetRef{Collection: a.Collection, TokenID: cloneBigInt(a.TokenID)}
}

// Equal reports whether both references name the same item.
func (a AssetRef) Equal(b AssetRef) bool {
	return a.Collection == b.Collection && cloneBigInt(a.TokenID).Cmp(cloneBigInt(b.TokenID)) == 0
}

func (a AssetRef) String() string {
	return fmt.Sprintf("0x%s/%s", hex.EncodeToString(a.Collection[:]), cloneBigInt(a.TokenID).String())
}

// Validate checks that the token id is a valid unsigned 256-bit integer.
func (a AssetRef) Validate() error {
	if a.Collection == ([20]byte{}) {
		return fmt.Errorf("%w: asset collection required", ErrValidationFailed)
	}
	if err := checkUint256("token id", a.TokenID, true); err != nil {
		return err
	}
	return nil
}

// Attribute is an ordered key/value pair. Migrations add fields to persisted
// records exclusively through attributes.
type Attribute struct {
	Key   string
	Value string
}

func cloneAttributes(attrs []Attribute) []Attribute {
	if len(attrs) == 0 {
		return nil
	}
	return append([]Attribute(nil), attrs...)
}

func lookupAttribute(attrs []Attribute, key string) (string, bool) {
	for _, attr := range attrs {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

func setAttribute(attrs []Attribute, key, value string) []Attribute {
	for i := range attrs {
		if attrs[i].Key == key {
			attrs[i].Value = value
			return attrs
		}
	}
	return append(attrs, Attribute{Key: key, Value: value})
}

// Listing is a seller's standing offer to sell one asset for a minimum price
// in a specific payment token.
type Listing struct {
	ID           [32]byte
	Asset        AssetRef
	Seller       [20]byte
	PaymentToken [20]byte
	MinPrice     *big.Int
	Status       ListingStatus
	// LockedBy holds the offer id of an in-flight settlement. Zero when
	// unlocked.
	LockedBy   [32]byte
	CreatedAt  int64
	UpdatedAt  int64
	Version    uint32
	Attributes []Attribute
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Asset = l.Asset.Clone()
	clone.MinPrice = cloneBigInt(l.MinPrice)
	clone.Attributes = cloneAttributes(l.Attributes)
	return &clone
}

// Locked reports whether a settlement currently holds the listing.
func (l *Listing) Locked() bool { return l != nil && l.LockedBy != ([32]byte{}) }

// Attribute returns the value of a migration-added field.
func (l *Listing) Attribute(key string) (string, bool) { return lookupAttribute(l.Attributes, key) }

// SetAttribute adds or replaces a migration-added field.
func (l *Listing) SetAttribute(key, value string) { l.Attributes = setAttribute(l.Attributes, key, value) }

// Offer is a prospective buyer's bid against a listing.
type Offer struct {
	ID           [32]byte
	ListingID    [32]byte
	Buyer        [20]byte
	PaymentToken [20]byte
	Amount       *big.Int
	Status       OfferStatus
	// ExpiresAt is a unix timestamp; zero means the offer never expires.
	ExpiresAt  int64
	CreatedAt  int64
	UpdatedAt  int64
	Version    uint32
	Attributes []Attribute
}

func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Amount = cloneBigInt(o.Amount)
	clone.Attributes = cloneAttributes(o.Attributes)
	return &clone
}

// ExpiredAt reports whether the offer's expiry has elapsed at the given time.
func (o *Offer) ExpiredAt(now int64) bool {
	return o != nil && o.ExpiresAt > 0 && now >= o.ExpiresAt
}

func (o *Offer) Attribute(key string) (string, bool) { return lookupAttribute(o.Attributes, key) }

func (o *Offer) SetAttribute(key, value string) { o.Attributes = setAttribute(o.Attributes, key, value) }

// EscrowRecord is the durable intent log of one in-flight settlement. It is
// keyed by offer id and deleted only after the trade has been fully applied.
type EscrowRecord struct {
	OfferID      [32]byte
	ListingID    [32]byte
	Asset        AssetRef
	Buyer        [20]byte
	Seller       [20]byte
	PaymentToken [20]byte
	Amount       *big.Int
	Phase        EscrowPhase
	CreatedAt    int64
	Version      uint32
}

func (r *EscrowRecord) Clone() *EscrowRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Asset = r.Asset.Clone()
	clone.Amount = cloneBigInt(r.Amount)
	return &clone
}

// SettlementEntry is an immutable audit record of one accepted trade.
type SettlementEntry struct {
	Sequence     uint64
	ListingID    [32]byte
	OfferID      [32]byte
	Asset        AssetRef
	Seller       [20]byte
	Buyer        [20]byte
	PaymentToken [20]byte
	Amount       *big.Int
	Timestamp    int64
	Version      uint32
}

func (s *SettlementEntry) Clone() *SettlementEntry {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Asset = s.Asset.Clone()
	clone.Amount = cloneBigInt(s.Amount)
	return &clone
}

// Deployment captures the one-time initialisation of a marketplace instance.
type Deployment struct {
	ID             string
	Admin          [20]byte
	InitialVersion uint32
	CreatedAt      int64
}

func (d *Deployment) Clone() *Deployment {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// UpgradeRecord is one entry of the append-only upgrade history.
type UpgradeRecord struct {
	FromVersion uint32
	ToVersion   uint32
	Admin       [20]byte
	At          int64
}

// SanitizeListing validates a listing definition and returns a normalised
// clone with non-nil amount fields. The original value is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("market: nil listing")
	}
	clone := l.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("market: invalid listing status: %d", clone.Status)
	}
	if clone.MinPrice.Sign() < 0 {
		return nil, fmt.Errorf("market: listing min price must be non-negative")
	}
	if clone.Asset.TokenID.Sign() < 0 {
		return nil, fmt.Errorf("market: listing token id must be non-negative")
	}
	return clone, nil
}

// SanitizeOffer validates an offer definition and returns a normalised clone.
func SanitizeOffer(o *Offer) (*Offer, error) {
	if o == nil {
		return nil, fmt.Errorf("market: nil offer")
	}
	clone := o.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("market: invalid offer status: %d", clone.Status)
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("market: offer amount must be non-negative")
	}
	if clone.ExpiresAt < 0 {
		return nil, fmt.Errorf("market: offer expiry must be non-negative")
	}
	return clone, nil
}

// SanitizeEscrowRecord validates an escrow record and returns a clone.
func SanitizeEscrowRecord(r *EscrowRecord) (*EscrowRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("market: nil escrow record")
	}
	clone := r.Clone()
	if !clone.Phase.Valid() {
		return nil, fmt.Errorf("market: invalid escrow phase: %d", clone.Phase)
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("market: escrow amount must be positive")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// checkUint256 rejects negative values and values that do not fit the EVM
// word size used by payment tokens and collections.
func checkUint256(field string, v *big.Int, allowZero bool) error {
	if v == nil {
		return fmt.Errorf("%w: %s required", ErrValidationFailed, field)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: %s must be non-negative", ErrValidationFailed, field)
	}
	if !allowZero && v.Sign() == 0 {
		return fmt.Errorf("%w: %s must be positive", ErrValidationFailed, field)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("%w: %s exceeds 256 bits", ErrValidationFailed, field)
	}
	return nil
}
