package market

import (
	"encoding/hex"
	"strconv"

	"rlfmarket/core/types"
)

const (
	EventTypeMarketInitialized = "market.initialized"
	EventTypeMarketUpgraded    = "market.upgraded"
	EventTypeMarketPaused      = "market.paused"
	EventTypeAdminTransferred  = "market.admin_transferred"
	EventTypeListingCreated    = "market.listing.created"
	EventTypeListingCancelled  = "market.listing.cancelled"
	EventTypeListingSold       = "market.listing.sold"
	EventTypeOfferCreated      = "market.offer.created"
	EventTypeOfferUpdated      = "market.offer.updated"
	EventTypeOfferCancelled    = "market.offer.cancelled"
	EventTypeOfferExpired      = "market.offer.expired"
	EventTypeOfferAccepted     = "market.offer.accepted"
	EventTypeEscrowLocked      = "market.escrow.locked"
	EventTypeEscrowPaid        = "market.escrow.paid"
	EventTypeEscrowReleased    = "market.escrow.released"
	EventTypeEscrowHalted      = "market.escrow.halted"
	EventTypeTradeSettled      = "market.trade.settled"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// NewListingEvent returns the canonical payload for a listing transition.
func NewListingEvent(eventType string, l *Listing) *types.Event {
	evt := types.NewEvent(eventType)
	if l == nil {
		return evt
	}
	return evt.
		WithHex("listingId", l.ID[:]).
		WithHex("collection", l.Asset.Collection[:]).
		WithAmount("tokenId", l.Asset.TokenID).
		WithHex("seller", l.Seller[:]).
		WithHex("paymentToken", l.PaymentToken[:]).
		WithAmount("minPrice", l.MinPrice).
		With("status", l.Status.String()).
		With("version", strconv.FormatUint(uint64(l.Version), 10))
}

// NewOfferEvent returns the canonical payload for an offer transition.
func NewOfferEvent(eventType string, o *Offer) *types.Event {
	evt := types.NewEvent(eventType)
	if o == nil {
		return evt
	}
	evt.WithHex("offerId", o.ID[:]).
		WithHex("listingId", o.ListingID[:]).
		WithHex("buyer", o.Buyer[:]).
		WithHex("paymentToken", o.PaymentToken[:]).
		WithAmount("amount", o.Amount).
		With("status", o.Status.String())
	if o.ExpiresAt > 0 {
		evt.WithInt("expiresAt", o.ExpiresAt)
	}
	return evt
}

// NewEscrowEvent returns the canonical payload for an escrow phase change.
func NewEscrowEvent(eventType string, r *EscrowRecord) *types.Event {
	evt := types.NewEvent(eventType)
	if r == nil {
		return evt
	}
	return evt.
		WithHex("offerId", r.OfferID[:]).
		WithHex("listingId", r.ListingID[:]).
		WithHex("buyer", r.Buyer[:]).
		WithHex("seller", r.Seller[:]).
		WithAmount("amount", r.Amount).
		With("phase", r.Phase.String())
}

// NewSettlementEvent returns the canonical payload for a completed trade.
func NewSettlementEvent(s *SettlementEntry) *types.Event {
	evt := types.NewEvent(EventTypeTradeSettled)
	if s == nil {
		return evt
	}
	return evt.
		With("sequence", strconv.FormatUint(s.Sequence, 10)).
		WithHex("listingId", s.ListingID[:]).
		WithHex("offerId", s.OfferID[:]).
		WithHex("collection", s.Asset.Collection[:]).
		WithAmount("tokenId", s.Asset.TokenID).
		WithHex("seller", s.Seller[:]).
		WithHex("buyer", s.Buyer[:]).
		WithHex("paymentToken", s.PaymentToken[:]).
		WithAmount("amount", s.Amount).
		WithInt("timestamp", s.Timestamp)
}

func newControlEvent(eventType string, admin [20]byte, attrs map[string]string) *types.Event {
	evt := types.NewEvent(eventType).WithHex("admin", admin[:])
	for k, v := range attrs {
		evt.With(k, v)
	}
	return evt
}

func hexID(id [32]byte) string { return "0x" + hex.EncodeToString(id[:]) }
