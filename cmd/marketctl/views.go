package main

import (
	"rlfmarket/native/market"
)

type assetView struct {
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
}

type listingView struct {
	ID           string            `json:"id"`
	Asset        assetView         `json:"asset"`
	Seller       string            `json:"seller"`
	PaymentToken string            `json:"paymentToken"`
	MinPrice     string            `json:"minPrice"`
	Status       string            `json:"status"`
	LockedBy     string            `json:"lockedBy,omitempty"`
	CreatedAt    int64             `json:"createdAt"`
	UpdatedAt    int64             `json:"updatedAt"`
	Version      uint32            `json:"version"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

type offerView struct {
	ID           string            `json:"id"`
	ListingID    string            `json:"listingId"`
	Buyer        string            `json:"buyer"`
	PaymentToken string            `json:"paymentToken"`
	Amount       string            `json:"amount"`
	Status       string            `json:"status"`
	ExpiresAt    int64             `json:"expiresAt,omitempty"`
	CreatedAt    int64             `json:"createdAt"`
	UpdatedAt    int64             `json:"updatedAt"`
	Version      uint32            `json:"version"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

type settlementView struct {
	Sequence     uint64    `json:"sequence"`
	ListingID    string    `json:"listingId"`
	OfferID      string    `json:"offerId"`
	Asset        assetView `json:"asset"`
	Seller       string    `json:"seller"`
	Buyer        string    `json:"buyer"`
	PaymentToken string    `json:"paymentToken"`
	Amount       string    `json:"amount"`
	Timestamp    int64     `json:"timestamp"`
	Version      uint32    `json:"version"`
}

type escrowView struct {
	OfferID   string    `json:"offerId"`
	ListingID string    `json:"listingId"`
	Asset     assetView `json:"asset"`
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Amount    string    `json:"amount"`
	Phase     string    `json:"phase"`
	CreatedAt int64     `json:"createdAt"`
}

type deploymentView struct {
	ID             string `json:"id"`
	Admin          string `json:"admin"`
	Market         string `json:"marketAddress"`
	InitialVersion uint32 `json:"initialVersion"`
	CreatedAt      int64  `json:"createdAt"`
}

type upgradeView struct {
	FromVersion uint32 `json:"fromVersion"`
	ToVersion   uint32 `json:"toVersion"`
	Admin       string `json:"admin"`
	At          int64  `json:"at"`
	Migration   string `json:"migration,omitempty"`
}

type recoveryView struct {
	Completed  []string `json:"completed"`
	RolledBack []string `json:"rolledBack"`
	Pending    []string `json:"pending"`
	Halted     []string `json:"halted"`
}

func newAssetView(a market.AssetRef) assetView {
	return assetView{Collection: hexAddr(a.Collection), TokenID: a.TokenID.String()}
}

func attributeMap(attrs []market.Attribute) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		out[a.Key] = a.Value
	}
	return out
}

func newListingView(l *market.Listing) listingView {
	view := listingView{
		ID:           hexID(l.ID),
		Asset:        newAssetView(l.Asset),
		Seller:       hexAddr(l.Seller),
		PaymentToken: hexAddr(l.PaymentToken),
		MinPrice:     l.MinPrice.String(),
		Status:       l.Status.String(),
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
		Version:      l.Version,
		Attributes:   attributeMap(l.Attributes),
	}
	if l.Locked() {
		view.LockedBy = hexID(l.LockedBy)
	}
	return view
}

func newOfferView(o *market.Offer) offerView {
	return offerView{
		ID:           hexID(o.ID),
		ListingID:    hexID(o.ListingID),
		Buyer:        hexAddr(o.Buyer),
		PaymentToken: hexAddr(o.PaymentToken),
		Amount:       o.Amount.String(),
		Status:       o.Status.String(),
		ExpiresAt:    o.ExpiresAt,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		Version:      o.Version,
		Attributes:   attributeMap(o.Attributes),
	}
}

func newSettlementView(s *market.SettlementEntry) settlementView {
	return settlementView{
		Sequence:     s.Sequence,
		ListingID:    hexID(s.ListingID),
		OfferID:      hexID(s.OfferID),
		Asset:        newAssetView(s.Asset),
		Seller:       hexAddr(s.Seller),
		Buyer:        hexAddr(s.Buyer),
		PaymentToken: hexAddr(s.PaymentToken),
		Amount:       s.Amount.String(),
		Timestamp:    s.Timestamp,
		Version:      s.Version,
	}
}

func newEscrowView(r *market.EscrowRecord) escrowView {
	return escrowView{
		OfferID:   hexID(r.OfferID),
		ListingID: hexID(r.ListingID),
		Asset:     newAssetView(r.Asset),
		Buyer:     hexAddr(r.Buyer),
		Seller:    hexAddr(r.Seller),
		Amount:    r.Amount.String(),
		Phase:     r.Phase.String(),
		CreatedAt: r.CreatedAt,
	}
}

func idStrings(ids [][32]byte) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, hexID(id))
	}
	return out
}

func newDeploymentView(d *market.Deployment) deploymentView {
	return deploymentView{
		ID:             d.ID,
		Admin:          hexAddr(d.Admin),
		Market:         hexAddr(marketAddress),
		InitialVersion: d.InitialVersion,
		CreatedAt:      d.CreatedAt,
	}
}

func newRecoveryView(r *market.RecoveryReport) recoveryView {
	return recoveryView{
		Completed:  idStrings(r.Completed),
		RolledBack: idStrings(r.RolledBack),
		Pending:    idStrings(r.Pending),
		Halted:     idStrings(r.Halted),
	}
}
