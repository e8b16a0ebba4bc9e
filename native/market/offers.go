package market

import (
	"fmt"
	"math/big"
)

// MakeOffer records a bid against an active listing. A buyer holds at most one
// open offer per listing: a repeated call replaces the amount and expiry of
// the existing offer and returns its id. expiresAt is a unix timestamp; zero
// means the offer does not expire.
func (e *Engine) MakeOffer(listingID [32]byte, buyer, paymentToken [20]byte, amount *big.Int, expiresAt int64) ([32]byte, error) {
	id, err := e.makeOffer(listingID, buyer, paymentToken, amount, expiresAt)
	return id, e.record("make_offer", err)
}

func (e *Engine) makeOffer(listingID [32]byte, buyer, paymentToken [20]byte, amount *big.Int, expiresAt int64) ([32]byte, error) {
	if err := e.guard(); err != nil {
		return [32]byte{}, err
	}
	if buyer == ([20]byte{}) {
		return [32]byte{}, fmt.Errorf("%w: buyer required", ErrValidationFailed)
	}
	if err := checkUint256("offer amount", amount, false); err != nil {
		return [32]byte{}, err
	}
	if expiresAt < 0 {
		return [32]byte{}, fmt.Errorf("%w: offer expiry must be non-negative", ErrValidationFailed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return [32]byte{}, err
	}
	listing, err := e.loadListing(listingID, version)
	if err != nil {
		return [32]byte{}, err
	}
	if listing.Status != ListingActive {
		return [32]byte{}, fmt.Errorf("%w: listing is %s", ErrListingNotActive, listing.Status)
	}
	if listing.Locked() {
		return [32]byte{}, fmt.Errorf("%w: settlement of offer %s in progress", ErrLocked, hexID(listing.LockedBy))
	}
	if buyer == listing.Seller {
		return [32]byte{}, ErrSelfOffer
	}
	if paymentToken != listing.PaymentToken {
		return [32]byte{}, ErrTokenMismatch
	}
	if amount.Cmp(listing.MinPrice) < 0 {
		return [32]byte{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, listing.MinPrice)
	}
	now := e.now()
	if expiresAt > 0 && expiresAt <= now {
		return [32]byte{}, fmt.Errorf("%w: offer expiry %d not after %d", ErrValidationFailed, expiresAt, now)
	}

	if existingID, ok, err := e.state.MarketOpenOffer(listingID, buyer); err != nil {
		return [32]byte{}, err
	} else if ok {
		existing, err := e.loadOffer(existingID, version)
		if err != nil {
			return [32]byte{}, err
		}
		if existing.Status == OfferOpen {
			return existing.ID, e.replaceOffer(existing, amount, expiresAt, version)
		}
		if err := e.state.MarketClearOpenOffer(listingID, buyer); err != nil {
			return [32]byte{}, err
		}
	}

	id, err := e.nextID("offer", listingID[:], buyer[:])
	if err != nil {
		return [32]byte{}, err
	}
	offer := &Offer{
		ID:           id,
		ListingID:    listingID,
		Buyer:        buyer,
		PaymentToken: paymentToken,
		Amount:       cloneBigInt(amount),
		Status:       OfferOpen,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
	}
	if err := e.storeOffer(offer, version); err != nil {
		return [32]byte{}, err
	}
	if err := e.state.MarketIndexListingOffer(listingID, id); err != nil {
		return [32]byte{}, err
	}
	if err := e.state.MarketSetOpenOffer(listingID, buyer, id); err != nil {
		return [32]byte{}, err
	}
	if expiresAt > 0 {
		if err := e.state.MarketIndexExpiringOffer(id); err != nil {
			return [32]byte{}, err
		}
	}
	e.emit(NewOfferEvent(EventTypeOfferCreated, offer))
	return id, nil
}

func (e *Engine) replaceOffer(offer *Offer, amount *big.Int, expiresAt int64, version uint32) error {
	offer.Amount = cloneBigInt(amount)
	offer.ExpiresAt = expiresAt
	if err := e.storeOffer(offer, version); err != nil {
		return err
	}
	if expiresAt > 0 {
		if err := e.state.MarketIndexExpiringOffer(offer.ID); err != nil {
			return err
		}
	} else if err := e.state.MarketRemoveExpiringOffer(offer.ID); err != nil {
		return err
	}
	e.emit(NewOfferEvent(EventTypeOfferUpdated, offer))
	return nil
}

// CancelOffer withdraws an open offer. Offers hold no funds, so nothing is
// released.
func (e *Engine) CancelOffer(offerID [32]byte, caller [20]byte) error {
	return e.record("cancel_offer", e.cancelOffer(offerID, caller))
}

func (e *Engine) cancelOffer(offerID [32]byte, caller [20]byte) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID, version)
	if err != nil {
		return err
	}
	if offer.Buyer != caller {
		return ErrNotBuyer
	}
	if offer.Status != OfferOpen {
		return fmt.Errorf("%w: offer is %s", ErrInvalidState, offer.Status)
	}
	if err := e.checkOfferUnlocked(offer); err != nil {
		return err
	}
	offer.Status = OfferCancelled
	if err := e.storeOffer(offer, version); err != nil {
		return err
	}
	if err := e.releaseOfferIndexes(offer); err != nil {
		return err
	}
	e.emit(NewOfferEvent(EventTypeOfferCancelled, offer))
	return nil
}

// ExpireOffer moves an open offer whose expiry has elapsed at now to the
// expired state. Calling it on an already terminal offer is a no-op.
func (e *Engine) ExpireOffer(offerID [32]byte, now int64) error {
	return e.record("expire_offer", e.expireOffer(offerID, now))
}

func (e *Engine) expireOffer(offerID [32]byte, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID, version)
	if err != nil {
		return err
	}
	if offer.Status.Terminal() {
		return nil
	}
	if !offer.ExpiredAt(now) {
		return fmt.Errorf("%w: offer has not expired", ErrInvalidState)
	}
	if err := e.checkOfferUnlocked(offer); err != nil {
		return err
	}
	if err := e.expireOfferLocked(offer, version); err != nil {
		return err
	}
	e.metrics.AddOffersExpired(1)
	return nil
}

// SweepExpired expires every open offer whose expiry has elapsed at now and
// returns how many were expired. Offers under settlement are skipped.
func (e *Engine) SweepExpired(now int64) (int, error) {
	count, err := e.sweepExpired(now)
	return count, e.record("sweep_expired", err)
}

func (e *Engine) sweepExpired(now int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return 0, err
	}
	ids, err := e.state.MarketExpiringOfferIDs()
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		offer, err := e.loadOffer(id, version)
		if err != nil {
			return expired, err
		}
		if offer.Status.Terminal() {
			if err := e.state.MarketRemoveExpiringOffer(id); err != nil {
				return expired, err
			}
			continue
		}
		if !offer.ExpiredAt(now) || e.checkOfferUnlocked(offer) != nil {
			continue
		}
		if err := e.expireOfferLocked(offer, version); err != nil {
			return expired, err
		}
		expired++
	}
	e.metrics.AddOffersExpired(expired)
	return expired, nil
}

// GetOffer returns a snapshot of the offer.
func (e *Engine) GetOffer(offerID [32]byte) (*Offer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return nil, err
	}
	offer, err := e.loadOffer(offerID, version)
	if err != nil {
		return nil, err
	}
	return offer.Clone(), nil
}

// checkOfferUnlocked fails with ErrLocked when this offer is the one being
// settled on its listing. Callers must hold mu.
func (e *Engine) checkOfferUnlocked(offer *Offer) error {
	listing, ok, err := e.state.MarketListingGet(offer.ListingID)
	if err != nil {
		return err
	}
	if ok && listing.LockedBy == offer.ID {
		return fmt.Errorf("%w: offer %s is being settled", ErrLocked, hexID(offer.ID))
	}
	return nil
}

// expireOfferLocked unconditionally moves an open offer to expired. Callers
// must hold mu.
func (e *Engine) expireOfferLocked(offer *Offer, version uint32) error {
	if offer.Status != OfferOpen {
		return nil
	}
	offer.Status = OfferExpired
	if err := e.storeOffer(offer, version); err != nil {
		return err
	}
	if err := e.releaseOfferIndexes(offer); err != nil {
		return err
	}
	e.emit(NewOfferEvent(EventTypeOfferExpired, offer))
	return nil
}

// expireListingOffers expires every open offer on the listing except the one
// named by keep. Callers must hold mu.
func (e *Engine) expireListingOffers(listingID, keep [32]byte, version uint32) (int, error) {
	ids, err := e.state.MarketListingOfferIDs(listingID)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if id == keep {
			continue
		}
		offer, err := e.loadOffer(id, version)
		if err != nil {
			return expired, err
		}
		if offer.Status != OfferOpen {
			continue
		}
		if err := e.expireOfferLocked(offer, version); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (e *Engine) releaseOfferIndexes(offer *Offer) error {
	current, ok, err := e.state.MarketOpenOffer(offer.ListingID, offer.Buyer)
	if err != nil {
		return err
	}
	if ok && current == offer.ID {
		if err := e.state.MarketClearOpenOffer(offer.ListingID, offer.Buyer); err != nil {
			return err
		}
	}
	if offer.ExpiresAt > 0 {
		return e.state.MarketRemoveExpiringOffer(offer.ID)
	}
	return nil
}
