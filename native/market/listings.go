package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
)

// CreateListing puts an asset on the marketplace. The seller must currently
// own the asset and the asset must not already have an active listing. An
// active listing whose seller has since lost the asset off-market is
// withdrawn in favour of the new owner's, unless a settlement holds it.
func (e *Engine) CreateListing(ctx context.Context, asset AssetRef, seller, paymentToken [20]byte, minPrice *big.Int) ([32]byte, error) {
	id, err := e.createListing(ctx, asset, seller, paymentToken, minPrice)
	return id, e.record("create_listing", err)
}

func (e *Engine) createListing(ctx context.Context, asset AssetRef, seller, paymentToken [20]byte, minPrice *big.Int) ([32]byte, error) {
	if err := e.guard(); err != nil {
		return [32]byte{}, err
	}
	if err := asset.Validate(); err != nil {
		return [32]byte{}, err
	}
	if seller == ([20]byte{}) {
		return [32]byte{}, fmt.Errorf("%w: seller required", ErrValidationFailed)
	}
	if paymentToken == ([20]byte{}) {
		return [32]byte{}, fmt.Errorf("%w: payment token required", ErrValidationFailed)
	}
	if err := checkUint256("min price", minPrice, false); err != nil {
		return [32]byte{}, err
	}
	owner, err := e.OwnerOf(ctx, asset)
	if err != nil {
		return [32]byte{}, err
	}
	if owner != seller {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrNotOwner, asset)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return [32]byte{}, err
	}
	assetKey := asset.Key()
	if existingID, ok, err := e.state.MarketActiveListing(assetKey); err != nil {
		return [32]byte{}, err
	} else if ok {
		existing, err := e.loadListing(existingID, version)
		if err != nil {
			return [32]byte{}, err
		}
		switch {
		case existing.Status != ListingActive:
			// Stale index entry left behind by an interrupted transition.
			if err := e.state.MarketClearActiveListing(assetKey); err != nil {
				return [32]byte{}, err
			}
		case existing.Seller == seller:
			return [32]byte{}, fmt.Errorf("%w: %s", ErrAlreadyListed, hexID(existingID))
		case existing.Locked():
			return [32]byte{}, fmt.Errorf("%w: %s (%w: settlement of offer %s in progress)",
				ErrAlreadyListed, hexID(existingID), ErrLocked, hexID(existing.LockedBy))
		default:
			e.logger.Info("withdrawing listing of former owner",
				slog.String("listing", hexID(existing.ID)),
				slog.String("asset", asset.String()))
			if err := e.closeListing(existing, version); err != nil {
				return [32]byte{}, err
			}
		}
	}
	id, err := e.nextID("listing", assetKey[:], seller[:])
	if err != nil {
		return [32]byte{}, err
	}
	now := e.now()
	listing := &Listing{
		ID:           id,
		Asset:        asset.Clone(),
		Seller:       seller,
		PaymentToken: paymentToken,
		MinPrice:     cloneBigInt(minPrice),
		Status:       ListingActive,
		CreatedAt:    now,
	}
	if err := e.storeListing(listing, version); err != nil {
		return [32]byte{}, err
	}
	if err := e.state.MarketSetActiveListing(assetKey, id); err != nil {
		return [32]byte{}, err
	}
	e.emit(NewListingEvent(EventTypeListingCreated, listing))
	return id, nil
}

// CancelListing withdraws an active listing. Only the seller may cancel, and
// every open offer against the listing is expired in the same step.
func (e *Engine) CancelListing(listingID [32]byte, caller [20]byte) error {
	return e.record("cancel_listing", e.cancelListing(listingID, caller))
}

func (e *Engine) cancelListing(listingID [32]byte, caller [20]byte) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return err
	}
	listing, err := e.loadListing(listingID, version)
	if err != nil {
		return err
	}
	if listing.Seller != caller {
		return ErrNotSeller
	}
	if listing.Locked() {
		return fmt.Errorf("%w: settlement of offer %s in progress", ErrLocked, hexID(listing.LockedBy))
	}
	if listing.Status != ListingActive {
		return fmt.Errorf("%w: listing is %s", ErrInvalidState, listing.Status)
	}
	return e.closeListing(listing, version)
}

// closeListing cancels an active listing and expires its open offers.
// Callers must hold mu.
func (e *Engine) closeListing(listing *Listing, version uint32) error {
	listing.Status = ListingCancelled
	if err := e.storeListing(listing, version); err != nil {
		return err
	}
	if err := e.state.MarketClearActiveListing(listing.Asset.Key()); err != nil {
		return err
	}
	expired, err := e.expireListingOffers(listing.ID, [32]byte{}, version)
	if err != nil {
		return err
	}
	e.metrics.AddOffersExpired(expired)
	e.emit(NewListingEvent(EventTypeListingCancelled, listing))
	return nil
}

// GetListing returns a snapshot of the listing.
func (e *Engine) GetListing(listingID [32]byte) (*Listing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return nil, err
	}
	listing, err := e.loadListing(listingID, version)
	if err != nil {
		return nil, err
	}
	return listing.Clone(), nil
}

// ActiveListingFor returns the active listing of an asset, if any.
func (e *Engine) ActiveListingFor(asset AssetRef) (*Listing, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return nil, false, err
	}
	id, ok, err := e.state.MarketActiveListing(asset.Key())
	if err != nil || !ok {
		return nil, false, err
	}
	listing, err := e.loadListing(id, version)
	if err != nil {
		return nil, false, err
	}
	if listing.Status != ListingActive {
		return nil, false, nil
	}
	return listing.Clone(), true, nil
}

// ListingOffers returns every offer ever made against the listing in creation
// order.
func (e *Engine) ListingOffers(listingID [32]byte) ([]*Offer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return nil, err
	}
	if _, err := e.loadListing(listingID, version); err != nil {
		return nil, err
	}
	ids, err := e.state.MarketListingOfferIDs(listingID)
	if err != nil {
		return nil, err
	}
	out := make([]*Offer, 0, len(ids))
	for _, id := range ids {
		offer, err := e.loadOffer(id, version)
		if err != nil {
			return nil, err
		}
		out = append(out, offer.Clone())
	}
	return out, nil
}
