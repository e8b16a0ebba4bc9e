package market_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"rlfmarket/native/market"
)

func TestMakeOfferValidation(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(1, seller)
	listingID := h.list(asset, 10)

	_, err := h.engine.MakeOffer(listingID, seller, tokenT, big.NewInt(10), 0)
	require.ErrorIs(t, err, market.ErrSelfOffer)
	require.ErrorIs(t, err, market.ErrValidationFailed)

	_, err = h.engine.MakeOffer(listingID, buyer1, tokenU, big.NewInt(10), 0)
	require.ErrorIs(t, err, market.ErrTokenMismatch)

	_, err = h.engine.MakeOffer(listingID, buyer1, tokenT, big.NewInt(9), 0)
	require.ErrorIs(t, err, market.ErrBelowMinimum)
	require.ErrorIs(t, err, market.ErrValidationFailed)
	require.Equal(t, "BelowMinimum", market.Code(err))

	_, err = h.engine.MakeOffer(listingID, buyer1, tokenT, big.NewInt(0), 0)
	require.ErrorIs(t, err, market.ErrValidationFailed)

	_, err = h.engine.MakeOffer(listingID, buyer1, tokenT, big.NewInt(10), h.now)
	require.ErrorIs(t, err, market.ErrValidationFailed)

	_, err = h.engine.MakeOffer([32]byte{0x77}, buyer1, tokenT, big.NewInt(10), 0)
	require.ErrorIs(t, err, market.ErrNotFound)

	offers, err := h.engine.ListingOffers(listingID)
	require.NoError(t, err)
	require.Empty(t, offers)
	require.Zero(t, h.recorder.Count(market.EventTypeOfferCreated))
}

func TestRepeatOfferReplacesAmount(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(2, seller)
	listingID := h.list(asset, 10)

	first := h.offer(listingID, buyer1, 10)
	second, err := h.engine.MakeOffer(listingID, buyer1, tokenT, big.NewInt(15), h.now+60)
	require.NoError(t, err)
	require.Equal(t, first, second)

	offer, err := h.engine.GetOffer(first)
	require.NoError(t, err)
	require.Equal(t, int64(15), offer.Amount.Int64())
	require.Equal(t, h.now+60, offer.ExpiresAt)

	other := h.offer(listingID, buyer2, 11)
	require.NotEqual(t, first, other)

	offers, err := h.engine.ListingOffers(listingID)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	require.Equal(t, 1, h.recorder.Count(market.EventTypeOfferUpdated))

	// Once cancelled, a new offer from the same buyer gets a fresh id.
	require.NoError(t, h.engine.CancelOffer(first, buyer1))
	fresh := h.offer(listingID, buyer1, 12)
	require.NotEqual(t, first, fresh)
}

func TestCancelOffer(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(3, seller)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	err := h.engine.CancelOffer(offerID, buyer2)
	require.ErrorIs(t, err, market.ErrNotBuyer)
	require.Equal(t, "NotBuyer", market.Code(err))

	require.NoError(t, h.engine.CancelOffer(offerID, buyer1))
	require.Equal(t, market.OfferCancelled, h.offerStatus(offerID))

	err = h.engine.CancelOffer(offerID, buyer1)
	require.ErrorIs(t, err, market.ErrInvalidState)

	_, err = h.engine.GetOffer([32]byte{0x01})
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestOfferExpiry(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(4, seller)
	h.fund(buyer1, 10)
	listingID := h.list(asset, 10)

	offerID, err := h.engine.MakeOffer(listingID, buyer1, tokenT, big.NewInt(10), h.now+100)
	require.NoError(t, err)
	lasting := h.offer(listingID, buyer2, 10)

	require.ErrorIs(t, h.engine.ExpireOffer(offerID, h.now), market.ErrInvalidState)

	// Past its expiry an offer can no longer be accepted, swept or not.
	h.now += 101
	_, err = h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrOfferNotOpen)

	swept, err := h.engine.SweepExpired(h.now)
	require.NoError(t, err)
	require.Equal(t, 1, swept)
	require.Equal(t, market.OfferExpired, h.offerStatus(offerID))
	require.Equal(t, market.OfferOpen, h.offerStatus(lasting))

	// Expiring a terminal offer is a no-op.
	require.NoError(t, h.engine.ExpireOffer(offerID, h.now))
	swept, err = h.engine.SweepExpired(h.now)
	require.NoError(t, err)
	require.Zero(t, swept)
}

func TestCancelListingExpiresOpenOffers(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(5, seller)
	listingID := h.list(asset, 10)
	o1 := h.offer(listingID, buyer1, 10)
	o2 := h.offer(listingID, buyer2, 12)
	require.NoError(t, h.engine.CancelOffer(o2, buyer2))

	require.ErrorIs(t, h.engine.CancelListing(listingID, buyer1), market.ErrNotSeller)
	require.NoError(t, h.engine.CancelListing(listingID, seller))

	require.Equal(t, market.ListingCancelled, h.listing(listingID).Status)
	require.Equal(t, market.OfferExpired, h.offerStatus(o1))
	require.Equal(t, market.OfferCancelled, h.offerStatus(o2))

	for _, id := range [][32]byte{o1, o2} {
		_, err := h.engine.AcceptOffer(context.Background(), id, seller)
		require.ErrorIs(t, err, market.ErrOfferNotOpen)
	}
	require.ErrorIs(t, h.engine.CancelListing(listingID, seller), market.ErrInvalidState)

	_, err := h.engine.MakeOffer(listingID, buyer1, tokenT, big.NewInt(10), 0)
	require.ErrorIs(t, err, market.ErrListingNotActive)
}
