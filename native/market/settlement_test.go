package market_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"rlfmarket/native/market"
)

func TestAcceptSettlesBothLegs(t *testing.T) {
	h := newHarness(t)
	a1 := h.mintAsset(1, seller)
	h.fund(buyer1, 10)
	h.fund(buyer2, 12)

	listingID := h.list(a1, 10)
	o1 := h.offer(listingID, buyer1, 10)
	o2 := h.offer(listingID, buyer2, 12)

	entry, err := h.engine.AcceptOffer(context.Background(), o2, seller)
	require.NoError(t, err)
	require.Equal(t, uint64(0), entry.Sequence)
	require.Equal(t, o2, entry.OfferID)
	require.Equal(t, buyer2, entry.Buyer)
	require.Equal(t, int64(12), entry.Amount.Int64())

	require.Equal(t, market.ListingSold, h.listing(listingID).Status)
	require.False(t, h.listing(listingID).Locked())
	require.Equal(t, market.OfferAccepted, h.offerStatus(o2))
	require.Equal(t, market.OfferExpired, h.offerStatus(o1))
	require.Equal(t, buyer2, h.owner(a1))
	require.Equal(t, int64(12), h.balance(seller))
	require.Equal(t, int64(0), h.balance(buyer2))
	require.Equal(t, int64(10), h.balance(buyer1))

	pending, err := h.engine.PendingEscrows()
	require.NoError(t, err)
	require.Empty(t, pending)

	_, ok, err := h.engine.ActiveListingFor(a1)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 1, h.recorder.Count(market.EventTypeTradeSettled))
	require.Equal(t, 1, h.recorder.Count(market.EventTypeListingSold))
	require.Equal(t, 1, h.recorder.Count(market.EventTypeEscrowPaid))

	byOffer, err := h.engine.SettlementByOffer(o2)
	require.NoError(t, err)
	require.Equal(t, entry.Sequence, byOffer.Sequence)

	// The new owner can list the asset again.
	_, err = h.engine.CreateListing(context.Background(), a1, buyer2, tokenT, big.NewInt(1))
	require.NoError(t, err)
}

func TestAcceptAfterCancelHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(2, seller)
	h.fund(buyer1, 50)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 20)

	require.NoError(t, h.engine.CancelListing(listingID, seller))

	_, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrListingNotActive)
	require.ErrorIs(t, err, market.ErrOfferNotOpen)
	require.ErrorIs(t, err, market.ErrInvalidState)
	require.Equal(t, "ListingNotActive", market.Code(err))

	require.Equal(t, int64(50), h.balance(buyer1))
	require.Equal(t, int64(0), h.balance(seller))
	require.Equal(t, seller, h.owner(asset))
	require.Equal(t, market.ListingCancelled, h.listing(listingID).Status)
	require.Zero(t, h.recorder.Count(market.EventTypeEscrowLocked))
}

func TestAcceptPreconditions(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(3, seller)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	_, err := h.engine.AcceptOffer(context.Background(), [32]byte{0xEE}, seller)
	require.ErrorIs(t, err, market.ErrNotFound)

	_, err = h.engine.AcceptOffer(context.Background(), offerID, buyer1)
	require.ErrorIs(t, err, market.ErrNotSeller)
	require.ErrorIs(t, err, market.ErrUnauthorized)

	require.NoError(t, h.engine.CancelOffer(offerID, buyer1))
	_, err = h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrOfferNotOpen)
	require.Equal(t, market.ListingActive, h.listing(listingID).Status)
}

func TestConcurrentAcceptIsRejectedWhileLocked(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(4, seller)
	h.fund(buyer1, 10)
	h.fund(buyer2, 10)
	listingID := h.list(asset, 10)
	o1 := h.offer(listingID, buyer1, 10)
	o2 := h.offer(listingID, buyer2, 10)

	gate := &gatedLedger{FungibleLedger: h.ledger, entered: make(chan struct{}), release: make(chan struct{})}
	h.engine.SetLedger(gate)

	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = h.engine.AcceptOffer(context.Background(), o1, seller)
	}()
	<-gate.entered

	_, err := h.engine.AcceptOffer(context.Background(), o2, seller)
	require.ErrorIs(t, err, market.ErrLocked)
	require.Equal(t, "Locked", market.Code(err))
	require.ErrorIs(t, h.engine.CancelListing(listingID, seller), market.ErrLocked)
	require.ErrorIs(t, h.engine.CancelOffer(o1, buyer1), market.ErrLocked)
	_, err = h.engine.MakeOffer(listingID, stranger, tokenT, big.NewInt(15), 0)
	require.ErrorIs(t, err, market.ErrLocked)
	_, err = h.engine.Upgrade(admin, 2, market.Migration{})
	require.ErrorIs(t, err, market.ErrEscrowInProgress)

	// Offers on the locked listing other than the one settling stay cancellable.
	require.NoError(t, h.engine.CancelOffer(o2, buyer2))

	close(gate.release)
	wg.Wait()
	require.NoError(t, firstErr)

	_, err = h.engine.AcceptOffer(context.Background(), o2, seller)
	require.ErrorIs(t, err, market.ErrListingNotActive)
	require.Equal(t, buyer1, h.owner(asset))
	require.Equal(t, int64(10), h.balance(seller))
}

func TestParallelAcceptsExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(5, seller)
	h.fund(buyer1, 10)
	h.fund(buyer2, 10)
	listingID := h.list(asset, 10)
	offers := [][32]byte{h.offer(listingID, buyer1, 10), h.offer(listingID, buyer2, 10)}

	var wg sync.WaitGroup
	errs := make([]error, len(offers))
	for i, id := range offers {
		wg.Add(1)
		go func(i int, id [32]byte) {
			defer wg.Done()
			_, errs[i] = h.engine.AcceptOffer(context.Background(), id, seller)
		}(i, id)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.True(t, errors.Is(err, market.ErrLocked) || errors.Is(err, market.ErrListingNotActive), err)
	}
	require.Equal(t, 1, wins)
	require.Equal(t, int64(10), h.balance(seller))
	require.Equal(t, int64(10), h.balance(buyer1)+h.balance(buyer2))

	entries, err := h.engine.Settlements(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPaymentFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(6, seller)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 25)

	_, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrInsufficientBalance)
	require.ErrorIs(t, err, market.ErrResourceFailure)

	listing := h.listing(listingID)
	require.Equal(t, market.ListingActive, listing.Status)
	require.False(t, listing.Locked())
	require.Equal(t, market.OfferOpen, h.offerStatus(offerID))
	require.Equal(t, seller, h.owner(asset))
	require.Zero(t, h.flaky.transfers)
	pending, err := h.engine.PendingEscrows()
	require.NoError(t, err)
	require.Empty(t, pending)

	h.fund(buyer1, 25)
	_, err = h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.NoError(t, err)
	require.Equal(t, buyer1, h.owner(asset))
}

func TestOwnershipChangeFailsClosed(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(7, seller)
	h.fund(buyer1, 10)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	// The asset leaves the seller outside the marketplace.
	require.NoError(t, h.registry.Transfer(context.Background(), asset, seller, stranger))

	_, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrOwnershipChanged)
	require.Equal(t, "OwnershipChanged", market.Code(err))
	require.Equal(t, int64(10), h.balance(buyer1))
	require.False(t, h.listing(listingID).Locked())
	require.Equal(t, 1, h.recorder.Count(market.EventTypeEscrowReleased))
}

func TestCancelledContextBeforePaymentAborts(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(8, seller)
	h.fund(buyer1, 10)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.AcceptOffer(ctx, offerID, seller)
	require.ErrorIs(t, err, market.ErrResourceFailure)
	require.Equal(t, int64(10), h.balance(buyer1))
	require.False(t, h.listing(listingID).Locked())
}

func TestAssetFailureLeavesPaidRecordForResume(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(9, seller)
	h.fund(buyer1, 30)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 30)

	h.flaky.setFailures(2)
	_, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrResourceFailure)
	require.ErrorIs(t, err, errUnavailable)

	// Paid but not delivered: funds moved once, the record holds the intent.
	require.Equal(t, int64(0), h.balance(buyer1))
	require.Equal(t, int64(30), h.balance(seller))
	require.Equal(t, seller, h.owner(asset))
	pending, err := h.engine.PendingEscrows()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, market.EscrowPaid, pending[0].Phase)
	require.True(t, h.listing(listingID).Locked())
	require.ErrorIs(t, h.engine.CancelListing(listingID, seller), market.ErrLocked)

	entry, err := h.engine.ResumeSettlement(context.Background(), offerID)
	require.NoError(t, err)
	require.Equal(t, int64(30), entry.Amount.Int64())
	require.Equal(t, buyer1, h.owner(asset))
	require.Equal(t, int64(30), h.balance(seller))
	require.Equal(t, market.ListingSold, h.listing(listingID).Status)

	again, err := h.engine.ResumeSettlement(context.Background(), offerID)
	require.NoError(t, err)
	require.Equal(t, entry.Sequence, again.Sequence)
	entries, err := h.engine.Settlements(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestResumeWhenAssetAlreadyDelivered(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(10, seller)
	h.fund(buyer1, 10)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	h.flaky.setFailures(2)
	_, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrResourceFailure)

	// The transfer landed even though the registry reported a failure.
	require.NoError(t, h.registry.Transfer(context.Background(), asset, seller, buyer1))
	transfers := h.flaky.transfers

	_, err = h.engine.ResumeSettlement(context.Background(), offerID)
	require.NoError(t, err)
	require.Equal(t, transfers, h.flaky.transfers)
	require.Equal(t, buyer1, h.owner(asset))
	require.Equal(t, int64(10), h.balance(seller))
}

func TestResumeRejectsUnknownAndUnpaid(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ResumeSettlement(context.Background(), [32]byte{0x42})
	require.ErrorIs(t, err, market.ErrNotFound)

	asset := h.mintAsset(11, seller)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)
	require.NoError(t, h.state.MarketEscrowPut(&market.EscrowRecord{
		OfferID:      offerID,
		ListingID:    listingID,
		Asset:        asset,
		Buyer:        buyer1,
		Seller:       seller,
		PaymentToken: tokenT,
		Amount:       big.NewInt(10),
		Phase:        market.EscrowLocked,
	}))
	_, err = h.engine.ResumeSettlement(context.Background(), offerID)
	require.ErrorIs(t, err, market.ErrInvalidState)
}

func TestForeignOwnerHaltsSettlement(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(12, seller)
	h.fund(buyer1, 10)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	h.flaky.beforeTransfer = func() {
		_ = h.registry.Transfer(context.Background(), asset, seller, stranger)
	}
	_, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrInvariantViolation)
	require.Equal(t, "InvariantViolation", market.Code(err))

	pending, err := h.engine.PendingEscrows()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, market.EscrowHalted, pending[0].Phase)
	require.Equal(t, 1, h.recorder.Count(market.EventTypeEscrowHalted))

	_, err = h.engine.ResumeSettlement(context.Background(), offerID)
	require.ErrorIs(t, err, market.ErrInvariantViolation)

	report, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, [][32]byte{offerID}, report.Halted)
	require.Empty(t, report.Completed)
	require.True(t, h.listing(listingID).Locked())
	require.Equal(t, stranger, h.owner(asset))
}

func TestRecoverAfterRestart(t *testing.T) {
	h := newHarness(t)

	paidAsset := h.mintAsset(13, seller)
	h.fund(buyer1, 10)
	paidListing := h.list(paidAsset, 10)
	paidOffer := h.offer(paidListing, buyer1, 10)
	h.flaky.setFailures(2)
	_, err := h.engine.AcceptOffer(context.Background(), paidOffer, seller)
	require.ErrorIs(t, err, market.ErrResourceFailure)

	// A crash right after step one leaves a Locked record behind.
	lockedAsset := h.mintAsset(14, seller)
	lockedListing := h.list(lockedAsset, 10)
	lockedOffer := h.offer(lockedListing, buyer2, 10)
	require.NoError(t, h.state.MarketEscrowPut(&market.EscrowRecord{
		OfferID:      lockedOffer,
		ListingID:    lockedListing,
		Asset:        lockedAsset,
		Buyer:        buyer2,
		Seller:       seller,
		PaymentToken: tokenT,
		Amount:       big.NewInt(10),
		Phase:        market.EscrowLocked,
	}))
	stored, ok, err := h.state.MarketListingGet(lockedListing)
	require.NoError(t, err)
	require.True(t, ok)
	stored.LockedBy = lockedOffer
	require.NoError(t, h.state.MarketListingPut(stored))

	restarted := h.newEngine()
	report, err := restarted.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, [][32]byte{paidOffer}, report.Completed)
	require.Equal(t, [][32]byte{lockedOffer}, report.RolledBack)
	require.Empty(t, report.Pending)
	require.Empty(t, report.Halted)

	require.Equal(t, buyer1, h.owner(paidAsset))
	relocked, err := restarted.GetListing(lockedListing)
	require.NoError(t, err)
	require.False(t, relocked.Locked())
	require.Equal(t, market.ListingActive, relocked.Status)

	pending, err := restarted.PendingEscrows()
	require.NoError(t, err)
	require.Empty(t, pending)

	// A second pass has nothing left to do.
	report, err = restarted.Recover(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Completed)
	require.Empty(t, report.RolledBack)
}

func TestRecoverReportsStillFailingAsPending(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(15, seller)
	h.fund(buyer1, 10)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	h.flaky.setFailures(4)
	_, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrResourceFailure)

	report, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, [][32]byte{offerID}, report.Pending)

	report, err = h.engine.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, [][32]byte{offerID}, report.Completed)
}

func TestSettlementsPaging(t *testing.T) {
	h := newHarness(t)
	for i := uint64(0); i < 3; i++ {
		asset := h.mintAsset(20+i, seller)
		h.fund(buyer1, 10)
		listingID := h.list(asset, 10)
		offerID := h.offer(listingID, buyer1, 10)
		_, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
		require.NoError(t, err)
	}
	page, err := h.engine.Settlements(1, 5)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(1), page[0].Sequence)
	require.Equal(t, uint64(2), page[1].Sequence)

	empty, err := h.engine.Settlements(3, 5)
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = h.engine.SettlementByOffer([32]byte{0x01})
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestAcceptRequiresAssetAuthorityBeforePayment(t *testing.T) {
	h := newHarness(t)
	operator := [20]byte{0x0F}
	h.engine.SetRegistry(h.registry.ForOperator(operator))
	asset := h.mintAsset(20, seller)
	h.fund(buyer1, 10)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	_, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrInsufficientAuthority)
	require.Equal(t, "InsufficientAuthority", market.Code(err))

	require.Equal(t, int64(10), h.balance(buyer1))
	require.Equal(t, int64(0), h.balance(seller))
	require.Equal(t, seller, h.owner(asset))
	require.False(t, h.listing(listingID).Locked())
	require.Equal(t, market.OfferOpen, h.offerStatus(offerID))
	require.Zero(t, h.recorder.Count(market.EventTypeEscrowPaid))
	pending, err := h.engine.PendingEscrows()
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = h.engine.ResumeSettlement(context.Background(), offerID)
	require.ErrorIs(t, err, market.ErrNotFound)

	require.NoError(t, h.registry.SetApprovalForAll(collection, seller, operator, true))
	_, err = h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.NoError(t, err)
	require.Equal(t, buyer1, h.owner(asset))
	require.Equal(t, int64(10), h.balance(seller))
}

func TestPaidPhaseWriteFailureStillDelivers(t *testing.T) {
	h := newHarness(t)
	h.engine.SetState(paidWriteFailer{h.state})
	asset := h.mintAsset(21, seller)
	h.fund(buyer1, 10)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	entry, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.NoError(t, err)
	require.Equal(t, offerID, entry.OfferID)
	require.Equal(t, buyer1, h.owner(asset))
	require.Equal(t, int64(0), h.balance(buyer1))
	require.Equal(t, int64(10), h.balance(seller))
	require.Equal(t, market.ListingSold, h.listing(listingID).Status)

	pending, err := h.engine.PendingEscrows()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestUnconfirmedPaymentIsHaltedNotRolledBack(t *testing.T) {
	h := newHarness(t)
	h.engine.SetState(paidWriteFailer{h.state})
	asset := h.mintAsset(22, seller)
	h.fund(buyer1, 20)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	h.flaky.setFailures(2)
	_, err := h.engine.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrResourceFailure)
	require.ErrorIs(t, err, errDiskFull)
	require.Equal(t, "ResourceFailure", market.Code(err))
	require.Equal(t, int64(10), h.balance(buyer1))
	require.Equal(t, int64(10), h.balance(seller))

	pending, err := h.engine.PendingEscrows()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, market.EscrowPaying, pending[0].Phase)

	// After a restart nothing proves the payment landed, so the record is
	// halted rather than reopened for a second charge.
	restarted := h.newEngine()
	report, err := restarted.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, [][32]byte{offerID}, report.Halted)
	require.Empty(t, report.RolledBack)
	require.Empty(t, report.Completed)
	require.Equal(t, 1, h.recorder.Count(market.EventTypeEscrowHalted))

	require.True(t, h.listing(listingID).Locked())
	_, err = restarted.AcceptOffer(context.Background(), offerID, seller)
	require.ErrorIs(t, err, market.ErrLocked)
	_, err = restarted.ResumeSettlement(context.Background(), offerID)
	require.ErrorIs(t, err, market.ErrInvariantViolation)
	_, err = restarted.Upgrade(admin, 2, market.Migration{})
	require.ErrorIs(t, err, market.ErrEscrowInProgress)

	require.Equal(t, int64(10), h.balance(buyer1))
	require.Equal(t, int64(10), h.balance(seller))
	require.Equal(t, seller, h.owner(asset))
}

func TestRecoverCompletesUnconfirmedPaymentOnceDelivered(t *testing.T) {
	h := newHarness(t)
	asset := h.mintAsset(23, seller)
	h.fund(buyer1, 10)
	listingID := h.list(asset, 10)
	offerID := h.offer(listingID, buyer1, 10)

	// A crash after both legs landed but before the phase was recorded.
	require.NoError(t, h.state.MarketEscrowPut(&market.EscrowRecord{
		OfferID:      offerID,
		ListingID:    listingID,
		Asset:        asset,
		Buyer:        buyer1,
		Seller:       seller,
		PaymentToken: tokenT,
		Amount:       big.NewInt(10),
		Phase:        market.EscrowPaying,
	}))
	stored, _, err := h.state.MarketListingGet(listingID)
	require.NoError(t, err)
	stored.LockedBy = offerID
	require.NoError(t, h.state.MarketListingPut(stored))
	require.NoError(t, h.ledger.Transfer(context.Background(), tokenT, buyer1, seller, big.NewInt(10)))
	require.NoError(t, h.registry.Transfer(context.Background(), asset, seller, buyer1))

	report, err := h.newEngine().Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, [][32]byte{offerID}, report.Completed)
	require.Empty(t, report.Halted)
	require.Equal(t, market.ListingSold, h.listing(listingID).Status)
	require.Equal(t, market.OfferAccepted, h.offerStatus(offerID))
	require.Equal(t, int64(10), h.balance(seller))

	entry, err := h.engine.SettlementByOffer(offerID)
	require.NoError(t, err)
	require.Equal(t, buyer1, entry.Buyer)
}
