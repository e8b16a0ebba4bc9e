package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	settlementPathDirect    = "direct"
	settlementPathRecovered = "recovered"
)

// RecoveryReport summarises one Recover pass over the escrow intent log.
type RecoveryReport struct {
	// Completed settlements had paid and now have the asset delivered.
	Completed [][32]byte
	// RolledBack settlements never reached payment and were unlocked.
	RolledBack [][32]byte
	// Pending settlements are paid but the asset leg still fails.
	Pending [][32]byte
	// Halted settlements need operator intervention.
	Halted [][32]byte
}

// AcceptOffer settles an open offer: the buyer pays the seller through the
// ledger and the asset moves from seller to buyer through the registry. Only
// the listing seller may accept.
//
// Payment always happens before custody moves and the escrow record outlives
// a failure between the two, so the trade is either fully applied, not
// applied at all, or left Paid (or Paying) for ResumeSettlement/Recover to
// finish. The registry is asked up front whether the asset leg is authorised
// so a buyer is never charged for an asset the marketplace cannot move. Once
// payment has committed, cancelling ctx no longer interrupts the settlement.
func (e *Engine) AcceptOffer(ctx context.Context, offerID [32]byte, caller [20]byte) (*SettlementEntry, error) {
	entry, err := e.acceptOffer(ctx, offerID, caller)
	return entry, e.record("accept_offer", err)
}

func (e *Engine) acceptOffer(ctx context.Context, offerID [32]byte, caller [20]byte) (*SettlementEntry, error) {
	start := time.Now()
	if err := e.guard(); err != nil {
		return nil, err
	}
	if e.registry == nil || e.ledger == nil {
		return nil, fmt.Errorf("%w: settlement collaborators not configured", ErrResourceFailure)
	}
	rec, err := e.openEscrow(offerID, caller)
	if err != nil {
		return nil, err
	}

	owner, err := e.OwnerOf(ctx, rec.Asset)
	if err != nil {
		return nil, e.abort(rec, err)
	}
	if owner != rec.Seller {
		return nil, e.abort(rec, fmt.Errorf("%w: %s now owned by 0x%x", ErrOwnershipChanged, rec.Asset, owner))
	}
	// The asset leg must be able to succeed before the buyer is charged.
	if err := e.registry.CanTransfer(ctx, rec.Asset, rec.Seller); err != nil {
		return nil, e.abort(rec, wrapResource(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, e.abort(rec, fmt.Errorf("%w: %w", ErrResourceFailure, err))
	}
	if err := e.setPhase(rec, EscrowPaying); err != nil {
		return nil, e.abort(rec, wrapResource(err))
	}
	if err := e.ledger.Transfer(ctx, rec.PaymentToken, rec.Buyer, rec.Seller, rec.Amount); err != nil {
		return nil, e.abort(rec, wrapResource(err))
	}
	var phaseErr error
	if err := e.setPhase(rec, EscrowPaid); err != nil {
		// Payment is known to have committed, so delivery carries on. The
		// stored record stays Paying and is reconciled by Recover if the rest
		// of the settlement cannot complete either.
		e.logger.Error("escrow phase write failed after payment",
			slog.String("offer", hexID(rec.OfferID)),
			slog.Any("error", err))
		rec.Phase = EscrowPaid
		phaseErr = fmt.Errorf("%w: record paid phase: %w", ErrResourceFailure, err)
	}

	settleCtx := context.WithoutCancel(ctx)
	if err := e.deliverAsset(settleCtx, rec); err != nil {
		return nil, errors.Join(err, phaseErr)
	}
	entry, err := e.finalize(rec, settlementPathDirect, start)
	if err != nil {
		return nil, errors.Join(wrapResource(err), phaseErr)
	}
	return entry, nil
}

// openEscrow validates acceptance preconditions and, in the same critical
// section, writes the escrow record and locks the listing.
func (e *Engine) openEscrow(offerID [32]byte, caller [20]byte) (*EscrowRecord, error) {
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
	listing, err := e.loadListing(offer.ListingID, version)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: listing %s missing", ErrListingNotActive, hexID(offer.ListingID))
	}
	if err != nil {
		return nil, err
	}
	if listing.Status != ListingActive {
		// The cascade has already closed the offer; report both.
		if offer.Status != OfferOpen {
			return nil, fmt.Errorf("%w: listing is %s (%w)", ErrListingNotActive, listing.Status, ErrOfferNotOpen)
		}
		return nil, fmt.Errorf("%w: listing is %s", ErrListingNotActive, listing.Status)
	}
	if listing.Locked() {
		return nil, fmt.Errorf("%w: settlement of offer %s in progress", ErrLocked, hexID(listing.LockedBy))
	}
	if listing.Seller != caller {
		return nil, ErrNotSeller
	}
	now := e.now()
	if offer.ListingID != listing.ID || offer.Status != OfferOpen || offer.ExpiredAt(now) {
		return nil, fmt.Errorf("%w: offer is %s", ErrOfferNotOpen, offer.Status)
	}
	if offer.PaymentToken != listing.PaymentToken {
		return nil, ErrTokenMismatch
	}
	if offer.Amount.Cmp(listing.MinPrice) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrStalePrice, offer.Amount, listing.MinPrice)
	}

	rec := &EscrowRecord{
		OfferID:      offer.ID,
		ListingID:    listing.ID,
		Asset:        listing.Asset.Clone(),
		Buyer:        offer.Buyer,
		Seller:       listing.Seller,
		PaymentToken: listing.PaymentToken,
		Amount:       cloneBigInt(offer.Amount),
		Phase:        EscrowLocked,
		CreatedAt:    now,
		Version:      version,
	}
	if err := e.state.MarketEscrowPut(rec); err != nil {
		return nil, err
	}
	listing.LockedBy = offer.ID
	if err := e.storeListing(listing, version); err != nil {
		if delErr := e.state.MarketEscrowDelete(rec.OfferID); delErr != nil {
			return nil, errors.Join(err, delErr)
		}
		return nil, err
	}
	e.refreshEscrowGauge()
	e.emit(NewEscrowEvent(EventTypeEscrowLocked, rec))
	return rec.Clone(), nil
}

// abort undoes step one of a settlement that never moved funds and returns
// cause, joined with any cleanup failure.
func (e *Engine) abort(rec *EscrowRecord, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.releaseEscrow(rec); err != nil {
		e.logger.Error("escrow rollback failed",
			slog.String("offer", hexID(rec.OfferID)),
			slog.Any("error", err))
		return errors.Join(cause, err)
	}
	return cause
}

// releaseEscrow unlocks the listing and drops the record. Callers must hold mu.
func (e *Engine) releaseEscrow(rec *EscrowRecord) error {
	listing, ok, err := e.state.MarketListingGet(rec.ListingID)
	if err != nil {
		return err
	}
	if ok && listing.LockedBy == rec.OfferID {
		listing.LockedBy = [32]byte{}
		if err := e.state.MarketListingPut(listing); err != nil {
			return err
		}
	}
	if err := e.state.MarketEscrowDelete(rec.OfferID); err != nil {
		return err
	}
	e.refreshEscrowGauge()
	e.emit(NewEscrowEvent(EventTypeEscrowReleased, rec))
	return nil
}

// setPhase persists rec in phase. rec is left unchanged when the write fails.
func (e *Engine) setPhase(rec *EscrowRecord, phase EscrowPhase) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := rec.Clone()
	next.Phase = phase
	if err := e.state.MarketEscrowPut(next); err != nil {
		return err
	}
	rec.Phase = phase
	if phase == EscrowPaid {
		e.emit(NewEscrowEvent(EventTypeEscrowPaid, rec))
	}
	return nil
}

// deliverAsset moves the asset from the captured seller to the captured buyer.
// It is idempotent: when the buyer already holds the asset nothing is
// transferred. An owner that is neither party halts the record.
func (e *Engine) deliverAsset(ctx context.Context, rec *EscrowRecord) error {
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if attempt > 1 {
			e.metrics.IncTransferRetry()
			if e.backoff > 0 {
				time.Sleep(e.backoff)
			}
		}
		owner, err := e.registry.OwnerOf(ctx, rec.Asset)
		if err == nil {
			switch owner {
			case rec.Buyer:
				return nil
			case rec.Seller:
				err = e.registry.Transfer(ctx, rec.Asset, rec.Seller, rec.Buyer)
				if err == nil {
					return nil
				}
			default:
				return e.halt(rec, fmt.Errorf("%w: asset %s owned by 0x%x, expected seller or buyer of offer %s",
					ErrInvariantViolation, rec.Asset, owner, hexID(rec.OfferID)))
			}
		}
		lastErr = err
		e.logger.Warn("asset transfer attempt failed",
			slog.String("offer", hexID(rec.OfferID)),
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", e.attempts),
			slog.Any("error", err))
	}
	return fmt.Errorf("%w: asset transfer for offer %s failed after %d attempts: %w",
		ErrResourceFailure, hexID(rec.OfferID), e.attempts, lastErr)
}

func (e *Engine) halt(rec *EscrowRecord, violation error) error {
	e.mu.Lock()
	rec.Phase = EscrowHalted
	err := e.state.MarketEscrowPut(rec)
	e.mu.Unlock()
	if err == nil {
		e.emit(NewEscrowEvent(EventTypeEscrowHalted, rec))
	}
	e.metrics.IncEscrowHalted()
	e.logger.Error("escrow halted",
		slog.String("offer", hexID(rec.OfferID)),
		slog.String("asset", rec.Asset.String()),
		slog.Any("error", violation))
	if err != nil {
		return errors.Join(violation, err)
	}
	return violation
}

// settleUnconfirmed resolves a record left in the Paying phase, where the
// ledger call may or may not have committed. The asset only ever moves after
// payment, so a buyer holding it proves payment and the settlement completes.
// Anything else is halted for reconciliation; rolling back could charge the
// buyer twice.
func (e *Engine) settleUnconfirmed(ctx context.Context, rec *EscrowRecord, start time.Time) (*SettlementEntry, error) {
	owner, err := e.registry.OwnerOf(ctx, rec.Asset)
	if err != nil {
		return nil, wrapResource(err)
	}
	if owner != rec.Buyer {
		return nil, e.halt(rec, fmt.Errorf("%w: payment outcome for offer %s unknown; reconcile ledger",
			ErrInvariantViolation, hexID(rec.OfferID)))
	}
	rec.Phase = EscrowPaid
	return e.finalize(rec, settlementPathRecovered, start)
}

// finalize applies step four. Every sub-step checks what is already done so a
// replay after a crash converges on the same end state.
func (e *Engine) finalize(rec *EscrowRecord, path string, start time.Time) (*SettlementEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	version, err := e.requireInitialized()
	if err != nil {
		return nil, err
	}

	entry, ok, err := e.state.MarketSettlementByOffer(rec.OfferID)
	if err != nil {
		return nil, err
	}
	appended := false
	if !ok {
		entry = &SettlementEntry{
			ListingID:    rec.ListingID,
			OfferID:      rec.OfferID,
			Asset:        rec.Asset.Clone(),
			Seller:       rec.Seller,
			Buyer:        rec.Buyer,
			PaymentToken: rec.PaymentToken,
			Amount:       cloneBigInt(rec.Amount),
			Timestamp:    e.now(),
			Version:      version,
		}
		seq, err := e.state.MarketSettlementAppend(entry)
		if err != nil {
			return nil, err
		}
		entry.Sequence = seq
		appended = true
	}

	offer, err := e.loadOffer(rec.OfferID, version)
	if err != nil {
		return nil, err
	}
	if offer.Status != OfferAccepted {
		offer.Status = OfferAccepted
		if err := e.storeOffer(offer, version); err != nil {
			return nil, err
		}
		if err := e.releaseOfferIndexes(offer); err != nil {
			return nil, err
		}
		e.emit(NewOfferEvent(EventTypeOfferAccepted, offer))
	}
	expired, err := e.expireListingOffers(rec.ListingID, rec.OfferID, version)
	if err != nil {
		return nil, err
	}
	e.metrics.AddOffersExpired(expired)

	listing, err := e.loadListing(rec.ListingID, version)
	if err != nil {
		return nil, err
	}
	if listing.Status != ListingSold || listing.Locked() {
		listing.Status = ListingSold
		listing.LockedBy = [32]byte{}
		if err := e.storeListing(listing, version); err != nil {
			return nil, err
		}
		assetKey := listing.Asset.Key()
		if active, ok, err := e.state.MarketActiveListing(assetKey); err != nil {
			return nil, err
		} else if ok && active == listing.ID {
			if err := e.state.MarketClearActiveListing(assetKey); err != nil {
				return nil, err
			}
		}
		e.emit(NewListingEvent(EventTypeListingSold, listing))
	}

	if err := e.state.MarketEscrowDelete(rec.OfferID); err != nil {
		return nil, err
	}
	e.refreshEscrowGauge()
	e.emit(NewEscrowEvent(EventTypeEscrowReleased, rec))
	if appended {
		e.emit(NewSettlementEvent(entry))
	}
	e.metrics.ObserveSettlement(path, time.Since(start))
	e.logger.Info("settlement complete",
		slog.String("offer", hexID(rec.OfferID)),
		slog.String("listing", hexID(rec.ListingID)),
		slog.String("path", path),
		slog.Uint64("sequence", entry.Sequence))
	return entry.Clone(), nil
}

// ResumeSettlement replays the asset leg and completion of a paid settlement
// whose asset transfer previously failed. Calling it for an offer that has
// already settled returns the existing log entry.
func (e *Engine) ResumeSettlement(ctx context.Context, offerID [32]byte) (*SettlementEntry, error) {
	entry, err := e.resumeSettlement(ctx, offerID)
	return entry, e.record("resume_settlement", err)
}

func (e *Engine) resumeSettlement(ctx context.Context, offerID [32]byte) (*SettlementEntry, error) {
	start := time.Now()
	if e.registry == nil {
		return nil, fmt.Errorf("%w: asset registry not configured", ErrResourceFailure)
	}
	e.mu.Lock()
	if _, err := e.requireInitialized(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	rec, ok, err := e.state.MarketEscrowGet(offerID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if !ok {
		entry, settled, err := e.state.MarketSettlementByOffer(offerID)
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if settled {
			return entry, nil
		}
		return nil, fmt.Errorf("%w: no settlement in flight for offer %s", ErrNotFound, hexID(offerID))
	}
	e.mu.Unlock()

	switch rec.Phase {
	case EscrowHalted:
		return nil, fmt.Errorf("%w: settlement of offer %s is halted", ErrInvariantViolation, hexID(offerID))
	case EscrowLocked:
		return nil, fmt.Errorf("%w: payment for offer %s not requested", ErrInvalidState, hexID(offerID))
	case EscrowPaying:
		return e.settleUnconfirmed(context.WithoutCancel(ctx), rec, start)
	}
	if err := e.deliverAsset(context.WithoutCancel(ctx), rec); err != nil {
		return nil, err
	}
	return e.finalize(rec, settlementPathRecovered, start)
}

// Recover walks every escrow record left behind by an interrupted process.
// Paid records are completed. Locked records never reached the ledger and
// are rolled back. Paying records complete when the buyer already holds the
// asset and are halted otherwise. Halted records are left untouched.
func (e *Engine) Recover(ctx context.Context) (*RecoveryReport, error) {
	report, err := e.recoverEscrows(ctx)
	return report, e.record("recover", err)
}

func (e *Engine) recoverEscrows(ctx context.Context) (*RecoveryReport, error) {
	records, err := e.PendingEscrows()
	if err != nil {
		return nil, err
	}
	report := &RecoveryReport{}
	for _, rec := range records {
		switch rec.Phase {
		case EscrowHalted:
			report.Halted = append(report.Halted, rec.OfferID)
		case EscrowLocked:
			e.logger.Info("rolling back settlement that never reached payment",
				slog.String("offer", hexID(rec.OfferID)))
			e.mu.Lock()
			err := e.releaseEscrow(rec)
			e.mu.Unlock()
			if err != nil {
				return report, err
			}
			report.RolledBack = append(report.RolledBack, rec.OfferID)
		case EscrowPaid, EscrowPaying:
			if e.registry == nil {
				return report, fmt.Errorf("%w: asset registry not configured", ErrResourceFailure)
			}
			start := time.Now()
			var err error
			if rec.Phase == EscrowPaying {
				_, err = e.settleUnconfirmed(context.WithoutCancel(ctx), rec, start)
			} else if err = e.deliverAsset(context.WithoutCancel(ctx), rec); err == nil {
				_, err = e.finalize(rec, settlementPathRecovered, start)
			}
			switch {
			case err == nil:
				report.Completed = append(report.Completed, rec.OfferID)
			case errors.Is(err, ErrInvariantViolation):
				report.Halted = append(report.Halted, rec.OfferID)
			case errors.Is(err, ErrResourceFailure):
				report.Pending = append(report.Pending, rec.OfferID)
			default:
				return report, err
			}
		}
	}
	return report, nil
}

// PendingEscrows returns every escrow record currently in the intent log.
func (e *Engine) PendingEscrows() ([]*EscrowRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.requireInitialized(); err != nil {
		return nil, err
	}
	ids, err := e.state.MarketEscrowIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*EscrowRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := e.state.MarketEscrowGet(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Settlements returns up to limit log entries starting at sequence from.
func (e *Engine) Settlements(from uint64, limit int) ([]*SettlementEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.requireInitialized(); err != nil {
		return nil, err
	}
	count, err := e.state.MarketSettlementCount()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || from >= count {
		return nil, nil
	}
	end := from + uint64(limit)
	if end > count {
		end = count
	}
	out := make([]*SettlementEntry, 0, end-from)
	for seq := from; seq < end; seq++ {
		entry, ok, err := e.state.MarketSettlementGet(seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: settlement log gap at %d", ErrInvariantViolation, seq)
		}
		out = append(out, entry.Clone())
	}
	return out, nil
}

// SettlementByOffer returns the log entry written when the offer settled.
func (e *Engine) SettlementByOffer(offerID [32]byte) (*SettlementEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.requireInitialized(); err != nil {
		return nil, err
	}
	entry, ok, err := e.state.MarketSettlementByOffer(offerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no settlement for offer %s", ErrNotFound, hexID(offerID))
	}
	return entry.Clone(), nil
}
