package hold

import (
	"context"
	"encoding/hex"
	"time"

	"holdd/internal/store"
)

const mppScanInterval = 10 * time.Second

// OnBlock feeds a new block height into the engine. Held HTLCs whose expiry
// comes within the configured deadline are failed before the host's own
// enforcement would force close the channel. Heights are only ever applied
// forwards; a reconnecting block feed may replay old notifications.
func (e *Engine) OnBlock(ctx context.Context, height uint32) {
	e.mu.Lock()
	if height <= e.bestHeight {
		e.mu.Unlock()
		return
	}
	e.bestHeight = height
	e.mu.Unlock()

	if e.expiryDeadline == 0 {
		return
	}

	invoices, err := e.store.GetAll(ctx)
	if err != nil {
		e.logger.Printf("could not scan invoices at height %d: %v", height, err)
		return
	}

	for _, invoice := range invoices {
		if invoice.Invoice.State.IsFinal() {
			continue
		}

		var expiring bool
		for _, htlc := range invoice.LiveHtlcs() {
			if htlc.CltvExpiry-height <= e.expiryDeadline || htlc.CltvExpiry <= height {
				expiring = true
				break
			}
		}
		if expiring {
			e.failExpiring(ctx, invoice.Invoice.PaymentHash, height)
		}
	}
}

// failExpiring fails every held HTLC of the invoice that is too close to
// its CLTV expiry. When that empties the live set of an accepted invoice,
// the invoice is cancelled; an unpaid invoice keeps waiting for new parts.
func (e *Engine) failExpiring(ctx context.Context, paymentHash []byte, height uint32) {
	key := hex.EncodeToString(paymentHash)
	release := e.locks.acquire(key)
	defer release()

	hold, err := e.store.GetByPaymentHash(ctx, paymentHash)
	if err != nil || hold == nil || hold.Invoice.State.IsFinal() {
		return
	}

	remaining := 0
	for _, htlc := range hold.LiveHtlcs() {
		if htlc.CltvExpiry > height && htlc.CltvExpiry-height > e.expiryDeadline {
			remaining++
			continue
		}

		if err := e.store.SetHTLCState(ctx, htlc.ID, store.StateCancelled); err != nil {
			e.logger.Printf("could not fail expiring HTLC %s:%d: %v", htlc.Scid, htlc.HtlcID, err)
			remaining++
			continue
		}

		e.resolvers.resolveOne(key, htlcRef{scid: htlc.Scid, htlcID: htlc.HtlcID},
			Resolution{Failure: FailureIncorrectDetails})
		e.logger.Printf("failed expiring HTLC %s:%d of invoice %s at height %d",
			htlc.Scid, htlc.HtlcID, key, height)
	}

	if remaining > 0 || hold.Invoice.State != store.StateAccepted {
		return
	}

	if err := e.store.SetInvoiceState(ctx, hold.Invoice.ID, store.StateCancelled); err != nil {
		e.logger.Printf("could not cancel expired invoice %s: %v", key, err)
		return
	}

	e.logger.Printf("cancelled hold invoice %s: all HTLCs expired", key)
	e.tracker.Publish(Update{
		PaymentHash: hold.Invoice.PaymentHash,
		Bolt11:      hold.Invoice.Bolt11,
		State:       store.StateCancelled,
	})
}

// mppTimeoutLoop fails accumulated parts of invoices that never reached
// their threshold, so payers get their liquidity back instead of waiting
// for the invoice to expire.
func (e *Engine) mppTimeoutLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(mppScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.scanMppTimeouts(context.Background())
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) scanMppTimeouts(ctx context.Context) {
	invoices, err := e.store.GetAll(ctx)
	if err != nil {
		e.logger.Printf("could not scan invoices for MPP timeouts: %v", err)
		return
	}

	cutoff := time.Now().Add(-e.mppTimeout)
	for _, invoice := range invoices {
		if invoice.Invoice.State != store.StateUnpaid {
			continue
		}

		var stale bool
		for _, htlc := range invoice.LiveHtlcs() {
			if htlc.CreatedAt.Before(cutoff) {
				stale = true
				break
			}
		}
		if stale {
			e.failMppSet(ctx, invoice.Invoice.PaymentHash)
		}
	}
}

// failMppSet fails every held part of an unpaid invoice with mpp_timeout.
// The invoice itself stays unpaid and can be paid again.
func (e *Engine) failMppSet(ctx context.Context, paymentHash []byte) {
	key := hex.EncodeToString(paymentHash)
	release := e.locks.acquire(key)
	defer release()

	hold, err := e.store.GetByPaymentHash(ctx, paymentHash)
	if err != nil || hold == nil || hold.Invoice.State != store.StateUnpaid {
		return
	}
	live := hold.LiveHtlcs()
	if len(live) == 0 {
		return
	}

	if err := e.store.SetHTLCStatesByInvoice(ctx, hold.Invoice.ID,
		store.StateAccepted, store.StateCancelled); err != nil {

		e.logger.Printf("could not fail timed out MPP set of %s: %v", key, err)
		return
	}

	resolved := e.resolvers.resolveAll(key, Resolution{Failure: FailureMppTimeout})
	e.logger.Printf("failed %d timed out MPP parts of invoice %s", resolved, key)
}
