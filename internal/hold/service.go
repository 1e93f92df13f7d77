package hold

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/zpay32"

	"holdd/internal/bolt11"
	"holdd/internal/store"
)

var (
	errNoHtlcsToSettle = errors.New("no HTLCs to settle")
	errNotRelated      = errors.New("invoice is not related to the node")
)

// InvoiceRequest describes a new invoice to create.
type InvoiceRequest struct {
	PaymentHash        []byte
	AmountMsat         uint64
	Memo               string
	DescriptionHash    []byte
	ExpirySeconds      uint64
	MinFinalCltvExpiry uint32
	RouteHints         [][]zpay32.HopHint
}

// NewInvoice builds, signs and stores a new unpaid hold invoice and returns
// its serialized form.
func (e *Engine) NewInvoice(ctx context.Context, req InvoiceRequest) (string, error) {
	if len(req.PaymentHash) != 32 {
		return "", fmt.Errorf("payment hash must be 32 bytes, got %d", len(req.PaymentHash))
	}

	key := hex.EncodeToString(req.PaymentHash)
	release := e.locks.acquire(key)
	defer release()

	raw, _, err := e.encoder.Encode(bolt11.EncodeRequest{
		PaymentHash:        [32]byte(req.PaymentHash),
		AmountMsat:         req.AmountMsat,
		Memo:               req.Memo,
		DescriptionHash:    req.DescriptionHash,
		ExpirySeconds:      req.ExpirySeconds,
		MinFinalCltvExpiry: req.MinFinalCltvExpiry,
		RouteHints:         req.RouteHints,
	})
	if err != nil {
		return "", err
	}

	minCltv := req.MinFinalCltvExpiry
	if minCltv == 0 {
		minCltv = bolt11.DefaultMinFinalCltvExpiry
	}

	invoice := &store.Invoice{
		PaymentHash:     append([]byte(nil), req.PaymentHash...),
		Bolt11:          raw,
		State:           store.StateUnpaid,
		AmountMsat:      req.AmountMsat,
		Memo:            req.Memo,
		DescriptionHash: req.DescriptionHash,
		MinCltvExpiry:   minCltv,
		ExpirySeconds:   req.ExpirySeconds,
	}
	if err := e.store.InsertInvoice(ctx, invoice); err != nil {
		return "", err
	}

	e.logger.Printf("added hold invoice %s for %d msat", key, req.AmountMsat)
	e.tracker.Publish(Update{
		PaymentHash: invoice.PaymentHash,
		Bolt11:      raw,
		State:       store.StateUnpaid,
	})

	return raw, nil
}

// Inject starts tracking an externally created, pre-signed invoice. The
// invoice must pay to the host node once its identity is known.
func (e *Engine) Inject(ctx context.Context, raw string) error {
	decoded, err := bolt11.Decode(raw, e.net)
	if err != nil {
		return err
	}

	if nodeID := e.getNodeID(); len(nodeID) > 0 && len(decoded.Destination) > 0 {
		if !bytes.Equal(nodeID, decoded.Destination) {
			return errNotRelated
		}
	}

	key := hex.EncodeToString(decoded.PaymentHash[:])
	release := e.locks.acquire(key)
	defer release()

	invoice := &store.Invoice{
		PaymentHash:     decoded.PaymentHash[:],
		Bolt11:          raw,
		State:           store.StateUnpaid,
		AmountMsat:      decoded.AmountMsat,
		Memo:            decoded.Memo,
		DescriptionHash: decoded.DescriptionHash,
		MinCltvExpiry:   decoded.MinFinalCltvExpiry,
		ExpirySeconds:   decoded.ExpirySeconds,
	}
	if err := e.store.InsertInvoice(ctx, invoice); err != nil {
		return err
	}

	e.logger.Printf("injected hold invoice %s", key)
	e.tracker.Publish(Update{
		PaymentHash: invoice.PaymentHash,
		Bolt11:      raw,
		State:       store.StateUnpaid,
	})

	return nil
}

// Settle resolves an accepted invoice with its preimage: every held HTLC is
// settled towards the payer and the invoice becomes paid. Settling an
// already paid invoice is a no-op.
func (e *Engine) Settle(ctx context.Context, preimage []byte) error {
	paymentHash := sha256.Sum256(preimage)

	key := hex.EncodeToString(paymentHash[:])
	release := e.locks.acquire(key)
	defer release()

	hold, err := e.store.GetByPaymentHash(ctx, paymentHash[:])
	if err != nil {
		return settleError(err)
	}
	if hold == nil {
		return settleError(store.ErrInvoiceNotFound)
	}

	if hold.Invoice.State == store.StatePaid {
		return nil
	}
	if len(hold.LiveHtlcs()) == 0 {
		return settleError(errNoHtlcsToSettle)
	}

	if err := e.store.SetInvoiceState(ctx, hold.Invoice.ID, store.StatePaid); err != nil {
		return settleError(databaseError(err))
	}
	if err := e.store.SetInvoicePreimage(ctx, hold.Invoice.ID, preimage); err != nil {
		return settleError(databaseError(err))
	}
	if err := e.store.SetHTLCStatesByInvoice(ctx, hold.Invoice.ID, store.StateAccepted, store.StatePaid); err != nil {
		return settleError(databaseError(err))
	}

	resolved := e.resolvers.resolveAll(key, Resolution{
		Settle:   true,
		Preimage: append([]byte(nil), preimage...),
	})
	e.logger.Printf("resolved hold invoice %s with %d HTLCs", key, resolved)

	e.tracker.Publish(Update{
		PaymentHash: hold.Invoice.PaymentHash,
		Bolt11:      hold.Invoice.Bolt11,
		State:       store.StatePaid,
	})

	return nil
}

// Cancel fails every held HTLC of the invoice and moves it to cancelled.
// Cancelling an already cancelled invoice is a no-op; cancelling a paid
// invoice is refused.
func (e *Engine) Cancel(ctx context.Context, paymentHash []byte) error {
	key := hex.EncodeToString(paymentHash)
	release := e.locks.acquire(key)
	defer release()

	hold, err := e.store.GetByPaymentHash(ctx, paymentHash)
	if err != nil {
		return cancelError(err)
	}
	if hold == nil {
		return cancelError(store.ErrInvoiceNotFound)
	}

	if hold.Invoice.State == store.StateCancelled {
		return nil
	}

	if err := e.store.SetInvoiceState(ctx, hold.Invoice.ID, store.StateCancelled); err != nil {
		return cancelError(databaseError(err))
	}
	if err := e.store.SetHTLCStatesByInvoice(ctx, hold.Invoice.ID, store.StateAccepted, store.StateCancelled); err != nil {
		return cancelError(databaseError(err))
	}

	resolved := e.resolvers.resolveAll(key, Resolution{Failure: FailureIncorrectDetails})
	e.logger.Printf("cancelled hold invoice %s with %d HTLCs", key, resolved)

	e.tracker.Publish(Update{
		PaymentHash: hold.Invoice.PaymentHash,
		Bolt11:      hold.Invoice.Bolt11,
		State:       store.StateCancelled,
	})

	return nil
}

// ListRequest filters List. An empty request returns everything.
type ListRequest struct {
	PaymentHash []byte
	Bolt11      string

	// Pagination: invoices with id >= IndexStart, up to Limit rows.
	// A zero Limit means no limit.
	IndexStart uint64
	Limit      uint32
}

// List returns matching invoices ordered by ascending id. An unknown
// payment hash yields an empty result, not an error.
func (e *Engine) List(ctx context.Context, req ListRequest) ([]store.HoldInvoice, error) {
	hash := req.PaymentHash
	if len(hash) == 0 && req.Bolt11 != "" {
		decoded, err := bolt11.Decode(req.Bolt11, e.net)
		if err != nil {
			return nil, err
		}
		hash = decoded.PaymentHash[:]
	}

	if len(hash) > 0 {
		hold, err := e.store.GetByPaymentHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if hold == nil {
			return nil, nil
		}
		return []store.HoldInvoice{*hold}, nil
	}

	if req.IndexStart > 0 || req.Limit > 0 {
		return e.store.GetPaginated(ctx, req.IndexStart, req.Limit)
	}
	return e.store.GetAll(ctx)
}

// Clean purges cancelled invoices older than age and returns how many were
// removed.
func (e *Engine) Clean(ctx context.Context, age time.Duration) (int, error) {
	cleaned, err := e.store.CleanCancelled(ctx, age)
	if err != nil {
		return 0, err
	}

	for _, hash := range cleaned {
		e.tracker.Forget(hash)
	}

	if len(cleaned) > 0 {
		e.logger.Printf("cleaned %d cancelled invoices", len(cleaned))
	}
	return len(cleaned), nil
}

// Track streams the state history of one invoice from unpaid up to its
// terminal state.
func (e *Engine) Track(ctx context.Context, paymentHash []byte) (<-chan Update, func(), error) {
	hold, err := e.store.GetByPaymentHash(ctx, paymentHash)
	if err != nil {
		return nil, nil, err
	}

	stored := store.StateUnpaid
	raw := ""
	if hold != nil {
		stored = hold.Invoice.State
		raw = hold.Invoice.Bolt11
	}

	ch, cancel := e.tracker.Track(paymentHash, raw, stored)
	return ch, cancel, nil
}

// TrackAll streams live transitions of every invoice, or of the filter set
// when one is given. With a filter, one catch-up event per existing invoice
// carrying its current state is delivered first.
func (e *Engine) TrackAll(ctx context.Context, filter [][]byte) (<-chan Update, func(), error) {
	var catchUp []Update
	for _, hash := range filter {
		hold, err := e.store.GetByPaymentHash(ctx, hash)
		if err != nil {
			return nil, nil, err
		}
		if hold == nil {
			continue
		}
		catchUp = append(catchUp, Update{
			PaymentHash: hold.Invoice.PaymentHash,
			Bolt11:      hold.Invoice.Bolt11,
			State:       hold.Invoice.State,
		})
	}

	ch, cancel := e.tracker.TrackAll(filter, catchUp)
	return ch, cancel, nil
}

func settleError(err error) error {
	return fmt.Errorf("could not settle invoice: %w", err)
}

func cancelError(err error) error {
	return fmt.Errorf("could not cancel invoice: %w", err)
}

func databaseError(err error) error {
	return fmt.Errorf("could not update invoice in database: %w", err)
}
