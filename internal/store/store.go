package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvoiceExists is returned when inserting a second invoice for the
	// same payment hash.
	ErrInvoiceExists = errors.New("invoice with that payment hash already exists")

	// ErrInvoiceNotFound is returned by the mutating calls; lookups report
	// a missing invoice as (nil, nil) instead.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrHTLCNotFound is returned when updating an unknown HTLC row.
	ErrHTLCNotFound = errors.New("htlc not found")
)

// Store is the durable invoice table. Implementations must assign
// monotonically increasing, never reused ids and enforce the invoice state
// machine on every state write.
type Store interface {
	// InsertInvoice persists a new invoice in the unpaid state, assigning
	// its id and creation timestamp.
	InsertInvoice(ctx context.Context, invoice *Invoice) error

	// InsertHTLC persists a new HTLC row, assigning its id and creation
	// timestamp.
	InsertHTLC(ctx context.Context, htlc *HTLC) error

	// SetInvoiceState transitions the invoice, rejecting transitions the
	// state machine does not allow. Moving to accepted stamps accepted_at,
	// moving to paid stamps settled_at.
	SetInvoiceState(ctx context.Context, id uint64, to State) error

	// SetInvoicePreimage records the revealed preimage of a settled invoice.
	SetInvoicePreimage(ctx context.Context, id uint64, preimage []byte) error

	// SetHTLCState transitions a single HTLC row.
	SetHTLCState(ctx context.Context, htlcID uint64, to State) error

	// SetHTLCStatesByInvoice transitions every HTLC of the invoice that is
	// currently in state from.
	SetHTLCStatesByInvoice(ctx context.Context, invoiceID uint64, from, to State) error

	// GetByPaymentHash returns the invoice with its HTLCs, or (nil, nil)
	// when no invoice exists for the hash.
	GetByPaymentHash(ctx context.Context, paymentHash []byte) (*HoldInvoice, error)

	// GetAll returns every invoice ordered by ascending id.
	GetAll(ctx context.Context) ([]HoldInvoice, error)

	// GetPaginated returns up to limit invoices with id >= indexStart,
	// ordered by ascending id.
	GetPaginated(ctx context.Context, indexStart uint64, limit uint32) ([]HoldInvoice, error)

	// CleanCancelled deletes cancelled invoices older than age together
	// with their HTLC rows and returns the payment hashes that were
	// removed.
	CleanCancelled(ctx context.Context, age time.Duration) ([][]byte, error)

	Close() error
}
