package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()

	s, err := OpenBolt(filepath.Join(t.TempDir(), "hold.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func testHash(seed byte) []byte {
	h := sha256.Sum256([]byte{seed})
	return h[:]
}

func insertTestInvoice(t *testing.T, s *BoltStore, seed byte, amountMsat uint64) *Invoice {
	t.Helper()

	invoice := &Invoice{
		PaymentHash: testHash(seed),
		Bolt11:      "lnbcrt1...",
		State:       StateUnpaid,
		AmountMsat:  amountMsat,
	}
	if err := s.InsertInvoice(context.Background(), invoice); err != nil {
		t.Fatalf("insert invoice: %v", err)
	}
	return invoice
}

func TestInsertAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	invoice := insertTestInvoice(t, s, 1, 1000)
	if invoice.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if invoice.CreatedAt.IsZero() {
		t.Fatal("expected creation timestamp")
	}

	hold, err := s.GetByPaymentHash(ctx, testHash(1))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if hold == nil {
		t.Fatal("expected invoice")
	}
	if hold.Invoice.State != StateUnpaid {
		t.Fatalf("state = %s, want unpaid", hold.Invoice.State)
	}
	if !bytes.Equal(hold.Invoice.PaymentHash, testHash(1)) {
		t.Fatal("payment hash mismatch")
	}

	missing, err := s.GetByPaymentHash(ctx, testHash(99))
	if err != nil {
		t.Fatalf("lookup missing: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for unknown hash")
	}
}

func TestInsertDuplicateHash(t *testing.T) {
	s := newTestStore(t)

	insertTestInvoice(t, s, 1, 1000)

	err := s.InsertInvoice(context.Background(), &Invoice{
		PaymentHash: testHash(1),
		State:       StateUnpaid,
	})
	if !errors.Is(err, ErrInvoiceExists) {
		t.Fatalf("err = %v, want ErrInvoiceExists", err)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []State
		wantErr string
	}{
		{name: "settle flow", path: []State{StateAccepted, StatePaid}},
		{name: "cancel unpaid", path: []State{StateCancelled}},
		{name: "cancel accepted", path: []State{StateAccepted, StateCancelled}},
		{name: "settle unpaid", path: []State{StatePaid}, wantErr: "invalid state transition unpaid -> paid"},
		{name: "cancel paid", path: []State{StateAccepted, StatePaid, StateCancelled}, wantErr: "state paid is final"},
		{name: "reopen cancelled", path: []State{StateCancelled, StateAccepted}, wantErr: "state cancelled is final"},
	}

	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			invoice := insertTestInvoice(t, s, byte(i+1), 1000)

			var err error
			for _, to := range tc.path {
				if err = s.SetInvoiceState(context.Background(), invoice.ID, to); err != nil {
					break
				}
			}

			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tc.wantErr {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestStateTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	invoice := insertTestInvoice(t, s, 1, 1000)

	if err := s.SetInvoiceState(ctx, invoice.ID, StateAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}
	hold, _ := s.GetByPaymentHash(ctx, testHash(1))
	if hold.Invoice.AcceptedAt == nil {
		t.Fatal("expected accepted_at stamp")
	}
	if hold.Invoice.SettledAt != nil {
		t.Fatal("unexpected settled_at stamp")
	}

	if err := s.SetInvoiceState(ctx, invoice.ID, StatePaid); err != nil {
		t.Fatalf("settle: %v", err)
	}
	hold, _ = s.GetByPaymentHash(ctx, testHash(1))
	if hold.Invoice.SettledAt == nil {
		t.Fatal("expected settled_at stamp")
	}
}

func TestHtlcLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	invoice := insertTestInvoice(t, s, 1, 21000)

	for i := uint64(0); i < 3; i++ {
		htlc := &HTLC{
			InvoiceID:  invoice.ID,
			State:      StateAccepted,
			Scid:       "103x1x0",
			HtlcID:     i,
			Msat:       7000,
			CltvExpiry: 200,
		}
		if err := s.InsertHTLC(ctx, htlc); err != nil {
			t.Fatalf("insert htlc %d: %v", i, err)
		}
	}

	hold, err := s.GetByPaymentHash(ctx, testHash(1))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(hold.Htlcs) != 3 {
		t.Fatalf("len(htlcs) = %d, want 3", len(hold.Htlcs))
	}
	if got := hold.AmountPaidMsat(); got != 21000 {
		t.Fatalf("amount paid = %d, want 21000", got)
	}
	if !hold.HtlcIsKnown("103x1x0", 1) {
		t.Fatal("expected htlc 1 to be known")
	}
	if hold.HtlcIsKnown("103x1x0", 7) {
		t.Fatal("unexpected known htlc")
	}

	// Fail one part, then settle the rest in bulk.
	if err := s.SetHTLCState(ctx, hold.Htlcs[0].ID, StateCancelled); err != nil {
		t.Fatalf("cancel htlc: %v", err)
	}
	if err := s.SetHTLCStatesByInvoice(ctx, invoice.ID, StateAccepted, StatePaid); err != nil {
		t.Fatalf("settle htlcs: %v", err)
	}

	hold, _ = s.GetByPaymentHash(ctx, testHash(1))
	var paid, cancelled int
	for _, htlc := range hold.Htlcs {
		switch htlc.State {
		case StatePaid:
			paid++
		case StateCancelled:
			cancelled++
		}
	}
	if paid != 2 || cancelled != 1 {
		t.Fatalf("paid = %d cancelled = %d, want 2 and 1", paid, cancelled)
	}
	if len(hold.LiveHtlcs()) != 0 {
		t.Fatal("expected no live htlcs")
	}
}

func TestInsertHtlcUnknownInvoice(t *testing.T) {
	s := newTestStore(t)

	err := s.InsertHTLC(context.Background(), &HTLC{InvoiceID: 42, State: StateAccepted})
	if !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("err = %v, want ErrInvoiceNotFound", err)
	}
}

func TestPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := byte(1); i <= 5; i++ {
		insertTestInvoice(t, s, i, 1000)
	}

	tests := []struct {
		name       string
		indexStart uint64
		limit      uint32
		wantIDs    []uint64
	}{
		{name: "all", indexStart: 0, limit: 0, wantIDs: []uint64{1, 2, 3, 4, 5}},
		{name: "from third", indexStart: 3, limit: 0, wantIDs: []uint64{3, 4, 5}},
		{name: "limited", indexStart: 0, limit: 2, wantIDs: []uint64{1, 2}},
		{name: "window", indexStart: 2, limit: 2, wantIDs: []uint64{2, 3}},
		{name: "past end", indexStart: 9, limit: 0, wantIDs: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.GetPaginated(ctx, tc.indexStart, tc.limit)
			if err != nil {
				t.Fatalf("paginate: %v", err)
			}
			if len(result) != len(tc.wantIDs) {
				t.Fatalf("len = %d, want %d", len(result), len(tc.wantIDs))
			}
			for i, want := range tc.wantIDs {
				if result[i].Invoice.ID != want {
					t.Fatalf("result[%d].ID = %d, want %d", i, result[i].Invoice.ID, want)
				}
			}
		})
	}
}

func TestCleanCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cancelled := insertTestInvoice(t, s, 1, 1000)
	if err := s.SetInvoiceState(ctx, cancelled.ID, StateCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.InsertHTLC(ctx, &HTLC{InvoiceID: cancelled.ID, State: StateCancelled, Scid: "103x1x0"}); err != nil {
		t.Fatalf("insert htlc: %v", err)
	}
	insertTestInvoice(t, s, 2, 1000)

	// Too young for a one hour cutoff.
	cleaned, err := s.CleanCancelled(ctx, time.Hour)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if len(cleaned) != 0 {
		t.Fatalf("cleaned = %d, want 0", len(cleaned))
	}

	// Age zero removes every cancelled invoice, nothing else.
	cleaned, err = s.CleanCancelled(ctx, 0)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if len(cleaned) != 1 || !bytes.Equal(cleaned[0], testHash(1)) {
		t.Fatalf("cleaned = %x", cleaned)
	}

	gone, _ := s.GetByPaymentHash(ctx, testHash(1))
	if gone != nil {
		t.Fatal("cancelled invoice should be gone")
	}
	kept, _ := s.GetByPaymentHash(ctx, testHash(2))
	if kept == nil {
		t.Fatal("unpaid invoice should survive")
	}
}

func TestIDsSurviveClean(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := insertTestInvoice(t, s, 1, 1000)
	if err := s.SetInvoiceState(ctx, first.ID, StateCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.CleanCancelled(ctx, 0); err != nil {
		t.Fatalf("clean: %v", err)
	}

	second := insertTestInvoice(t, s, 2, 1000)
	if second.ID <= first.ID {
		t.Fatalf("id %d not monotonic after %d", second.ID, first.ID)
	}
}
