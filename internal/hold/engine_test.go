package hold

import (
	"context"
	"crypto/sha256"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"holdd/internal/bolt11"
	"holdd/internal/store"
)

const (
	testHeight     = 100
	testCltvExpiry = 400
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()

	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "hold.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	encoder, err := bolt11.NewEncoder(&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	engine := NewEngine(logger, st, encoder, &chaincfg.RegressionNetParams, cfg)
	engine.OnBlock(context.Background(), testHeight)

	return engine
}

type testInvoice struct {
	preimage    [32]byte
	paymentHash [32]byte
	secret      [32]byte
	bolt11      string
}

func createTestInvoice(t *testing.T, e *Engine, seed byte, amountMsat uint64) *testInvoice {
	t.Helper()

	inv := &testInvoice{preimage: sha256.Sum256([]byte{seed})}
	inv.paymentHash = sha256.Sum256(inv.preimage[:])

	raw, err := e.NewInvoice(context.Background(), InvoiceRequest{
		PaymentHash: inv.paymentHash[:],
		AmountMsat:  amountMsat,
		Memo:        "test",
	})
	if err != nil {
		t.Fatalf("new invoice: %v", err)
	}
	inv.bolt11 = raw

	decoded, err := bolt11.Decode(raw, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("decode created invoice: %v", err)
	}
	inv.secret = decoded.PaymentSecret

	return inv
}

func sendHtlc(t *testing.T, e *Engine, inv *testInvoice, htlcID, msat uint64) HookResult {
	t.Helper()

	return e.HandleHtlc(context.Background(), HtlcRequest{
		PaymentHash:   inv.paymentHash[:],
		Scid:          "103x1x0",
		HtlcID:        htlcID,
		AmountMsat:    msat,
		CltvExpiry:    testCltvExpiry,
		PaymentSecret: inv.secret[:],
	})
}

func invoiceState(t *testing.T, e *Engine, inv *testInvoice) store.State {
	t.Helper()

	hold, err := e.store.GetByPaymentHash(context.Background(), inv.paymentHash[:])
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if hold == nil {
		t.Fatal("invoice gone")
	}
	return hold.Invoice.State
}

func expectResolution(t *testing.T, resolver Resolver) Resolution {
	t.Helper()

	select {
	case resolution, ok := <-resolver:
		if !ok {
			t.Fatal("resolver closed without resolution")
		}
		return resolution
	case <-time.After(time.Second):
		t.Fatal("no resolution")
	}
	return Resolution{}
}

func TestHtlcUnknownHashContinues(t *testing.T) {
	e := newTestEngine(t, Config{})

	hash := sha256.Sum256([]byte("unknown"))
	result := e.HandleHtlc(context.Background(), HtlcRequest{
		PaymentHash: hash[:],
		Scid:        "103x1x0",
		AmountMsat:  1000,
		CltvExpiry:  testCltvExpiry,
	})
	if result.Action != ActionContinue {
		t.Fatalf("action = %v, want continue", result.Action)
	}
}

func TestSettleFlow(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 1000)

	result := sendHtlc(t, e, inv, 0, 1000)
	if result.Action != ActionHold {
		t.Fatalf("action = %v, want hold", result.Action)
	}
	if got := invoiceState(t, e, inv); got != store.StateAccepted {
		t.Fatalf("state = %s, want accepted", got)
	}

	if err := e.Settle(context.Background(), inv.preimage[:]); err != nil {
		t.Fatalf("settle: %v", err)
	}

	resolution := expectResolution(t, result.Resolver)
	if !resolution.Settle {
		t.Fatal("expected settle resolution")
	}
	if sha256.Sum256(resolution.Preimage) != inv.paymentHash {
		t.Fatal("preimage does not match payment hash")
	}
	if got := invoiceState(t, e, inv); got != store.StatePaid {
		t.Fatalf("state = %s, want paid", got)
	}

	// Idempotent once paid.
	if err := e.Settle(context.Background(), inv.preimage[:]); err != nil {
		t.Fatalf("settle again: %v", err)
	}
}

func TestCancelFlow(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 1000)

	result := sendHtlc(t, e, inv, 0, 1000)
	if result.Action != ActionHold {
		t.Fatalf("action = %v, want hold", result.Action)
	}

	if err := e.Cancel(context.Background(), inv.paymentHash[:]); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	resolution := expectResolution(t, result.Resolver)
	if resolution.Settle {
		t.Fatal("expected fail resolution")
	}
	if resolution.Failure != FailureIncorrectDetails {
		t.Fatalf("failure = %s", resolution.Failure)
	}
	if got := invoiceState(t, e, inv); got != store.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}

	// Idempotent once cancelled.
	if err := e.Cancel(context.Background(), inv.paymentHash[:]); err != nil {
		t.Fatalf("cancel again: %v", err)
	}
}

func TestSettleErrors(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 1000)

	err := e.Settle(context.Background(), inv.preimage[:])
	if err == nil || err.Error() != "could not settle invoice: no HTLCs to settle" {
		t.Fatalf("err = %v", err)
	}

	unknown := sha256.Sum256([]byte("unknown preimage"))
	err = e.Settle(context.Background(), unknown[:])
	if err == nil || err.Error() != "could not settle invoice: invoice not found" {
		t.Fatalf("err = %v", err)
	}
}

func TestCancelErrors(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 1000)

	sendHtlc(t, e, inv, 0, 1000)
	if err := e.Settle(context.Background(), inv.preimage[:]); err != nil {
		t.Fatalf("settle: %v", err)
	}

	err := e.Cancel(context.Background(), inv.paymentHash[:])
	want := "could not cancel invoice: could not update invoice in database: state paid is final"
	if err == nil || err.Error() != want {
		t.Fatalf("err = %v, want %q", err, want)
	}

	unknown := sha256.Sum256([]byte("unknown hash"))
	err = e.Cancel(context.Background(), unknown[:])
	if err == nil || err.Error() != "could not cancel invoice: invoice not found" {
		t.Fatalf("err = %v", err)
	}
}

func TestMppAggregation(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 3000)

	for i := uint64(0); i < 2; i++ {
		result := sendHtlc(t, e, inv, i, 1000)
		if result.Action != ActionHold {
			t.Fatalf("part %d: action = %v, want hold", i, result.Action)
		}
		if got := invoiceState(t, e, inv); got != store.StateUnpaid {
			t.Fatalf("part %d: state = %s, want unpaid", i, got)
		}
	}

	result := sendHtlc(t, e, inv, 2, 1000)
	if result.Action != ActionHold {
		t.Fatalf("action = %v, want hold", result.Action)
	}
	if got := invoiceState(t, e, inv); got != store.StateAccepted {
		t.Fatalf("state = %s, want accepted", got)
	}

	hold, _ := e.store.GetByPaymentHash(context.Background(), inv.paymentHash[:])
	if len(hold.Htlcs) != 3 {
		t.Fatalf("len(htlcs) = %d, want 3", len(hold.Htlcs))
	}
	for _, htlc := range hold.Htlcs {
		if htlc.State != store.StateAccepted || htlc.Msat != 1000 {
			t.Fatalf("htlc = %+v", htlc)
		}
	}
}

func TestOverpaymentBound(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 1000)

	// Exactly twice the amount is still accepted.
	if result := sendHtlc(t, e, inv, 0, 2000); result.Action != ActionHold {
		t.Fatalf("action = %v, want hold", result.Action)
	}

	// One msat over the bound is rejected, held parts stay untouched.
	result := sendHtlc(t, e, inv, 1, 1)
	if result.Action != ActionFail {
		t.Fatalf("action = %v, want fail", result.Action)
	}
	if result.Failure != FailureIncorrectDetails {
		t.Fatalf("failure = %s", result.Failure)
	}

	hold, _ := e.store.GetByPaymentHash(context.Background(), inv.paymentHash[:])
	if got := hold.AmountPaidMsat(); got != 2000 {
		t.Fatalf("amount paid = %d, want 2000", got)
	}
	if got := invoiceState(t, e, inv); got != store.StateAccepted {
		t.Fatalf("state = %s, want accepted", got)
	}
}

func TestPartsAfterAccepted(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 1000)

	if result := sendHtlc(t, e, inv, 0, 1000); result.Action != ActionHold {
		t.Fatalf("action = %v, want hold", result.Action)
	}
	if got := invoiceState(t, e, inv); got != store.StateAccepted {
		t.Fatalf("state = %s, want accepted", got)
	}

	// Late MPP shards may still join up to the overpayment bound.
	if result := sendHtlc(t, e, inv, 1, 1000); result.Action != ActionHold {
		t.Fatalf("late part: action = %v, want hold", result.Action)
	}
	if result := sendHtlc(t, e, inv, 2, 1); result.Action != ActionFail {
		t.Fatalf("over bound: action = %v, want fail", result.Action)
	}
}

func TestSecretMismatch(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 1000)

	wrong := sha256.Sum256([]byte("wrong secret"))
	result := e.HandleHtlc(context.Background(), HtlcRequest{
		PaymentHash:   inv.paymentHash[:],
		Scid:          "103x1x0",
		HtlcID:        0,
		AmountMsat:    1000,
		CltvExpiry:    testCltvExpiry,
		PaymentSecret: wrong[:],
	})
	if result.Action != ActionFail || result.Failure != FailureIncorrectDetails {
		t.Fatalf("result = %+v", result)
	}
	if got := invoiceState(t, e, inv); got != store.StateUnpaid {
		t.Fatalf("state = %s, want unpaid", got)
	}
}

func TestCltvTooLow(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 1000)

	result := e.HandleHtlc(context.Background(), HtlcRequest{
		PaymentHash:   inv.paymentHash[:],
		Scid:          "103x1x0",
		HtlcID:        0,
		AmountMsat:    1000,
		CltvExpiry:    testHeight + 10,
		PaymentSecret: inv.secret[:],
	})
	if result.Action != ActionFail || result.Failure != FailureIncorrectCltv {
		t.Fatalf("result = %+v", result)
	}
}

func TestKnownHtlcReplay(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 1000)

	sendHtlc(t, e, inv, 0, 1000)

	// Same scid and id again, as after a host restart: held again without
	// a second row.
	result := sendHtlc(t, e, inv, 0, 1000)
	if result.Action != ActionHold {
		t.Fatalf("action = %v, want hold", result.Action)
	}

	hold, _ := e.store.GetByPaymentHash(context.Background(), inv.paymentHash[:])
	if len(hold.Htlcs) != 1 {
		t.Fatalf("len(htlcs) = %d, want 1", len(hold.Htlcs))
	}

	if err := e.Settle(context.Background(), inv.preimage[:]); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if resolution := expectResolution(t, result.Resolver); !resolution.Settle {
		t.Fatal("expected settle resolution on replayed resolver")
	}
}

func TestHtlcAfterTerminal(t *testing.T) {
	e := newTestEngine(t, Config{})
	inv := createTestInvoice(t, e, 1, 1000)

	sendHtlc(t, e, inv, 0, 1000)
	if err := e.Settle(context.Background(), inv.preimage[:]); err != nil {
		t.Fatalf("settle: %v", err)
	}

	result := sendHtlc(t, e, inv, 1, 1000)
	if result.Action != ActionFail || result.Failure != FailureIncorrectDetails {
		t.Fatalf("result = %+v", result)
	}
}

func TestExpiryWatchdog(t *testing.T) {
	e := newTestEngine(t, Config{ExpiryDeadline: 10})
	inv := createTestInvoice(t, e, 1, 1000)

	result := sendHtlc(t, e, inv, 0, 1000)
	if result.Action != ActionHold {
		t.Fatalf("action = %v, want hold", result.Action)
	}

	// Well before the deadline nothing happens.
	e.OnBlock(context.Background(), testCltvExpiry-50)
	if got := invoiceState(t, e, inv); got != store.StateAccepted {
		t.Fatalf("state = %s, want accepted", got)
	}

	// Crossing the deadline fails the HTLC and cancels the invoice.
	e.OnBlock(context.Background(), testCltvExpiry-10)

	resolution := expectResolution(t, result.Resolver)
	if resolution.Settle || resolution.Failure != FailureIncorrectDetails {
		t.Fatalf("resolution = %+v", resolution)
	}
	if got := invoiceState(t, e, inv); got != store.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}

	hold, _ := e.store.GetByPaymentHash(context.Background(), inv.paymentHash[:])
	if len(hold.LiveHtlcs()) != 0 {
		t.Fatal("expected no live htlcs")
	}
}

func TestExpiryUnpaidStaysUnpaid(t *testing.T) {
	e := newTestEngine(t, Config{ExpiryDeadline: 10})
	inv := createTestInvoice(t, e, 1, 2000)

	// One part of two, invoice never reaches the threshold.
	sendHtlc(t, e, inv, 0, 1000)
	e.OnBlock(context.Background(), testCltvExpiry-10)

	if got := invoiceState(t, e, inv); got != store.StateUnpaid {
		t.Fatalf("state = %s, want unpaid", got)
	}

	hold, _ := e.store.GetByPaymentHash(context.Background(), inv.paymentHash[:])
	if len(hold.LiveHtlcs()) != 0 {
		t.Fatal("expected no live htlcs")
	}
}

func TestBestHeightMonotonic(t *testing.T) {
	e := newTestEngine(t, Config{ExpiryDeadline: 10})
	inv := createTestInvoice(t, e, 1, 1000)
	sendHtlc(t, e, inv, 0, 1000)

	// A replayed lower height must not trigger anything and must not move
	// the height backwards.
	e.OnBlock(context.Background(), testHeight-5)
	if e.blocksUntil(testCltvExpiry) != testCltvExpiry-testHeight {
		t.Fatal("best height moved backwards")
	}
	if got := invoiceState(t, e, inv); got != store.StateAccepted {
		t.Fatalf("state = %s, want accepted", got)
	}
}

func TestMppTimeout(t *testing.T) {
	e := newTestEngine(t, Config{MppTimeout: time.Millisecond})
	inv := createTestInvoice(t, e, 1, 2000)

	result := sendHtlc(t, e, inv, 0, 1000)
	if result.Action != ActionHold {
		t.Fatalf("action = %v, want hold", result.Action)
	}

	time.Sleep(5 * time.Millisecond)
	e.scanMppTimeouts(context.Background())

	resolution := expectResolution(t, result.Resolver)
	if resolution.Failure != FailureMppTimeout {
		t.Fatalf("failure = %s, want mpp_timeout", resolution.Failure)
	}

	if got := invoiceState(t, e, inv); got != store.StateUnpaid {
		t.Fatalf("state = %s, want unpaid", got)
	}
	hold, _ := e.store.GetByPaymentHash(context.Background(), inv.paymentHash[:])
	if len(hold.LiveHtlcs()) != 0 {
		t.Fatal("expected no live htlcs")
	}
}

func TestInjectAndList(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	inv := createTestInvoice(t, e, 1, 1000)

	// Inject a second invoice created by another signer.
	other, err := bolt11.NewEncoder(&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	hash := sha256.Sum256([]byte("injected"))
	raw, _, err := other.Encode(bolt11.EncodeRequest{
		PaymentHash: hash,
		AmountMsat:  5000,
		Memo:        "external",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := e.Inject(ctx, raw); err != nil {
		t.Fatalf("inject: %v", err)
	}

	// Injecting the same invoice twice is refused.
	if err := e.Inject(ctx, raw); err == nil {
		t.Fatal("expected duplicate error")
	}

	all, err := e.List(ctx, ListRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}

	one, err := e.List(ctx, ListRequest{PaymentHash: inv.paymentHash[:]})
	if err != nil {
		t.Fatalf("list by hash: %v", err)
	}
	if len(one) != 1 || one[0].Invoice.AmountMsat != 1000 {
		t.Fatalf("result = %+v", one)
	}

	byBolt11, err := e.List(ctx, ListRequest{Bolt11: raw})
	if err != nil {
		t.Fatalf("list by bolt11: %v", err)
	}
	if len(byBolt11) != 1 || byBolt11[0].Invoice.AmountMsat != 5000 {
		t.Fatalf("result = %+v", byBolt11)
	}

	unknown := sha256.Sum256([]byte("nope"))
	empty, err := e.List(ctx, ListRequest{PaymentHash: unknown[:]})
	if err != nil {
		t.Fatalf("list unknown: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("len = %d, want 0", len(empty))
	}
}

func TestInjectUnrelatedNode(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.SetNodeID(make([]byte, 33))

	other, err := bolt11.NewEncoder(&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	hash := sha256.Sum256([]byte("foreign"))
	raw, _, err := other.Encode(bolt11.EncodeRequest{PaymentHash: hash, AmountMsat: 1000})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := e.Inject(context.Background(), raw); err == nil {
		t.Fatal("expected unrelated node error")
	}
}

func TestCleanCancelledOnly(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	cancelled := createTestInvoice(t, e, 1, 1000)
	kept := createTestInvoice(t, e, 2, 1000)

	if err := e.Cancel(ctx, cancelled.paymentHash[:]); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	n, err := e.Clean(ctx, 0)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned = %d, want 1", n)
	}

	gone, _ := e.List(ctx, ListRequest{PaymentHash: cancelled.paymentHash[:]})
	if len(gone) != 0 {
		t.Fatal("cleaned invoice still listed")
	}
	remaining, _ := e.List(ctx, ListRequest{})
	if len(remaining) != 1 || string(remaining[0].Invoice.PaymentHash) != string(kept.paymentHash[:]) {
		t.Fatalf("remaining = %+v", remaining)
	}
}
