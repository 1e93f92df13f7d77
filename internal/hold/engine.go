package hold

import (
	"context"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"holdd/internal/bolt11"
	"holdd/internal/store"
)

// Config are the engine policy knobs.
type Config struct {
	// OverpaymentFactor bounds the total accepted amount at factor times
	// the invoice amount. Zero means the default of 2.
	OverpaymentFactor uint64

	// ExpiryDeadline is the block distance at which held HTLCs are failed
	// before the host would force close. Zero disables the watchdog.
	ExpiryDeadline uint32

	// MppTimeout is how long a partially paid invoice may wait for more
	// parts before the accumulated set is failed. Zero disables it.
	MppTimeout time.Duration
}

const defaultOverpaymentFactor = 2

// Engine drives hold invoices: it gates incoming HTLCs, aggregates
// multi-part payments, owns every state transition and publishes them on
// the tracker. All work for one payment hash is serialized.
type Engine struct {
	logger  *log.Logger
	store   store.Store
	tracker *Tracker
	encoder *bolt11.Encoder
	net     *chaincfg.Params

	overpaymentFactor uint64
	expiryDeadline    uint32
	mppTimeout        time.Duration

	locks     *hashLocks
	resolvers *resolverSet

	mu         sync.Mutex
	bestHeight uint32
	nodeID     []byte

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewEngine(logger *log.Logger, st store.Store, encoder *bolt11.Encoder,
	net *chaincfg.Params, cfg Config) *Engine {

	factor := cfg.OverpaymentFactor
	if factor == 0 {
		factor = defaultOverpaymentFactor
	}

	return &Engine{
		logger:            logger,
		store:             st,
		tracker:           NewTracker(logger),
		encoder:           encoder,
		net:               net,
		overpaymentFactor: factor,
		expiryDeadline:    cfg.ExpiryDeadline,
		mppTimeout:        cfg.MppTimeout,
		locks:             newHashLocks(),
		resolvers:         newResolverSet(),
		quit:              make(chan struct{}),
	}
}

// Tracker exposes the event bus for the streaming endpoints.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// Start launches the MPP timeout loop. Stop must be called on shutdown.
func (e *Engine) Start() {
	if e.mppTimeout > 0 {
		e.wg.Add(1)
		go e.mppTimeoutLoop()
	}
}

func (e *Engine) Stop() {
	close(e.quit)
	e.wg.Wait()
}

// SetNodeID records the host node's public key; Inject refuses invoices
// paying to a different node once it is known.
func (e *Engine) SetNodeID(nodeID []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodeID = append([]byte(nil), nodeID...)
}

func (e *Engine) getNodeID() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeID
}

// HtlcRequest is one incoming HTLC as reported by the host node.
type HtlcRequest struct {
	PaymentHash   []byte
	Scid          string
	HtlcID        uint64
	AmountMsat    uint64
	CltvExpiry    uint32
	PaymentSecret []byte
}

// HandleHtlc is the synchronous gate the host calls for every incoming
// HTLC. It never returns an error: when something goes wrong internally the
// HTLC is handed back to the host so payments not meant for us keep
// flowing.
func (e *Engine) HandleHtlc(ctx context.Context, req HtlcRequest) HookResult {
	result, err := e.handleHtlc(ctx, req)
	if err != nil {
		e.logger.Printf("could not handle HTLC %s:%d: %v", req.Scid, req.HtlcID, err)
		return resultContinue()
	}
	return result
}

func (e *Engine) handleHtlc(ctx context.Context, req HtlcRequest) (HookResult, error) {
	key := hex.EncodeToString(req.PaymentHash)
	release := e.locks.acquire(key)
	defer release()

	hold, err := e.store.GetByPaymentHash(ctx, req.PaymentHash)
	if err != nil {
		return HookResult{}, err
	}
	if hold == nil {
		return resultContinue(), nil
	}

	ref := htlcRef{scid: req.Scid, htlcID: req.HtlcID}

	// Hosts replay held HTLCs after a restart; those were persisted the
	// first time around and only need a fresh resolver.
	if hold.HtlcIsKnown(req.Scid, req.HtlcID) {
		e.logger.Printf("found already accepted HTLC %s:%d for %s", req.Scid, req.HtlcID, key)
		return resultHold(e.resolvers.add(key, ref)), nil
	}

	decoded, err := bolt11.Decode(hold.Invoice.Bolt11, e.net)
	if err != nil {
		return HookResult{}, err
	}

	// A nil secret means the host could not surface the onion payload;
	// a present but wrong secret is always rejected.
	if decoded.HasPaymentSecret && req.PaymentSecret != nil {
		if len(req.PaymentSecret) != 32 || [32]byte(req.PaymentSecret) != decoded.PaymentSecret {
			return e.rejectHtlc(ctx, hold, req, FailureIncorrectDetails, "incorrect payment secret")
		}
	}

	minCltv := hold.Invoice.MinCltvExpiry
	if minCltv == 0 {
		minCltv = decoded.MinFinalCltvExpiry
	}
	if relative := e.blocksUntil(req.CltvExpiry); relative < minCltv {
		return e.rejectHtlc(ctx, hold, req, FailureIncorrectCltv,
			"CLTV too little")
	}

	if hold.Invoice.State.IsFinal() {
		return e.rejectHtlc(ctx, hold, req, FailureIncorrectDetails,
			"invoice is in state: "+hold.Invoice.State.String())
	}

	amountPaid := hold.AmountPaidMsat() + req.AmountMsat
	if target := hold.Invoice.AmountMsat; target > 0 {
		if maxAccepted := target * e.overpaymentFactor; amountPaid > maxAccepted {
			return e.rejectHtlc(ctx, hold, req, FailureIncorrectDetails,
				"overpayment protection")
		}
	}

	htlc := &store.HTLC{
		InvoiceID:  hold.Invoice.ID,
		State:      store.StateAccepted,
		Scid:       req.Scid,
		HtlcID:     req.HtlcID,
		Msat:       req.AmountMsat,
		CltvExpiry: req.CltvExpiry,
	}
	if err := e.store.InsertHTLC(ctx, htlc); err != nil {
		return HookResult{}, err
	}

	e.logger.Printf("accepted HTLC %s:%d for hold invoice %s", req.Scid, req.HtlcID, key)

	if hold.Invoice.State == store.StateUnpaid && amountPaid >= hold.Invoice.AmountMsat {
		if err := e.store.SetInvoiceState(ctx, hold.Invoice.ID, store.StateAccepted); err != nil {
			return HookResult{}, err
		}
		e.tracker.Publish(Update{
			PaymentHash: hold.Invoice.PaymentHash,
			Bolt11:      hold.Invoice.Bolt11,
			State:       store.StateAccepted,
		})
	}

	return resultHold(e.resolvers.add(key, ref)), nil
}

// rejectHtlc records the rejected part as a cancelled HTLC row and fails
// the HTLC towards the payer.
func (e *Engine) rejectHtlc(ctx context.Context, hold *store.HoldInvoice, req HtlcRequest,
	failure FailureMessage, reason string) (HookResult, error) {

	e.logger.Printf("rejected HTLC %s:%d for hold invoice %x: %s",
		req.Scid, req.HtlcID, hold.Invoice.PaymentHash, reason)

	err := e.store.InsertHTLC(ctx, &store.HTLC{
		InvoiceID:  hold.Invoice.ID,
		State:      store.StateCancelled,
		Scid:       req.Scid,
		HtlcID:     req.HtlcID,
		Msat:       req.AmountMsat,
		CltvExpiry: req.CltvExpiry,
	})
	if err != nil {
		return HookResult{}, err
	}

	return resultFail(failure), nil
}

func (e *Engine) blocksUntil(cltvExpiry uint32) uint32 {
	e.mu.Lock()
	height := e.bestHeight
	e.mu.Unlock()

	if cltvExpiry <= height {
		return 0
	}
	return cltvExpiry - height
}
