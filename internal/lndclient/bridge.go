package lndclient

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/chainrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"google.golang.org/grpc"

	"holdd/internal/hold"
)

const reconnectBackoff = 5 * time.Second

// Bridge runs the long-lived streams against the node and dispatches into
// the engine. Each stream reconnects independently with backoff.
type Bridge struct {
	client *Client
	engine *hold.Engine
}

func NewBridge(client *Client, engine *hold.Engine) *Bridge {
	return &Bridge{client: client, engine: engine}
}

// Run blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	go b.runLoop(ctx, "htlc interceptor", b.interceptHtlcs)
	go b.runLoop(ctx, "block epochs", b.watchBlocks)
	go b.runLoop(ctx, "node info", b.fetchNodeInfo)

	<-ctx.Done()
}

func (b *Bridge) runLoop(ctx context.Context, name string, fn func(context.Context, *grpc.ClientConn) error) {
	for {
		conn, err := b.client.Dial(ctx)
		if err == nil {
			err = fn(ctx, conn)
			_ = conn.Close()
		}

		if ctx.Err() != nil {
			return
		}
		b.client.logger.Printf("%s stream failed, reconnecting in %s: %v", name, reconnectBackoff, err)

		select {
		case <-time.After(reconnectBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// interceptHtlcs forwards every intercepted HTLC to the gate and relays the
// verdict. Held HTLCs resolve asynchronously on their resolver channel.
func (b *Bridge) interceptHtlcs(ctx context.Context, conn *grpc.ClientConn) error {
	stream, err := routerrpc.NewRouterClient(conn).HtlcInterceptor(ctx)
	if err != nil {
		return err
	}

	b.client.logger.Printf("htlc interceptor connected")

	// Responses come from many resolver goroutines; the stream wants a
	// single writer.
	responses := make(chan *routerrpc.ForwardHtlcInterceptResponse)
	sendErr := make(chan error, 1)
	go func() {
		for {
			select {
			case resp := <-responses:
				if err := stream.Send(resp); err != nil {
					sendErr <- err
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case err := <-sendErr:
			return err
		default:
		}

		request, err := stream.Recv()
		if err != nil {
			return err
		}

		scid := lnwire.NewShortChanIDFromInt(request.IncomingCircuitKey.ChanId).String()
		result := b.engine.HandleHtlc(ctx, hold.HtlcRequest{
			PaymentHash: request.PaymentHash,
			Scid:        scid,
			HtlcID:      request.IncomingCircuitKey.HtlcId,
			AmountMsat:  request.IncomingAmountMsat,
			CltvExpiry:  request.IncomingExpiry,
		})

		key := request.IncomingCircuitKey
		switch result.Action {
		case hold.ActionContinue:
			respond(ctx, responses, &routerrpc.ForwardHtlcInterceptResponse{
				IncomingCircuitKey: key,
				Action:             routerrpc.ResolveHoldForwardAction_RESUME,
			})

		case hold.ActionFail:
			respond(ctx, responses, failResponse(key, result.Failure))

		case hold.ActionHold:
			go func(resolver hold.Resolver) {
				select {
				case resolution, ok := <-resolver:
					if !ok {
						return
					}
					if resolution.Settle {
						respond(ctx, responses, &routerrpc.ForwardHtlcInterceptResponse{
							IncomingCircuitKey: key,
							Action:             routerrpc.ResolveHoldForwardAction_SETTLE,
							Preimage:           resolution.Preimage,
						})
						return
					}
					respond(ctx, responses, failResponse(key, resolution.Failure))
				case <-ctx.Done():
				}
			}(result.Resolver)
		}
	}
}

func respond(ctx context.Context, responses chan<- *routerrpc.ForwardHtlcInterceptResponse,
	resp *routerrpc.ForwardHtlcInterceptResponse) {

	select {
	case responses <- resp:
	case <-ctx.Done():
	}
}

func failResponse(key *routerrpc.CircuitKey, failure hold.FailureMessage) *routerrpc.ForwardHtlcInterceptResponse {
	code := lnrpc.Failure_INCORRECT_OR_UNKNOWN_PAYMENT_DETAILS
	switch failure {
	case hold.FailureIncorrectCltv:
		code = lnrpc.Failure_FINAL_INCORRECT_CLTV_EXPIRY
	case hold.FailureMppTimeout:
		code = lnrpc.Failure_MPP_TIMEOUT
	}

	return &routerrpc.ForwardHtlcInterceptResponse{
		IncomingCircuitKey: key,
		Action:             routerrpc.ResolveHoldForwardAction_FAIL,
		FailureCode:        code,
	}
}

// watchBlocks feeds block heights to the expiry watchdog.
func (b *Bridge) watchBlocks(ctx context.Context, conn *grpc.ClientConn) error {
	stream, err := chainrpc.NewChainNotifierClient(conn).RegisterBlockEpochNtfn(ctx, &chainrpc.BlockEpoch{})
	if err != nil {
		return err
	}

	for {
		epoch, err := stream.Recv()
		if err != nil {
			return err
		}
		b.engine.OnBlock(ctx, epoch.Height)
	}
}

// fetchNodeInfo resolves the node identity once, so Inject can verify that
// injected invoices pay to this node.
func (b *Bridge) fetchNodeInfo(ctx context.Context, conn *grpc.ClientConn) error {
	info, err := lnrpc.NewLightningClient(conn).GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return err
	}

	nodeID, err := hex.DecodeString(info.IdentityPubkey)
	if err != nil {
		return err
	}

	b.engine.SetNodeID(nodeID)
	b.engine.OnBlock(ctx, info.BlockHeight)
	b.client.logger.Printf("connected to node %s (version %s)", info.IdentityPubkey, info.Version)

	<-ctx.Done()
	return ctx.Err()
}
