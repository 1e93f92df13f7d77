// Package hold is the invoice engine: it decides what happens to every
// incoming HTLC, aggregates multi-part payments, drives the invoice state
// machine and streams transitions to subscribers. The host node adapter and
// the HTTP layer are thin shells around this package.
package hold

// FailureMessage is the BOLT4 failure returned to the payer when an HTLC
// is rejected or a held HTLC is failed.
type FailureMessage uint16

const (
	// FailureIncorrectDetails is incorrect_or_unknown_payment_details.
	FailureIncorrectDetails FailureMessage = 0x400F

	// FailureIncorrectCltv is final_incorrect_cltv_expiry.
	FailureIncorrectCltv FailureMessage = 0x0012

	// FailureMppTimeout is mpp_timeout.
	FailureMppTimeout FailureMessage = 0x0017
)

func (f FailureMessage) String() string {
	switch f {
	case FailureIncorrectDetails:
		return "incorrect_or_unknown_payment_details"
	case FailureIncorrectCltv:
		return "final_incorrect_cltv_expiry"
	case FailureMppTimeout:
		return "mpp_timeout"
	}
	return "unknown"
}

// Resolution is the final verdict for a single held HTLC.
type Resolution struct {
	Settle   bool
	Preimage []byte
	Failure  FailureMessage
}

// Resolver delivers exactly one Resolution for a held HTLC and is closed
// afterwards.
type Resolver <-chan Resolution

// Action is the synchronous decision of the HTLC gate.
type Action int

const (
	// ActionContinue hands the HTLC back to the host untouched; the
	// payment hash is not ours.
	ActionContinue Action = iota

	// ActionFail rejects the HTLC with HookResult.Failure.
	ActionFail

	// ActionHold keeps the HTLC open; HookResult.Resolver reports the
	// verdict once Settle, Cancel or the expiry watchdog decides.
	ActionHold
)

// HookResult is what the gate returns to the host node adapter.
type HookResult struct {
	Action   Action
	Failure  FailureMessage
	Resolver Resolver
}

func resultContinue() HookResult {
	return HookResult{Action: ActionContinue}
}

func resultFail(failure FailureMessage) HookResult {
	return HookResult{Action: ActionFail, Failure: failure}
}

func resultHold(resolver Resolver) HookResult {
	return HookResult{Action: ActionHold, Resolver: resolver}
}
