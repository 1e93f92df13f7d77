package store

import (
	"fmt"
	"time"
)

// State is the lifecycle state of an invoice or of a single HTLC.
// HTLCs only ever use StateAccepted, StatePaid and StateCancelled.
type State string

const (
	StateUnpaid    State = "unpaid"
	StateAccepted  State = "accepted"
	StatePaid      State = "paid"
	StateCancelled State = "cancelled"
)

func ParseState(raw string) (State, error) {
	switch State(raw) {
	case StateUnpaid, StateAccepted, StatePaid, StateCancelled:
		return State(raw), nil
	}
	return "", fmt.Errorf("unknown state %q", raw)
}

func (s State) String() string {
	return string(s)
}

// IsFinal reports whether no further transitions are allowed from s.
func (s State) IsFinal() bool {
	return s == StatePaid || s == StateCancelled
}

// ValidateTransition enforces the invoice state machine:
// unpaid -> accepted, unpaid -> cancelled, accepted -> paid,
// accepted -> cancelled.
func (s State) ValidateTransition(to State) error {
	if s.IsFinal() {
		return fmt.Errorf("state %s is final", s)
	}

	switch s {
	case StateUnpaid:
		if to == StateAccepted || to == StateCancelled {
			return nil
		}
	case StateAccepted:
		if to == StatePaid || to == StateCancelled {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition %s -> %s", s, to)
}

// Invoice is one hold invoice row. The preimage stays empty until the
// invoice is settled and is the only field hidden from read APIs before
// the invoice reaches the paid state.
type Invoice struct {
	ID              uint64     `json:"id"`
	PaymentHash     []byte     `json:"payment_hash"`
	Preimage        []byte     `json:"preimage,omitempty"`
	Bolt11          string     `json:"bolt11"`
	State           State      `json:"state"`
	AmountMsat      uint64     `json:"amount_msat"`
	Memo            string     `json:"memo,omitempty"`
	DescriptionHash []byte     `json:"description_hash,omitempty"`
	MinCltvExpiry   uint32     `json:"min_cltv_expiry,omitempty"`
	ExpirySeconds   uint64     `json:"expiry_seconds,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	SettledAt       *time.Time `json:"settled_at,omitempty"`
}

// HTLC is one accepted payment part, identified by the incoming channel
// and the channel-local HTLC index.
type HTLC struct {
	ID         uint64    `json:"id"`
	InvoiceID  uint64    `json:"invoice_id"`
	State      State     `json:"state"`
	Scid       string    `json:"scid"`
	HtlcID     uint64    `json:"htlc_id"`
	Msat       uint64    `json:"msat"`
	CltvExpiry uint32    `json:"cltv_expiry"`
	CreatedAt  time.Time `json:"created_at"`
}

// HoldInvoice bundles an invoice with all HTLC rows that ever targeted it,
// including rejected ones.
type HoldInvoice struct {
	Invoice Invoice `json:"invoice"`
	Htlcs   []HTLC  `json:"htlcs"`
}

// AmountPaidMsat sums the parts that are currently locked in or settled.
func (h *HoldInvoice) AmountPaidMsat() uint64 {
	var sum uint64
	for _, htlc := range h.Htlcs {
		if htlc.State == StateAccepted || htlc.State == StatePaid {
			sum += htlc.Msat
		}
	}
	return sum
}

// HtlcIsKnown reports whether a part with the given channel coordinates was
// seen before. Hosts replay held HTLCs after a restart; those must not be
// inserted twice.
func (h *HoldInvoice) HtlcIsKnown(scid string, htlcID uint64) bool {
	for _, htlc := range h.Htlcs {
		if htlc.Scid == scid && htlc.HtlcID == htlcID {
			return true
		}
	}
	return false
}

// LiveHtlcs returns the parts still locked in.
func (h *HoldInvoice) LiveHtlcs() []HTLC {
	var live []HTLC
	for _, htlc := range h.Htlcs {
		if htlc.State == StateAccepted {
			live = append(live, htlc)
		}
	}
	return live
}
