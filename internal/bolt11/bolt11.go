// Package bolt11 wraps BOLT11 decoding and encoding for the hold daemon.
// Invoices handed to Inject are decoded here; invoices created by the daemon
// itself are built and signed with an ephemeral node key.
package bolt11

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
)

// DefaultMinFinalCltvExpiry is the delta encoded into generated invoices when
// the caller does not pick one. It leaves room for the expiry watchdog to
// fail parts well before the node would force close.
const DefaultMinFinalCltvExpiry = 80

// Params maps a network name from the config file to chain parameters.
func Params(network string) (*chaincfg.Params, error) {
	switch network {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("invalid network %q", network)
}

// Invoice is the decoded subset of a BOLT11 invoice the daemon acts on.
type Invoice struct {
	PaymentHash        [32]byte
	PaymentSecret      [32]byte
	HasPaymentSecret   bool
	AmountMsat         uint64
	Memo               string
	DescriptionHash    []byte
	MinFinalCltvExpiry uint32
	ExpirySeconds      uint64

	// Destination is the compressed public key of the node the invoice
	// pays to, recovered from the signature.
	Destination []byte
}

// Decode parses a BOLT11 invoice for the given network.
func Decode(raw string, net *chaincfg.Params) (*Invoice, error) {
	decoded, err := zpay32.Decode(raw, net)
	if err != nil {
		return nil, fmt.Errorf("could not decode invoice: %w", err)
	}
	if decoded.PaymentHash == nil {
		return nil, fmt.Errorf("invoice has no payment hash")
	}

	invoice := &Invoice{
		PaymentHash:        *decoded.PaymentHash,
		MinFinalCltvExpiry: uint32(decoded.MinFinalCLTVExpiry()),
		ExpirySeconds:      uint64(decoded.Expiry().Seconds()),
	}
	if decoded.PaymentAddr != nil {
		invoice.PaymentSecret = *decoded.PaymentAddr
		invoice.HasPaymentSecret = true
	}
	if decoded.MilliSat != nil {
		invoice.AmountMsat = uint64(*decoded.MilliSat)
	}
	if decoded.Description != nil {
		invoice.Memo = *decoded.Description
	}
	if decoded.DescriptionHash != nil {
		invoice.DescriptionHash = decoded.DescriptionHash[:]
	}
	if decoded.Destination != nil {
		invoice.Destination = decoded.Destination.SerializeCompressed()
	}

	return invoice, nil
}
