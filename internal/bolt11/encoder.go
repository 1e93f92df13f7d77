package bolt11

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// Encoder builds and signs BOLT11 invoices. The signing key is ephemeral:
// payers never route to it directly, the host node re-signs or wraps the
// invoice before it leaves the machine.
type Encoder struct {
	net *chaincfg.Params
	key *btcec.PrivateKey
}

func NewEncoder(net *chaincfg.Params) (*Encoder, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate signing key: %w", err)
	}
	return &Encoder{net: net, key: key}, nil
}

// EncodeRequest describes the invoice to build. Exactly one of Memo and
// DescriptionHash ends up in the invoice; an empty request encodes an empty
// description.
type EncodeRequest struct {
	PaymentHash        [32]byte
	AmountMsat         uint64
	Memo               string
	DescriptionHash    []byte
	ExpirySeconds      uint64
	MinFinalCltvExpiry uint32
	RouteHints         [][]zpay32.HopHint
}

// Encode builds a signed invoice carrying a fresh payment secret and the
// basic MPP feature bits. It returns the serialized invoice together with
// the secret, which the HTLC gate later checks parts against.
func (e *Encoder) Encode(req EncodeRequest) (string, [32]byte, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", secret, fmt.Errorf("could not generate payment secret: %w", err)
	}

	cltv := req.MinFinalCltvExpiry
	if cltv == 0 {
		cltv = DefaultMinFinalCltvExpiry
	}

	options := []func(*zpay32.Invoice){
		zpay32.PaymentAddr(secret),
		zpay32.CLTVExpiry(uint64(cltv)),
		zpay32.Features(lnwire.NewFeatureVector(
			lnwire.NewRawFeatureVector(
				lnwire.TLVOnionPayloadOptional,
				lnwire.PaymentAddrRequired,
				lnwire.MPPOptional,
			),
			lnwire.Features,
		)),
	}

	if req.AmountMsat > 0 {
		options = append(options, zpay32.Amount(lnwire.MilliSatoshi(req.AmountMsat)))
	}
	if req.ExpirySeconds > 0 {
		options = append(options, zpay32.Expiry(time.Duration(req.ExpirySeconds)*time.Second))
	}

	if len(req.DescriptionHash) > 0 {
		if len(req.DescriptionHash) != 32 {
			return "", secret, fmt.Errorf("description hash must be 32 bytes, got %d", len(req.DescriptionHash))
		}
		var hash [32]byte
		copy(hash[:], req.DescriptionHash)
		options = append(options, zpay32.DescriptionHash(hash))
	} else {
		options = append(options, zpay32.Description(req.Memo))
	}

	for _, hint := range req.RouteHints {
		options = append(options, zpay32.RouteHint(hint))
	}

	invoice, err := zpay32.NewInvoice(e.net, req.PaymentHash, time.Now(), options...)
	if err != nil {
		return "", secret, fmt.Errorf("could not build invoice: %w", err)
	}

	raw, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(e.key, chainhash.HashB(msg), true)
		},
	})
	if err != nil {
		return "", secret, fmt.Errorf("could not sign invoice: %w", err)
	}

	return raw, secret, nil
}
