package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"holdd/internal/hold"
	"holdd/internal/store"
)

const daemonVersion = "0.2.1"

const streamHeartbeat = 25 * time.Second

type invoiceResponse struct {
	ID              uint64         `json:"id"`
	PaymentHash     string         `json:"payment_hash"`
	Preimage        string         `json:"preimage,omitempty"`
	Bolt11          string         `json:"bolt11"`
	State           store.State    `json:"state"`
	AmountMsat      uint64         `json:"amount_msat"`
	AmountPaidMsat  uint64         `json:"amount_paid_msat"`
	Memo            string         `json:"memo,omitempty"`
	DescriptionHash string         `json:"description_hash,omitempty"`
	MinCltvExpiry   uint32         `json:"min_cltv_expiry,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	AcceptedAt      *time.Time     `json:"accepted_at,omitempty"`
	SettledAt       *time.Time     `json:"settled_at,omitempty"`
	Htlcs           []htlcResponse `json:"htlcs"`
}

type htlcResponse struct {
	State      store.State `json:"state"`
	Scid       string      `json:"scid"`
	HtlcID     uint64      `json:"htlc_id"`
	Msat       uint64      `json:"msat"`
	CltvExpiry uint32      `json:"cltv_expiry"`
	CreatedAt  time.Time   `json:"created_at"`
}

func newInvoiceResponse(hold store.HoldInvoice) invoiceResponse {
	invoice := hold.Invoice

	resp := invoiceResponse{
		ID:             invoice.ID,
		PaymentHash:    hex.EncodeToString(invoice.PaymentHash),
		Bolt11:         invoice.Bolt11,
		State:          invoice.State,
		AmountMsat:     invoice.AmountMsat,
		AmountPaidMsat: hold.AmountPaidMsat(),
		Memo:           invoice.Memo,
		MinCltvExpiry:  invoice.MinCltvExpiry,
		CreatedAt:      invoice.CreatedAt,
		AcceptedAt:     invoice.AcceptedAt,
		SettledAt:      invoice.SettledAt,
		Htlcs:          []htlcResponse{},
	}

	// The preimage only becomes public once the invoice is settled.
	if invoice.State == store.StatePaid {
		resp.Preimage = hex.EncodeToString(invoice.Preimage)
	}
	if len(invoice.DescriptionHash) > 0 {
		resp.DescriptionHash = hex.EncodeToString(invoice.DescriptionHash)
	}

	for _, htlc := range hold.Htlcs {
		resp.Htlcs = append(resp.Htlcs, htlcResponse{
			State:      htlc.State,
			Scid:       htlc.Scid,
			HtlcID:     htlc.HtlcID,
			Msat:       htlc.Msat,
			CltvExpiry: htlc.CltvExpiry,
			CreatedAt:  htlc.CreatedAt,
		})
	}

	return resp
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": daemonVersion})
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentHash        string `json:"payment_hash"`
		AmountMsat         uint64 `json:"amount_msat"`
		Memo               string `json:"memo"`
		DescriptionHash    string `json:"description_hash"`
		ExpirySeconds      uint64 `json:"expiry_seconds"`
		MinFinalCltvExpiry uint32 `json:"min_final_cltv_expiry"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	paymentHash, err := hex.DecodeString(req.PaymentHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment hash")
		return
	}

	var descriptionHash []byte
	if req.DescriptionHash != "" {
		descriptionHash, err = hex.DecodeString(req.DescriptionHash)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid description hash")
			return
		}
	}

	bolt11, err := s.engine.NewInvoice(r.Context(), hold.InvoiceRequest{
		PaymentHash:        paymentHash,
		AmountMsat:         req.AmountMsat,
		Memo:               req.Memo,
		DescriptionHash:    descriptionHash,
		ExpirySeconds:      req.ExpirySeconds,
		MinFinalCltvExpiry: req.MinFinalCltvExpiry,
	})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"bolt11": bolt11})
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bolt11 string `json:"bolt11"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.Inject(r.Context(), req.Bolt11); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Preimage string `json:"preimage"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	preimage, err := hex.DecodeString(req.Preimage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid preimage")
		return
	}

	if err := s.engine.Settle(r.Context(), preimage); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentHash string `json:"payment_hash"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	paymentHash, err := hex.DecodeString(req.PaymentHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment hash")
		return
	}

	if err := s.engine.Cancel(r.Context(), paymentHash); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgeSeconds uint64 `json:"age_seconds"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cleaned, err := s.engine.Clean(r.Context(), time.Duration(req.AgeSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"cleaned": cleaned})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var req hold.ListRequest
	if raw := query.Get("payment_hash"); raw != "" {
		paymentHash, err := hex.DecodeString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid payment hash")
			return
		}
		req.PaymentHash = paymentHash
	}
	req.Bolt11 = query.Get("bolt11")

	if raw := query.Get("index_start"); raw != "" {
		indexStart, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid index_start")
			return
		}
		req.IndexStart = indexStart
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = uint32(limit)
	}

	invoices, err := s.engine.List(r.Context(), req)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	result := make([]invoiceResponse, 0, len(invoices))
	for _, invoice := range invoices {
		result = append(result, newInvoiceResponse(invoice))
	}

	writeJSON(w, http.StatusOK, map[string]any{"invoices": result})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	paymentHash, err := hex.DecodeString(r.URL.Query().Get("payment_hash"))
	if err != nil || len(paymentHash) != 32 {
		writeError(w, http.StatusBadRequest, "invalid payment hash")
		return
	}

	updates, cancel, err := s.engine.Track(r.Context(), paymentHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cancel()

	s.streamUpdates(w, r, updates)
}

func (s *Server) handleTrackAll(w http.ResponseWriter, r *http.Request) {
	var filter [][]byte
	for _, raw := range r.URL.Query()["payment_hash"] {
		paymentHash, err := hex.DecodeString(raw)
		if err != nil || len(paymentHash) != 32 {
			writeError(w, http.StatusBadRequest, "invalid payment hash")
			return
		}
		filter = append(filter, paymentHash)
	}

	updates, cancel, err := s.engine.TrackAll(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cancel()

	s.streamUpdates(w, r, updates)
}

type updateEvent struct {
	PaymentHash string      `json:"payment_hash"`
	Bolt11      string      `json:"bolt11"`
	State       store.State `json:"state"`
}

func (s *Server) streamUpdates(w http.ResponseWriter, r *http.Request, updates <-chan hold.Update) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "stream not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(updateEvent{
				PaymentHash: hex.EncodeToString(update.PaymentHash),
				Bolt11:      update.Bolt11,
				State:       update.State,
			})
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte("event: heartbeat\ndata: {}\n\n"))
			flusher.Flush()
		}
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrInvoiceExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvoiceNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}
