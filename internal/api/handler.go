package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"stashu/internal/blob"
	"stashu/internal/ecash"
	"stashu/internal/logging"
	"stashu/internal/payments"
	"stashu/internal/settle"
	"stashu/internal/store"
)

// Handler handles HTTP requests.
type Handler struct {
	store     store.Store
	payments  *payments.Service
	scheduler *settle.Scheduler
	blobs     *blob.Service
	verifier  IdentityVerifier
	mux       *http.ServeMux
}

// NewHandler creates the HTTP handler.
func NewHandler(st store.Store, ps *payments.Service, sch *settle.Scheduler, bs *blob.Service, verifier IdentityVerifier) *Handler {
	h := &Handler{
		store:     st,
		payments:  ps,
		scheduler: sch,
		blobs:     bs,
		verifier:  verifier,
		mux:       http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /api/health", h.handleHealth)

	h.mux.HandleFunc("POST /api/stash", h.handleCreateStash)
	h.mux.HandleFunc("GET /api/stash/{id}", h.handleGetStash)
	h.mux.HandleFunc("POST /api/stash/{id}/unlock", h.handleUnlock)
	h.mux.HandleFunc("POST /api/stash/{id}/pay", h.handleCreateInvoice)
	h.mux.HandleFunc("GET /api/stash/{id}/pay/{quote}", h.handlePollPayment)

	h.mux.HandleFunc("GET /api/earnings", h.handleEarnings)
	h.mux.HandleFunc("GET /api/dashboard", h.handleDashboard)
	h.mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	h.mux.HandleFunc("POST /api/settings", h.handleUpdateSettings)
	h.mux.HandleFunc("POST /api/withdraw/quote", h.handleWithdrawQuote)
	h.mux.HandleFunc("POST /api/withdraw", h.handleWithdraw)

	h.mux.HandleFunc("PUT /api/blob", h.handlePutBlob)
	h.mux.HandleFunc("GET /api/blob/{hash}", h.handleGetBlob)
	h.mux.HandleFunc("HEAD /api/blob/{hash}", h.handleGetBlob)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authenticate verifies the caller's identity or writes a 401.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	pubkey, err := h.verifier.Verify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return pubkey, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

// writeDomainError maps service errors onto HTTP statuses with the
// stable error shape.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, payments.ErrQuoteUnknown):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, payments.ErrQuoteMismatch):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, payments.ErrInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payments.ErrTokenReused),
		errors.Is(err, payments.ErrPaymentFailed),
		errors.Is(err, ecash.ErrInsufficientValue),
		errors.Is(err, ecash.ErrInsufficientBalance),
		errors.Is(err, ecash.ErrPaymentFailed),
		errors.Is(err, settle.ErrNoBalance):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, payments.ErrMintIncomplete):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		logging.HTTP.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Stashes ---

// CreateStashRequest is the seller's publish request. The payload is
// already encrypted client-side; secretKey is the decryption material
// released to buyers after settlement.
type CreateStashRequest struct {
	BlobURL     string `json:"blobUrl"`
	SecretKey   string `json:"secretKey"`
	PriceSats   int64  `json:"priceSats"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	PreviewURL  string `json:"previewUrl"`
}

func (h *Handler) handleCreateStash(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req CreateStashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BlobURL == "" || req.SecretKey == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "blobUrl, secretKey and title are required")
		return
	}
	if req.PriceSats <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	stash := &store.Stash{
		ID:           uuid.NewString(),
		BlobURL:      req.BlobURL,
		SecretKey:    req.SecretKey,
		SellerPubkey: seller,
		PriceSats:    req.PriceSats,
		Title:        req.Title,
		Description:  req.Description,
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		PreviewURL:   req.PreviewURL,
	}
	if err := h.store.SaveStash(r.Context(), stash); err != nil {
		writeDomainError(w, err)
		return
	}

	logging.HTTP.Printf("stash %s created by %s (%d sats)", stash.ID, seller, stash.PriceSats)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": stash.ID})
}

// StashResponse is the public view of a stash; never includes the
// secret key.
type StashResponse struct {
	ID          string `json:"id"`
	PriceSats   int64  `json:"priceSats"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	PreviewURL  string `json:"previewUrl,omitempty"`
}

func (h *Handler) handleGetStash(w http.ResponseWriter, r *http.Request) {
	stash, err := h.store.GetStash(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StashResponse{
		ID:          stash.ID,
		PriceSats:   stash.PriceSats,
		Title:       stash.Title,
		Description: stash.Description,
		FileName:    stash.FileName,
		FileSize:    stash.FileSize,
		PreviewURL:  stash.PreviewURL,
	})
}

// --- Payments ---

// UnlockRequest carries the buyer's bearer token.
type UnlockRequest struct {
	Token string `json:"token"`
}

// UnlockResponse is the settlement result the buyer unlocks with.
type UnlockResponse struct {
	Success   bool   `json:"success"`
	SecretKey string `json:"secretKey"`
	BlobURL   string `json:"blobUrl"`
	FileName  string `json:"fileName,omitempty"`
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	result, err := h.payments.Unlock(r.Context(), r.PathValue("id"), req.Token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnlockResponse{
		Success:   true,
		SecretKey: result.SecretKey,
		BlobURL:   result.BlobURL,
		FileName:  result.FileName,
	})
}

// InvoiceResponse is a freshly created Lightning invoice for a stash.
type InvoiceResponse struct {
	Success    bool   `json:"success"`
	Invoice    string `json:"invoice"`
	QuoteID    string `json:"quoteId"`
	AmountSats int64  `json:"amountSats"`
	ExpiresAt  int64  `json:"expiresAt"`
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	result, err := h.payments.CreateInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InvoiceResponse{
		Success:    true,
		Invoice:    result.Invoice,
		QuoteID:    result.QuoteID,
		AmountSats: result.AmountSats,
		ExpiresAt:  result.ExpiresAt.Unix(),
	})
}

// PollResponse reports invoice payment progress. Once paid it carries
// the same unlock payload as the token flow.
type PollResponse struct {
	Success    bool   `json:"success"`
	Paid       bool   `json:"paid"`
	Processing bool   `json:"processing,omitempty"`
	SecretKey  string `json:"secretKey,omitempty"`
	BlobURL    string `json:"blobUrl,omitempty"`
	FileName   string `json:"fileName,omitempty"`
}

func (h *Handler) handlePollPayment(w http.ResponseWriter, r *http.Request) {
	result, err := h.payments.PollStatus(r.Context(), r.PathValue("id"), r.PathValue("quote"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := PollResponse{Success: true, Paid: result.Paid, Processing: result.Processing}
	if result.Unlock != nil {
		resp.SecretKey = result.Unlock.SecretKey
		resp.BlobURL = result.Unlock.BlobURL
		resp.FileName = result.Unlock.FileName
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Seller views ---

// EarningsResponse summarizes a seller's swept and sweepable value.
type EarningsResponse struct {
	Success        bool  `json:"success"`
	UnclaimedSats  int64 `json:"unclaimedSats"`
	ChangeSats     int64 `json:"changeSats"`
	PendingPayouts int   `json:"pendingPayouts"`
	UnclaimedCount int   `json:"unclaimedCount"`
}

func (h *Handler) handleEarnings(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	unclaimed, err := h.store.UnclaimedPayments(r.Context(), seller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	change, err := h.store.UnconsumedChangeProofs(r.Context(), seller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	pending, err := h.store.ListPendingMelts(r.Context(), store.MeltPending)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := EarningsResponse{Success: true, UnclaimedCount: len(unclaimed)}
	for _, u := range unclaimed {
		resp.UnclaimedSats += u.AmountSats
	}
	for _, cp := range change {
		resp.ChangeSats += cp.AmountSats
	}
	for _, pm := range pending {
		if pm.SellerPubkey == seller {
			resp.PendingPayouts++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DashboardStash is one row of the seller dashboard.
type DashboardStash struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	PriceSats   int64  `json:"priceSats"`
	UnlockCount int64  `json:"unlockCount"`
	TotalEarned int64  `json:"totalEarned"`
	CreatedAt   int64  `json:"createdAt"`
}

// DashboardSettlement is one settlement-log row.
type DashboardSettlement struct {
	Status      string `json:"status"`
	AmountSats  int64  `json:"amountSats"`
	FeeSats     int64  `json:"feeSats"`
	NetSats     int64  `json:"netSats"`
	Destination string `json:"destination,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// DashboardResponse is the seller's full overview.
type DashboardResponse struct {
	Success     bool                  `json:"success"`
	Stashes     []DashboardStash      `json:"stashes"`
	Settlements []DashboardSettlement `json:"settlements"`
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	stats, err := h.store.SellerStashStats(r.Context(), seller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	settlements, err := h.store.ListSettlements(r.Context(), seller, 50)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := DashboardResponse{Success: true, Stashes: []DashboardStash{}, Settlements: []DashboardSettlement{}}
	for _, s := range stats {
		resp.Stashes = append(resp.Stashes, DashboardStash{
			ID:          s.ID,
			Title:       s.Title,
			PriceSats:   s.PriceSats,
			UnlockCount: s.UnlockCount,
			TotalEarned: s.TotalEarned,
			CreatedAt:   s.CreatedAt.Unix(),
		})
	}
	for _, e := range settlements {
		resp.Settlements = append(resp.Settlements, DashboardSettlement{
			Status:      e.Status,
			AmountSats:  e.AmountSats,
			FeeSats:     e.FeeSats,
			NetSats:     e.NetSats,
			Destination: e.Destination,
			Error:       e.Error,
			CreatedAt:   e.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Settings ---

// SettingsPayload is the seller's payout configuration.
type SettingsPayload struct {
	LNAddress           string `json:"lnAddress"`
	AutoSettleThreshold int64  `json:"autoSettleThreshold"`
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	settings, err := h.store.GetSellerSettings(r.Context(), seller)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": SettingsPayload{}})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": SettingsPayload{
		LNAddress:           settings.LNAddress,
		AutoSettleThreshold: settings.AutoSettleThreshold,
	}})
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req SettingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AutoSettleThreshold < 0 {
		writeError(w, http.StatusBadRequest, "threshold must not be negative")
		return
	}
	if req.LNAddress != "" && !isPlausibleLNAddress(req.LNAddress) {
		writeError(w, http.StatusBadRequest, "invalid lightning address")
		return
	}

	err := h.store.UpsertSellerSettings(r.Context(), &store.SellerSettings{
		Pubkey:              seller,
		LNAddress:           req.LNAddress,
		AutoSettleThreshold: req.AutoSettleThreshold,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// A changed threshold may already be crossed.
	h.scheduler.Trigger(seller)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func isPlausibleLNAddress(addr string) bool {
	at := -1
	for i, c := range addr {
		if c == '@' {
			if at != -1 {
				return false
			}
			at = i
		}
	}
	return at > 0 && at < len(addr)-1
}

// --- Withdrawals ---

// WithdrawRequest carries the invoice to pay out to.
type WithdrawRequest struct {
	Invoice string `json:"invoice"`
}

func (h *Handler) handleWithdrawQuote(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Invoice == "" {
		writeError(w, http.StatusBadRequest, "invoice is required")
		return
	}

	quote, err := h.scheduler.QuoteWithdraw(r.Context(), seller, req.Invoice)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"balanceSats": quote.BalanceSats,
		"amountSats":  quote.AmountSats,
		"feeSats":     quote.FeeSats,
	})
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Invoice == "" {
		writeError(w, http.StatusBadRequest, "invoice is required")
		return
	}

	entry, err := h.scheduler.Withdraw(r.Context(), seller, req.Invoice)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	logging.HTTP.Printf("withdrawal by %s: %d sats (fee %d)", seller, entry.NetSats, entry.FeeSats)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"amountSats": entry.AmountSats,
		"feeSats":    entry.FeeSats,
		"netSats":    entry.NetSats,
	})
}

// --- Blobs ---

func (h *Handler) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, blob.DefaultMaxBlobSize)
	result, err := h.blobs.Put(r.Context(), r.Body)
	if errors.Is(err, blob.ErrTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("blob too large (max %d bytes)", blob.DefaultMaxBlobSize))
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{"success": true, "hash": result.Hash, "size": result.Size}
	if direct := h.blobs.DirectURL(result.Hash); direct != "" {
		resp["url"] = direct
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	reader, size, err := h.blobs.Get(r.Context(), r.PathValue("hash"))
	if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidKey) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	// Content is immutable: the path is its hash.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := io.Copy(w, reader); err != nil {
		logging.Blob.Printf("blob download aborted: %v", err)
	}
}
