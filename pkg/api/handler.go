package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/resumegate/pkg/billing"
	"github.com/mihaimyh/resumegate/pkg/summary"
)

const (
	maxUserIDLen   = 255
	maxRequestBody = 64 << 10
)

var (
	errUnauthenticated = errors.New("user ID not found")
	errInvalidUserID   = errors.New("invalid user ID format")
	errInvalidBody     = errors.New("invalid request body")
	errUnavailable     = errors.New("service not configured")
)

// Handler provides the authenticated billing and summary endpoints
type Handler struct {
	config Config
}

// GetSubscription returns the caller's subscription status
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	status, err := h.config.Checker.Status(r.Context(), userID)
	if err != nil {
		h.config.Logger.Error("Failed to read subscription",
			billing.F("user_id", userID), billing.F("error", err.Error()))
		h.handleError(w, r, errors.New("failed to read subscription"), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// CreateCheckout opens a subscription checkout session for the caller
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.config.Billing == nil {
		h.handleError(w, r, errUnavailable, http.StatusServiceUnavailable)
		return
	}

	var req CheckoutRequest
	if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.PriceID) == "" {
		h.handleError(w, r, errInvalidBody, http.StatusBadRequest)
		return
	}

	url, err := h.config.Billing.CheckoutURL(r.Context(), userID, strings.TrimSpace(req.PriceID),
		h.config.CheckoutSuccessURL, h.config.CheckoutCancelURL)
	if err != nil {
		h.billingError(w, r, userID, "Checkout session failed", err)
		return
	}

	h.writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// CreatePortal opens a billing portal session for the caller
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.config.Billing == nil {
		h.handleError(w, r, errUnavailable, http.StatusServiceUnavailable)
		return
	}

	url, err := h.config.Billing.PortalURL(r.Context(), userID, h.config.PortalReturnURL)
	if err != nil {
		h.billingError(w, r, userID, "Portal session failed", err)
		return
	}

	h.writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// Resync rebuilds one user's local record from Stripe. It is mounted at
// /admin/resync/{userID} and requires the admin bearer token.
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	if h.config.AdminToken == "" {
		http.NotFound(w, r)
		return
	}
	if !h.adminAuthorized(r) {
		h.handleError(w, r, errors.New("unauthorized"), http.StatusUnauthorized)
		return
	}
	if h.config.Billing == nil {
		h.handleError(w, r, errUnavailable, http.StatusServiceUnavailable)
		return
	}

	userID := chi.URLParam(r, "userID")
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, errInvalidUserID, http.StatusBadRequest)
		return
	}

	rec, err := h.config.Billing.SyncUser(r.Context(), userID)
	if err != nil {
		h.billingError(w, r, userID, "Resync failed", err)
		return
	}

	h.config.Logger.Info("User resynced", billing.F("user_id", userID), billing.F("found", rec != nil))
	h.writeJSON(w, http.StatusOK, ResyncResponse{UserID: userID, Subscription: rec})
}

// GenerateSummary writes a resume summary for the caller. Mount it behind
// the subscription gate.
func (h *Handler) GenerateSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.config.Summaries == nil {
		h.handleError(w, r, errUnavailable, http.StatusServiceUnavailable)
		return
	}

	var in summary.Input
	if err := decodeBody(w, r, &in); err != nil {
		h.handleError(w, r, errInvalidBody, http.StatusBadRequest)
		return
	}

	text, err := h.config.Summaries.Generate(r.Context(), &in)
	if err != nil {
		if errors.Is(err, summary.ErrInvalidInput) {
			h.handleError(w, r, err, http.StatusBadRequest)
			return
		}
		h.config.Logger.Error("Summary generation failed",
			billing.F("user_id", userID), billing.F("error", err.Error()))
		h.handleError(w, r, errors.New("summary generation failed"), http.StatusBadGateway)
		return
	}

	h.writeJSON(w, http.StatusOK, SummaryResponse{Summary: text})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errUnauthenticated, http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, errInvalidUserID, http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) adminAuthorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AdminToken)) == 1
}

// billingError maps provider errors onto HTTP statuses
func (h *Handler) billingError(w http.ResponseWriter, r *http.Request, userID, msg string, err error) {
	switch {
	case errors.Is(err, billing.ErrPriceNotAllowed):
		h.handleError(w, r, billing.ErrPriceNotAllowed, http.StatusBadRequest)
	case errors.Is(err, billing.ErrCustomerNotFound):
		h.handleError(w, r, billing.ErrCustomerNotFound, http.StatusNotFound)
	case errors.Is(err, billing.ErrProviderAPIError):
		h.config.Logger.Error(msg, billing.F("user_id", userID), billing.F("error", err.Error()))
		h.handleError(w, r, errors.New("billing provider error"), http.StatusBadGateway)
	default:
		h.config.Logger.Error(msg, billing.F("user_id", userID), billing.F("error", err.Error()))
		h.handleError(w, r, errors.New("internal error"), http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Logger.Warn("Failed to write response", billing.F("error", err.Error()))
	}
}

// handleError handles errors using custom handler or default
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	h.writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}
