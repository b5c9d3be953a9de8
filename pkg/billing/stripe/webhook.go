package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/resumegate/pkg/billing"
	"github.com/mihaimyh/resumegate/pkg/billing/internal"
)

const (
	signatureHeader = "Stripe-Signature"
	requestIDHeader = "X-Request-ID"
)

type receivedResponse struct {
	Received bool `json:"received"`
}

// handleWebhook verifies a Stripe notification and reconciles it
// synchronously. Stripe retries on any non-2xx response.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		internal.WriteText(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if !p.webhookConfigured {
		internal.WriteText(w, http.StatusServiceUnavailable, "Webhook not configured")
		p.metrics.RecordWebhookError(providerName, "not_configured")
		return
	}

	log := p.logger.With(billing.F("request_id", requestID(r)))

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteText(w, http.StatusRequestEntityTooLarge, "Payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			internal.WriteText(w, http.StatusBadRequest, "Invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		log.Warn("Webhook body rejected", billing.F("error", err.Error()))
		return
	}

	event, err := p.verifier.Verify(body, r.Header.Get(signatureHeader))
	if err != nil {
		if errors.Is(err, billing.ErrMissingSignature) {
			internal.WriteText(w, http.StatusBadRequest, "Signature missing")
			p.metrics.RecordWebhookError(providerName, "missing_signature")
			log.Warn("Webhook without signature header")
			return
		}
		internal.WriteText(w, http.StatusInternalServerError, "Webhook error")
		p.metrics.RecordWebhookError(providerName, verifyErrorType(err))
		log.Error("Webhook verification failed", billing.F("error", err.Error()))
		return
	}

	log = log.With(billing.F("event_id", event.ID), billing.F("event_type", event.Type))
	log.Info("Webhook received", billing.F("kind", event.Kind.String()))

	if err := Dispatch(r.Context(), p.reconciler, log, event); err != nil {
		internal.WriteText(w, http.StatusInternalServerError, "Webhook error")
		p.metrics.RecordWebhookEvent(providerName, event.Type, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, event.Type, time.Since(startTime))
		log.Error("Webhook processing failed", billing.F("error", err.Error()))
		return
	}

	if err := internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true}); err != nil {
		log.Warn("Failed to write webhook response", billing.F("error", err.Error()))
	}
	p.metrics.RecordWebhookEvent(providerName, event.Type, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, event.Type, time.Since(startTime))
}

// Dispatch routes a verified event to the matching reconciler operation.
// Events of kind Other are acknowledged without side effects.
func Dispatch(ctx context.Context, rec *billing.Reconciler, log billing.Logger, event *billing.BillingEvent) error {
	switch event.Kind {
	case billing.EventSessionCompleted:
		return rec.ReconcileFromSession(ctx, log, event.Session)
	case billing.EventSubscriptionUpserted:
		return rec.ReconcileFromSubscriptionEvent(ctx, log, event.Subscription)
	case billing.EventSubscriptionDeleted:
		return rec.ReconcileFromDeletion(ctx, log, event.Subscription)
	default:
		log.Debug("Ignoring unhandled event type")
		return nil
	}
}

func verifyErrorType(err error) string {
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, billing.ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "verification_error"
	}
}

// requestID returns the correlation id assigned upstream, or mints one.
func requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" {
		return id
	}
	return fmt.Sprintf("wh_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
