// Package billing integrates external payment events with the ledger.
// A successful Stripe payment credits the payer's account, which is also
// how a deadbeat owner recovers before involuntary termination succeeds.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/crosslogic/metering-plane/internal/ledger"
	"github.com/crosslogic/metering-plane/pkg/cache"
	"github.com/crosslogic/metering-plane/pkg/events"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const webhookProcessedTTL = 24 * time.Hour

// WebhookHandler processes Stripe webhook events.
//
// All events are verified with Stripe's signature scheme before any ledger
// mutation. Event IDs are deduplicated in Redis when a cache is configured,
// with an in-memory fallback for single-node deployments and tests.
type WebhookHandler struct {
	webhookSecret string
	accountant    ledger.Accountant
	cache         *cache.Cache
	eventBus      *events.Bus
	logger        *zap.Logger

	// processedEvents is the in-memory idempotency fallback.
	processedEvents map[string]time.Time
	mu              sync.Mutex
}

// NewWebhookHandler creates a Stripe webhook handler. cache may be nil.
func NewWebhookHandler(webhookSecret string, accountant ledger.Accountant, cacheClient *cache.Cache, eventBus *events.Bus, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		accountant:      accountant,
		cache:           cacheClient,
		eventBus:        eventBus,
		logger:          logger,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook is the HTTP entry point for Stripe events.
//
// Responses:
// - 200 OK: event processed (or duplicate, or ignorable type)
// - 400 Bad Request: unreadable body or failed signature verification
// - 500 Internal Server Error: ledger update failed; Stripe will retry
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	duplicate, err := h.seenBefore(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to check webhook idempotency",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
	if duplicate {
		h.logger.Info("webhook event already processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	var handlerErr error
	switch event.Type {
	case "payment_intent.succeeded":
		handlerErr = h.handlePaymentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		handlerErr = h.handlePaymentFailed(ctx, event)
	default:
		// Unknown event types are logged, never failed, so Stripe can
		// add events without breaking the endpoint.
		h.logger.Debug("ignoring webhook event type",
			zap.String("event_type", string(event.Type)),
		)
	}

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(handlerErr),
		)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	h.markProcessed(ctx, event.ID)
	w.WriteHeader(http.StatusOK)
}

// handlePaymentSucceeded credits the paying owner's ledger account. The
// owner key and credit amount travel in the payment intent metadata.
func (h *WebhookHandler) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	owner := paymentIntent.Metadata["owner"]
	if owner == "" {
		return fmt.Errorf("payment intent %s has no owner metadata", paymentIntent.ID)
	}

	amount, err := creditAmount(paymentIntent.Metadata)
	if err != nil {
		return fmt.Errorf("payment intent %s: %w", paymentIntent.ID, err)
	}

	if err := h.accountant.Credit(ctx, owner, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			// Payment exceeds outstanding usage; anomaly, not a retryable
			// failure.
			h.logger.Warn("payment credit exceeds used balance",
				zap.String("owner", owner),
				zap.Int64("amount", amount),
			)
			return nil
		}
		return fmt.Errorf("failed to credit account %s: %w", owner, err)
	}

	h.logger.Info("credited account from payment",
		zap.String("owner", owner),
		zap.Int64("amount", amount),
	)
	h.eventBus.Publish(ctx, events.NewEvent(events.EventAccountCredited, owner, map[string]interface{}{
		"amount":         amount,
		"payment_intent": paymentIntent.ID,
	}))

	return nil
}

// handlePaymentFailed records the failure for observability; the charge
// cycle handles the consequences when the account runs dry.
func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	h.logger.Warn("payment failed",
		zap.String("payment_intent", paymentIntent.ID),
		zap.String("owner", paymentIntent.Metadata["owner"]),
	)
	return nil
}

// creditAmount reads the microcredit amount from payment metadata.
func creditAmount(metadata map[string]string) (int64, error) {
	raw := metadata["credits_micro"]
	if raw == "" {
		return 0, fmt.Errorf("missing credits_micro metadata")
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("invalid credits_micro metadata %q", raw)
	}
	return amount, nil
}

func (h *WebhookHandler) seenBefore(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		n, err := h.cache.Exists(ctx, webhookKey(eventID))
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, seen := h.processedEvents[eventID]
	return seen, nil
}

func (h *WebhookHandler) markProcessed(ctx context.Context, eventID string) {
	if h.cache != nil {
		if err := h.cache.Set(ctx, webhookKey(eventID), "1", webhookProcessedTTL); err != nil {
			h.logger.Error("failed to record processed webhook event",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.processedEvents[eventID] = time.Now()

	// Bound the fallback map.
	if len(h.processedEvents) > 10000 {
		cutoff := time.Now().Add(-webhookProcessedTTL)
		for id, at := range h.processedEvents {
			if at.Before(cutoff) {
				delete(h.processedEvents, id)
			}
		}
	}
}

func webhookKey(eventID string) string {
	return "webhook:stripe:" + eventID
}
