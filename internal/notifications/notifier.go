// Package notifications pushes billing anomalies to an operator Slack
// channel. Delivery is best effort; the metering engine never waits on it.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/metering-plane/pkg/events"
	"go.uber.org/zap"
)

// Notifier delivers billing alerts via a Slack incoming webhook.
type Notifier struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// slackPayload is a Slack incoming-webhook message.
type slackPayload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// NewNotifier creates a Slack notifier. webhookURL may be empty; the
// notifier is then inert and Attach is a no-op.
func NewNotifier(webhookURL, channel string, logger *zap.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Attach subscribes the notifier to the billing events an operator should
// hear about: overdrafts, deadbeat terminations, and recovery summaries.
func (n *Notifier) Attach(bus *events.Bus) {
	if n.webhookURL == "" {
		n.logger.Info("notifications disabled, no webhook URL configured")
		return
	}

	bus.Subscribe(events.EventAccountOverdrawn, n.handle)
	bus.Subscribe(events.EventInstanceDeadbeat, n.handle)
	bus.Subscribe(events.EventInstanceTerminated, n.handle)
	bus.Subscribe(events.EventRecoveryCompleted, n.handle)
}

func (n *Notifier) handle(ctx context.Context, event events.Event) error {
	return n.Send(ctx, event)
}

// Send posts one event to the webhook.
func (n *Notifier) Send(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(slackPayload{
		Channel: n.channel,
		Text:    formatEvent(event),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}

	n.logger.Debug("notification delivered",
		zap.String("event_type", string(event.Type)),
		zap.String("event_id", event.ID),
	)
	return nil
}

func formatEvent(event events.Event) string {
	switch event.Type {
	case events.EventAccountOverdrawn:
		return fmt.Sprintf(":warning: account `%s` overdrawn (amount: %v)",
			event.Owner, event.Payload["amount"])
	case events.EventInstanceDeadbeat:
		return fmt.Sprintf(":no_entry: instance `%v` of account `%s` flagged deadbeat, termination requested",
			event.Payload["instance_id"], event.Owner)
	case events.EventInstanceTerminated:
		return fmt.Sprintf(":octagonal_sign: instance `%v` of account `%s` terminated",
			event.Payload["instance_id"], event.Owner)
	case events.EventRecoveryCompleted:
		return fmt.Sprintf(":recycle: recovery completed (re-tracked: %v, finalized: %v)",
			event.Payload["re_tracked"], event.Payload["finalized"])
	default:
		return fmt.Sprintf("%s: %v", event.Type, event.Payload)
	}
}
