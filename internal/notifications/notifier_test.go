package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crosslogic/metering-plane/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendPostsSlackMessage(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "#billing-alerts", zap.NewNop())
	event := events.NewEvent(events.EventAccountOverdrawn, "alice", map[string]interface{}{
		"amount": int64(5_000_000),
	})
	require.NoError(t, n.Send(context.Background(), event))

	assert.Equal(t, "#billing-alerts", got.Channel)
	assert.True(t, strings.Contains(got.Text, "alice"))
	assert.True(t, strings.Contains(got.Text, "overdrawn"))
}

func TestSendReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "", zap.NewNop())
	err := n.Send(context.Background(), events.NewEvent(events.EventInstanceTerminated, "alice", nil))
	assert.Error(t, err)
}

func TestAttachWithoutURLIsInert(t *testing.T) {
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	n := NewNotifier("", "", logger)
	n.Attach(bus)

	// Publishing must not panic or call anything.
	bus.Publish(context.Background(), events.NewEvent(events.EventAccountOverdrawn, "alice", nil))
}
