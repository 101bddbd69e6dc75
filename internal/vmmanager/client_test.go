package vmmanager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosslogic/metering-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:    srv.URL,
		Token:      "test-token",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, zap.NewNop())
}

func TestCreateSendsRequestAndReturnsIDs(t *testing.T) {
	var got CreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/instances", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]interface{}{"ids": []string{"vm-1", "vm-2"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ids, err := c.Create(context.Background(), CreateRequest{
		Owner:        "alice",
		ResourceType: "medium",
		NodeCount:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"vm-1", "vm-2"}, ids)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, 2, got.NodeCount)
}

func TestCreateIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Create(context.Background(), CreateRequest{Owner: "alice", NodeCount: 1})
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestStateDecodesInstance(t *testing.T) {
	stoppedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/instances/vm-1", r.URL.Path)
		json.NewEncoder(w).Encode(InstanceState{
			ID:        "vm-1",
			Status:    models.InstanceStopped,
			StoppedAt: &stoppedAt,
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	state, err := c.State(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStopped, state.Status)
	require.NotNil(t, state.StoppedAt)
	assert.True(t, state.StoppedAt.Equal(stoppedAt))
}

func TestStateNotFoundMapsToDoesNotExist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.State(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrDoesNotExist)

	ok, err := c.Exists(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(InstanceState{ID: "vm-1", Status: models.InstanceRunning})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	state, err := c.State(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceRunning, state.Status)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestStateDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.State(context.Background(), "vm-1")
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	var mErr *ManageError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "state", mErr.Op)
	assert.Equal(t, "vm-1", mErr.InstanceID)
}

func TestTerminateSendsOwnerAndHandlesGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/instances/vm-1", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("owner"))
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.Terminate(context.Background(), "vm-1", "alice")
	assert.ErrorIs(t, err, ErrDoesNotExist)
}

func TestTerminateWrapsPersistentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.Terminate(context.Background(), "vm-1", "alice")
	require.Error(t, err)

	var mErr *ManageError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "terminate", mErr.Op)

	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(Config{
		BaseURL:    srv.URL,
		MaxRetries: 3,
		RetryDelay: 50 * time.Millisecond,
	}, zap.NewNop())

	_, err := c.State(ctx, "vm-1")
	require.Error(t, err)
}
