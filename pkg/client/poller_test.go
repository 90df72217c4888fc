package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

// turnServer answers the long-poll route with statuses[i] on the i-th call,
// repeating the last one.
func turnServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		code := statuses[n]
		w.Header().Set("Content-Type", "application/json")
		switch code {
		case 0:
			_ = json.NewEncoder(w).Encode(chat.Turn{ID: 2, ChatID: "c1", Status: chat.StatusProcessing})
		case 1:
			_ = json.NewEncoder(w).Encode(chat.Turn{ID: 2, ChatID: "c1", Status: chat.StatusCompleted, Content: chat.Content{Text: "hi"}})
		case 2:
			_ = json.NewEncoder(w).Encode(chat.Turn{ID: 2, ChatID: "c1", Status: chat.StatusError, ErrorCode: chat.ErrorCodeProducer})
		default:
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "nope", "kind": "test"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestPoller(url string, attempts int) *Poller {
	return &Poller{
		Client:      New(url, "tok", nil),
		MaxAttempts: attempts,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func TestPollerCompletesAfterProcessing(t *testing.T) {
	srv, calls := turnServer(t, 0, 0, 1)

	res, err := newTestPoller(srv.URL, 4).Wait(context.Background(), "c1", 2)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "hi", res.Turn.Content.Text)
	require.Equal(t, 3, res.Attempts)
	require.EqualValues(t, 3, calls.Load())
}

func TestPollerErrorIsTerminal(t *testing.T) {
	srv, calls := turnServer(t, 2, 1)

	res, err := newTestPoller(srv.URL, 4).Wait(context.Background(), "c1", 2)
	require.NoError(t, err)
	require.Equal(t, OutcomeError, res.Outcome)
	require.Equal(t, chat.ErrorCodeProducer, res.Turn.ErrorCode)
	require.EqualValues(t, 1, calls.Load())
}

func TestPollerTimesOutAtCeiling(t *testing.T) {
	srv, calls := turnServer(t, 0)

	res, err := newTestPoller(srv.URL, 3).Wait(context.Background(), "c1", 2)
	require.NoError(t, err)
	require.Equal(t, OutcomeTimeout, res.Outcome)
	require.Equal(t, chat.StatusProcessing, res.Turn.Status)
	require.Equal(t, 3, res.Attempts)
	require.EqualValues(t, 3, calls.Load())
}

func TestPollerRetriesServerErrors(t *testing.T) {
	srv, _ := turnServer(t, http.StatusServiceUnavailable, 1)

	res, err := newTestPoller(srv.URL, 3).Wait(context.Background(), "c1", 2)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 2, res.Attempts)
	require.NoError(t, res.LastErr)
}

func TestPollerServerErrorsDegradeToTimeout(t *testing.T) {
	srv, _ := turnServer(t, http.StatusBadGateway)

	res, err := newTestPoller(srv.URL, 2).Wait(context.Background(), "c1", 2)
	require.NoError(t, err)
	require.Equal(t, OutcomeTimeout, res.Outcome)
	var apiErr *APIError
	require.ErrorAs(t, res.LastErr, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestPollerStopsOnClientError(t *testing.T) {
	srv, calls := turnServer(t, http.StatusNotFound)

	_, err := newTestPoller(srv.URL, 4).Wait(context.Background(), "c1", 2)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "test", apiErr.Kind)
	require.EqualValues(t, 1, calls.Load())
}

func TestPollerHonorsCancel(t *testing.T) {
	srv, _ := turnServer(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestPoller(srv.URL, 4).Wait(ctx, "c1", 2)
	require.ErrorIs(t, err, context.Canceled)
}
