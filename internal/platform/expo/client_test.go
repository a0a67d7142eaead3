package expo_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-outbox-dispatcher/internal/platform/expo"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatewayStub records batch sizes and answers with a ticket builder.
type gatewayStub struct {
	mu      sync.Mutex
	sizes   []int
	headers []http.Header
	reply   func(w http.ResponseWriter, batch []outbox.PushMessage)
}

func (g *gatewayStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/--/api/v2/push/send", r.URL.Path)

		var batch []outbox.PushMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))

		g.mu.Lock()
		g.sizes = append(g.sizes, len(batch))
		g.headers = append(g.headers, r.Header.Clone())
		g.mu.Unlock()

		g.reply(w, batch)
	})
}

func okTickets(w http.ResponseWriter, batch []outbox.PushMessage) {
	data := make([]outbox.Ticket, len(batch))
	for i := range batch {
		data[i] = outbox.Ticket{Status: "ok", ID: fmt.Sprintf("ticket-%d", i)}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func messages(n int) []outbox.PushMessage {
	return outbox.Content{Title: "t", Body: "b"}.Messages(tokens(n))
}

func tokens(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("ExponentPushToken[%d]", i)
	}
	return out
}

func setup(t *testing.T, stub *gatewayStub, cfg expo.Config) *expo.Client {
	t.Helper()
	server := httptest.NewServer(stub.handler(t))
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL + "/--/api/v2/push"
	return expo.NewClient(cfg, server.Client(), newTestLogger())
}

func TestSend_Batching(t *testing.T) {
	stub := &gatewayStub{reply: okTickets}
	client := setup(t, stub, expo.Config{AccessToken: "secret-token"})

	err := client.Send(context.Background(), messages(250))

	require.NoError(t, err)
	assert.Equal(t, []int{100, 100, 50}, stub.sizes)
	for _, h := range stub.headers {
		assert.Equal(t, "Bearer secret-token", h.Get("Authorization"))
		assert.Equal(t, "application/json", h.Get("Content-Type"))
	}
}

func TestSend_NoMessagesNoCall(t *testing.T) {
	stub := &gatewayStub{reply: okTickets}
	client := setup(t, stub, expo.Config{})

	require.NoError(t, client.Send(context.Background(), nil))
	assert.Empty(t, stub.sizes)
}

func TestSend_HTTPErrorAborts(t *testing.T) {
	stub := &gatewayStub{reply: func(w http.ResponseWriter, _ []outbox.PushMessage) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, strings.Repeat("x", 2000))
	}}
	client := setup(t, stub, expo.Config{})

	err := client.Send(context.Background(), messages(150))

	var httpErr *expo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Len(t, httpErr.Body, 500)
	assert.Equal(t, []int{100}, stub.sizes, "second batch must not be sent")
}

func TestSend_ProtocolErrors(t *testing.T) {
	testCases := []struct {
		name  string
		body  string
		cause string
	}{
		{name: "Short data array", body: `{"data":[{"status":"ok"}]}`, cause: "expected 2 tickets, got 1"},
		{name: "Data is an object", body: `{"data":{"status":"error","message":"bad"}}`, cause: "data is not an array"},
		{name: "Data missing", body: `{"errors":[{"code":"INTERNAL"}]}`, cause: "data is not an array"},
		{name: "Data null", body: `{"data":null}`, cause: "data is not an array"},
		{name: "Not JSON", body: `<html>`, cause: "not a JSON object"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &gatewayStub{reply: func(w http.ResponseWriter, _ []outbox.PushMessage) {
				_, _ = io.WriteString(w, tc.body)
			}}
			client := setup(t, stub, expo.Config{})

			err := client.Send(context.Background(), messages(2))

			var protoErr *expo.ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Contains(t, protoErr.Error(), tc.cause)
		})
	}
}

func TestSend_TicketFailuresAggregate(t *testing.T) {
	stub := &gatewayStub{reply: func(w http.ResponseWriter, batch []outbox.PushMessage) {
		data := make([]any, len(batch))
		for i := range batch {
			switch {
			case i%10 == 0:
				data[i] = map[string]any{
					"status":  "error",
					"message": fmt.Sprintf("token %d is not registered", i),
					"details": map[string]any{"error": "DeviceNotRegistered"},
				}
			case i == 5:
				data[i] = map[string]any{"status": "pending"}
			case i == 7:
				data[i] = "garbage"
			default:
				data[i] = map[string]any{"status": "ok"}
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}}
	client := setup(t, stub, expo.Config{})

	err := client.Send(context.Background(), messages(120))

	var ticketErr *expo.TicketError
	require.ErrorAs(t, err, &ticketErr)
	// batch 1: 10 errors + pending + garbage, batch 2 (20 msgs): 2 errors + pending + garbage
	assert.Equal(t, 16, ticketErr.Failed)
	assert.Equal(t, 120, ticketErr.Total)
	assert.Len(t, ticketErr.Samples, 5)
	assert.Equal(t, "DeviceNotRegistered: token 0 is not registered", ticketErr.Samples[0])
	assert.Contains(t, ticketErr.Samples, `invalid ticket status "pending"`)
	assert.Equal(t, []int{100, 20}, stub.sizes, "ticket failures do not abort later batches")
}

func TestSend_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := expo.NewClient(expo.Config{BaseURL: url}, nil, newTestLogger())
	err := client.Send(context.Background(), messages(1))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport failed")
	var httpErr *expo.HTTPError
	assert.False(t, errors.As(err, &httpErr))
}
