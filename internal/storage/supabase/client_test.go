package supabase_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-outbox-dispatcher/internal/storage/supabase"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

var (
	_ dispatch.ClaimStore      = (*supabase.Client)(nil)
	_ dispatch.StaleReclaimer  = (*supabase.Client)(nil)
	_ dispatch.RecipientSource = (*supabase.Client)(nil)
	_ dispatch.ProfileSource   = (*supabase.Client)(nil)
	_ dispatch.TokenSource     = (*supabase.Client)(nil)
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedRequest struct {
	method string
	path   string
	query  map[string][]string
	body   map[string]any
	header http.Header
}

func setup(t *testing.T, status int, reply string) (*supabase.Client, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.query = r.URL.Query()
		captured.header = r.Header.Clone()
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&captured.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(server.Close)

	client := supabase.NewClient(supabase.Config{URL: server.URL + "/", ServiceRoleKey: "service-key"}, server.Client(), newTestLogger())
	return client, captured
}

func TestClient_Claim(t *testing.T) {
	client, req := setup(t, http.StatusOK, `[
		{"id": 7, "type": "SALE_CREATED", "ref_id": "S-1", "payload": {"sale_id": "S-1"}},
		{"id": "b2", "type": "FOO_BAR", "ref_id": null, "payload": null}
	]`)

	rows, err := client.Claim(context.Background(), 20)

	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, outbox.RowID("7"), rows[0].ID)
	assert.Equal(t, "S-1", rows[0].Ref())
	assert.Equal(t, outbox.RowID("b2"), rows[1].ID)
	assert.Nil(t, rows[1].RefID)

	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/rest/v1/rpc/claim_notification_outbox", req.path)
	assert.Equal(t, map[string]any{"p_limit": float64(20)}, req.body)
	assert.Equal(t, "service-key", req.header.Get("apikey"))
	assert.Equal(t, "Bearer service-key", req.header.Get("Authorization"))
}

func TestClient_MarkTerminal(t *testing.T) {
	t.Run("Processed", func(t *testing.T) {
		client, req := setup(t, http.StatusNoContent, "")
		require.NoError(t, client.MarkProcessed(context.Background(), "42"))
		assert.Equal(t, "/rest/v1/rpc/mark_notification_outbox_processed", req.path)
		assert.Equal(t, map[string]any{"p_id": "42"}, req.body)
	})

	t.Run("Error", func(t *testing.T) {
		client, req := setup(t, http.StatusOK, "null")
		require.NoError(t, client.MarkError(context.Background(), "42", "boom"))
		assert.Equal(t, "/rest/v1/rpc/mark_notification_outbox_error", req.path)
		assert.Equal(t, map[string]any{"p_id": "42", "p_error": "boom"}, req.body)
	})
}

func TestClient_RequeueStale(t *testing.T) {
	client, req := setup(t, http.StatusOK, "3")

	n, err := client.RequeueStale(context.Background(), 10*time.Minute)

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, map[string]any{"p_older_than_seconds": float64(600)}, req.body)
}

func TestClient_Recipients(t *testing.T) {
	t.Run("Static", func(t *testing.T) {
		client, req := setup(t, http.StatusOK, `[{"user_id":"U1","role":"ADMIN"}]`)
		list, err := client.ResolveStatic(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []outbox.Recipient{{UserID: "U1", Role: outbox.RoleAdmin}}, list)
		assert.Equal(t, "/rest/v1/rpc/notification_recipients_static", req.path)
	})

	t.Run("For ref", func(t *testing.T) {
		client, req := setup(t, http.StatusOK, `[]`)
		list, err := client.ResolveForRef(context.Background(), "S-9")
		require.NoError(t, err)
		assert.Empty(t, list)
		assert.Equal(t, map[string]any{"p_ref_id": "S-9"}, req.body)
	})
}

func TestClient_ProfilesByRoles(t *testing.T) {
	client, req := setup(t, http.StatusOK, `[{"id":"U1","role":"MANAGER"},{"id":"U2","role":"WAREHOUSE"}]`)

	list, err := client.ProfilesByRoles(context.Background(), []outbox.Role{outbox.RoleManager, outbox.RoleWarehouse}, 1000, 1000)

	require.NoError(t, err)
	assert.Equal(t, []outbox.Recipient{{UserID: "U1", Role: outbox.RoleManager}, {UserID: "U2", Role: outbox.RoleWarehouse}}, list)
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "/rest/v1/profiles", req.path)
	assert.Equal(t, []string{`in.("MANAGER","WAREHOUSE")`}, req.query["role"])
	assert.Equal(t, []string{"1000"}, req.query["offset"])
	assert.Equal(t, []string{"1000"}, req.query["limit"])
	assert.Equal(t, []string{"id.asc"}, req.query["order"])
}

func TestClient_FetchTokens(t *testing.T) {
	reply := `[{"user_id":"U1","device_id":"D1","expo_token":"ExponentPushToken[a]","enabled":true}]`

	t.Run("Device aware filter", func(t *testing.T) {
		client, req := setup(t, http.StatusOK, reply)
		regs, err := client.FetchTokens(context.Background(), []string{"U1", "U2"}, true)
		require.NoError(t, err)
		require.Len(t, regs, 1)
		assert.True(t, regs[0].HasDevice())
		assert.Equal(t, "/rest/v1/push_tokens", req.path)
		assert.Equal(t, []string{`in.("U1","U2")`}, req.query["user_id"])
		assert.Equal(t, []string{"eq.true"}, req.query["enabled"])
		assert.Equal(t, []string{"not.is.null"}, req.query["device_id"])
		assert.Equal(t, []string{"created_at.asc"}, req.query["order"])
	})

	t.Run("Plain filter", func(t *testing.T) {
		client, req := setup(t, http.StatusOK, reply)
		_, err := client.FetchTokens(context.Background(), []string{"U1"}, false)
		require.NoError(t, err)
		assert.NotContains(t, req.query, "device_id")
	})
}

func TestClient_APIError(t *testing.T) {
	client, _ := setup(t, http.StatusServiceUnavailable, strings.Repeat("e", 1000))

	_, err := client.Claim(context.Background(), 5)

	var apiErr *supabase.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "claim_notification_outbox", apiErr.Resource)
	assert.Len(t, apiErr.Body, 300)
}

func TestClient_ResponseSizeCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[`+strings.Repeat(`{"user_id":"U1","role":"ADMIN"},`, 100)+`{"user_id":"U2","role":"ADMIN"}]`)
	}))
	t.Cleanup(server.Close)

	client := supabase.NewClient(supabase.Config{
		URL:              server.URL,
		ServiceRoleKey:   "service-key",
		MaxResponseBytes: 256,
	}, server.Client(), newTestLogger())

	_, err := client.ResolveStatic(context.Background())
	assert.ErrorContains(t, err, "response exceeds 256 bytes")
}
