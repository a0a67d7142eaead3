// Package supabase implements the outbox store and the recipient/token
// directories against a Supabase project through its PostgREST API.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-outbox-dispatcher/internal/textutil"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// Remote procedure and table names.
const (
	rpcClaim         = "claim_notification_outbox"
	rpcMarkProcessed = "mark_notification_outbox_processed"
	rpcMarkError     = "mark_notification_outbox_error"
	rpcRequeueStale  = "requeue_stale_notification_outbox"
	rpcStatic        = "notification_recipients_static"
	rpcForRef        = "notification_recipients_for_ref"

	tableProfiles   = "profiles"
	tablePushTokens = "push_tokens"

	maxErrorBody = 300

	// DefaultMaxResponseBytes bounds a single PostgREST response body.
	DefaultMaxResponseBytes = 16 << 20
)

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the project URL and the service role key.
type Config struct {
	URL            string
	ServiceRoleKey string
	Timeout        time.Duration
	// MaxResponseBytes defaults to DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// Client talks to PostgREST. It implements dispatch.ClaimStore,
// dispatch.StaleReclaimer, dispatch.RecipientSource, dispatch.ProfileSource
// and dispatch.TokenSource.
type Client struct {
	restURL string
	key     string
	maxBody int64
	http    HTTPClient
	logger  *slog.Logger
}

func NewClient(cfg Config, httpClient HTTPClient, logger *slog.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	return &Client{
		restURL: strings.TrimRight(cfg.URL, "/") + "/rest/v1",
		key:     cfg.ServiceRoleKey,
		maxBody: maxBody,
		http:    httpClient,
		logger:  logger.With("component", "SupabaseClient"),
	}
}

// APIError is a non-2xx PostgREST response.
type APIError struct {
	Resource   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supabase %s: HTTP %d: %s", e.Resource, e.StatusCode, e.Body)
}

func (c *Client) Claim(ctx context.Context, limit int) ([]outbox.Row, error) {
	var rows []outbox.Row
	if err := c.rpc(ctx, rpcClaim, map[string]any{"p_limit": limit}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) MarkProcessed(ctx context.Context, id outbox.RowID) error {
	return c.rpc(ctx, rpcMarkProcessed, map[string]any{"p_id": id.String()}, nil)
}

func (c *Client) MarkError(ctx context.Context, id outbox.RowID, message string) error {
	return c.rpc(ctx, rpcMarkError, map[string]any{"p_id": id.String(), "p_error": message}, nil)
}

func (c *Client) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	var n int
	args := map[string]any{"p_older_than_seconds": int(olderThan.Seconds())}
	if err := c.rpc(ctx, rpcRequeueStale, args, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Client) ResolveStatic(ctx context.Context) ([]outbox.Recipient, error) {
	var list []outbox.Recipient
	if err := c.rpc(ctx, rpcStatic, map[string]any{}, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) ResolveForRef(ctx context.Context, refID string) ([]outbox.Recipient, error) {
	var list []outbox.Recipient
	if err := c.rpc(ctx, rpcForRef, map[string]any{"p_ref_id": refID}, &list); err != nil {
		return nil, err
	}
	return list, nil
}

type profileRow struct {
	ID   string      `json:"id"`
	Role outbox.Role `json:"role"`
}

func (c *Client) ProfilesByRoles(ctx context.Context, roles []outbox.Role, offset, limit int) ([]outbox.Recipient, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	q := url.Values{}
	q.Set("select", "id,role")
	q.Set("role", inList(names))
	q.Set("order", "id.asc")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	var rows []profileRow
	if err := c.get(ctx, tableProfiles, q, &rows); err != nil {
		return nil, err
	}
	out := make([]outbox.Recipient, len(rows))
	for i, r := range rows {
		out[i] = outbox.Recipient{UserID: r.ID, Role: r.Role}
	}
	return out, nil
}

func (c *Client) FetchTokens(ctx context.Context, userIDs []string, requireDevice bool) ([]outbox.PushTokenRegistration, error) {
	q := url.Values{}
	q.Set("select", "user_id,device_id,expo_token,enabled")
	q.Set("enabled", "eq.true")
	q.Set("expo_token", "neq.")
	q.Set("user_id", inList(userIDs))
	if requireDevice {
		q.Set("device_id", "not.is.null")
	}
	q.Set("order", "created_at.asc")

	var regs []outbox.PushTokenRegistration
	if err := c.get(ctx, tablePushTokens, q, &regs); err != nil {
		return nil, err
	}
	return regs, nil
}

func (c *Client) rpc(ctx context.Context, fn string, args map[string]any, out any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", fn, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.restURL+"/rpc/"+fn, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", fn, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, fn, out)
}

func (c *Client) get(ctx context.Context, table string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restURL+"/"+table+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", table, err)
	}
	return c.do(req, table, out)
}

func (c *Client) do(req *http.Request, resource string, out any) error {
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("supabase %s: %w", resource, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return fmt.Errorf("supabase %s: read body: %w", resource, err)
	}
	if int64(len(raw)) > c.maxBody {
		return fmt.Errorf("supabase %s: response exceeds %d bytes", resource, c.maxBody)
	}
	c.logger.Debug("PostgREST call", "resource", resource, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Resource: resource, StatusCode: resp.StatusCode, Body: textutil.Truncate(string(raw), maxErrorBody)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("supabase %s: decode response: %w", resource, err)
	}
	return nil
}

// inList renders a PostgREST in.(...) filter with every value quoted.
func inList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}
