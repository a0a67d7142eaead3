// Package expo provides the client for the Expo push notification gateway.
package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tinywideclouds/go-outbox-dispatcher/internal/textutil"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const (
	// DefaultBaseURL is the Expo push API root; messages are POSTed to <base>/send.
	DefaultBaseURL = "https://exp.host/--/api/v2/push"
	// MaxBatchSize is the largest message count Expo accepts per request.
	MaxBatchSize = 100

	maxErrorBody    = 500
	maxTicketSample = 5
	maxResponseSize = 4 << 20
)

// HTTPClient is the subset of *http.Client used by the gateway client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the gateway endpoint settings.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

type Client struct {
	sendURL     string
	accessToken string
	httpClient  HTTPClient
	batchSize   int
	logger      *slog.Logger
}

// NewClient creates a gateway client. A nil httpClient gets a default client
// honouring cfg.Timeout.
func NewClient(cfg Config, httpClient HTTPClient, logger *slog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		sendURL:     base + "/send",
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		batchSize:   MaxBatchSize,
		logger:      logger.With("component", "ExpoGateway"),
	}
}

// Send delivers the messages in batches of at most 100. Transport, HTTP and
// protocol failures abort immediately. Rejected tickets are collected across
// all batches and reported as one *TicketError.
func (c *Client) Send(ctx context.Context, messages []outbox.PushMessage) error {
	if len(messages) == 0 {
		return nil
	}

	var samples []string
	failed := 0
	for start := 0; start < len(messages); start += c.batchSize {
		batch := messages[start:min(start+c.batchSize, len(messages))]

		tickets, err := c.sendBatch(ctx, batch)
		if err != nil {
			return err
		}

		for i, t := range tickets {
			var problem string
			switch t.Status {
			case outbox.TicketOK:
				continue
			case outbox.TicketError:
				problem = describe(t)
			default:
				problem = fmt.Sprintf("invalid ticket status %q", t.Status)
			}
			failed++
			if len(samples) < maxTicketSample {
				samples = append(samples, problem)
			}
			c.logger.Debug("Push ticket not ok", "index", start+i, "problem", problem)
		}
	}

	if failed > 0 {
		return &TicketError{Failed: failed, Total: len(messages), Samples: samples}
	}
	c.logger.Debug("Push messages accepted", "count", len(messages))
	return nil
}

func (c *Client) sendBatch(ctx context.Context, batch []outbox.PushMessage) ([]outbox.Ticket, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push gateway transport failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read push gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: textutil.Truncate(string(raw), maxErrorBody)}
	}

	return parseTickets(raw, len(batch))
}

// parseTickets requires {"data": [...]} with exactly one entry per message.
// Entries that are not ticket objects come back with an empty status.
func parseTickets(raw []byte, want int) ([]outbox.Ticket, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &ProtocolError{Reason: "response is not a JSON object"}
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || data[0] != '[' {
		return nil, &ProtocolError{Reason: "data is not an array"}
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &ProtocolError{Reason: "data is not an array"}
	}
	if len(entries) != want {
		return nil, &ProtocolError{Reason: fmt.Sprintf("expected %d tickets, got %d", want, len(entries))}
	}

	tickets := make([]outbox.Ticket, len(entries))
	for i, e := range entries {
		var t outbox.Ticket
		if err := json.Unmarshal(e, &t); err != nil {
			t = outbox.Ticket{}
		}
		tickets[i] = t
	}
	return tickets, nil
}

func describe(t outbox.Ticket) string {
	msg := t.Message
	if msg == "" {
		msg = "error"
	}
	if code, ok := t.Details["error"].(string); ok && code != "" {
		return code + ": " + msg
	}
	return msg
}
