package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-outbox-dispatcher/internal/pipeline"
)

// SecretHeader carries the optional shared secret.
const SecretHeader = "x-dispatch-secret"

// Error codes returned in the "error" field.
const (
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrMissingStoreEnv   = "MISSING_SUPABASE_ENV"
	ErrMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	claimFailedPrefix    = "CLAIM_FAILED: "
	maxRequestBodyBytes  = 1 << 16
	corsAllowedHeaders   = "authorization, x-client-info, apikey, content-type, " + SecretHeader
	corsAllowedMethods   = "POST, OPTIONS"
	corsAllowedOriginAll = "*"
)

// Runner is the dispatch loop as seen by the handler.
type Runner interface {
	Run(ctx context.Context, limit int) (pipeline.Result, error)
}

type DispatchAPI struct {
	// Runner is nil when the store credentials are not configured.
	Runner       Runner
	Secret       string
	DefaultLimit int
	Logger       *slog.Logger
}

func NewDispatchAPI(runner Runner, secret string, defaultLimit int, logger *slog.Logger) *DispatchAPI {
	if defaultLimit == 0 {
		defaultLimit = pipeline.DefaultLimit
	}
	return &DispatchAPI{
		Runner:       runner,
		Secret:       secret,
		DefaultLimit: pipeline.ClampLimit(defaultLimit),
		Logger:       logger.With("component", "DispatchAPI"),
	}
}

type dispatchRequest struct {
	Limit json.RawMessage `json:"limit"`
}

type dispatchResponse struct {
	OK bool `json:"ok"`
	pipeline.Result
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (api *DispatchAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())

	switch r.Method {
	case http.MethodOptions:
		response.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}

	if api.Secret != "" && !secretMatches(r.Header.Get(SecretHeader), api.Secret) {
		api.Logger.Warn("Rejected dispatch request: bad secret", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, ErrUnauthorized)
		return
	}

	if api.Runner == nil {
		api.Logger.Error("Dispatch requested but store is not configured")
		writeError(w, http.StatusInternalServerError, ErrMissingStoreEnv)
		return
	}

	limit := api.parseLimit(r)
	// A claimed batch runs to the end even if the caller goes away; rows left
	// CLAIMED by a cancelled context would wait for a reclaim.
	res, err := api.Runner.Run(context.WithoutCancel(r.Context()), limit)
	if err != nil {
		var claimErr *pipeline.ClaimError
		if errors.As(err, &claimErr) {
			writeError(w, http.StatusInternalServerError, claimFailedPrefix+claimErr.Err.Error())
			return
		}
		api.Logger.Error("Dispatch failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, dispatchResponse{OK: true, Result: res})
}

// parseLimit never fails: an absent, malformed or non-numeric limit becomes
// the default, anything numeric is floored and clamped.
func (api *DispatchAPI) parseLimit(r *http.Request) int {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		return api.DefaultLimit
	}
	var req dispatchRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Limit) == 0 {
		return api.DefaultLimit
	}
	n, ok := numeric(req.Limit)
	if !ok {
		return api.DefaultLimit
	}
	return pipeline.ClampLimit(n)
}

// numeric accepts a JSON number or a numeric JSON string.
func numeric(raw json.RawMessage) (int, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, false
		}
	}
	if math.IsNaN(f) {
		return 0, false
	}
	f = math.Floor(f)
	switch {
	case f > math.MaxInt32:
		return math.MaxInt32, true
	case f < math.MinInt32:
		return math.MinInt32, true
	}
	return int(f), true
}

func secretMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", corsAllowedOriginAll)
	h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
	h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
}

func writeError(w http.ResponseWriter, status int, code string) {
	response.WriteJSON(w, status, errorResponse{OK: false, Error: code})
}
