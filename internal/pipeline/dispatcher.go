// Package pipeline contains the outbox dispatch loop: claim a bounded batch,
// then resolve, fan out and send each row in turn.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-outbox-dispatcher/internal/recipients"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/textutil"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/tokens"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const (
	DefaultLimit = 20
	MinLimit     = 1
	MaxLimit     = 100

	// MaxErrorLength bounds the message stored by MarkError.
	MaxErrorLength = 200
)

// ClampLimit forces a batch size into [MinLimit, MaxLimit].
func ClampLimit(n int) int {
	return max(MinLimit, min(MaxLimit, n))
}

// ClaimError means the batch could not be claimed; no row was touched.
type ClaimError struct {
	Err error
}

func (e *ClaimError) Error() string { return "claim failed: " + e.Err.Error() }
func (e *ClaimError) Unwrap() error { return e.Err }

// Observer is told about every finished invocation.
type Observer interface {
	InvocationFinished(res Result, err error)
}

// Dispatcher drains the outbox. It keeps no state between invocations and is
// safe to call concurrently; exclusivity between calls comes from Claim.
type Dispatcher struct {
	store        dispatch.ClaimStore
	resolver     *recipients.Resolver
	directory    *tokens.Directory
	gateway      dispatch.Gateway
	reclaimAfter time.Duration
	observer     Observer
	logger       *slog.Logger
}

// Option configures optional Dispatcher behaviour.
type Option func(*Dispatcher)

// WithReclaimAfter asks the store to requeue rows claimed longer than d
// before each claim. Zero disables it. Stores without StaleReclaimer ignore it.
func WithReclaimAfter(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.reclaimAfter = d }
}

func WithObserver(o Observer) Option {
	return func(disp *Dispatcher) { disp.observer = o }
}

func NewDispatcher(
	store dispatch.ClaimStore,
	resolver *recipients.Resolver,
	directory *tokens.Directory,
	gateway dispatch.Gateway,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		resolver:  resolver,
		directory: directory,
		gateway:   gateway,
		logger:    logger.With("component", "Dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// invocation is the request-scoped state of one Run.
type invocation struct {
	id         string
	recipients *recipients.Cache
	tokens     map[string][]string
	logger     *slog.Logger
}

// Run claims up to limit rows and processes them sequentially. Only a claim
// failure is returned as an error; row failures are recorded in the Result.
func (d *Dispatcher) Run(ctx context.Context, limit int) (res Result, err error) {
	limit = ClampLimit(limit)
	inv := &invocation{
		id:         uuid.NewString(),
		recipients: recipients.NewCache(),
		tokens:     make(map[string][]string),
	}
	inv.logger = d.logger.With("invocation_id", inv.id)

	if d.observer != nil {
		defer func() { d.observer.InvocationFinished(res, err) }()
	}

	d.reclaim(ctx, inv)

	rows, err := d.store.Claim(ctx, limit)
	if err != nil {
		inv.logger.Error("Failed to claim outbox rows", "limit", limit, "err", err)
		return newResult(0), &ClaimError{Err: err}
	}

	res = newResult(len(rows))
	if len(rows) == 0 {
		inv.logger.Debug("Outbox empty")
		return res, nil
	}
	inv.logger.Info("Claimed outbox rows", "count", len(rows), "limit", limit)

	for _, row := range rows {
		rowLogger := inv.logger.With("outbox_id", row.ID.String(), "type", string(row.Type))

		if err := d.processRow(ctx, inv, row, rowLogger); err != nil {
			msg := textutil.Truncate(err.Error(), MaxErrorLength)
			rowLogger.Error("Outbox row failed", "err", msg)
			if markErr := d.store.MarkError(ctx, row.ID, msg); markErr != nil {
				rowLogger.Error("Failed to mark outbox row errored", "err", markErr)
			}
			res.failed(row.ID, msg)
			continue
		}
		res.processed()
	}

	inv.logger.Info("Dispatch finished",
		"claimed", res.Claimed,
		"processed", res.Processed,
		"errors", len(res.Errors),
	)
	return res, nil
}

func (d *Dispatcher) reclaim(ctx context.Context, inv *invocation) {
	if d.reclaimAfter <= 0 {
		return
	}
	reclaimer, ok := d.store.(dispatch.StaleReclaimer)
	if !ok {
		return
	}
	n, err := reclaimer.RequeueStale(ctx, d.reclaimAfter)
	if err != nil {
		inv.logger.Warn("Failed to requeue stale claims", "older_than", d.reclaimAfter, "err", err)
		return
	}
	if n > 0 {
		inv.logger.Info("Requeued stale claims", "count", n, "older_than", d.reclaimAfter)
	}
}

// processRow runs one row to a successful terminal state, or returns the
// error that should be recorded against it.
func (d *Dispatcher) processRow(ctx context.Context, inv *invocation, row outbox.Row, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while dispatching: %v", r)
		}
	}()

	ev, known, err := outbox.Decode(row)
	if err != nil {
		return err
	}
	if !known {
		logger.Info("Unknown event type; draining row")
	} else if err := d.deliver(ctx, inv, row, ev, logger); err != nil {
		return err
	}

	if err := d.store.MarkProcessed(ctx, row.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, inv *invocation, row outbox.Row, ev outbox.Event, logger *slog.Logger) error {
	toks, err := d.targets(ctx, inv, ev)
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		logger.Info("No push tokens for event; nothing to send")
		return nil
	}

	content := ev.Content()
	if content.Data == nil {
		content.Data = make(map[string]string)
	}
	content.Data["type"] = string(row.Type)
	content.Data["outbox_id"] = row.ID.String()
	if ref := row.Ref(); ref != "" {
		content.Data["ref_id"] = ref
	}

	if err := d.gateway.Send(ctx, content.Messages(toks)); err != nil {
		return err
	}
	logger.Info("Push dispatched", "messages", len(toks))
	return nil
}

// targets resolves recipients then tokens. Broadcast audiences reuse the
// token list computed earlier in the same invocation.
func (d *Dispatcher) targets(ctx context.Context, inv *invocation, ev outbox.Event) ([]string, error) {
	aud := ev.Audience()
	key, cacheable := recipients.CacheKey(aud)
	if cacheable {
		key = key + "|" + ev.Policy().String()
		if toks, ok := inv.tokens[key]; ok {
			return toks, nil
		}
	}

	list, err := d.resolver.Resolve(ctx, inv.recipients, aud)
	if err != nil {
		return nil, err
	}
	toks, err := d.directory.Tokens(ctx, outbox.UserIDs(list), ev.Policy())
	if err != nil {
		return nil, err
	}
	if cacheable {
		inv.tokens[key] = toks
	}
	return toks, nil
}

// IsClaimError reports whether err came from claiming the batch.
func IsClaimError(err error) bool {
	var ce *ClaimError
	return errors.As(err, &ce)
}
