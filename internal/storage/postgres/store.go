// Package postgres implements the outbox store and the recipient/token
// directories over a direct database connection. It calls the same stored
// functions the PostgREST adapter does, so claim locking stays in the database.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

var (
	_ dispatch.ClaimStore      = (*Store)(nil)
	_ dispatch.StaleReclaimer  = (*Store)(nil)
	_ dispatch.RecipientSource = (*Store)(nil)
	_ dispatch.ProfileSource   = (*Store)(nil)
	_ dispatch.TokenSource     = (*Store)(nil)
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	claimQuery         = `SELECT id::text, type, ref_id, payload FROM claim_notification_outbox($1)`
	markProcessedQuery = `SELECT mark_notification_outbox_processed($1)`
	markErrorQuery     = `SELECT mark_notification_outbox_error($1, $2)`
	requeueStaleQuery  = `SELECT requeue_stale_notification_outbox($1)`
	staticQuery        = `SELECT user_id::text, role::text FROM notification_recipients_static()`
	forRefQuery        = `SELECT user_id::text, role::text FROM notification_recipients_for_ref($1)`

	profilesQuery = `
        SELECT id::text, role::text
        FROM profiles
        WHERE role::text = ANY($1)
        ORDER BY id
        OFFSET $2 LIMIT $3`

	tokensQuery = `
        SELECT user_id::text, device_id, expo_token, enabled
        FROM push_tokens
        WHERE enabled AND expo_token <> '' AND user_id::text = ANY($1)
          AND (NOT $2::boolean OR device_id IS NOT NULL)
        ORDER BY created_at`
)

type Store struct {
	db     DBTX
	logger *slog.Logger
}

func NewStore(db DBTX, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "PostgresStore")}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

func (s *Store) Claim(ctx context.Context, limit int) ([]outbox.Row, error) {
	rows, err := s.db.Query(ctx, claimQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (outbox.Row, error) {
		var (
			row     outbox.Row
			id      string
			typ     string
			payload []byte
		)
		if err := r.Scan(&id, &typ, &row.RefID, &payload); err != nil {
			return row, err
		}
		row.ID = outbox.RowID(id)
		row.Type = outbox.EventType(typ)
		row.Payload = payload
		return row, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan claimed rows: %w", err)
	}
	return out, nil
}

func (s *Store) MarkProcessed(ctx context.Context, id outbox.RowID) error {
	if _, err := s.db.Exec(ctx, markProcessedQuery, id.String()); err != nil {
		return fmt.Errorf("mark outbox row %s processed: %w", id, err)
	}
	return nil
}

func (s *Store) MarkError(ctx context.Context, id outbox.RowID, message string) error {
	if _, err := s.db.Exec(ctx, markErrorQuery, id.String(), message); err != nil {
		return fmt.Errorf("mark outbox row %s errored: %w", id, err)
	}
	return nil
}

func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, requeueStaleQuery, int(olderThan.Seconds())).Scan(&n); err != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	return n, nil
}

func (s *Store) ResolveStatic(ctx context.Context) ([]outbox.Recipient, error) {
	return s.recipients(ctx, staticQuery)
}

func (s *Store) ResolveForRef(ctx context.Context, refID string) ([]outbox.Recipient, error) {
	return s.recipients(ctx, forRefQuery, refID)
}

func (s *Store) ProfilesByRoles(ctx context.Context, roles []outbox.Role, offset, limit int) ([]outbox.Recipient, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return s.recipients(ctx, profilesQuery, names, offset, limit)
}

func (s *Store) recipients(ctx context.Context, query string, args ...any) ([]outbox.Recipient, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (outbox.Recipient, error) {
		var (
			rec  outbox.Recipient
			role string
		)
		err := r.Scan(&rec.UserID, &role)
		rec.Role = outbox.Role(role)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan recipients: %w", err)
	}
	return list, nil
}

func (s *Store) FetchTokens(ctx context.Context, userIDs []string, requireDevice bool) ([]outbox.PushTokenRegistration, error) {
	rows, err := s.db.Query(ctx, tokensQuery, userIDs, requireDevice)
	if err != nil {
		return nil, fmt.Errorf("query push tokens: %w", err)
	}
	regs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (outbox.PushTokenRegistration, error) {
		var reg outbox.PushTokenRegistration
		err := r.Scan(&reg.UserID, &reg.DeviceID, &reg.ExpoToken, &reg.Enabled)
		return reg, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan push tokens: %w", err)
	}
	s.logger.Debug("Fetched push tokens", "users", len(userIDs), "tokens", len(regs), "require_device", requireDevice)
	return regs, nil
}
