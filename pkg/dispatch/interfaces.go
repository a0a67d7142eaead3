// Package dispatch defines the contracts the outbox dispatcher consumes: the
// claimable queue, the recipient and token directories, and the push gateway.
package dispatch

import (
	"context"
	"time"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// ClaimStore is the durable outbox queue. Claim must be atomic and exclusive:
// a row returned to one caller is never returned to a concurrent caller.
type ClaimStore interface {
	// Claim marks up to limit pending rows as claimed and returns them.
	Claim(ctx context.Context, limit int) ([]outbox.Row, error)
	// MarkProcessed moves a claimed row to PROCESSED.
	MarkProcessed(ctx context.Context, id outbox.RowID) error
	// MarkError moves a claimed row to ERROR with a short message.
	MarkError(ctx context.Context, id outbox.RowID, message string) error
}

// StaleReclaimer is optionally implemented by a ClaimStore that can return
// rows stuck in CLAIMED back to PENDING. The dispatcher only calls it when a
// reclaim window is configured.
type StaleReclaimer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// RecipientSource exposes the recipient resolver calls of the backing store.
type RecipientSource interface {
	// ResolveStatic returns the static role broadcast list.
	ResolveStatic(ctx context.Context) ([]outbox.Recipient, error)
	// ResolveForRef returns the recipients tied to one entity.
	ResolveForRef(ctx context.Context, refID string) ([]outbox.Recipient, error)
}

// ProfileSource is a paged, role-filtered read of the identity directory.
// Pages must be stable under a fixed ordering so offset paging terminates.
type ProfileSource interface {
	ProfilesByRoles(ctx context.Context, roles []outbox.Role, offset, limit int) ([]outbox.Recipient, error)
}

// TokenSource reads push-token registrations for a bounded set of users.
// When requireDevice is set, registrations without a device id are omitted.
// Results must be ordered by registration time, oldest first.
type TokenSource interface {
	FetchTokens(ctx context.Context, userIDs []string, requireDevice bool) ([]outbox.PushTokenRegistration, error)
}

// Gateway delivers push messages. A non-nil error means at least one message
// was not accepted; some messages may still have been delivered.
type Gateway interface {
	Send(ctx context.Context, messages []outbox.PushMessage) error
}
