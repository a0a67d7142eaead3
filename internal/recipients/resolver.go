// Package recipients resolves the user ids that must be notified for an event.
package recipients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const (
	// DefaultPageSize is the identity directory page size for role scans.
	DefaultPageSize = 1000
	// DefaultMaxRecipients caps a single role scan.
	DefaultMaxRecipients = 20000
)

// Cache holds broadcast recipient lists for one dispatch invocation. It is
// created per invocation and must not be shared between invocations.
type Cache struct {
	static   []outbox.Recipient
	hasStat  bool
	roleSets map[string][]outbox.Recipient
}

// NewCache returns an empty invocation cache.
func NewCache() *Cache {
	return &Cache{roleSets: make(map[string][]outbox.Recipient)}
}

// Resolver picks a resolution strategy from an event's audience.
type Resolver struct {
	source   dispatch.RecipientSource
	profiles dispatch.ProfileSource
	pageSize int
	maxIDs   int
	logger   *slog.Logger
}

// Option tunes a Resolver.
type Option func(*Resolver)

// WithPaging overrides the role scan page size and hard cap.
func WithPaging(pageSize, maxIDs int) Option {
	return func(r *Resolver) {
		if pageSize > 0 {
			r.pageSize = pageSize
		}
		if maxIDs > 0 {
			r.maxIDs = maxIDs
		}
	}
}

func NewResolver(source dispatch.RecipientSource, profiles dispatch.ProfileSource, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		source:   source,
		profiles: profiles,
		pageSize: DefaultPageSize,
		maxIDs:   DefaultMaxRecipients,
		logger:   logger.With("component", "RecipientResolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the recipients for an audience, never nil. Broadcast
// audiences are served from cache after the first lookup; per-entity
// audiences always hit the source.
func (r *Resolver) Resolve(ctx context.Context, cache *Cache, aud outbox.Audience) ([]outbox.Recipient, error) {
	switch a := aud.(type) {
	case outbox.StaticAudience:
		if cache.hasStat {
			return cache.static, nil
		}
		list, err := r.source.ResolveStatic(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve static recipients: %w", err)
		}
		cache.static, cache.hasStat = nonNil(list), true
		return cache.static, nil

	case outbox.AdminAudience:
		return r.roleSet(ctx, cache, []outbox.Role{outbox.RoleAdmin})

	case outbox.RoleSetAudience:
		return r.roleSet(ctx, cache, a.Roles)

	case outbox.RefAudience:
		if a.RefID == "" {
			return nil, outbox.ErrMissingRef
		}
		list, err := r.source.ResolveForRef(ctx, a.RefID)
		if err != nil {
			return nil, fmt.Errorf("resolve recipients for ref %s: %w", a.RefID, err)
		}
		return nonNil(list), nil

	default:
		return nil, fmt.Errorf("unsupported audience %T", aud)
	}
}

func (r *Resolver) roleSet(ctx context.Context, cache *Cache, roles []outbox.Role) ([]outbox.Recipient, error) {
	if len(roles) == 0 {
		return nil, errors.New("role set audience has no roles")
	}
	key := roleKey(roles)
	if list, ok := cache.roleSets[key]; ok {
		return list, nil
	}
	list, err := r.scan(ctx, roles)
	if err != nil {
		return nil, err
	}
	cache.roleSets[key] = list
	return list, nil
}

// scan pages through the identity directory until a short page or the cap.
func (r *Resolver) scan(ctx context.Context, roles []outbox.Role) ([]outbox.Recipient, error) {
	out := make([]outbox.Recipient, 0)
	for offset := 0; ; offset += r.pageSize {
		page, err := r.profiles.ProfilesByRoles(ctx, roles, offset, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("scan profiles %s at offset %d: %w", roleKey(roles), offset, err)
		}
		out = append(out, page...)
		if len(out) >= r.maxIDs {
			if len(out) > r.maxIDs || len(page) == r.pageSize {
				r.logger.Warn("Role scan hit recipient cap", "roles", roleKey(roles), "cap", r.maxIDs)
			}
			return out[:r.maxIDs], nil
		}
		if len(page) < r.pageSize {
			return out, nil
		}
	}
}

// CacheKey identifies a broadcast audience within one invocation. Audiences
// that depend on the individual row report false.
func CacheKey(aud outbox.Audience) (string, bool) {
	switch a := aud.(type) {
	case outbox.StaticAudience:
		return "static", true
	case outbox.AdminAudience:
		return "roles:" + roleKey([]outbox.Role{outbox.RoleAdmin}), true
	case outbox.RoleSetAudience:
		return "roles:" + roleKey(a.Roles), true
	default:
		return "", false
	}
}

func roleKey(roles []outbox.Role) string {
	parts := make([]string, len(roles))
	for i, role := range roles {
		parts[i] = string(role)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func nonNil(list []outbox.Recipient) []outbox.Recipient {
	if list == nil {
		return []outbox.Recipient{}
	}
	return list
}
