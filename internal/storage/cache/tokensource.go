// Package cache provides a Redis read-aside decorator for the push-token directory.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const keyPrefix = "outbox:tokens:"

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns ErrMiss if the key is absent.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CachedTokenSource adds read-aside caching to any TokenSource. Entries are
// keyed by the exact user id set of one fetch, so a chunk only hits when the
// same chunk was fetched within the TTL. Nothing evicts entries early: a token
// disabled or removed in the store keeps being targeted until its entry expires.
type CachedTokenSource struct {
	source dispatch.TokenSource
	cache  CacheClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedTokenSource(source dispatch.TokenSource, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTokenSource {
	return &CachedTokenSource{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "CachedTokenSource"),
	}
}

func (s *CachedTokenSource) FetchTokens(ctx context.Context, userIDs []string, requireDevice bool) ([]outbox.PushTokenRegistration, error) {
	key := CacheKey(userIDs, requireDevice)

	// 1. Try cache
	var cached []outbox.PushTokenRegistration
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrMiss) {
		s.logger.Warn("Token cache read failed; falling back to store", "err", err)
	}

	// 2. Fall back to the directory
	fresh, err := s.source.FetchTokens(ctx, userIDs, requireDevice)
	if err != nil {
		return nil, err
	}

	// 3. Populate cache. A failed write only costs a later miss.
	if fresh == nil {
		fresh = []outbox.PushTokenRegistration{}
	}
	if err := s.cache.Set(ctx, key, fresh, s.ttl); err != nil {
		s.logger.Warn("Token cache write failed", "err", err)
	}
	return fresh, nil
}

// CacheKey is independent of the order of userIDs.
func CacheKey(userIDs []string, requireDevice bool) string {
	sorted := slices.Clone(userIDs)
	slices.Sort(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))

	mode := "all"
	if requireDevice {
		mode = "device"
	}
	return keyPrefix + mode + ":" + hex.EncodeToString(sum[:])
}
