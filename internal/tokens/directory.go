// Package tokens maps recipient user ids to the push tokens to target.
package tokens

import (
	"context"
	"fmt"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// DefaultChunkSize bounds the user-id filter list of a single fetch.
const DefaultChunkSize = 500

// Directory resolves tokens for a user set under a dedup policy.
type Directory struct {
	source    dispatch.TokenSource
	chunkSize int
}

func NewDirectory(source dispatch.TokenSource) *Directory {
	return &Directory{source: source, chunkSize: DefaultChunkSize}
}

// WithChunkSize returns a copy of the directory fetching n ids at a time.
func (d *Directory) WithChunkSize(n int) *Directory {
	c := *d
	if n > 0 {
		c.chunkSize = n
	}
	return &c
}

// Tokens returns the distinct token values to target, in first-seen order.
func (d *Directory) Tokens(ctx context.Context, userIDs []string, policy outbox.DedupPolicy) ([]string, error) {
	if len(userIDs) == 0 {
		return []string{}, nil
	}
	requireDevice := policy == outbox.DedupDeviceAware

	var regs []outbox.PushTokenRegistration
	for start := 0; start < len(userIDs); start += d.chunkSize {
		end := min(start+d.chunkSize, len(userIDs))
		part, err := d.source.FetchTokens(ctx, userIDs[start:end], requireDevice)
		if err != nil {
			return nil, fmt.Errorf("fetch push tokens (%d-%d of %d users): %w", start, end, len(userIDs), err)
		}
		regs = append(regs, part...)
	}

	switch policy {
	case outbox.DedupPlain:
		return plain(regs), nil
	case outbox.DedupDeviceAware:
		return deviceAware(regs), nil
	default:
		return nil, fmt.Errorf("unsupported dedup policy %s", policy)
	}
}

func plain(regs []outbox.PushTokenRegistration) []string {
	seen := make(map[string]struct{}, len(regs))
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		if !r.Usable() {
			continue
		}
		if _, ok := seen[r.ExpoToken]; ok {
			continue
		}
		seen[r.ExpoToken] = struct{}{}
		out = append(out, r.ExpoToken)
	}
	return out
}

type deviceKey struct {
	user   string
	device string
}

func deviceAware(regs []outbox.PushTokenRegistration) []string {
	devices := make(map[deviceKey]struct{}, len(regs))
	seen := make(map[string]struct{}, len(regs))
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		if !r.Usable() || !r.HasDevice() {
			continue
		}
		k := deviceKey{user: r.UserID, device: *r.DeviceID}
		if _, ok := devices[k]; ok {
			continue
		}
		devices[k] = struct{}{}
		if _, ok := seen[r.ExpoToken]; ok {
			continue
		}
		seen[r.ExpoToken] = struct{}{}
		out = append(out, r.ExpoToken)
	}
	return out
}
