// Package memory is an in-process implementation of the outbox store and the
// recipient/token directories, used for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

type entry struct {
	row       outbox.Row
	status    outbox.Status
	lastError string
	claimedAt time.Time
}

// Calls counts reads against the directories.
type Calls struct {
	Claim         int
	ResolveStatic int
	ResolveForRef int
	Profiles      int
	Tokens        int
}

// Store keeps rows in insertion order. All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries []*entry
	byID    map[outbox.RowID]*entry
	now     func() time.Time

	static   []outbox.Recipient
	refs     map[string][]outbox.Recipient
	profiles []outbox.Recipient
	tokens   []outbox.PushTokenRegistration

	calls Calls

	// ClaimErr, when set, is returned by every Claim.
	ClaimErr error
	// MarkErr, when set, is returned by MarkProcessed and MarkError.
	MarkErr error
}

func NewStore() *Store {
	return &Store{
		byID: make(map[outbox.RowID]*entry),
		refs: make(map[string][]outbox.Recipient),
		now:  time.Now,
	}
}

// Enqueue adds pending rows.
func (s *Store) Enqueue(rows ...outbox.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		e := &entry{row: r, status: outbox.StatusPending}
		s.entries = append(s.entries, e)
		s.byID[r.ID] = e
	}
}

// SetStatic sets the static broadcast list.
func (s *Store) SetStatic(list ...outbox.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static = list
}

// SetRef sets the recipients for one correlation key.
func (s *Store) SetRef(refID string, list ...outbox.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[refID] = list
}

// AddProfiles appends identity directory entries.
func (s *Store) AddProfiles(list ...outbox.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append(s.profiles, list...)
}

// AddTokens appends push token registrations in registration order.
func (s *Store) AddTokens(regs ...outbox.PushTokenRegistration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, regs...)
}

// Status returns a row's state and its stored error message.
func (s *Store) Status(id outbox.RowID) (outbox.Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return "", ""
	}
	return e.status, e.lastError
}

// Calls returns a snapshot of the read counters.
func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Store) Claim(_ context.Context, limit int) ([]outbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Claim++
	if s.ClaimErr != nil {
		return nil, s.ClaimErr
	}
	var out []outbox.Row
	for _, e := range s.entries {
		if len(out) >= limit {
			break
		}
		if e.status != outbox.StatusPending {
			continue
		}
		e.status = outbox.StatusClaimed
		e.claimedAt = s.now()
		out = append(out, e.row)
	}
	return out, nil
}

func (s *Store) MarkProcessed(_ context.Context, id outbox.RowID) error {
	return s.finish(id, outbox.StatusProcessed, "")
}

func (s *Store) MarkError(_ context.Context, id outbox.RowID, message string) error {
	return s.finish(id, outbox.StatusError, message)
}

func (s *Store) finish(id outbox.RowID, status outbox.Status, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MarkErr != nil {
		return s.MarkErr
	}
	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("outbox row %s not found", id)
	}
	if e.status != outbox.StatusClaimed {
		return fmt.Errorf("outbox row %s is %s, not claimed", id, e.status)
	}
	e.status = status
	e.lastError = msg
	return nil
}

// RequeueStale returns rows claimed before now-olderThan to PENDING.
func (s *Store) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	n := 0
	for _, e := range s.entries {
		if e.status == outbox.StatusClaimed && e.claimedAt.Before(cutoff) {
			e.status = outbox.StatusPending
			n++
		}
	}
	return n, nil
}

func (s *Store) ResolveStatic(_ context.Context) ([]outbox.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.ResolveStatic++
	return append([]outbox.Recipient(nil), s.static...), nil
}

func (s *Store) ResolveForRef(_ context.Context, refID string) ([]outbox.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.ResolveForRef++
	return append([]outbox.Recipient(nil), s.refs[refID]...), nil
}

func (s *Store) ProfilesByRoles(_ context.Context, roles []outbox.Role, offset, limit int) ([]outbox.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Profiles++
	want := make(map[outbox.Role]bool, len(roles))
	for _, r := range roles {
		want[r] = true
	}
	var matched []outbox.Recipient
	for _, p := range s.profiles {
		if want[p.Role] {
			matched = append(matched, p)
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	return append([]outbox.Recipient(nil), matched[offset:min(offset+limit, len(matched))]...), nil
}

func (s *Store) FetchTokens(_ context.Context, userIDs []string, requireDevice bool) ([]outbox.PushTokenRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Tokens++
	want := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}
	var out []outbox.PushTokenRegistration
	for _, t := range s.tokens {
		if !want[t.UserID] || !t.Usable() {
			continue
		}
		if requireDevice && t.DeviceID == nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
