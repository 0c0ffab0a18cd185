// Package transfer tracks in-flight stream transfers per player.
package transfer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tesshucom/jpsonic-sub005/internal/metrics"
)

// Tracker is the process-wide registry of active transfers, keyed by player.
// Several transfers may be registered for the same player at once.
type Tracker struct {
	mu       sync.Mutex
	byPlayer map[string][]*Status
	byID     map[string]*Status
	now      func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byPlayer: make(map[string][]*Status),
		byID:     make(map[string]*Status),
		now:      time.Now,
	}
}

// Begin registers a new transfer. The returned context is cancelled by Terminate and by Remove.
func (t *Tracker) Begin(ctx context.Context, info Info) (*Status, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	now := t.now()
	s := &Status{
		ID:        uuid.NewString(),
		Info:      info,
		StartedAt: now,
		cancel:    cancel,
		now:       t.now,
	}
	s.active.Store(true)
	s.lastWrite.Store(now.UnixNano())

	t.mu.Lock()
	t.byPlayer[info.PlayerID] = append(t.byPlayer[info.PlayerID], s)
	t.byID[s.ID] = s
	n := len(t.byID)
	t.mu.Unlock()

	metrics.SetActiveTransfers(n)
	return s, ctx
}

// Update adds delta bytes to the transfer.
func (t *Tracker) Update(s *Status, delta int) {
	if s == nil || delta <= 0 {
		return
	}
	s.add(int64(delta))
}

// Terminate marks the transfer as terminated and cancels its context. The copying side
// observes the flag at its next chunk, and a write blocked on the client is cut short.
func (t *Tracker) Terminate(s *Status) {
	if s == nil {
		return
	}
	s.terminated.Store(true)
	s.cancel()
}

// TerminateByID terminates a registered transfer. It reports false when no transfer has that id.
func (t *Tracker) TerminateByID(id string) bool {
	t.mu.Lock()
	s, ok := t.byID[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.Terminate(s)
	return true
}

// Remove unregisters the transfer. Calling it more than once is harmless.
func (t *Tracker) Remove(s *Status) {
	if s == nil {
		return
	}
	t.mu.Lock()
	if _, ok := t.byID[s.ID]; ok {
		delete(t.byID, s.ID)
		player := s.Info.PlayerID
		list := slices.DeleteFunc(t.byPlayer[player], func(o *Status) bool { return o == s })
		if len(list) == 0 {
			delete(t.byPlayer, player)
		} else {
			t.byPlayer[player] = list
		}
	}
	n := len(t.byID)
	t.mu.Unlock()

	s.active.Store(false)
	s.cancel()
	metrics.SetActiveTransfers(n)
}

// ActiveFor returns the transfers registered for a player, in registration order.
func (t *Tracker) ActiveFor(playerID string) []*Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.byPlayer[playerID])
}

// Get returns a registered transfer by id.
func (t *Tracker) Get(id string) (*Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

// All returns every registered transfer, oldest first.
func (t *Tracker) All() []*Status {
	t.mu.Lock()
	out := make([]*Status, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b *Status) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Len is the number of registered transfers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
