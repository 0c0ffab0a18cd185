package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	sampleInterval = time.Second
	bitRateWindow  = 20 * time.Second
)

// Info describes what a transfer is serving.
type Info struct {
	PlayerID string
	Username string
	ItemID   string
	Path     string
	ClientIP string
}

// Status is one in-flight transfer. Counters are updated by the copying goroutine and read
// concurrently by monitoring.
type Status struct {
	ID        string
	Info      Info
	StartedAt time.Time

	bytes      atomic.Int64
	lastWrite  atomic.Int64 // unix nano
	active     atomic.Bool
	terminated atomic.Bool
	cancel     context.CancelFunc

	mu      sync.Mutex
	samples []sample
	now     func() time.Time
}

type sample struct {
	at    time.Time
	bytes int64
}

// BytesTransferred is the monotonically increasing byte count.
func (s *Status) BytesTransferred() int64 { return s.bytes.Load() }

// Active reports whether the transfer is still registered.
func (s *Status) Active() bool { return s.active.Load() }

// Terminated reports whether the transfer was cancelled out of band.
func (s *Status) Terminated() bool { return s.terminated.Load() }

// LastActivity is the time of the most recent update.
func (s *Status) LastActivity() time.Time {
	if v := s.lastWrite.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return s.StartedAt
}

func (s *Status) add(n int64) {
	total := s.bytes.Add(n)
	now := s.now()
	s.lastWrite.Store(now.UnixNano())

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) > 0 && now.Sub(s.samples[len(s.samples)-1].at) < sampleInterval {
		return
	}
	s.samples = append(s.samples, sample{at: now, bytes: total})
	cutoff := now.Add(-bitRateWindow)
	drop := 0
	for drop < len(s.samples)-1 && s.samples[drop].at.Before(cutoff) {
		drop++
	}
	s.samples = s.samples[drop:]
}

// BitRate is the recent throughput in kbit/s, averaged over the sampling window.
func (s *Status) BitRate() float64 {
	now := s.now()
	total := s.bytes.Load()

	s.mu.Lock()
	from := sample{at: s.StartedAt}
	if len(s.samples) > 0 && now.Sub(s.samples[0].at) >= sampleInterval {
		from = s.samples[0]
	}
	s.mu.Unlock()

	elapsed := now.Sub(from.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-from.bytes) * 8 / 1000 / elapsed
}

// Snapshot is the serialisable view of a Status.
type Snapshot struct {
	ID           string    `json:"id"`
	PlayerID     string    `json:"playerId"`
	Username     string    `json:"username,omitempty"`
	ItemID       string    `json:"itemId,omitempty"`
	Path         string    `json:"path,omitempty"`
	ClientIP     string    `json:"clientIp,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Bytes        int64     `json:"bytes"`
	BitRateKbps  float64   `json:"bitRateKbps"`
	Active       bool      `json:"active"`
	Terminated   bool      `json:"terminated"`
}

// Snapshot copies the current state.
func (s *Status) Snapshot() Snapshot {
	return Snapshot{
		ID:           s.ID,
		PlayerID:     s.Info.PlayerID,
		Username:     s.Info.Username,
		ItemID:       s.Info.ItemID,
		Path:         s.Info.Path,
		ClientIP:     s.Info.ClientIP,
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivity(),
		Bytes:        s.BytesTransferred(),
		BitRateKbps:  s.BitRate(),
		Active:       s.Active(),
		Terminated:   s.Terminated(),
	}
}
