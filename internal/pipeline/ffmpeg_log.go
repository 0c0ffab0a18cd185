package pipeline

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Stats holds the fields of an ffmpeg progress line.
type Stats struct {
	Speed       float64
	BitrateKBPS float64
	Size        int64 // bytes
	Time        time.Duration
}

// ParseStats parses an ffmpeg progress line such as
// "size=    1234kB time=00:00:12.34 bitrate= 800.0kbits/s speed=1.0x".
// It returns nil for anything else.
func ParseStats(line string) *Stats {
	if !strings.Contains(line, "time=") || !strings.Contains(line, "bitrate=") {
		return nil
	}
	stats := &Stats{}
	found := false

	if val := field(line, "speed="); val != "" && val != "N/A" {
		if s, err := strconv.ParseFloat(strings.TrimSuffix(val, "x"), 64); err == nil {
			stats.Speed = s
			found = true
		}
	}
	if val := field(line, "bitrate="); val != "" && val != "N/A" {
		val = strings.TrimSuffix(strings.TrimSuffix(val, "kbits/s"), "kb/s")
		if b, err := strconv.ParseFloat(val, 64); err == nil {
			stats.BitrateKBPS = b
			found = true
		}
	}
	if val := field(line, "size="); val != "" && val != "N/A" {
		val = strings.TrimSuffix(strings.TrimSuffix(val, "kB"), "KiB")
		if kb, err := strconv.ParseInt(val, 10, 64); err == nil {
			stats.Size = kb * 1024
			found = true
		}
	}
	if val := field(line, "time="); val != "" && val != "N/A" {
		if d, err := parseClock(val); err == nil {
			stats.Time = d
			found = true
		}
	}
	if !found {
		return nil
	}
	return stats
}

func field(line, key string) string {
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	val := strings.TrimLeft(line[idx+len(key):], " ")
	if sp := strings.IndexByte(val, ' '); sp >= 0 {
		return val[:sp]
	}
	return val
}

// parseClock parses "HH:MM:SS.ms".
func parseClock(val string) (time.Duration, error) {
	parts := strings.Split(val, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time format %q", val)
	}
	var total float64
	for i, mult := range []float64{3600, 60, 1} {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return 0, err
		}
		total += v * mult
	}
	return time.Duration(total * float64(time.Second)), nil
}

// scanLines splits on \n and on the bare \r ffmpeg uses to redraw its progress line.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ringBuffer keeps the last lines written by a step.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	pos   int
	full  bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{lines: make([]string, size)}
}

func (r *ringBuffer) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ringBuffer) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.pos]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.pos:]...)
	return append(out, r.lines[:r.pos]...)
}
