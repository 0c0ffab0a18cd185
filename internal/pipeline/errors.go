package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStartupTimeout = errors.New("transcoder produced no output before the startup timeout")
	ErrNoOutput       = errors.New("transcoder exited without output")
	ErrNoSegmenter    = errors.New("no HLS segmenting command configured")
)

// Error is returned when the source cannot be opened or a transcoder fails.
type Error struct {
	Op     string // open, seek, start, hls, transcode
	Step   int    // 1-based step index, 0 for the source file
	Cause  error
	Stderr []string // last lines the failing step wrote to stderr
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("pipeline ")
	b.WriteString(e.Op)
	if e.Step > 0 {
		fmt.Fprintf(&b, " (step %d)", e.Step)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if n := len(e.Stderr); n > 0 {
		fmt.Fprintf(&b, " [stderr: %s]", e.Stderr[n-1])
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }
