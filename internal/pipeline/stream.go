package pipeline

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// Stream is an open source. Read and Close may be called from different goroutines.
type Stream struct {
	reader io.Reader
	file   *os.File // pass-through source
	stdout *os.File // read end of the last step
	procs  []*process
	grace  time.Duration

	closeOnce sync.Once
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Converted reports whether the bytes come from transcoder processes.
func (s *Stream) Converted() bool { return len(s.procs) > 0 }

// Close releases the file or stops every process, last step first. It waits for stderr
// readers to finish, so no goroutine outlives the call.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.file != nil {
			err = s.file.Close()
		}
		if s.stdout != nil {
			_ = s.stdout.Close()
		}
		for i := len(s.procs) - 1; i >= 0; i-- {
			s.procs[i].stop(s.grace)
		}
		for _, p := range s.procs {
			<-p.drained
		}
	})
	return err
}

// exitError waits up to grace for every step and returns the first failure.
func (s *Stream) exitError() error {
	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()
	for _, p := range s.procs {
		select {
		case <-p.exited:
		case <-deadline.C:
			return nil
		}
		if p.exitErr != nil {
			<-p.drained
			return &Error{Op: "transcode", Step: p.step, Cause: p.exitErr, Stderr: p.stderr.Lines()}
		}
	}
	return nil
}

func (s *Stream) stderrTail() []string {
	for _, p := range s.procs {
		select {
		case <-p.exited:
			if p.exitErr != nil {
				return p.stderr.Lines()
			}
		default:
		}
	}
	if n := len(s.procs); n > 0 {
		return s.procs[n-1].stderr.Lines()
	}
	return nil
}

// chainReader reports a failed step in place of the clean EOF its truncated output produces.
type chainReader struct {
	r       io.Reader
	st      *Stream
	checked bool
	err     error
}

func (c *chainReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.r.Read(p)
	if errors.Is(err, io.EOF) && !c.checked {
		c.checked = true
		if exitErr := c.st.exitError(); exitErr != nil {
			c.err = exitErr
			return n, exitErr
		}
	}
	return n, err
}
