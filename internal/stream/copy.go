package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tesshucom/jpsonic-sub005/internal/log"
	"github.com/tesshucom/jpsonic-sub005/internal/metrics"
	"github.com/tesshucom/jpsonic-sub005/internal/transfer"
)

const progressLogInterval = 10 * time.Second

// copier moves bytes from a source to the client one chunk at a time, accounting every
// chunk to the transfer and stopping once the transfer is terminated.
type copier struct {
	tracker   *transfer.Tracker
	status    *transfer.Status
	clientCtx context.Context // cancelled when the client goes away
	buf       []byte
	flusher   http.Flusher
	path      string // delivery path metric label
	verbose   bool
	progress  rate.Sometimes
	logger    zerolog.Logger
}

func newCopier(tr *transfer.Tracker, st *transfer.Status, clientCtx context.Context, w http.ResponseWriter, s Settings, path string, logger zerolog.Logger) *copier {
	f, _ := w.(http.Flusher)
	return &copier{
		tracker:   tr,
		status:    st,
		clientCtx: clientCtx,
		buf:       make([]byte, s.bufferSize()),
		flusher:   f,
		path:      path,
		verbose:   s.VerboseLogging,
		progress:  rate.Sometimes{Interval: progressLogInterval},
		logger:    logger,
	}
}

// copy writes src to w until EOF. A non-negative limit caps the bytes written.
func (c *copier) copy(w io.Writer, src io.Reader, limit int64) (int64, error) {
	if limit >= 0 {
		src = io.LimitReader(src, limit)
	}
	var written int64
	for {
		if c.status.Terminated() {
			return written, ErrTerminated
		}
		n, rerr := src.Read(c.buf)
		if n > 0 {
			wn, werr := w.Write(c.buf[:n])
			written += int64(wn)
			c.tracker.Update(c.status, wn)
			metrics.AddTransferBytes(c.path, wn)
			if werr != nil {
				return written, c.classifyWrite(werr)
			}
			if c.flusher != nil {
				c.flusher.Flush()
			}
			if c.verbose {
				c.progress.Do(c.logProgress)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, c.classifyRead(rerr)
		}
	}
}

// expireWritesOnTerminate expires the connection's write deadline once the transfer is
// terminated, so a write blocked on a client that stopped reading returns. w must be the
// server's writer or one that unwraps to it. The returned func detaches the hook.
func expireWritesOnTerminate(ctx context.Context, status *transfer.Status, w http.ResponseWriter) func() bool {
	rc := http.NewResponseController(w)
	return context.AfterFunc(ctx, func() {
		if status.Terminated() {
			_ = rc.SetWriteDeadline(time.Now())
		}
	})
}

func (c *copier) classifyWrite(err error) error {
	if c.status.Terminated() {
		return ErrTerminated
	}
	if IsClientGone(err) || c.clientCtx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	return fmt.Errorf("write response: %w", err)
}

// classifyRead tells a pipeline torn down by cancellation apart from a failing one.
func (c *copier) classifyRead(err error) error {
	if c.status.Terminated() {
		return ErrTerminated
	}
	if c.clientCtx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	return err
}

func (c *copier) logProgress() {
	c.logger.Info().
		Str(log.FieldEvent, "transfer.progress").
		Int64(log.FieldBytes, c.status.BytesTransferred()).
		Float64(log.FieldBitRate, c.status.BitRate()).
		Msg("transfer progress")
}
