// Package pipeline opens the byte source for a delivery decision: the media file itself,
// or the stdout of a chain of transcoder processes fed from it.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tesshucom/jpsonic-sub005/internal/decision"
	"github.com/tesshucom/jpsonic-sub005/internal/httprange"
	"github.com/tesshucom/jpsonic-sub005/internal/log"
	"github.com/tesshucom/jpsonic-sub005/internal/media"
	"github.com/tesshucom/jpsonic-sub005/internal/metrics"
	"github.com/tesshucom/jpsonic-sub005/internal/telemetry"
	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
)

const (
	DefaultStartupTimeout = 10 * time.Second
	DefaultKillGrace      = 2 * time.Second
	DefaultBitRate        = 128

	// unknownDuration is rendered into %d when nothing bounds the output.
	unknownDuration = 86400.0
	readBufferSize  = 32 << 10
)

// Settings configure how transcoders are launched.
type Settings struct {
	TranscodeDir   string               // working directory of every step
	BinDir         string               // searched before PATH for step executables
	HLSCommand     transcoding.Template // segmenting pass appended for HLS output
	StartupTimeout time.Duration        // max wait for the first output byte
	KillGrace      time.Duration        // SIGTERM to SIGKILL delay
	DefaultBitRate int                  // kbps rendered into %b when no ceiling applies
}

func (s Settings) withDefaults() Settings {
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = DefaultStartupTimeout
	}
	if s.KillGrace <= 0 {
		s.KillGrace = DefaultKillGrace
	}
	if s.DefaultBitRate <= 0 {
		s.DefaultBitRate = DefaultBitRate
	}
	return s
}

// Request is one source to open.
type Request struct {
	Params decision.Parameters
	Range  *httprange.Range // nil serves everything
}

// Opener starts pipelines. Settings are read on every Open so config reloads apply to
// the next request.
type Opener struct {
	settings func() Settings
}

func NewOpener(settings func() Settings) *Opener {
	if settings == nil {
		settings = func() Settings { return Settings{} }
	}
	return &Opener{settings: settings}
}

// Open returns a stream of the bytes to deliver. For converted output it returns only
// after the first byte is available, so callers may still choose the error response.
// The stream must be closed; closing it tears down every process it started.
func (o *Opener) Open(ctx context.Context, req Request) (*Stream, error) {
	ctx, span := otel.Tracer("jpstream/pipeline").Start(ctx, "pipeline.open")
	defer span.End()

	p := req.Params
	span.SetAttributes(
		attribute.String(telemetry.DecisionPathKey, string(p.Path)),
		attribute.Bool(telemetry.HLSKey, p.HLS),
	)
	if req.Range != nil {
		span.SetAttributes(telemetry.RangeAttributes(req.Range.Start, req.Range.End)...)
	}

	s := o.settings().withDefaults()
	steps := p.Steps()
	if p.HLS {
		if s.HLSCommand.IsZero() {
			err := &Error{Op: "hls", Cause: ErrNoSegmenter}
			span.RecordError(err)
			span.SetStatus(codes.Error, "no segmenter")
			return nil, err
		}
		steps = append(steps, s.HLSCommand)
	}

	span.SetAttributes(attribute.Int(telemetry.StepsKey, len(steps)))

	var (
		st  *Stream
		err error
	)
	if len(steps) == 0 {
		st, err = openFile(p.Item.Path, req.Range)
	} else {
		st, err = startChain(ctx, s, p, steps, req.Range)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return nil, err
	}
	return st, nil
}

func openFile(path string, rng *httprange.Range) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Op: "open", Cause: err}
	}
	st := &Stream{file: f, reader: f}
	if rng != nil {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, &Error{Op: "seek", Cause: err}
		}
		st.reader = io.LimitReader(f, rng.Length())
	}
	return st, nil
}

func renderValues(s Settings, p decision.Parameters) transcoding.Values {
	v := transcoding.Values{
		Input:      p.Item.Path,
		BitRate:    p.MaxBitRate,
		Width:      p.VideoSettings.Width,
		Height:     p.VideoSettings.Height,
		Title:      p.Item.Title,
		TimeOffset: p.VideoSettings.TimeOffset,
		Duration:   p.VideoSettings.Duration,
	}
	if v.BitRate <= 0 {
		v.BitRate = s.DefaultBitRate
	}
	if v.Duration <= 0 {
		v.Duration = remaining(p.Item, v.TimeOffset)
	}
	return v
}

// remaining is the item duration left after offset seconds, or unknownDuration.
func remaining(item media.Item, offset float64) float64 {
	if d, ok := item.DurationSeconds(); ok && d > offset {
		return d - offset
	}
	return unknownDuration
}

func startChain(ctx context.Context, s Settings, p decision.Parameters, steps []transcoding.Template, rng *httprange.Range) (*Stream, error) {
	logger := log.WithComponentFromContext(ctx, "pipeline")
	values := renderValues(s, p)

	var skip, limit int64
	if rng != nil {
		limit = rng.Length()
		if rng.Start > 0 {
			dur, known := p.Item.DurationSeconds()
			if steps[0].Uses(transcoding.TimeOffset) && known {
				values.TimeOffset = rng.TimeOffset(dur)
				if p.VideoSettings.Duration <= 0 {
					values.Duration = remaining(p.Item, values.TimeOffset)
				}
			} else {
				skip = rng.Start
			}
		}
	}

	st := &Stream{grace: s.KillGrace}
	var prevOut *os.File
	for i, tpl := range steps {
		v := values
		if i > 0 {
			v.Input = transcoding.StdinInput
		}
		argv := tpl.Render(v)
		proc, out, err := startStep(ctx, s, i+1, argv, prevOut, logger)
		if prevOut != nil {
			// the child has its own copy
			_ = prevOut.Close()
		}
		if err != nil {
			metrics.IncProcStart("failed")
			st.Close()
			return nil, &Error{Op: "start", Step: i + 1, Cause: err}
		}
		metrics.IncProcStart("ok")
		st.procs = append(st.procs, proc)
		prevOut = out
	}
	st.stdout = prevOut
	br := bufio.NewReaderSize(prevOut, readBufferSize)
	st.reader = &chainReader{r: br, st: st}

	started := time.Now()
	if err := awaitFirstByte(ctx, st, br, s.StartupTimeout); err != nil {
		return nil, err
	}
	metrics.ObserveFirstByte(time.Since(started).Seconds())

	if skip > 0 {
		if _, err := io.CopyN(io.Discard, st.reader, skip); err != nil {
			st.Close()
			return nil, &Error{Op: "seek", Cause: err}
		}
	}
	if limit > 0 {
		st.reader = io.LimitReader(st.reader, limit)
	}

	logger.Debug().
		Str(log.FieldEvent, "pipeline.ready").
		Int("steps", len(steps)).
		Int64("skip", skip).
		Msg("transcoder output available")
	return st, nil
}

// awaitFirstByte blocks until the chain produced output. On failure the stream is closed.
func awaitFirstByte(ctx context.Context, st *Stream, br *bufio.Reader, timeout time.Duration) error {
	peeked := make(chan error, 1)
	go func() {
		_, err := br.Peek(1)
		peeked <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-peeked:
		if err == nil {
			return nil
		}
		st.Close()
		if errors.Is(err, io.EOF) {
			return &Error{Op: "transcode", Cause: ErrNoOutput, Stderr: st.stderrTail()}
		}
		return &Error{Op: "transcode", Cause: err, Stderr: st.stderrTail()}
	case <-timer.C:
		metrics.IncProcStart("timeout")
		st.Close()
		<-peeked
		return &Error{Op: "transcode", Cause: fmt.Errorf("%w after %s", ErrStartupTimeout, timeout), Stderr: st.stderrTail()}
	case <-ctx.Done():
		st.Close()
		<-peeked
		return ctx.Err()
	}
}
