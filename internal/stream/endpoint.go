// Package stream serves media bytes over HTTP: it authorizes the request, resolves the
// target, decides the delivery parameters, frames the response and copies the bytes while
// the transfer is tracked.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tesshucom/jpsonic-sub005/internal/control/problem"
	"github.com/tesshucom/jpsonic-sub005/internal/decision"
	"github.com/tesshucom/jpsonic-sub005/internal/httprange"
	"github.com/tesshucom/jpsonic-sub005/internal/log"
	"github.com/tesshucom/jpsonic-sub005/internal/media"
	"github.com/tesshucom/jpsonic-sub005/internal/metrics"
	"github.com/tesshucom/jpsonic-sub005/internal/pipeline"
	"github.com/tesshucom/jpsonic-sub005/internal/telemetry"
	"github.com/tesshucom/jpsonic-sub005/internal/transfer"
)

// State is a step of a stream request.
type State int

const (
	StateAuthenticating State = iota
	StateResolving
	StateRangeComputed
	StateStreaming
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateResolving:
		return "resolving"
	case StateRangeComputed:
		return "range_computed"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome labels for how a transfer ended.
const (
	OutcomeCompleted     = "completed"
	OutcomeClientGone    = "client_gone"
	OutcomeTerminated    = "terminated"
	OutcomePipelineError = "pipeline_error"
)

// Deps are the endpoint's collaborators.
type Deps struct {
	Library    Library
	Players    Players
	Authorizer Authorizer
	Resolver   *decision.Resolver
	Opener     *pipeline.Opener
	Tracker    *transfer.Tracker
	Settings   func() Settings
}

// Endpoint is the stream http.Handler.
type Endpoint struct {
	library  Library
	players  Players
	authz    Authorizer
	resolver *decision.Resolver
	opener   *pipeline.Opener
	tracker  *transfer.Tracker
	settings func() Settings
	tracer   trace.Tracer

	// observe is called on every state transition; tests hook it.
	observe func(State)
}

func New(d Deps) *Endpoint {
	if d.Settings == nil {
		d.Settings = func() Settings { return Settings{} }
	}
	return &Endpoint{
		library:  d.Library,
		players:  d.Players,
		authz:    d.Authorizer,
		resolver: d.Resolver,
		opener:   d.Opener,
		tracker:  d.Tracker,
		settings: d.Settings,
		tracer:   otel.Tracer("jpstream/stream"),
		observe:  func(State) {},
	}
}

// exchange is the per-request state threaded through the handler.
type exchange struct {
	w      chimw.WrapResponseWriter
	r      *http.Request
	span   trace.Span
	logger zerolog.Logger
	state  State
	req    Request
	user   media.User
	player media.Player
}

func (e *Endpoint) enter(x *exchange, s State) {
	x.state = s
	x.span.AddEvent(s.String())
	e.observe(s)
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := e.tracer.Start(r.Context(), "stream.serve")
	defer span.End()
	r = r.WithContext(ctx)

	ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
	x := &exchange{
		w:      ww,
		r:      r,
		span:   span,
		logger: log.WithComponentFromContext(ctx, "stream"),
	}
	defer func() {
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.IncStreamRequest(r.Method, status)
	}()

	e.enter(x, StateAuthenticating)
	if err := e.authenticate(x); err != nil {
		e.abort(x, err)
		return
	}

	e.enter(x, StateResolving)
	items, multi, err := e.resolveTarget(x)
	if err != nil {
		e.abort(x, err)
		return
	}

	if multi {
		e.serveQueue(x, items)
		return
	}
	e.serveItem(x, items[0])
}

func (e *Endpoint) authenticate(x *exchange) error {
	user, err := e.authz.Authenticate(x.r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if !e.authz.CanStream(user) {
		return fmt.Errorf("%w: user %q lacks the stream role", ErrForbidden, user.Name)
	}
	x.user = user
	x.req = ParseRequest(x.r)

	player, err := e.players.ResolvePlayer(x.r.Context(), x.req.PlayerID, user)
	if err != nil {
		return err
	}
	x.player = player

	ctx := log.ContextWithPlayerID(x.r.Context(), player.ID)
	x.r = x.r.WithContext(ctx)
	x.logger = x.logger.With().Str(log.FieldPlayerID, player.ID).Str(log.FieldUser, user.Name).Logger()
	x.span.SetAttributes(attribute.String(telemetry.PlayerIDKey, player.ID))
	return nil
}

// resolveTarget returns the item to stream, or the ordered items of a container target.
func (e *Endpoint) resolveTarget(x *exchange) ([]media.Item, bool, error) {
	ctx := x.r.Context()
	t := x.req.Target
	x.span.SetAttributes(attribute.String(telemetry.TargetKindKey, t.Kind.String()))

	var (
		items []media.Item
		multi bool
		err   error
	)
	switch t.Kind {
	case media.TargetItem:
		var item media.Item
		if item, err = e.library.MediaItem(ctx, t.ID); err == nil {
			if item.Kind.IsContainer() {
				items, err = e.library.ChildrenOrPlaylistFiles(ctx, item.ID)
				multi = true
			} else {
				items = []media.Item{item}
			}
		}
	case media.TargetPath:
		var item media.Item
		if item, err = e.library.MediaItemByPath(ctx, t.Path); err == nil {
			items = []media.Item{item}
		}
	case media.TargetPlaylist:
		items, err = e.library.ChildrenOrPlaylistFiles(ctx, t.ID)
		multi = true
	case media.TargetQueue:
		items, err = e.players.CurrentQueue(ctx, x.player)
		multi = true
	}
	if err != nil {
		return nil, false, err
	}

	allowed, err := e.accessible(ctx, items, x.user)
	if err != nil {
		return nil, false, err
	}
	switch {
	case len(items) == 0:
		return nil, false, fmt.Errorf("%w: %s target is empty", ErrNotFound, t.Kind)
	case len(allowed) == 0:
		return nil, false, fmt.Errorf("%w: folder access denied", ErrForbidden)
	}
	return allowed, multi, nil
}

func (e *Endpoint) accessible(ctx context.Context, items []media.Item, user media.User) ([]media.Item, error) {
	out := make([]media.Item, 0, len(items))
	for _, it := range items {
		ok, err := e.authz.CanAccessFolder(ctx, it, user)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (e *Endpoint) serveItem(x *exchange, item media.Item) {
	params := e.resolver.Resolve(item, x.player, x.req.decisionRequest())
	e.recordDecision(x, params)

	var rng *httprange.Range
	if r, ok := httprange.Compute(params, x.r.Header.Get("Range"), x.req.Offset); ok {
		rng = &r
		x.span.SetAttributes(telemetry.RangeAttributes(r.Start, r.End)...)
	}
	e.enter(x, StateRangeComputed)

	if x.r.Method == http.MethodHead {
		status, _ := writeHeaders(x.w.Header(), params, rng)
		x.w.WriteHeader(status)
		e.enter(x, StateCompleted)
		return
	}

	e.enter(x, StateStreaming)
	status, tctx := e.tracker.Begin(x.r.Context(), transfer.Info{
		PlayerID: x.player.ID,
		Username: x.user.Name,
		ItemID:   item.ID,
		Path:     item.Path,
		ClientIP: clientIP(x.r),
	})
	defer e.tracker.Remove(status)
	defer expireWritesOnTerminate(tctx, status, x.w.Unwrap())()
	tctx = log.ContextWithTransferID(tctx, status.ID)
	logger := x.logger.With().Str(log.FieldTransferID, status.ID).Str(log.FieldItemID, item.ID).Logger()

	src, err := e.opener.Open(tctx, pipeline.Request{Params: params, Range: rng})
	if err != nil {
		if x.r.Context().Err() != nil {
			err = fmt.Errorf("%w: %w", ErrClientGone, err)
		} else if status.Terminated() {
			err = ErrTerminated
		}
		e.finish(x, status, 0, err, logger)
		if !errors.Is(err, ErrClientGone) && !errors.Is(err, ErrTerminated) {
			e.writeError(x, http.StatusInternalServerError, "stream/pipeline_error", "PIPELINE_ERROR", "")
		}
		return
	}
	defer func() { _ = src.Close() }()

	code, declared := writeHeaders(x.w.Header(), params, rng)
	x.w.WriteHeader(code)

	c := newCopier(e.tracker, status, x.r.Context(), x.w, e.settings(), metricPath(params), logger)
	written, err := c.copy(x.w, src, declared)
	e.finish(x, status, written, err, logger)
}

// serveQueue streams items back to back as one body. Items that fail to open are skipped.
func (e *Endpoint) serveQueue(x *exchange, items []media.Item) {
	first := e.resolver.Resolve(items[0], x.player, x.req.decisionRequest())
	e.enter(x, StateRangeComputed)
	writeQueueHeaders(x.w.Header(), first.ContentType)
	if x.r.Method == http.MethodHead {
		x.w.WriteHeader(http.StatusOK)
		e.enter(x, StateCompleted)
		return
	}

	e.enter(x, StateStreaming)
	status, tctx := e.tracker.Begin(x.r.Context(), transfer.Info{
		PlayerID: x.player.ID,
		Username: x.user.Name,
		ItemID:   items[0].ID,
		Path:     items[0].Path,
		ClientIP: clientIP(x.r),
	})
	defer e.tracker.Remove(status)
	defer expireWritesOnTerminate(tctx, status, x.w.Unwrap())()
	tctx = log.ContextWithTransferID(tctx, status.ID)
	logger := x.logger.With().Str(log.FieldTransferID, status.ID).Int("items", len(items)).Logger()

	x.w.WriteHeader(http.StatusOK)
	c := newCopier(e.tracker, status, x.r.Context(), x.w, e.settings(), "", logger)

	var total int64
	for i, item := range items {
		params := first
		if i > 0 {
			params = e.resolver.Resolve(item, x.player, x.req.decisionRequest())
		}
		e.recordDecision(x, params)
		c.path = metricPath(params)

		src, err := e.opener.Open(tctx, pipeline.Request{Params: params})
		if err != nil {
			if tctx.Err() != nil {
				e.finish(x, status, total, e.cancelCause(x, status, err), logger)
				return
			}
			logger.Warn().Err(err).Str(log.FieldItemID, item.ID).Msg("skipping queue item that failed to open")
			continue
		}
		n, err := c.copy(x.w, src, -1)
		_ = src.Close()
		total += n
		if err != nil {
			e.finish(x, status, total, err, logger)
			return
		}
	}
	e.finish(x, status, total, nil, logger)
}

func (e *Endpoint) cancelCause(x *exchange, status *transfer.Status, err error) error {
	if status.Terminated() {
		return ErrTerminated
	}
	if x.r.Context().Err() != nil {
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	return err
}

// finish logs and records how the transfer ended and moves to a terminal state.
func (e *Endpoint) finish(x *exchange, status *transfer.Status, written int64, err error, logger zerolog.Logger) {
	outcome := OutcomeCompleted
	switch {
	case err == nil:
		logger.Debug().Str(log.FieldEvent, "transfer.completed").Int64(log.FieldBytes, written).Msg("transfer completed")
	case errors.Is(err, ErrTerminated):
		outcome = OutcomeTerminated
		logger.Info().Str(log.FieldEvent, "transfer.terminated").Int64(log.FieldBytes, written).Msg("transfer terminated")
	case errors.Is(err, ErrClientGone):
		outcome = OutcomeClientGone
		logger.Debug().Err(err).Str(log.FieldEvent, "transfer.client_gone").Int64(log.FieldBytes, written).Msg("client disconnected")
	default:
		outcome = OutcomePipelineError
		ev := logger.Warn()
		if written == 0 {
			ev = logger.Error()
		}
		var perr *pipeline.Error
		if errors.As(err, &perr) && len(perr.Stderr) > 0 {
			ev = ev.Strs("stderr", perr.Stderr)
		}
		ev.Err(err).Str(log.FieldEvent, "transfer.failed").Int64(log.FieldBytes, written).Msg("transfer failed")
		x.span.RecordError(err)
		x.span.SetStatus(codes.Error, outcome)
	}

	metrics.IncTransferOutcome(outcome)
	x.span.SetAttributes(telemetry.TransferAttributes(outcome, status.BytesTransferred())...)
	if err == nil {
		e.enter(x, StateCompleted)
	} else {
		e.enter(x, StateAborted)
	}
}

// abort answers a request that failed before streaming started.
func (e *Endpoint) abort(x *exchange, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		x.logger.Info().Err(err).Str(log.FieldEvent, "stream.forbidden").Msg("stream request denied")
		e.writeError(x, http.StatusForbidden, "stream/forbidden", "FORBIDDEN", "")
	case errors.Is(err, ErrNotFound):
		x.logger.Info().Err(err).Str(log.FieldEvent, "stream.not_found").Msg("stream target not found")
		e.writeError(x, http.StatusNotFound, "stream/not_found", "NOT_FOUND", err.Error())
	default:
		x.logger.Error().Err(err).Str(log.FieldEvent, "stream.failed").Msg("stream request failed")
		x.span.RecordError(err)
		x.span.SetStatus(codes.Error, "resolve failed")
		e.writeError(x, http.StatusInternalServerError, "stream/internal", "INTERNAL", "")
	}
	e.enter(x, StateAborted)
}

func (e *Endpoint) writeError(x *exchange, status int, problemType, code, detail string) {
	x.w.Header().Set("Access-Control-Allow-Origin", "*")
	problem.Write(x.w, x.r, status, problemType, code, detail)
}

func (e *Endpoint) recordDecision(x *exchange, p decision.Parameters) {
	metrics.RecordDecision(string(p.Path), string(p.Reason), p.TargetFormat, p.RangeAllowed)
	x.span.SetAttributes(telemetry.DecisionAttributes(string(p.Path), string(p.Reason), p.TargetFormat, p.MaxBitRate, p.HLS)...)
	ev := x.logger.Debug().
		Str(log.FieldItemID, p.Item.ID).
		Str(log.FieldDecision, string(p.Path)).
		Str(log.FieldReason, string(p.Reason)).
		Str(log.FieldTargetFormat, p.TargetFormat).
		Int(log.FieldBitRate, p.MaxBitRate).
		Bool("range_allowed", p.RangeAllowed)
	if p.Rule != nil {
		ev = ev.Int(log.FieldRuleID, p.Rule.ID)
	}
	ev.Msg("delivery decided")
}

func metricPath(p decision.Parameters) string {
	if p.HLS {
		return "hls"
	}
	return string(p.Path)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
