package stream

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tesshucom/jpsonic-sub005/internal/decision"
	"github.com/tesshucom/jpsonic-sub005/internal/httprange"
	"github.com/tesshucom/jpsonic-sub005/internal/media"
)

// Request is the parsed query of a stream request. Malformed optional values read as absent.
type Request struct {
	Target     media.Target
	PlayerID   string
	MaxBitRate int
	Format     string
	Offset     string // raw time offset, interpreted by the range calculator
	HLS        bool
	Video      media.VideoSettings
}

// ParseRequest reads the stream query parameters. Target precedence: id, playlist, path,
// then the player's current queue.
func ParseRequest(r *http.Request) Request {
	q := r.URL.Query()
	req := Request{
		PlayerID: strings.TrimSpace(q.Get("player")),
		Format:   strings.TrimSpace(q.Get("format")),
	}

	switch {
	case q.Get("id") != "":
		req.Target = media.ItemTarget(q.Get("id"))
	case q.Get("playlist") != "":
		req.Target = media.PlaylistTarget(q.Get("playlist"))
	case q.Get("path") != "":
		req.Target = media.PathTarget(q.Get("path"))
	default:
		req.Target = media.QueueTarget()
	}

	if n, err := strconv.Atoi(strings.TrimSpace(q.Get("maxBitRate"))); err == nil && n > 0 {
		req.MaxBitRate = n
	}
	req.Offset = q.Get("timeOffset")
	if req.Offset == "" {
		req.Offset = q.Get("offsetSeconds")
	}
	if off, err := httprange.ParseOffset(req.Offset); err == nil && off > 0 {
		req.Video.TimeOffset = off
	}
	if b, err := strconv.ParseBool(q.Get("hls")); err == nil {
		req.HLS = b
	}
	if w, h, ok := parseSize(q.Get("size")); ok {
		req.Video.Width, req.Video.Height = w, h
	}
	if d, err := strconv.ParseFloat(q.Get("duration"), 64); err == nil && d > 0 {
		req.Video.Duration = d
	}
	return req
}

// decisionRequest is the part of the request the resolver looks at.
func (r Request) decisionRequest() decision.Request {
	return decision.Request{
		MaxBitRate: r.MaxBitRate,
		Format:     r.Format,
		Video:      r.Video,
		HLS:        r.HLS,
	}
}

// parseSize parses "WxH".
func parseSize(s string) (int, int, bool) {
	ws, hs, found := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !found {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
