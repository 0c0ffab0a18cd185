package stream

import (
	"net/http"
	"strconv"

	"github.com/tesshucom/jpsonic-sub005/internal/decision"
	"github.com/tesshucom/jpsonic-sub005/internal/httprange"
)

// writeHeaders sets the framing headers for a single item and returns the status to send
// and the number of body bytes promised, -1 when no length is declared.
//
//   - concrete range: 206 with Accept-Ranges bytes, Content-Range and Content-Length
//   - video, HLS or converted output: Accept-Ranges none, no length
//   - pass-through with a known size: 200 with Content-Length
//   - otherwise: 200 with neither
func writeHeaders(h http.Header, p decision.Parameters, rng *httprange.Range) (int, int64) {
	h.Set("Content-Type", p.ContentType)
	h.Set("Access-Control-Allow-Origin", "*")
	if d, ok := p.Item.DurationSeconds(); ok {
		h.Set("X-Content-Duration", strconv.FormatFloat(d, 'f', 1, 64))
	}

	if rng != nil {
		h.Set("Accept-Ranges", "bytes")
		h.Set("Content-Range", rng.ContentRange())
		h.Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
		return http.StatusPartialContent, rng.Length()
	}
	if p.Video || p.HLS || p.Converted() {
		h.Set("Accept-Ranges", "none")
		return http.StatusOK, -1
	}
	if n, ok := p.ExpectedLength(); ok {
		h.Set("Content-Length", strconv.FormatInt(n, 10))
		return http.StatusOK, n
	}
	return http.StatusOK, -1
}

// writeQueueHeaders frames a multi-item body: no length, no ranges.
func writeQueueHeaders(h http.Header, contentType string) {
	h.Set("Content-Type", contentType)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Accept-Ranges", "none")
}
