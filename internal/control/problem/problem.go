// Package problem writes RFC 7807 problem details responses.
package problem

import (
	"encoding/json"
	"net/http"

	"github.com/tesshucom/jpsonic-sub005/internal/log"
)

const (
	HeaderRequestID  = "X-Request-ID"
	JSONKeyRequestID = "requestId"
	ContentType      = "application/problem+json"
)

// Details is the response body.
type Details struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Write writes a problem response.
//   - problemType: machine identifier, e.g. "stream/not_found"
//   - code: stable short code, e.g. "NOT_FOUND"
//   - detail: explanation of this occurrence, optional
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, code, detail string) {
	d := Details{
		Type:   problemType,
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
		Detail: detail,
	}
	if r != nil {
		d.Instance = r.URL.EscapedPath()
		d.RequestID = log.RequestIDFromContext(r.Context())
	}
	if d.RequestID == "" {
		d.RequestID = w.Header().Get(HeaderRequestID)
	}
	if d.RequestID != "" {
		w.Header().Set(HeaderRequestID, d.RequestID)
	}

	h := w.Header()
	h.Del("Content-Length")
	h.Del("Content-Range")
	h.Del("Accept-Ranges")
	h.Del("X-Content-Duration")
	h.Set("Content-Type", ContentType)
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if r != nil && r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(d); err != nil {
		log.L().Debug().Err(err).Str("type", problemType).Int("status", status).Msg("failed to encode problem response")
	}
}
