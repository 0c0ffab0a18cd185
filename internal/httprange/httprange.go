// Package httprange turns a Range header or a playback offset into the byte range to serve.
package httprange

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tesshucom/jpsonic-sub005/internal/decision"
)

// Range is an inclusive byte range within Total.
type Range struct {
	Start int64
	End   int64
	Total int64
}

// Length is the number of bytes in the range.
func (r Range) Length() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range header value.
func (r Range) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

func (r Range) String() string { return fmt.Sprintf("%d-%d/%d", r.Start, r.End, r.Total) }

// TimeOffset converts Start back to a playback position using the same duration/length
// ratio Compute uses for offsets.
func (r Range) TimeOffset(duration float64) float64 {
	if r.Total <= 0 || duration <= 0 || r.Start <= 0 {
		return 0
	}
	return float64(r.Start) / float64(r.Total) * duration
}

// Compute returns the range to serve. ok is false when the whole body must be sent: no
// range requested, range not allowed, or unusable input. Malformed input never errors.
func Compute(p decision.Parameters, rangeHeader, offsetParam string) (r Range, ok bool) {
	if !p.RangeAllowed {
		return Range{}, false
	}
	total, known := p.ExpectedLength()
	if !known || total <= 0 {
		return Range{}, false
	}
	if strings.TrimSpace(rangeHeader) != "" {
		return FromHeader(rangeHeader, total)
	}
	if strings.TrimSpace(offsetParam) != "" {
		duration, ok := p.Item.DurationSeconds()
		if !ok {
			return Range{}, false
		}
		offset, err := ParseOffset(offsetParam)
		if err != nil {
			return Range{}, false
		}
		return FromOffset(offset, duration, total)
	}
	return Range{}, false
}

// FromHeader parses a single "bytes=start-end?" range against total.
func FromHeader(header string, total int64) (Range, bool) {
	set, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(set, ",") {
		return Range{}, false
	}
	startStr, endStr, found := strings.Cut(strings.TrimSpace(set), "-")
	if !found {
		return Range{}, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 || start >= total {
		return Range{}, false
	}
	end := total - 1
	if endStr = strings.TrimSpace(endStr); endStr != "" {
		e, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || e < start {
			return Range{}, false
		}
		end = min(e, total-1)
	}
	return Range{Start: start, End: end, Total: total}, true
}

// FromOffset maps a playback offset onto the byte scale of total.
func FromOffset(offset, duration float64, total int64) (Range, bool) {
	if offset <= 0 || duration <= 0 || total <= 0 || offset >= duration {
		return Range{}, false
	}
	start := int64(math.Floor(offset / duration * float64(total)))
	if start >= total {
		return Range{}, false
	}
	return Range{Start: start, End: total - 1, Total: total}, true
}

// ParseOffset parses an offset in seconds. Fractions are accepted.
func ParseOffset(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}
