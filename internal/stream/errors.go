package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/tesshucom/jpsonic-sub005/internal/media"
)

var (
	ErrForbidden  = errors.New("streaming not permitted")
	ErrNotFound   = media.ErrNotFound
	ErrClientGone = errors.New("client disconnected")
	ErrTerminated = errors.New("transfer terminated")
)

// IsClientGone reports whether err means the peer went away while we were writing.
func IsClientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClientGone) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "client disconnected")
}
