// Package procgroup starts transcoder processes in their own process group and tears
// the whole group down, so helper processes spawned by a transcoder die with it.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/tesshucom/jpsonic-sub005/internal/metrics"
)

// Terminate stops a process group: SIGTERM, wait up to grace on waitCh, then SIGKILL.
// It consumes waitCh and returns the Wait error. Safe on nil or unstarted commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	metrics.IncProcTerminate("SIGTERM", signalResult(Kill(cmd, syscall.SIGTERM)))

	select {
	case err := <-waitCh:
		recordWait(err)
		return err
	case <-time.After(grace):
	}

	metrics.IncProcTerminate("SIGKILL", signalResult(Kill(cmd, syscall.SIGKILL)))
	err := <-waitCh
	recordWait(err)
	return err
}

func signalResult(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, syscall.ESRCH):
		return "esrch"
	default:
		return "error"
	}
}

func recordWait(err error) {
	if err == nil {
		metrics.IncProcWait("exit0")
		return
	}
	metrics.IncProcWait("exit_nonzero")
}
