package pipeline

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tesshucom/jpsonic-sub005/internal/log"
	"github.com/tesshucom/jpsonic-sub005/internal/metrics"
	"github.com/tesshucom/jpsonic-sub005/internal/procgroup"
)

const (
	stderrTailLines = 20
	maxStderrLine   = 64 << 10
)

type process struct {
	cmd     *exec.Cmd
	step    int
	exited  chan struct{}
	exitErr error // valid once exited is closed
	drained chan struct{}
	stderr  *ringBuffer
}

// startStep spawns one step in its own process group. stdin is the read end of the
// previous step's stdout, or nil for the first step. The returned file is the read end
// of this step's stdout.
func startStep(ctx context.Context, s Settings, step int, argv []string, stdin *os.File, logger zerolog.Logger) (*process, *os.File, error) {
	cmd := exec.CommandContext(ctx, resolveExecutable(s.BinDir, argv[0]), argv[1:]...)
	procgroup.Set(cmd)
	cmd.Cancel = func() error { return procgroup.Kill(cmd, syscall.SIGKILL) }
	cmd.Dir = s.TranscodeDir
	if stdin != nil {
		cmd.Stdin = stdin
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	err = cmd.Start()
	// the child holds its own copies now
	_ = outW.Close()
	_ = errW.Close()
	if err != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, nil, err
	}

	p := &process{
		cmd:     cmd,
		step:    step,
		exited:  make(chan struct{}),
		drained: make(chan struct{}),
		stderr:  newRingBuffer(stderrTailLines),
	}
	stepLogger := logger.With().Int(log.FieldStep, step).Int(log.FieldPID, cmd.Process.Pid).Logger()
	go p.wait()
	go p.drain(errR, stepLogger)

	stepLogger.Debug().Str(log.FieldEvent, "transcoder.started").Strs(log.FieldArgv, argv).Msg("transcoder started")
	return p, outR, nil
}

func (p *process) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.exited)
}

// drain consumes stderr until every writer in the process group is gone.
func (p *process) drain(r *os.File, logger zerolog.Logger) {
	defer close(p.drained)
	defer func() { _ = r.Close() }()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxStderrLine)
	sc.Split(scanLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if stats := ParseStats(line); stats != nil {
			metrics.ObserveTranscoderSpeed(stats.Speed)
			logger.Trace().Float64("speed", stats.Speed).Dur("time", stats.Time).Msg("transcoder progress")
			continue
		}
		p.stderr.Add(line)
		logger.Debug().Str("line", line).Msg("transcoder stderr")
	}
	// keep the pipe empty even after an oversized line
	_, _ = io.Copy(io.Discard, r)
}

// stop terminates the step's process group unless it already exited.
func (p *process) stop(grace time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}
	waitCh := make(chan error, 1)
	go func() {
		<-p.exited
		waitCh <- p.exitErr
	}()
	_ = procgroup.Terminate(p.cmd, waitCh, grace)
}

// LookupExecutable resolves name the way steps are started, binDir first and then PATH.
func LookupExecutable(binDir, name string) (string, error) {
	return exec.LookPath(resolveExecutable(binDir, name))
}

func resolveExecutable(binDir, name string) string {
	if binDir == "" || strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	candidate := filepath.Join(binDir, name)
	if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
		return candidate
	}
	return name
}
