package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultOutputLimit bounds each of stdout and stderr.
	DefaultOutputLimit = 10 << 20
	// DefaultTimeout is applied when no explicit timeout is configured.
	DefaultTimeout = 2 * time.Minute

	pipeGrace = 2 * time.Second
)

var errOutputLimit = errors.New("engine output limit exceeded")

// Command describes the engine executable. Script, when set, is appended to
// Args and must exist before the process is started.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Script string
}

// ProcessTransport runs the engine as a subprocess speaking JSON over stdio.
type ProcessTransport struct {
	cmd         Command
	timeout     time.Duration
	outputLimit int
	allow       WarningAllowList
	logger      *zap.Logger
}

// Option configures a ProcessTransport.
type Option func(*ProcessTransport)

// WithTimeout bounds a single invocation. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *ProcessTransport) { p.timeout = d }
}

// WithOutputLimit caps the bytes buffered per output stream.
func WithOutputLimit(n int) Option {
	return func(p *ProcessTransport) {
		if n > 0 {
			p.outputLimit = n
		}
	}
}

// WithToleratedWarnings sets the stderr allow-list for nonzero exits.
func WithToleratedWarnings(allow WarningAllowList) Option {
	return func(p *ProcessTransport) { p.allow = allow }
}

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(p *ProcessTransport) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessTransport builds a transport for cmd.
func NewProcessTransport(cmd Command, opts ...Option) *ProcessTransport {
	p := &ProcessTransport{
		cmd:         cmd,
		timeout:     DefaultTimeout,
		outputLimit: DefaultOutputLimit,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("engine").With(zap.String("engine_path", cmd.Path), zap.String("engine_script", cmd.Script))
	return p
}

// Invoke runs the engine once with request encoded as JSON on stdin.
func (p *ProcessTransport) Invoke(ctx context.Context, request any) (*Outcome, error) {
	start := time.Now()

	if p.cmd.Script != "" {
		if _, err := os.Stat(p.cmd.Script); err != nil {
			return nil, &Error{Kind: KindSpawn, Message: fmt.Sprintf("engine script not found: %s", p.cmd.Script), Err: err}
		}
	}

	input, err := json.Marshal(request)
	if err != nil {
		return nil, &Error{Kind: KindInvalidPayload, Message: fmt.Sprintf("failed to encode engine request: %v", err), Err: err}
	}

	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	killCtx, kill := context.WithCancelCause(runCtx)
	defer kill(nil)

	cmd := p.command(killCtx)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, spawnError(err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, spawnError(err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, spawnError(err)
	}

	if err := cmd.Start(); err != nil {
		p.logger.Error("failed to start engine", zap.Error(err))
		return nil, spawnError(err)
	}

	stdout := &limitedBuffer{limit: p.outputLimit, overflow: func() { kill(errOutputLimit) }}
	stderr := &limitedBuffer{limit: p.outputLimit, overflow: func() { kill(errOutputLimit) }}

	drained := make(chan struct{})
	go closePipesAfterKill(killCtx, drained, stdoutPipe, stderrPipe)

	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		if _, err := stdin.Write(input); err != nil && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, os.ErrClosed) {
			p.logger.Debug("engine stdin write failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error { return drain(stdout, stdoutPipe) })
	g.Go(func() error { return drain(stderr, stderrPipe) })
	readErr := g.Wait()
	close(drained)

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if stderr.Len() > 0 {
		p.logger.Warn("engine stderr", zap.String("stderr", Excerpt(stderr.String(), 2048)))
	}

	if errors.Is(context.Cause(killCtx), errOutputLimit) {
		return nil, &Error{
			Kind:    KindOutputLimit,
			Message: fmt.Sprintf("engine output exceeded %d bytes", p.outputLimit),
			Stderr:  stderr.String(),
		}
	}
	if err := runCtx.Err(); err != nil {
		msg := "engine invocation canceled"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("engine timed out after %s", p.timeout)
		}
		p.logger.Error("engine killed", zap.Error(err), zap.Duration("duration", elapsed))
		return nil, &Error{Kind: KindTimeout, Message: msg, Stderr: stderr.String(), Err: err}
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, &Error{Kind: KindExecution, Message: fmt.Sprintf("engine wait failed: %v", waitErr), Err: waitErr}
		}
		exitCode = exitErr.ExitCode()
	}
	if readErr != nil && exitCode == 0 {
		return nil, &Error{Kind: KindExecution, Message: fmt.Sprintf("failed to read engine output: %v", readErr), Err: readErr}
	}

	outcome, err := Classify(exitCode, stdout.Bytes(), stderr.Bytes(), p.allow)
	if err != nil {
		p.logger.Error("engine invocation failed",
			zap.Int("exit_code", exitCode),
			zap.String("kind", KindOf(err).String()),
			zap.Duration("duration", elapsed))
		return nil, err
	}
	if outcome.Tolerated {
		p.logger.Warn("engine exited nonzero with tolerated warnings, using its output", zap.Int("exit_code", exitCode))
	}
	outcome.Duration = elapsed
	p.logger.Info("engine invocation completed", zap.Int("exit_code", exitCode), zap.Duration("duration", elapsed))
	return outcome, nil
}

func (p *ProcessTransport) command(ctx context.Context) *exec.Cmd {
	args := append([]string{}, p.cmd.Args...)
	if p.cmd.Script != "" {
		args = append(args, p.cmd.Script)
	}
	cmd := exec.CommandContext(ctx, p.cmd.Path, args...)
	cmd.Dir = p.cmd.Dir
	cmd.Env = append(os.Environ(), "TF_CPP_MIN_LOG_LEVEL=2", "PYTHONIOENCODING=utf-8")
	cmd.Env = append(cmd.Env, p.cmd.Env...)
	cmd.WaitDelay = pipeGrace
	return cmd
}

func spawnError(err error) *Error {
	return &Error{Kind: KindSpawn, Message: fmt.Sprintf("failed to start process: %v", err), Err: err}
}

// drain copies r into buf and keeps discarding after an overflow so the
// child never blocks on a full pipe.
func drain(buf *limitedBuffer, r io.Reader) error {
	_, err := io.Copy(buf, r)
	if errors.Is(err, errOutputLimit) {
		_, err = io.Copy(io.Discard, r)
	}
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// closePipesAfterKill unblocks the readers when a killed engine leaves
// descendants holding the pipes open.
func closePipesAfterKill(ctx context.Context, drained <-chan struct{}, pipes ...io.Closer) {
	select {
	case <-drained:
		return
	case <-ctx.Done():
	}
	timer := time.NewTimer(pipeGrace)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		for _, pipe := range pipes {
			_ = pipe.Close()
		}
	}
}

type limitedBuffer struct {
	buf      []byte
	limit    int
	overflow func()
	exceeded bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.exceeded {
		return 0, errOutputLimit
	}
	if room := b.limit - len(b.buf); len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.exceeded = true
		if b.overflow != nil {
			b.overflow()
		}
		return room, errOutputLimit
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte  { return b.buf }
func (b *limitedBuffer) String() string { return string(b.buf) }
func (b *limitedBuffer) Len() int       { return len(b.buf) }
