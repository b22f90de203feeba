// Package invoke runs one external provider CLI under supervision: output is
// streamed, size-capped, and fed to an activity watchdog; silent processes
// are terminated politely, then forcefully. Every run is recorded as an
// invocation row before the outcome is returned.
package invoke

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/steroids-dev/steroids/internal/provider"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

// DefaultActivityTimeout is the watchdog window when config supplies none.
const DefaultActivityTimeout = 10 * time.Minute

// touchInterval throttles last_activity_at_ms writes to the store.
const touchInterval = 2 * time.Second

// Options configures one supervised invocation.
type Options struct {
	TaskID string
	Role   types.Role
	// Provider supplies the command line and result classification.
	Provider provider.Provider
	Model    string
	Prompt   string
	// Dir is the child's working directory (the project root).
	Dir string
	// ActivityTimeout fires after that long with no output byte; any output
	// resets it. This is not a wall-clock deadline.
	ActivityTimeout time.Duration
	KillGrace       time.Duration
	// OnActivity is called on every observed output event (nil to ignore).
	OnActivity func()
	// StreamToStdio mirrors child output to this process's stdout/stderr.
	StreamToStdio bool
	// ShellTemplate, when set by the operator, replaces the provider's argv
	// template. Placeholders {model} and {prompt} are substituted and the
	// line runs under a shell. Default invocations never touch a shell.
	ShellTemplate string
	// LogDir receives the per-invocation raw output log. Empty disables it.
	LogDir          string
	RejectionNumber int
}

// Outcome is the structured result of one invocation.
type Outcome struct {
	InvocationID   int64
	Success        bool
	ExitCode       int
	Stdout         string
	Stderr         string
	DurationMs     int64
	TimedOut       bool
	Classification provider.Classification
}

// Supervisor runs invocations against one project store.
type Supervisor struct {
	store *sqlite.Store
}

// New builds a supervisor.
func New(store *sqlite.Store) *Supervisor {
	return &Supervisor{store: store}
}

// Run executes one provider CLI to completion. The returned Outcome is valid
// even when err is non-nil for cancellation, so the caller can still log it.
func (s *Supervisor) Run(ctx context.Context, opts Options) (*Outcome, error) {
	if opts.Provider == nil || !opts.Provider.IsAvailable() {
		name := "?"
		if opts.Provider != nil {
			name = opts.Provider.Name()
		}
		return nil, fmt.Errorf("provider %s: %w", name, types.ErrProviderMissing)
	}
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = DefaultActivityTimeout
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}

	promptPath, err := writePromptFile(opts)
	if err != nil {
		return nil, err
	}
	defer os.Remove(promptPath)

	cmd, streaming := buildCommand(opts, promptPath)

	invID, err := s.store.StartInvocation(ctx, &types.Invocation{
		TaskID:       opts.TaskID,
		Role:         opts.Role,
		Provider:     opts.Provider.Name(),
		Model:        opts.Model,
		Prompt:       opts.Prompt,
		RejectionNum: opts.RejectionNumber,
	})
	if err != nil {
		return nil, err
	}

	logW := openInvocationLog(opts.LogDir, invID)
	if logW != nil {
		defer logW.Close()
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = s.store.CloseInvocation(context.Background(), invID, sqlite.InvocationClose{
			Status: types.InvocationFailed, ExitCode: -1, Error: err.Error(),
		})
		return nil, fmt.Errorf("failed to start %s: %w", opts.Provider.Command(), err)
	}
	pid := cmd.Process.Pid

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(opts.ActivityTimeout, func() {
		timedOut.Store(true)
		KillProcess(-pid, opts.KillGrace)
	})
	defer watchdog.Stop()

	var lastTouch atomic.Int64
	activity := func() {
		watchdog.Reset(opts.ActivityTimeout)
		if opts.OnActivity != nil {
			opts.OnActivity()
		}
		now := time.Now().UnixMilli()
		if prev := lastTouch.Load(); now-prev >= touchInterval.Milliseconds() &&
			lastTouch.CompareAndSwap(prev, now) {
			_ = s.store.TouchInvocation(context.Background(), invID, now)
		}
	}

	var stdout, stderr capBuffer
	var decoder *streamDecoder
	if streaming {
		decoder = newStreamDecoder(&stdout, activity)
	}

	// Cancellation kills the process group; Wait then returns normally.
	waitDone := make(chan struct{})
	cancelled := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(cancelled)
			KillProcess(-pid, opts.KillGrace)
		case <-waitDone:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if decoder != nil {
			readLines(stdoutPipe, logW, mirrorOut(opts), decoder.Line)
		} else {
			readChunks(stdoutPipe, &stdout, logW, mirrorOut(opts), activity)
		}
	}()
	go func() {
		defer wg.Done()
		readChunks(stderrPipe, &stderr, logW, mirrorErr(opts), activity)
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(waitDone)
	watchdog.Stop()
	if decoder != nil {
		decoder.Finish()
	}

	duration := time.Since(start)
	exitCode := exitCodeOf(waitErr)
	out := &Outcome{
		InvocationID: invID,
		ExitCode:     exitCode,
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		DurationMs:   duration.Milliseconds(),
		TimedOut:     timedOut.Load(),
	}
	out.Success = exitCode == 0 && !out.TimedOut

	status := types.InvocationCompleted
	switch {
	case out.TimedOut:
		status = types.InvocationTimeout
	case !out.Success:
		status = types.InvocationFailed
	}
	closeErr := s.store.CloseInvocation(context.Background(), invID, sqlite.InvocationClose{
		Status:     status,
		ExitCode:   exitCode,
		Response:   out.Stdout,
		Error:      firstKB(out.Stderr),
		Success:    out.Success,
		TimedOut:   out.TimedOut,
		DurationMs: out.DurationMs,
	})
	if closeErr != nil {
		return out, closeErr
	}

	if !out.Success {
		if out.TimedOut {
			out.Classification = provider.Classification{
				Type: provider.FailureUnknown, Retryable: true,
				Message: fmt.Sprintf("no output for %s, process killed", opts.ActivityTimeout),
			}
		} else {
			out.Classification = opts.Provider.Classify(provider.Result{
				ExitCode: exitCode, Stdout: out.Stdout, Stderr: out.Stderr,
			})
		}
	}

	select {
	case <-cancelled:
		return out, types.ErrCancelled
	default:
	}
	return out, nil
}

// buildCommand assembles the child command. Argv-array spawn is the default;
// a shell is involved only for operator-supplied templates.
func buildCommand(opts Options, promptPath string) (*exec.Cmd, bool) {
	var cmd *exec.Cmd
	streaming := false
	if opts.ShellTemplate != "" {
		line := strings.NewReplacer(
			"{model}", opts.Model,
			"{prompt}", promptPath,
		).Replace(opts.ShellTemplate)
		cmd = exec.Command("/bin/sh", "-c", line)
	} else {
		cmd = exec.Command(opts.Provider.Command(), opts.Provider.BuildArgs(promptPath, opts.Model)...)
		streaming = opts.Provider.StreamJSON()
	}
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, streaming
}

func writePromptFile(opts Options) (string, error) {
	dir := opts.LogDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create invocation directory: %w", err)
	}
	path := filepath.Join(dir, "prompt-"+uuid.NewString()+".md")
	if err := os.WriteFile(path, []byte(opts.Prompt), 0600); err != nil {
		return "", fmt.Errorf("failed to write prompt file: %w", err)
	}
	return path, nil
}

// openInvocationLog opens the raw-output log for an invocation. Log failures
// never abort the run.
func openInvocationLog(dir string, invID int64) *os.File {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%d.log", invID)),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil
	}
	return f
}

// InvocationLogPath returns where an invocation's raw log lives.
func InvocationLogPath(dir string, invID int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.log", invID))
}

func readChunks(r io.Reader, buf *capBuffer, log io.Writer, mirror io.Writer, activity func()) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			activity()
			buf.Write(chunk[:n])
			if log != nil {
				_, _ = log.Write(chunk[:n])
			}
			if mirror != nil {
				_, _ = mirror.Write(chunk[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

func readLines(r io.Reader, log io.Writer, mirror io.Writer, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxCaptureBytes+1024)
	for sc.Scan() {
		line := sc.Text()
		if log != nil {
			_, _ = io.WriteString(log, line+"\n")
		}
		if mirror != nil {
			_, _ = io.WriteString(mirror, line+"\n")
		}
		onLine(line)
	}
}

func mirrorOut(opts Options) io.Writer {
	if opts.StreamToStdio {
		return os.Stdout
	}
	return nil
}

func mirrorErr(opts Options) io.Writer {
	if opts.StreamToStdio {
		return os.Stderr
	}
	return nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func firstKB(s string) string {
	if len(s) > 1024 {
		return s[:1024]
	}
	return s
}
