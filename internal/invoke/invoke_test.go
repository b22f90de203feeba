package invoke

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steroids-dev/steroids/internal/provider"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

func TestParseDecision(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Decision
	}{
		{"approve", "looks good\nDECISION: APPROVE\n", DecisionApprove},
		{"reject", "DECISION: REJECT\nmissing tests", DecisionReject},
		{"none", "I could not reach a verdict", DecisionNone},
		{"last match wins", "DECISION: APPROVE\nactually no\nDECISION: REJECT\n", DecisionReject},
		{"case insensitive", "decision: approve", DecisionApprove},
		{"leading whitespace", "   DECISION: REJECT", DecisionReject},
		{"mid-line mention ignored", "the format is DECISION: APPROVE on its own line", DecisionNone},
		{"word boundary blocks APPROVED", "DECISION: APPROVED", DecisionNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseDecision(tc.in); got != tc.want {
				t.Fatalf("ParseDecision(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCapBuffer(t *testing.T) {
	t.Run("stores up to the cap", func(t *testing.T) {
		var b capBuffer
		chunk := strings.Repeat("x", 1<<20)
		for i := 0; i < 4; i++ {
			n, err := b.Write([]byte(chunk))
			if err != nil || n != len(chunk) {
				t.Fatalf("write %d: n=%d err=%v", i, n, err)
			}
		}
		if got := len(b.String()); got != MaxCaptureBytes {
			t.Fatalf("stored %d bytes, want %d", got, MaxCaptureBytes)
		}
	})

	t.Run("replace resets and caps", func(t *testing.T) {
		var b capBuffer
		b.Write([]byte("early output"))
		b.Replace("final")
		if got := b.String(); got != "final" {
			t.Fatalf("buffer = %q, want final", got)
		}
		b.Replace(strings.Repeat("y", MaxCaptureBytes+10))
		if got := len(b.String()); got != MaxCaptureBytes {
			t.Fatalf("replace stored %d bytes, want %d", got, MaxCaptureBytes)
		}
	})
}

func TestStreamDecoder(t *testing.T) {
	decode := func(lines ...string) (string, int) {
		var out capBuffer
		events := 0
		d := newStreamDecoder(&out, func() { events++ })
		for _, l := range lines {
			d.Line(l)
		}
		d.Finish()
		return out.String(), events
	}

	t.Run("message text accumulates", func(t *testing.T) {
		got, events := decode(
			`{"type":"message","content":"hello "}`,
			`{"type":"message","text":"world"}`,
		)
		if got != "hello world" {
			t.Fatalf("output = %q", got)
		}
		if events != 2 {
			t.Fatalf("events = %d, want 2", events)
		}
	})

	t.Run("tool calls count as activity only", func(t *testing.T) {
		got, events := decode(
			`{"type":"message","content":"a"}`,
			`{"type":"tool_call","name":"bash"}`,
		)
		if got != "a" {
			t.Fatalf("output = %q, tool chatter leaked in", got)
		}
		if events != 2 {
			t.Fatalf("events = %d, want 2", events)
		}
	})

	t.Run("result replaces accumulated text", func(t *testing.T) {
		got, _ := decode(
			`{"type":"message","content":"thinking..."}`,
			`{"type":"result","result":"the answer"}`,
		)
		if got != "the answer" {
			t.Fatalf("output = %q, want result to win", got)
		}
	})

	t.Run("malformed lines pass through raw", func(t *testing.T) {
		got, _ := decode(`not json at all`)
		if got != "not json at all\n" {
			t.Fatalf("output = %q", got)
		}
	})

	t.Run("blank lines are activity only", func(t *testing.T) {
		got, events := decode("", "  ")
		if got != "" {
			t.Fatalf("output = %q, want empty", got)
		}
		if events != 2 {
			t.Fatalf("events = %d, want 2", events)
		}
	})
}

// shProvider drives /bin/sh so supervisor tests exercise a real child process.
type shProvider struct {
	script    string
	streaming bool
}

func (p *shProvider) Name() string                   { return "sh" }
func (p *shProvider) Command() string                { return "/bin/sh" }
func (p *shProvider) BuildArgs(_, _ string) []string { return []string{"-c", p.script} }
func (p *shProvider) StreamJSON() bool               { return p.streaming }
func (p *shProvider) IsAvailable() bool              { return true }
func (p *shProvider) DefaultModel(types.Role) string { return "test" }
func (p *shProvider) ListModels() []string           { return []string{"test"} }
func (p *shProvider) Classify(res provider.Result) provider.Classification {
	return provider.Classification{Type: provider.FailureUnknown, Message: res.Stderr}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), sqlite.OpenOptions{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.CreateTask(context.Background(), &types.Task{ID: "t1", Title: "t1"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return New(store), store
}

func TestSupervisorRun(t *testing.T) {
	ctx := context.Background()

	t.Run("successful run records invocation", func(t *testing.T) {
		sup, store := newTestSupervisor(t)
		out, err := sup.Run(ctx, Options{
			TaskID:   "t1",
			Role:     types.RoleCoder,
			Provider: &shProvider{script: "echo done"},
			Prompt:   "do the thing",
		})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !out.Success || out.ExitCode != 0 || strings.TrimSpace(out.Stdout) != "done" {
			t.Fatalf("outcome = %+v", out)
		}
		inv, err := store.LatestInvocation(ctx, "t1")
		if err != nil {
			t.Fatalf("latest invocation: %v", err)
		}
		if inv == nil || inv.ID != out.InvocationID || inv.Status != types.InvocationCompleted {
			t.Fatalf("invocation row = %+v", inv)
		}
	})

	t.Run("nonzero exit marks failure", func(t *testing.T) {
		sup, store := newTestSupervisor(t)
		out, err := sup.Run(ctx, Options{
			TaskID:   "t1",
			Role:     types.RoleCoder,
			Provider: &shProvider{script: "echo oops >&2; exit 3"},
			Prompt:   "p",
		})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Success || out.ExitCode != 3 || !strings.Contains(out.Stderr, "oops") {
			t.Fatalf("outcome = %+v", out)
		}
		inv, err := store.LatestInvocation(ctx, "t1")
		if err != nil {
			t.Fatalf("latest invocation: %v", err)
		}
		if inv.Status != types.InvocationFailed || !strings.Contains(inv.Error, "oops") {
			t.Fatalf("invocation row = %+v", inv)
		}
	})

	t.Run("silent process is killed by the watchdog", func(t *testing.T) {
		sup, store := newTestSupervisor(t)
		start := time.Now()
		out, err := sup.Run(ctx, Options{
			TaskID:          "t1",
			Role:            types.RoleCoder,
			Provider:        &shProvider{script: "sleep 30"},
			Prompt:          "p",
			ActivityTimeout: 300 * time.Millisecond,
			KillGrace:       200 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !out.TimedOut || out.Success {
			t.Fatalf("outcome = %+v, want timed out", out)
		}
		if elapsed := time.Since(start); elapsed > 10*time.Second {
			t.Fatalf("watchdog took %v to act", elapsed)
		}
		inv, err := store.LatestInvocation(ctx, "t1")
		if err != nil {
			t.Fatalf("latest invocation: %v", err)
		}
		if inv.Status != types.InvocationTimeout {
			t.Fatalf("invocation status = %s, want timeout", inv.Status)
		}
	})

	t.Run("output resets the watchdog", func(t *testing.T) {
		sup, _ := newTestSupervisor(t)
		// Emits every 200ms for ~1s; a 500ms no-output window must not fire.
		out, err := sup.Run(ctx, Options{
			TaskID:          "t1",
			Role:            types.RoleCoder,
			Provider:        &shProvider{script: "for i in 1 2 3 4 5; do echo tick; sleep 0.2; done"},
			Prompt:          "p",
			ActivityTimeout: 500 * time.Millisecond,
			KillGrace:       200 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.TimedOut || !out.Success {
			t.Fatalf("outcome = %+v, want clean finish", out)
		}
	})

	t.Run("cancellation kills the child", func(t *testing.T) {
		sup, _ := newTestSupervisor(t)
		runCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(200 * time.Millisecond)
			cancel()
		}()
		out, err := sup.Run(runCtx, Options{
			TaskID:    "t1",
			Role:      types.RoleCoder,
			Provider:  &shProvider{script: "sleep 30"},
			Prompt:    "p",
			KillGrace: 200 * time.Millisecond,
		})
		if !errors.Is(err, types.ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
		if out == nil || out.Success {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("streaming json is decoded", func(t *testing.T) {
		sup, _ := newTestSupervisor(t)
		script := `printf '%s\n' '{"type":"message","content":"working"}' '{"type":"result","result":"final answer"}'`
		out, err := sup.Run(ctx, Options{
			TaskID:   "t1",
			Role:     types.RoleReviewer,
			Provider: &shProvider{script: script, streaming: true},
			Prompt:   "p",
		})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Stdout != "final answer" {
			t.Fatalf("stdout = %q, want the result event to replace it", out.Stdout)
		}
	})

	t.Run("shell template overrides provider argv", func(t *testing.T) {
		sup, _ := newTestSupervisor(t)
		out, err := sup.Run(ctx, Options{
			TaskID:        "t1",
			Role:          types.RoleCoder,
			Provider:      &shProvider{script: "echo wrong"},
			Model:         "m1",
			Prompt:        "p",
			ShellTemplate: "echo model={model} prompt={prompt}",
		})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !strings.Contains(out.Stdout, "model=m1") || !strings.Contains(out.Stdout, "prompt=") {
			t.Fatalf("stdout = %q, placeholders not substituted", out.Stdout)
		}
	})

	t.Run("missing provider fails fast", func(t *testing.T) {
		sup, _ := newTestSupervisor(t)
		_, err := sup.Run(ctx, Options{
			TaskID:   "t1",
			Role:     types.RoleCoder,
			Provider: provider.Get("no-such-cli"),
			Prompt:   "p",
		})
		if !errors.Is(err, types.ErrProviderMissing) {
			t.Fatalf("err = %v, want ErrProviderMissing", err)
		}
	})

	t.Run("raw output lands in the invocation log", func(t *testing.T) {
		sup, _ := newTestSupervisor(t)
		dir := t.TempDir()
		out, err := sup.Run(ctx, Options{
			TaskID:   "t1",
			Role:     types.RoleReviewer,
			Provider: &shProvider{script: "echo 'DECISION: APPROVE'"},
			Prompt:   "p",
			LogDir:   dir,
		})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		data, err := readFile(InvocationLogPath(dir, out.InvocationID))
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		if ParseDecision(data) != DecisionApprove {
			t.Fatalf("log content = %q, verdict not recoverable", data)
		}
	})
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

func TestExitCodeOf(t *testing.T) {
	if got := exitCodeOf(nil); got != 0 {
		t.Fatalf("nil err = %d, want 0", got)
	}
	if got := exitCodeOf(errors.New("not an exit error")); got != -1 {
		t.Fatalf("plain err = %d, want -1", got)
	}
}
