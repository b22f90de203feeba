package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want time.Duration
	}{
		{"milliseconds suffix", "250ms", 250 * time.Millisecond},
		{"seconds", "90s", 90 * time.Second},
		{"minutes", "5m", 5 * time.Minute},
		{"hours fractional", "1.5h", 90 * time.Minute},
		{"days", "2d", 48 * time.Hour},
		{"weeks", "1w", 7 * 24 * time.Hour},
		{"bare string is milliseconds", "1500", 1500 * time.Millisecond},
		{"bare int is milliseconds", 2000, 2 * time.Second},
		{"float is milliseconds", 500.0, 500 * time.Millisecond},
		{"native duration passes through", 3 * time.Second, 3 * time.Second},
		{"whitespace tolerated", " 10s ", 10 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDuration(tc.in)
			if err != nil {
				t.Fatalf("ParseDuration(%v): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseDuration(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	t.Run("rejects unknown unit", func(t *testing.T) {
		if _, err := ParseDuration("10y"); err == nil {
			t.Fatal("expected error for unknown unit")
		}
	})
	t.Run("rejects empty string", func(t *testing.T) {
		if _, err := ParseDuration(""); err == nil {
			t.Fatal("expected error for empty duration")
		}
	})
}

func TestParseRetentionDays(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want time.Duration
	}{
		{"bare int is days", 30, 30 * 24 * time.Hour},
		{"bare string is days", "7", 7 * 24 * time.Hour},
		{"suffixed string follows duration rules", "12h", 12 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRetentionDays(tc.in)
			if err != nil {
				t.Fatalf("ParseRetentionDays(%v): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseRetentionDays(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STEROIDS_HOME", t.TempDir())
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := cfg.GetString("ai.coder.provider"); got != "claude" {
		t.Fatalf("ai.coder.provider = %q, want claude", got)
	}
	if got := cfg.GetInt("health.maxRecoveryAttempts"); got != 3 {
		t.Fatalf("health.maxRecoveryAttempts = %d, want 3", got)
	}
	if !cfg.GetBool("health.autoRecover") {
		t.Fatal("health.autoRecover should default to true")
	}
	if got := cfg.GetDuration("health.orphanedTaskTimeout", 0); got != 10*time.Minute {
		t.Fatalf("health.orphanedTaskTimeout = %v, want 10m", got)
	}
	if got := cfg.GetDuration("locking.taskTimeout", 0); got != time.Hour {
		t.Fatalf("locking.taskTimeout = %v, want 1h", got)
	}
	if got := cfg.GetDuration("missing.key", 42*time.Second); got != 42*time.Second {
		t.Fatalf("unset key = %v, want fallback", got)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("STEROIDS_HOME", t.TempDir())
	t.Setenv("STEROIDS_AI_CODER_MODEL", "opus")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.GetString("ai.coder.model"); got != "opus" {
		t.Fatalf("ai.coder.model = %q, want opus", got)
	}
}

func TestProjectOverridesGlobal(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("STEROIDS_HOME", home)

	writeConfig(t, filepath.Join(home, SteroidsDirName, ConfigFileName),
		"ai:\n  coder:\n    provider: gemini\n  reviewer:\n    provider: gemini\n")
	writeConfig(t, filepath.Join(project, SteroidsDirName, ConfigFileName),
		"ai:\n  coder:\n    provider: codex\n")

	cfg, err := Load(project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.GetString("ai.coder.provider"); got != "codex" {
		t.Fatalf("ai.coder.provider = %q, want project value codex", got)
	}
	if got := cfg.GetString("ai.reviewer.provider"); got != "gemini" {
		t.Fatalf("ai.reviewer.provider = %q, want global value gemini", got)
	}
}

func TestSetValueRoundTrip(t *testing.T) {
	t.Setenv("STEROIDS_HOME", t.TempDir())
	project := t.TempDir()

	cfg, err := Load(project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.SetValue("ai.coder.provider", "mistral"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := cfg.SetValue("sections.maxBatchSize", 8); err != nil {
		t.Fatalf("set: %v", err)
	}

	if got := cfg.GetString("ai.coder.provider"); got != "mistral" {
		t.Fatalf("in-memory value = %q, want mistral", got)
	}

	// A fresh load must see the persisted values.
	fresh, err := Load(project)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := fresh.GetString("ai.coder.provider"); got != "mistral" {
		t.Fatalf("persisted value = %q, want mistral", got)
	}
	if got := fresh.GetInt("sections.maxBatchSize"); got != 8 {
		t.Fatalf("persisted maxBatchSize = %d, want 8", got)
	}
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	t.Setenv("STEROIDS_HOME", t.TempDir())
	project := t.TempDir()

	cfg, err := Load(project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.GetString("ai.coder.provider"); got != "claude" {
		t.Fatalf("initial provider = %q, want claude", got)
	}

	writeConfig(t, cfg.ProjectConfigPath(), "ai:\n  coder:\n    provider: gemini\n")
	if err := cfg.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := cfg.GetString("ai.coder.provider"); got != "gemini" {
		t.Fatalf("reloaded provider = %q, want gemini", got)
	}
}

func TestWatcherSignalsOnWrite(t *testing.T) {
	t.Setenv("STEROIDS_HOME", t.TempDir())
	project := t.TempDir()

	cfg, err := Load(project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Directory must exist before the watcher starts.
	writeConfig(t, cfg.ProjectConfigPath(), "ai:\n  coder:\n    provider: claude\n")

	w, err := NewWatcher(cfg)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Start(ctx)

	// Give the event loop a moment to subscribe before writing.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, cfg.ProjectConfigPath(), "ai:\n  coder:\n    provider: gemini\n")

	select {
	case <-w.Changed():
	case <-time.After(3 * time.Second):
		if w.pollingMode {
			t.Skip("fsnotify unavailable; polling interval exceeds test timeout")
		}
		t.Fatal("no change signal after config write")
	}
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
