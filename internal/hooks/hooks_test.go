package hooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFireRunsExecutableScripts(t *testing.T) {
	project := t.TempDir()
	hooksDir := t.TempDir()
	outFile := filepath.Join(t.TempDir(), "seen")

	script := "#!/bin/sh\necho \"$1\" >> " + outFile + "\ncat >> " + outFile + "\n"
	if err := os.WriteFile(filepath.Join(hooksDir, "notify.sh"), []byte(script), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	// Non-executable files must be ignored.
	if err := os.WriteFile(filepath.Join(hooksDir, "README"), []byte("not a hook"), 0644); err != nil {
		t.Fatalf("write readme: %v", err)
	}

	d := New(project, hooksDir, nil, nil)
	d.Fire(EventTaskCompleted, map[string]any{"task_id": "t1"})
	d.Wait()

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, EventTaskCompleted) {
		t.Fatalf("event name not passed as argv[1]: %q", got)
	}
	if !strings.Contains(got, `"task_id":"t1"`) {
		t.Fatalf("payload not delivered on stdin: %q", got)
	}
	if strings.Contains(got, "not a hook") {
		t.Fatalf("non-executable file ran: %q", got)
	}
}

func TestFireSurvivesMissingHooksDir(t *testing.T) {
	d := New(t.TempDir(), filepath.Join(t.TempDir(), "does-not-exist"), nil, nil)
	d.Fire(EventTaskUpdated, nil)
	d.Wait()
}

func TestWebhooks(t *testing.T) {
	t.Run("payload is posted to https endpoints", func(t *testing.T) {
		var mu sync.Mutex
		var bodies []Payload
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			var p Payload
			if err := json.Unmarshal(data, &p); err != nil {
				t.Errorf("bad payload: %v", err)
			}
			mu.Lock()
			bodies = append(bodies, p)
			mu.Unlock()
		}))
		defer srv.Close()

		d := New("/proj", "", []string{srv.URL}, nil)
		d.client = srv.Client()
		d.Fire(EventCreditExhausted, map[string]any{"provider": "claude"})
		d.Wait()

		mu.Lock()
		defer mu.Unlock()
		if len(bodies) != 1 {
			t.Fatalf("received %d posts, want 1", len(bodies))
		}
		p := bodies[0]
		if p.Event != EventCreditExhausted || p.Project != "/proj" {
			t.Fatalf("payload = %+v", p)
		}
		if p.Fields["provider"] != "claude" {
			t.Fatalf("fields = %+v", p.Fields)
		}
		if p.Timestamp.IsZero() || time.Since(p.Timestamp) > time.Minute {
			t.Fatalf("timestamp = %v", p.Timestamp)
		}
	})

	t.Run("plain http endpoints are refused", func(t *testing.T) {
		hit := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hit = true
		}))
		defer srv.Close()

		d := New("/proj", "", []string{srv.URL}, nil)
		d.Fire(EventTaskFailed, nil)
		d.Wait()
		if hit {
			t.Fatal("http endpoint received a post")
		}
	})
}

