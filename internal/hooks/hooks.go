// Package hooks fans observable state transitions out to operator-supplied
// scripts and HTTPS webhooks. Dispatch is fire-and-forget: hook failures are
// logged and never influence the loop.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event names emitted by the core.
const (
	EventTaskCreated      = "task.created"
	EventTaskUpdated      = "task.updated"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventSectionCompleted = "section.completed"
	EventHealthChanged    = "health.changed"
	EventHealthCritical   = "health.critical"
	EventDisputeCreated   = "dispute.created"
	EventDisputeResolved  = "dispute.resolved"
	EventCreditExhausted  = "credit.exhausted"
	EventCreditResolved   = "credit.resolved"
)

// scriptTimeout bounds each hook script run.
const scriptTimeout = 10 * time.Second

// Payload is the structured event sent to every hook.
type Payload struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Project   string         `json:"project"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Dispatcher delivers events to the hooks directory and configured webhooks.
type Dispatcher struct {
	projectPath string
	hooksDir    string
	webhooks    []string
	client      *http.Client
	logger      *log.Logger
	wg          sync.WaitGroup
}

// New builds a dispatcher. hooksDir may not exist; webhooks may be empty.
func New(projectPath, hooksDir string, webhooks []string, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Dispatcher{
		projectPath: projectPath,
		hooksDir:    hooksDir,
		webhooks:    webhooks,
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
	}
}

// Fire dispatches one event in the background and returns immediately.
func (d *Dispatcher) Fire(event string, fields map[string]any) {
	payload := Payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Project:   d.projectPath,
		Fields:    fields,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Printf("hook payload for %s did not marshal: %v", event, err)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runScripts(event, body)
		d.postWebhooks(event, body)
	}()
}

// Wait blocks until in-flight dispatches finish. Called on shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// runScripts executes every executable in the hooks directory with the event
// name as its argument and the payload on stdin.
func (d *Dispatcher) runScripts(event string, body []byte) {
	if d.hooksDir == "" {
		return
	}
	entries, err := os.ReadDir(d.hooksDir)
	if err != nil {
		return // no hooks dir is the common case
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode()&0111 == 0 {
			continue
		}
		path := filepath.Join(d.hooksDir, entry.Name())
		ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
		cmd := exec.CommandContext(ctx, path, event)
		cmd.Stdin = bytes.NewReader(body)
		cmd.Dir = d.projectPath
		if out, err := cmd.CombinedOutput(); err != nil {
			d.logger.Printf("hook %s failed for %s: %v: %s",
				entry.Name(), event, err, strings.TrimSpace(string(out)))
		}
		cancel()
	}
}

// postWebhooks POSTs the payload to each configured HTTPS endpoint.
func (d *Dispatcher) postWebhooks(event string, body []byte) {
	for _, url := range d.webhooks {
		if !strings.HasPrefix(url, "https://") {
			d.logger.Printf("webhook %s skipped: only https endpoints are allowed", url)
			continue
		}
		resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("webhook %s failed for %s: %v", url, event, err)
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			d.logger.Printf("webhook %s returned %d for %s", url, resp.StatusCode, event)
		}
	}
}
