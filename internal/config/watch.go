package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies when the project config file changes on disk. The
// credit-pause loop uses it so that `config set ai.coder.provider ...` is
// noticed without re-parsing the file on every tick.
// Falls back to mtime polling when fsnotify is unavailable.
type Watcher struct {
	cfg         *Config
	watcher     *fsnotify.Watcher
	pollingMode bool
	lastModTime time.Time
	changed     chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewWatcher starts watching the project config file. The parent directory
// is watched too so the watcher catches the file being created.
func NewWatcher(cfg *Config) (*Watcher, error) {
	w := &Watcher{
		cfg:     cfg,
		changed: make(chan struct{}, 1),
	}
	path := cfg.ProjectConfigPath()
	if stat, err := os.Stat(path); err == nil {
		w.lastModTime = stat.ModTime()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.pollingMode = true
		return w, nil
	}
	w.watcher = fw
	if err := fw.Add(filepath.Dir(path)); err != nil {
		// Directory may not exist yet; poll instead.
		_ = fw.Close()
		w.watcher = nil
		w.pollingMode = true
	}
	return w, nil
}

// Changed returns a channel that receives a signal after the config file is
// written. Coalesced: at most one pending signal.
func (w *Watcher) Changed() <-chan struct{} { return w.changed }

// Start begins delivering change signals until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if w.pollingMode {
			w.pollLoop(ctx)
			return
		}
		w.eventLoop(ctx)
	}()
}

func (w *Watcher) eventLoop(ctx context.Context) {
	target := w.cfg.ProjectConfigPath()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.signal()
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.cfg.ProjectConfigPath())
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastModTime) {
				w.lastModTime = stat.ModTime()
				w.signal()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) signal() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
