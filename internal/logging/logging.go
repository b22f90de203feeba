// Package logging provides the runner's rotating file logger. Logs land
// under <project>/.steroids/logs/YYYY-MM-DD/ so a day's runs group together.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the file logger.
type Options struct {
	// Dir is the logs root; a per-day subdirectory is created beneath it.
	Dir string
	// Name is the log file base name, e.g. "runner".
	Name string
	// Echo additionally mirrors log lines to stderr.
	Echo bool
}

// New returns a logger writing to a size-rotated file under today's
// directory. The returned closer flushes the rotation handle.
func New(opts Options) (*log.Logger, io.Closer, error) {
	day := time.Now().Format("2006-01-02")
	dir := filepath.Join(opts.Dir, day)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, opts.Name+".log"),
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	var w io.Writer = rotator
	if opts.Echo {
		w = io.MultiWriter(rotator, os.Stderr)
	}
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds), rotator, nil
}
