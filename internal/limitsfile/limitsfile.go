// Package limitsfile loads admission limits from a YAML file and reloads them
// when the file changes, so operators can resize capacity without a restart.
//
//	max_active_sessions: 40
//	avg_session_duration: 20m
//
// Omitted or zero fields leave the running value unchanged.
package limitsfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Limits is the decoded file.
type Limits struct {
	MaxActiveSessions  int           `yaml:"max_active_sessions"`
	AvgSessionDuration time.Duration `yaml:"avg_session_duration"`
}

// Load reads and validates the limits file at path.
func Load(path string) (Limits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, err
	}
	var l Limits
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return Limits{}, fmt.Errorf("limitsfile: parse %s: %w", path, err)
	}
	if l.MaxActiveSessions < 0 {
		return Limits{}, fmt.Errorf("limitsfile: max_active_sessions must not be negative, got %d", l.MaxActiveSessions)
	}
	if l.AvgSessionDuration < 0 {
		return Limits{}, fmt.Errorf("limitsfile: avg_session_duration must not be negative, got %s", l.AvgSessionDuration)
	}
	return l, nil
}

// Watch calls onChange with the file's limits once at start and again after
// every change, until ctx is done. The parent directory is watched so that
// editors which replace the file by rename are picked up. Unreadable or
// invalid contents are logged and skipped; the previous limits stay in force.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func(Limits)) error {
	if log == nil {
		log = slog.Default()
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("limitsfile: watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("limitsfile: watch %s: %w", filepath.Dir(path), err)
	}

	reload := func() {
		l, err := Load(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.WarnContext(ctx, "limits.reload.err", slog.String("path", path), slog.String("err", err.Error()))
			}
			return
		}
		log.InfoContext(ctx, "limits.reload",
			slog.String("path", path),
			slog.Int("max_active_sessions", l.MaxActiveSessions),
			slog.Duration("avg_session_duration", l.AvgSessionDuration))
		onChange(l)
	}
	reload()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			reload()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "limits.watch.err", slog.String("err", err.Error()))
		}
	}
}
