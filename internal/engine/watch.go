package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 100 * time.Millisecond

// Reload reads the policy at path and installs it. An invalid file leaves the
// active policy in place.
func (e *RuleEngine) Reload(path string) error {
	p, err := LoadPolicy(path)
	if err != nil {
		return fmt.Errorf("Reload: %w", err)
	}
	e.SetPolicy(p)
	e.logger.Info("guard policy loaded",
		zap.String("path", path),
		zap.String("mode", p.Mode.String()),
		zap.Int("actions", len(p.Actions)),
	)
	return nil
}

// WatchPolicy reloads the policy whenever the file at path changes, until ctx
// is done. The containing directory is watched so editors that replace the
// file by rename are picked up.
func (e *RuleEngine) WatchPolicy(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("WatchPolicy: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("WatchPolicy: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("WatchPolicy: %w", err)
	}
	name := filepath.Base(abs)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := e.Reload(abs); err != nil {
					e.logger.Error("policy reload failed, keeping previous policy", zap.Error(err))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}
