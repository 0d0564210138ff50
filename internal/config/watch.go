package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settle is how long to wait after the last write before rereading, since
// editors often save in several steps.
const settle = 200 * time.Millisecond

// Watch rereads the file at path whenever it changes and hands the result
// to onChange. It returns when ctx is done. Files that fail to parse are
// logged and skipped.
func Watch(ctx context.Context, path string, logger *zap.SugaredLogger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Warnf("failed to close config watcher: %v", err)
		}
	}()

	// Watch the directory so renames over the file are seen.
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("config watcher closed unexpectedly")
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(settle)
			}
		case <-timer.C:
			cfg, err := LoadFile(path)
			if err != nil {
				logger.Warnf("Ignoring config change: %v", err)
				continue
			}
			logger.Infof("Reloaded config from %s", path)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("config watcher closed unexpectedly")
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}
