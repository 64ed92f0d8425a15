package devserver

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/cryguy/flaredeck/internal/dashboard"
)

// debounceWindow coalesces editor save bursts into one rebuild.
const debounceWindow = 500 * time.Millisecond

var watchedExtensions = map[string]bool{
	".js":    true,
	".mjs":   true,
	".cjs":   true,
	".ts":    true,
	".jsx":   true,
	".tsx":   true,
	".toml":  true,
	".json":  true,
	".jsonc": true,
}

var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".flaredeck":   true,
}

// watch rebundles on source changes until ctx is cancelled. Bundle
// failures are published to the log hub and keep the previous bundle
// serving.
func (s *Server) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("file watching disabled", zap.Error(err))
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := addWatchTree(watcher, s.opts.Dir); err != nil {
		s.logger.Warn("file watching disabled", zap.Error(err))
		return
	}

	debounce := time.NewTimer(debounceWindow)
	if !debounce.Stop() {
		<-debounce.C
	}
	dirty := false

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				// New directories need their own watch.
				if base := filepath.Base(event.Name); !skippedDirs[base] {
					_ = addWatchTree(watcher, event.Name)
				}
			}
			if !watchedExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			if !dirty {
				dirty = true
				debounce.Reset(debounceWindow)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file watcher error", zap.Error(err))

		case <-debounce.C:
			dirty = false
			s.reload()
		}
	}
}

// reload rebundles and announces the result on the log hub.
func (s *Server) reload() {
	s.logger.Info("source changed, rebundling")
	if err := s.rebuild(); err != nil {
		s.logger.Warn("rebundle failed", zap.Error(err))
		s.hub.Publish(dashboard.Event{
			Type:    "error",
			Message: err.Error(),
			Source:  "watch",
		})
		return
	}
	s.hub.Publish(dashboard.Event{
		Type:    "reload",
		Message: "bundle updated",
		Source:  "watch",
	})
}

// addWatchTree watches dir and every subdirectory under it, skipping
// dependency and state directories.
func addWatchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
