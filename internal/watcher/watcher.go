// Package watcher monitors the vault tree and feeds changed files through
// the index layer incrementally.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/contextvault/contextvault/internal/index"
	"github.com/contextvault/contextvault/internal/tenant"
)

// debounceDelay batches rapid editor writes into one reindex of each path.
const debounceDelay = 2 * time.Second

// Watch blocks, reindexing files as they change, until ctx is done.
func Watch(ctx context.Context, tc *tenant.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dirs := walkDirs(tc.VaultRoot)
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			log.Warn().Str("dir", d).Err(err).Msg("could not watch directory")
		}
	}
	log.Info().Int("dirs", len(dirs)).Str("vault", tc.VaultRoot).Msg("watching vault")

	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
		timer   *time.Timer
	)

	flush := func() {
		mu.Lock()
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]bool)
		mu.Unlock()

		for _, p := range paths {
			if err := index.ReindexPath(tc, p); err != nil {
				log.Warn().Str("path", p).Err(err).Msg("incremental reindex failed")
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// New directories need their own watch.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if !skippable(filepath.Base(ev.Name)) {
						_ = w.Add(ev.Name)
					}
					continue
				}
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) ||
				ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				mu.Lock()
				pending[ev.Name] = true
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceDelay, flush)
				mu.Unlock()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func skippable(name string) bool {
	return strings.HasPrefix(name, ".")
}

func walkDirs(root string) []string {
	var dirs []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && skippable(d.Name()) {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs
}
