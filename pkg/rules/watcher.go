package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// LoadFile reads a JSON array of rules.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rs []Rule
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return rs, nil
}

// ApplyFile upserts every rule in path. Invalid rules are logged and
// skipped; the count of applied rules is returned.
func ApplyFile(ctx context.Context, store Store, path string, logger *logrus.Logger) (int, error) {
	rs, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, r := range rs {
		if _, err := store.UpsertRule(ctx, r); err != nil {
			logger.WithError(err).WithField("rule_id", r.ID).Warn("Ignoring invalid rule from rules file")
			continue
		}
		applied++
	}
	logger.WithFields(logrus.Fields{
		"path":    path,
		"applied": applied,
		"total":   len(rs),
	}).Info("Applied rules file")
	return applied, nil
}

// FileWatcher re-applies a rules file whenever it changes on disk.
type FileWatcher struct {
	path     string
	store    Store
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	reloads  chan struct{}
	onReload func(applied int)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

// NewFileWatcher creates a watcher for path. onReload may be nil.
func NewFileWatcher(path string, store Store, logger *logrus.Logger, onReload func(applied int)) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &FileWatcher{
		path:     path,
		store:    store,
		logger:   logger,
		watcher:  w,
		debounce: 500 * time.Millisecond,
		reloads:  make(chan struct{}, 1),
		onReload: onReload,
	}, nil
}

// Start watches the file and its directory, so editors that replace the
// file by rename are still noticed.
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.started {
		return fmt.Errorf("rules watcher already started")
	}
	if err := fw.watcher.Add(filepath.Dir(fw.path)); err != nil {
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}

	ctx, fw.cancel = context.WithCancel(ctx)
	fw.started = true
	fw.done.Add(2)
	go fw.watchFiles(ctx)
	go fw.handleReloads(ctx)

	fw.logger.WithField("path", fw.path).Info("Rules file watcher started")
	return nil
}

// Stop closes the watcher and waits for its goroutines.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.started {
		fw.mu.Unlock()
		return nil
	}
	fw.started = false
	fw.cancel()
	err := fw.watcher.Close()
	fw.mu.Unlock()

	fw.done.Wait()
	return err
}

func (fw *FileWatcher) watchFiles(ctx context.Context) {
	defer fw.done.Done()

	target := filepath.Clean(fw.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case fw.reloads <- struct{}{}:
			default:
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Rules file watcher error")
		}
	}
}

func (fw *FileWatcher) handleReloads(ctx context.Context) {
	defer fw.done.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.reloads:
			// Editors often write in several steps.
			select {
			case <-ctx.Done():
				return
			case <-time.After(fw.debounce):
			}
			select {
			case <-fw.reloads:
			default:
			}

			applied, err := ApplyFile(ctx, fw.store, fw.path, fw.logger)
			if err != nil {
				fw.logger.WithError(err).Error("Rules file reload failed")
				continue
			}
			if fw.onReload != nil {
				fw.onReload(applied)
			}
		}
	}
}
