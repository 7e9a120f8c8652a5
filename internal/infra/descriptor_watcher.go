package infra

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
)

// DescriptorWatcher invalidates a descriptor index whenever a plist is
// created, written, removed or renamed in one of the watched directories.
type DescriptorWatcher struct {
	index   domain.DescriptorLookup
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	watched []string
}

// NewDescriptorWatcher watches every existing directory of dirs.
// Missing directories are skipped.
func NewDescriptorWatcher(index domain.DescriptorLookup, dirs []PlistDir, logger *zap.Logger) (*DescriptorWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &DescriptorWatcher{index: index, watcher: fsw, logger: logger}
	for _, dir := range dirs {
		if _, err := os.Stat(dir.Path); err != nil {
			continue
		}
		if err := fsw.Add(dir.Path); err != nil {
			logger.Warn("failed to watch plist directory",
				zap.String("dir", dir.Path),
				zap.Error(err))
			continue
		}
		w.watched = append(w.watched, dir.Path)
	}
	return w, nil
}

// Watched returns the directories actually being watched.
func (w *DescriptorWatcher) Watched() []string {
	return append([]string(nil), w.watched...)
}

// Run processes events until ctx is canceled, then closes the watcher.
func (w *DescriptorWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.logger.Info("descriptor watcher started", zap.Strings("dirs", w.watched))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("descriptor watcher stopping")
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("descriptor watcher error", zap.Error(err))
		}
	}
}

func (w *DescriptorWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".plist") {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	w.logger.Debug("plist changed",
		zap.String("path", event.Name),
		zap.Stringer("op", event.Op))
	w.index.Invalidate()
}
