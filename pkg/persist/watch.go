package persist

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// externalEditGrace is how long after our own Persist a file event is
// still attributed to us.
const externalEditGrace = 2 * time.Second

// Watch warns when a persisted ruleset file is modified outside this
// session. Concurrent mutation of the ruleset is out of contract; the
// watcher cannot prevent it, only make it visible to the operator.
// It runs until the context is cancelled.
func (p *Persister) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create ruleset watcher: %w", err)
	}

	// Watch the directories: the files may not exist yet, and editors
	// replace files rather than writing in place.
	dirs := make(map[string]bool)
	for _, t := range p.targets {
		dirs[filepath.Dir(t.Path)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !p.isTarget(event.Name) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if p.savedRecently(externalEditGrace) {
					continue
				}
				p.logger.Warn("ruleset file changed outside this session",
					zap.String("path", event.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("ruleset watcher error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (p *Persister) isTarget(path string) bool {
	for _, t := range p.targets {
		if t.Path == path {
			return true
		}
	}
	return false
}
