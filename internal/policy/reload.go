package policy

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/openclaw/runbox/internal/logging"
)

// Watcher hot-reloads policy tables when the override file changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch loads the policy file into p and reloads it on every write. A file
// that fails to parse keeps the previously loaded tables.
func Watch(p *Policy, path string, logger *logging.Logger) (*Watcher, error) {
	tables, err := LoadTables(path)
	if err != nil {
		return nil, err
	}
	p.SetTables(tables)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than writing in place.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				tables, err := LoadTables(path)
				if err != nil {
					logger.Warn("policy reload failed", map[string]interface{}{
						"path":  path,
						"error": err.Error(),
					})
					continue
				}
				p.SetTables(tables)
				logger.Info("policy reloaded", map[string]interface{}{"path": path})
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
