package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// settle collapses the burst of events editors produce for one save.
const settle = 200 * time.Millisecond

// Watch calls fn with the reloaded config whenever the file at path is
// written or replaced. Invalid edits are logged and skipped. Watch returns
// once the watcher is running; it stops when ctx ends.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors that save by rename drop a file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	name := filepath.Clean(path)

	go func() {
		defer w.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					pending = time.After(settle)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("watch error: %v", err)
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("reload %s: %v (keeping previous config)", path, err)
					continue
				}
				log.Infof("reloaded %s", path)
				fn(cfg)
			}
		}
	}()
	return nil
}
