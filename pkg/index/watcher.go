package index

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// Watcher feeds filesystem changes under a workspace's canonical
// directories into a SyncWorker. It exists for writes the server did
// not make itself: a human editing a task file, an external tool
// appending events. Server-side writes notify the worker directly.
type Watcher struct {
	ws     *workspace.Workspace
	worker *SyncWorker
	fw     *fsnotify.Watcher
	logger zerolog.Logger
	doneCh chan struct{}
}

func NewWatcher(ws *workspace.Workspace, worker *SyncWorker) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		ws:     ws,
		worker: worker,
		fw:     fw,
		logger: log.WithComponent("index-watcher").With().Str("workspace", ws.Root()).Logger(),
		doneCh: make(chan struct{}),
	}
	if err := w.addCanonicalDirs(); err != nil {
		fw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

// Close stops the watch loop. Pending notifications stay queued in the
// sync worker.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.doneCh
	return err
}

// addCanonicalDirs walks the directories whose contents project into
// the index. New directories created later are added from Create
// events in the loop.
func (w *Watcher) addCanonicalDirs() error {
	roots := []string{
		filepath.Join(w.ws.Root(), "org", "teams"),
		filepath.Join(w.ws.Root(), "org", "agents"),
		filepath.Join(w.ws.Root(), "work", "projects"),
		w.ws.ReviewsDir(),
	}
	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.Contains(base, ".tmp-") {
		return true
	}
	// worktrees churn constantly and never project into the index
	rel, err := w.ws.Rel(path)
	if err != nil {
		return true
	}
	if strings.HasPrefix(rel, ".local/") || rel == ".local" {
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "worktree" || part == "outputs" {
			return true
		}
	}
	return false
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.fw.Add(ev.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", ev.Name).Msg("Failed to extend watch set")
					}
				}
			}
			w.worker.Notify(w.ws)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}
