package workbook

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sqlguard/sqlguard/internal/debug"
	"github.com/sqlguard/sqlguard/internal/errkind"
)

// Guard watches the workbook for external edits during a sync. The sync
// reads annotations at its start and rewrites the workbook at its end; an
// operator saving the file in between would have those edits overwritten,
// so the engine checks the guard before step 8 and aborts the rewrite.
type Guard struct {
	watcher *fsnotify.Watcher
	path    string

	mu    sync.Mutex
	dirty bool
	done  chan struct{}
}

// NewGuard starts watching path's directory. Watching the directory rather
// than the file survives the save-rename dance editors perform.
func NewGuard(path string) (*Guard, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating workbook watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	g := &Guard{watcher: w, path: abs, done: make(chan struct{})}
	go g.loop()
	return g, nil
}

func (g *Guard) loop() {
	defer close(g.done)
	for {
		select {
		case ev, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != g.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debug.Logf("workbook guard: %s %s", ev.Op, ev.Name)
				g.mu.Lock()
				g.dirty = true
				g.mu.Unlock()
			}
		case _, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Check returns ErrWorkbookEditedMidRun when the workbook changed since the
// guard started. The engine itself writes through Suspend.
func (g *Guard) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dirty {
		return fmt.Errorf("%w: %s", errkind.ErrWorkbookEditedMidRun, g.path)
	}
	return nil
}

// Suspend stops watching so the engine's own rewrite does not trip the
// guard. The guard cannot be reused afterwards.
func (g *Guard) Suspend() {
	_ = g.watcher.Close()
	<-g.done
}

// Close releases the watcher.
func (g *Guard) Close() error {
	err := g.watcher.Close()
	<-g.done
	return err
}
