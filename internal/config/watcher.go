package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceReload is overridable in tests, matching the teacher's
// watcher package pattern of package-level debounce vars that tests
// zero out rather than sleeping through the real interval.
var debounceReload = 300 * time.Millisecond

// Watcher watches a single file for writes and, after debouncing,
// invokes onChange. It is grounded on the teacher's ConfigWatcher
// (internal/config's fsnotify-driven .env/api-tokens watcher) but
// narrowed to one file and one callback, since sentryctl has exactly
// one file an operator hot-swaps at runtime: the Tool Registry's
// override tooldefs.yaml.
type Watcher struct {
	fsw      *fsnotify.Watcher
	path     string
	onChange func()

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// NewWatcher watches path's containing directory (fsnotify cannot watch
// a not-yet-existing file directly, and editors commonly replace a file
// via rename-into-place) and calls onChange after a debounce window
// following any write or create event naming path.
func NewWatcher(path string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{fsw: fsw, path: filepath.Clean(path), onChange: onChange, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config: watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceReload, w.onChange)
}

// Stop releases the underlying fsnotify watch. Safe to call once.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
}
