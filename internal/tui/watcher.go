package tui

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the safety-net reload period used alongside fsnotify
// and on its own when file notifications are unavailable.
const DefaultPollInterval = 5 * time.Second

// Watcher signals whenever the status file may have changed. Signals
// coalesce; receivers reload the file rather than count notifications.
type Watcher struct {
	path    string
	fs      *fsnotify.Watcher
	poll    time.Duration
	changes chan struct{}
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewWatcher watches the directory holding path. The directory is created if
// needed so a watch can start before the session writes its first record.
func NewWatcher(path string, poll time.Duration) (*Watcher, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &Watcher{
		path:    filepath.Clean(path),
		poll:    poll,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if fw, err := fsnotify.NewWatcher(); err == nil {
		if err := fw.Add(dir); err == nil {
			w.fs = fw
		} else {
			_ = fw.Close()
		}
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Changes delivers a signal after each observed change. It is closed by Close.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Notifying reports whether fsnotify is active; false means polling only.
func (w *Watcher) Notifying() bool {
	return w.fs != nil
}

// Close stops watching and closes the Changes channel.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.fs != nil {
			err = w.fs.Close()
		}
		w.wg.Wait()
		close(w.changes)
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.fs != nil {
		events = w.fs.Events
		errs = w.fs.Errors
	}
	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Has(fsnotify.Create) || evt.Has(fsnotify.Write) || evt.Has(fsnotify.Rename) {
				w.signal()
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-ticker.C:
			w.signal()
		}
	}
}

func (w *Watcher) signal() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}
