package calendar

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns filesystem changes to ICS calendar files into a change
// stream of calendar ids. Parent directories are watched rather than the
// files themselves so the temp-then-rename swap used for write-back is
// still observed.
//
// Delivery is best effort: when the channel is full the notification is
// dropped, since any later reconciliation pass reads the whole file anyway.
type Watcher struct {
	fs     *fsnotify.Watcher
	logger *slog.Logger

	// byPath maps a cleaned absolute file path to its calendar id.
	byPath map[string]string

	events chan string

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher watches the given calendar files and reports which calendar
// changed on the returned Watcher's channel.
func NewWatcher(files []File, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("calendar: watcher: %w", err)
	}
	w := &Watcher{
		fs:     fw,
		logger: logger,
		byPath: map[string]string{},
		events: make(chan string, 16),
		done:   make(chan struct{}),
	}
	dirs := map[string]bool{}
	for _, f := range files {
		abs, err := filepath.Abs(f.Path)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("calendar: watcher: %w", err)
		}
		w.byPath[abs] = f.ID
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("calendar: watch %s: %w", dir, err)
		}
	}
	go w.run()
	return w, nil
}

// Changes is the stream of calendar ids whose file changed.
func (w *Watcher) Changes() <-chan string { return w.events }

// Close stops watching and closes the change stream.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.events)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			id, ok := w.byPath[abs]
			if !ok {
				continue
			}
			select {
			case w.events <- id:
			default:
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("calendar watch error", "err", err)
		}
	}
}
