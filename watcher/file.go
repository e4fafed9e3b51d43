// Package watcher notifies a delegate when files change on disk. The fabric
// server uses it to pick up rotated TLS certificates without a restart.
package watcher

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File watches a set of paths and reports rewrites and replacements. Add
// paths first, then run Start on its own goroutine.
type File struct {
	fs       *fsnotify.Watcher
	stopOnce sync.Once
	stopC    chan struct{}
}

func NewFile() (*File, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &File{
		fs:    fs,
		stopC: make(chan struct{}),
	}, nil
}

// Add registers one more path to watch. Watching a directory reports
// changes to every file inside it.
func (f *File) Add(path string) error {
	return f.fs.Add(path)
}

// Shutdown makes Start return. Safe to call more than once, and before
// Start has ever run.
func (f *File) Shutdown() {
	f.stopOnce.Do(func() {
		close(f.stopC)
	})
}

// Start forwards changes on the added paths to notifier until Shutdown.
// Rotations that replace the file count as changes, the same as in-place
// writes.
func (f *File) Start(notifier Listener) {
	defer f.fs.Close()
	for {
		select {
		case <-f.stopC:
			return
		case event, open := <-f.fs.Events:
			if !open {
				return
			}
			if changesContent(event.Op) {
				notifier.WatcherItemDidChange(event.Name)
			}
		case err, open := <-f.fs.Errors:
			if !open {
				return
			}
			notifier.WatcherDidError(err)
		}
	}
}

func changesContent(op fsnotify.Op) bool {
	return op&(fsnotify.Write|fsnotify.Create) != 0
}
