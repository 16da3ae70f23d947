package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the settings file and calls reload after it changes,
// debounced so editors that write-then-rename trigger a single reload. It
// returns a stop function.
func Watch(path string, reload func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, reload)
				// A rename replaces the watched inode; re-add.
				if ev.Op&fsnotify.Rename != 0 {
					watcher.Add(path)
				}
			case <-watcher.Errors:
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
