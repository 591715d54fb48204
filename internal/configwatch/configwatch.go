// Package configwatch hot-reloads a JSON file of named connection
// descriptors into a running Builder, the way the teacher's authfile
// watcher (share/server_auth.go's fsnotify-driven users.json reload) keeps
// its auth table current without a restart. fsnotify is a direct,
// non-indirect require in the teacher's go.mod that its retrieved sources
// never actually exercise for anything beyond the authfile; this gives it
// a second, Nexus-native home: named descriptor caches.
package configwatch

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
)

// Watcher reloads path (a JSON object of name -> descriptor) into register
// every time the file changes on disk, plus once immediately on Watch.
type Watcher struct {
	logger   nexuslog.Logger
	path     string
	register func(name string, descriptor conn.Descriptor)

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	closed  bool
	doneCh  chan struct{}
}

// Watch starts watching path for changes, applying its contents through
// register on every change (and once synchronously before returning, so
// the caller's initial configuration is current). Stop the returned
// Watcher to release the underlying fsnotify handle.
func Watch(logger nexuslog.Logger, path string, register func(name string, descriptor conn.Descriptor)) (*Watcher, error) {
	logger = logger.Fork("configwatch")

	w := &Watcher{logger: logger, path: path, register: register, doneCh: make(chan struct{})}
	if err := w.reload(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindConfiguration, err, "creating fsnotify watcher")
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, nexuserr.Wrap(nexuserr.KindConfiguration, err, "watching %s", path)
	}
	w.fsw = fsw

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.WLogf("reloading %s: %v", w.path, err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WLogf("watching %s: %v", w.path, err)
		}
	}
}

func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindConfiguration, err, "reading %s", w.path)
	}
	var named map[string]conn.Descriptor
	if err := json.Unmarshal(data, &named); err != nil {
		return nexuserr.Wrap(nexuserr.KindConfiguration, err, "parsing %s", w.path)
	}
	for name, descriptor := range named {
		w.register(name, descriptor)
	}
	w.logger.ILogf("loaded %d named descriptor(s) from %s", len(named), w.path)
	return nil
}

// Stop releases the underlying fsnotify handle and waits for the watch
// loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.doneCh
	return err
}
