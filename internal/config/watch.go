package config

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Live holds the active config and allows it to be swapped while readers run.
type Live struct {
	p atomic.Pointer[Config]
}

func NewLive(cfg *Config) *Live {
	if cfg == nil {
		cfg = Default()
	}
	l := &Live{}
	l.p.Store(cfg)
	return l
}

func (l *Live) Load() *Config {
	if l == nil {
		return Default()
	}
	return l.p.Load()
}

func (l *Live) Store(cfg *Config) {
	if cfg != nil {
		l.p.Store(cfg)
	}
}

const reloadDebounce = 200 * time.Millisecond

// Watch reloads cadence.yml into live whenever it changes. Invalid edits are
// reported to onError and the previous config stays active. The directory is
// watched rather than the file so editors that replace the file are seen.
func Watch(workspace string, live *Live, onReload func(*Config), onError func(error)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path := Path(workspace)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	if onReload == nil {
		onReload = func(*Config) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	reload := func() {
		cfg, err := FromFile(path)
		if err != nil {
			onError(err)
			return
		}
		live.Store(cfg)
		onReload(cfg)
	}

	done := make(chan struct{})
	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				onError(err)
			case <-done:
				if debounce != nil {
					debounce.Stop()
				}
				return
			}
		}
	}()

	var closed atomic.Bool
	stop := func() {
		if closed.CompareAndSwap(false, true) {
			close(done)
			watcher.Close()
		}
	}
	return stop, nil
}
