package main

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog"

	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

// deviceWatcher removes device branches whose device node went away.
type deviceWatcher struct {
	manager *studio.Manager
	watcher *fsnotify.Watcher
	dir     string
}

func newDeviceWatcher(dir string, m *studio.Manager) (*deviceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &deviceWatcher{manager: m, watcher: watcher, dir: dir}, nil
}

func (w *deviceWatcher) Close() error {
	return w.watcher.Close()
}

func (w *deviceWatcher) run(ctx context.Context) {
	klog.Infof("watching %s for unplugged devices", w.dir)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.unplugged(ctx, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			klog.Warningf("device watcher: %v", err)
		}
	}
}

// unplugged removes the device branches reading from path and returns
// their keys.
func (w *deviceWatcher) unplugged(ctx context.Context, path string) []string {
	var removed []string
	for _, b := range w.manager.Branches() {
		if b.Kind != studio.SourceDevice || filepath.Clean(b.Locator) != filepath.Clean(path) {
			continue
		}
		klog.Infof("device %s of branch %s disappeared", path, b.Key)
		if err := w.manager.RemoveSourceBranch(ctx, b.Key); err != nil {
			klog.Warningf("removing unplugged branch %s: %v", b.Key, err)
			continue
		}
		removed = append(removed, b.Key)
	}
	return removed
}
