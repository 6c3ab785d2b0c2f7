package workspace

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a repository checkout while an agent works in it and
// records which files were created versus modified. Agents are supposed to
// report their file lists themselves; the watcher fills the gap when they
// do not. The .git directory is ignored.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	created  map[string]bool
	modified map[string]bool
	done     chan struct{}
}

// NewWatcher starts watching root and all its subdirectories.
func NewWatcher(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     root,
		watcher:  fsw,
		created:  map[string]bool{},
		modified: map[string]bool{},
		done:     make(chan struct{}),
	}

	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// addRecursive registers root and every subdirectory, skipping .git.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Transient races with the agent are fine.
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(evt)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[workspace] watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(evt fsnotify.Event) {
	rel, err := filepath.Rel(w.root, evt.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".git"+string(os.PathSeparator)) || rel == ".git" {
		return
	}

	// New directories need watching too.
	if evt.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(evt.Name)
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case evt.Op.Has(fsnotify.Create):
		w.created[rel] = true
	case evt.Op.Has(fsnotify.Write) || evt.Op.Has(fsnotify.Rename):
		// A file created during this watch stays "created" through later writes.
		if !w.created[rel] {
			w.modified[rel] = true
		}
	case evt.Op.Has(fsnotify.Remove):
		delete(w.created, rel)
		delete(w.modified, rel)
	}
}

// Snapshot returns the files created and modified since the watch began,
// sorted for stable output.
func (w *Watcher) Snapshot() (created, modified []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for f := range w.created {
		created = append(created, f)
	}
	for f := range w.modified {
		modified = append(modified, f)
	}
	sort.Strings(created)
	sort.Strings(modified)
	return created, modified
}

// Close stops the watch. Snapshot remains valid after Close.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
