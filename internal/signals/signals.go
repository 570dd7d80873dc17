// Package signals lets processes outside the coordinator drive a task by
// dropping files into .conclave/signals.
//
// A signal file is named <taskID>.<kind>, where kind is one of plan, start,
// pause, cancel or resume. The watcher consumes (removes) each file before dispatching it,
// so a signal is delivered at most once.
package signals

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind is the requested action.
type Kind string

const (
	KindPlan   Kind = "plan"
	KindStart  Kind = "start"
	KindPause  Kind = "pause"
	KindCancel Kind = "cancel"
	KindResume Kind = "resume"
)

// Valid returns true if the kind is a known value.
func (k Kind) Valid() bool {
	switch k {
	case KindPlan, KindStart, KindPause, KindCancel, KindResume:
		return true
	}
	return false
}

// Signal is one consumed request.
type Signal struct {
	TaskID string
	Kind   Kind
}

// Handler receives consumed signals.
type Handler func(ctx context.Context, s Signal)

// Dir returns the signals directory under a project root.
func Dir(projectRoot string) string {
	return filepath.Join(projectRoot, ".conclave", "signals")
}

// Send drops a signal file for taskID.
func Send(dir, taskID string, kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown signal %q", kind)
	}
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || strings.HasPrefix(taskID, ".") {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}

	// Write under a hidden name and rename so the watcher never sees a
	// partial file.
	name := taskID + "." + string(kind)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(time.Now().Format(time.RFC3339)), 0644); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Watcher dispatches signal files as they appear.
type Watcher struct {
	dir          string
	handler      Handler
	pollInterval time.Duration
}

// NewWatcher creates a watcher over dir, creating it if needed.
func NewWatcher(dir string, handler Handler) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	return &Watcher{dir: dir, handler: handler, pollInterval: 2 * time.Second}, nil
}

// Run dispatches signals until ctx is cancelled. Files already present
// when Run starts are dispatched first. When fsnotify is unavailable the
// directory is polled instead.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := fw.Add(w.dir); addErr != nil {
			fw.Close()
			err = addErr
		}
	}
	if err != nil {
		log.Printf("[signals] fsnotify unavailable (%v), polling %s", err, w.dir)
		return w.poll(ctx)
	}
	defer fw.Close()

	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.consume(ctx, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[signals] watch error: %v", err)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("[signals] read %s: %v", w.dir, err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.consume(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
}

func (w *Watcher) consume(ctx context.Context, path string) {
	sig, ok := parse(filepath.Base(path))
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil {
		// Already consumed by an earlier event for the same file.
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("[signals] remove %s: %v", path, err)
		}
		return
	}
	log.Printf("[signals] %s requested for task %s", sig.Kind, sig.TaskID)
	w.handler(ctx, sig)
}

func parse(name string) (Signal, bool) {
	if strings.HasPrefix(name, ".") {
		return Signal{}, false
	}
	ext := filepath.Ext(name)
	kind := Kind(strings.TrimPrefix(ext, "."))
	taskID := strings.TrimSuffix(name, ext)
	if !kind.Valid() || taskID == "" {
		return Signal{}, false
	}
	return Signal{TaskID: taskID, Kind: kind}, true
}
