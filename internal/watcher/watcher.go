// Package watcher recursively watches a directory for markdown file
// changes, coalescing rapid writes behind a write-stability threshold and
// auto-restarting on transient fsnotify failures.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/apperr"
	"github.com/kandev/conductor/internal/common/logger"
)

// EventType is the kind of filesystem mutation observed.
type EventType string

const (
	EventAdd    EventType = "add"
	EventChange EventType = "change"
	EventUnlink EventType = "unlink"
)

// FileEvent is emitted once a path's writes have been stable for the
// configured threshold.
type FileEvent struct {
	EventType EventType
	Path      string
	Timestamp time.Time
}

// State is the watcher's lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateStarting State = "starting"
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateError   State = "error"
)

var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, ".next": true, "dist": true, "build": true,
}

// Watcher recursively watches Dir for *.md changes.
type Watcher struct {
	Dir                    string
	StabilityThreshold     time.Duration
	RestartDelay           time.Duration
	MaxConsecutiveFailures int

	logger *logger.Logger

	mu               sync.Mutex
	state            State
	consecutiveFails int
	fsw              *fsnotify.Watcher
	pending          map[string]*time.Timer
	pendingType      map[string]EventType
	cancel           context.CancelFunc

	handlersMu sync.Mutex
	handlers   []func(FileEvent)
	errHandlers []func(error)
}

// New creates a Watcher rooted at dir.
func New(dir string, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Default()
	}
	return &Watcher{
		Dir:                    dir,
		StabilityThreshold:     200 * time.Millisecond,
		RestartDelay:           2 * time.Second,
		MaxConsecutiveFailures: 3,
		logger:                 log.WithFields(zap.String("component", "watcher")),
		state:                  StateStopped,
		pending:                make(map[string]*time.Timer),
		pendingType:            make(map[string]EventType),
	}
}

// OnEvent registers a callback invoked for every stable file event.
func (w *Watcher) OnEvent(fn func(FileEvent)) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// OnError registers a callback invoked on fatal watcher failure.
func (w *Watcher) OnError(fn func(error)) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.errHandlers = append(w.errHandlers, fn)
}

func (w *Watcher) emit(ev FileEvent) {
	w.handlersMu.Lock()
	handlers := append([]func(FileEvent){}, w.handlers...)
	w.handlersMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (w *Watcher) emitError(err error) {
	w.handlersMu.Lock()
	handlers := append([]func(error){}, w.errHandlers...)
	w.handlersMu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Start begins watching. Idempotent: a second Start on an Active watcher is
// a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateActive || w.state == StateStarting {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStarting
	w.mu.Unlock()

	return w.startLoop(ctx)
}

func (w *Watcher) startLoop(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.setState(StateError)
		return apperr.New(apperr.KindTransient, "watcher", "start", err)
	}

	if err := w.addRecursive(fsw, w.Dir); err != nil {
		fsw.Close()
		w.setState(StateError)
		return apperr.New(apperr.KindTransient, "watcher", "start", err)
	}

	w.mu.Lock()
	w.fsw = fsw
	w.state = StateActive
	w.consecutiveFails = 0
	w.mu.Unlock()

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if shouldIgnore(path) && path != dir {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func statIsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
			w.onTransientFailure(ctx, err)
			return
		}
	}
}

func (w *Watcher) handleFSEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := statIsDir(ev.Name); err == nil && info {
			_ = w.addRecursive(fsw, ev.Name)
			return
		}
	}

	if !strings.HasSuffix(ev.Name, ".md") {
		return
	}
	if shouldIgnore(ev.Name) {
		return
	}

	w.mu.Lock()
	paused := w.state == StatePaused
	w.mu.Unlock()
	if paused {
		return
	}

	etype := toEventType(ev.Op)
	w.scheduleStable(ev.Name, etype)
}

func (w *Watcher) scheduleStable(path string, etype EventType) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if etype == EventUnlink {
		if t, ok := w.pending[path]; ok {
			t.Stop()
			delete(w.pending, path)
			delete(w.pendingType, path)
		}
		go w.emit(FileEvent{EventType: EventUnlink, Path: path, Timestamp: time.Now().UTC()})
		return
	}

	// A path created within the window stays an add when writes follow.
	if prev, ok := w.pendingType[path]; !ok || prev != EventAdd {
		w.pendingType[path] = etype
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.StabilityThreshold, func() {
		w.mu.Lock()
		t := w.pendingType[path]
		delete(w.pending, path)
		delete(w.pendingType, path)
		w.mu.Unlock()
		w.emit(FileEvent{EventType: t, Path: path, Timestamp: time.Now().UTC()})
	})
}

func (w *Watcher) onTransientFailure(ctx context.Context, err error) {
	w.mu.Lock()
	w.consecutiveFails++
	fails := w.consecutiveFails
	max := w.MaxConsecutiveFailures
	w.mu.Unlock()

	if fails >= max {
		w.setState(StateError)
		w.logger.Error("watcher giving up after consecutive failures", zap.Int("attempts", fails))
		w.emitError(apperr.New(apperr.KindCrash, "watcher", "run", fmt.Errorf("watcher-failed after %d attempts: %w", fails, err)))
		w.setState(StateStopped)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.RestartDelay):
	}
	if err := w.startLoop(ctx); err != nil {
		w.logger.Error("watcher restart failed", zap.Error(err))
		w.onTransientFailure(ctx, err)
	}
}

// Pause suppresses emission without tearing down underlying watches.
func (w *Watcher) Pause() {
	w.mu.Lock()
	if w.state == StateActive {
		w.state = StatePaused
	}
	w.mu.Unlock()
}

// Resume resumes emission from Paused.
func (w *Watcher) Resume() {
	w.mu.Lock()
	if w.state == StatePaused {
		w.state = StateActive
	}
	w.mu.Unlock()
}

// Stop tears down the watcher and cancels pending stability timers.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.pendingType = make(map[string]EventType)
	w.state = StateStopped
	w.mu.Unlock()
}

func shouldIgnore(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return strings.HasSuffix(path, ".tmp") || strings.HasPrefix(filepath.Base(path), ".")
}

func toEventType(op fsnotify.Op) EventType {
	switch {
	case op&fsnotify.Create != 0:
		return EventAdd
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		return EventUnlink
	default:
		return EventChange
	}
}
