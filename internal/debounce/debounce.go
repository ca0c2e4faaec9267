// Package debounce collapses bursts of per-path filesystem events into a
// single event after a quiet window, with an immediate-emit path for
// deletions and a bypass for configured critical patterns.
package debounce

import (
	"regexp"
	"sync"
	"time"
)

// EventKind mirrors watcher.EventType without importing it, keeping this
// package usable against any upstream event source.
type EventKind string

const (
	KindAdd    EventKind = "add"
	KindChange EventKind = "change"
	KindUnlink EventKind = "unlink"
)

// destructiveness ranks KindUnlink highest so a pending entry is always
// promoted toward the most destructive observed kind within the window.
func destructiveness(k EventKind) int {
	switch k {
	case KindUnlink:
		return 2
	case KindChange:
		return 1
	default:
		return 0
	}
}

// DebouncedEvent is emitted once a path's pending timer fires.
type DebouncedEvent struct {
	EventType            EventKind
	FilePath              string
	FirstChangeTimestamp  time.Time
	LastChangeTimestamp   time.Time
	ChangesCollapsed      int
	EmittedAt             time.Time
}

type pendingEntry struct {
	eventType    EventKind
	firstChange  time.Time
	lastChange   time.Time
	timer        *time.Timer
}

// Metrics is a snapshot of the debouncer's rolling counters.
type Metrics struct {
	TotalDebounced      uint64
	TotalEmitted        uint64
	TotalCollapsed       uint64
	AvgQuietPeriodMillis float64
	CurrentPending       int
	ImmediateCount       uint64
}

const quietPeriodSamples = 100

// Debouncer collapses per-path bursts behind a quiet window.
type Debouncer struct {
	Delay time.Duration

	criticalMu  sync.Mutex
	critical    []*regexp.Regexp

	mu      sync.Mutex
	pending map[string]*pendingEntry

	onEmit func(DebouncedEvent)

	statsMu        sync.Mutex
	totalDebounced uint64
	totalEmitted   uint64
	totalCollapsed uint64
	immediateCount uint64
	quietSamples   []time.Duration
	sampleCursor   int
}

// New creates a Debouncer with the given quiet-window delay.
func New(delay time.Duration, onEmit func(DebouncedEvent)) *Debouncer {
	return &Debouncer{
		Delay:   delay,
		pending: make(map[string]*pendingEntry),
		onEmit:  onEmit,
	}
}

// AddCriticalPattern registers a path regex that bypasses debouncing
// entirely; matching events are emitted immediately.
func (d *Debouncer) AddCriticalPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	d.criticalMu.Lock()
	d.critical = append(d.critical, re)
	d.criticalMu.Unlock()
	return nil
}

func (d *Debouncer) isCritical(path string) bool {
	d.criticalMu.Lock()
	defer d.criticalMu.Unlock()
	for _, re := range d.critical {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Record ingests one raw filesystem event for path.
func (d *Debouncer) Record(path string, kind EventKind) {
	now := time.Now().UTC()

	if kind == KindUnlink {
		d.mu.Lock()
		if e, ok := d.pending[path]; ok {
			e.timer.Stop()
			delete(d.pending, path)
		}
		d.mu.Unlock()

		d.statsMu.Lock()
		d.immediateCount++
		d.statsMu.Unlock()

		d.emit(DebouncedEvent{
			EventType: KindUnlink, FilePath: path,
			FirstChangeTimestamp: now, LastChangeTimestamp: now,
			ChangesCollapsed: 1, EmittedAt: now,
		})
		return
	}

	if d.isCritical(path) {
		d.statsMu.Lock()
		d.immediateCount++
		d.statsMu.Unlock()
		d.emit(DebouncedEvent{
			EventType: kind, FilePath: path,
			FirstChangeTimestamp: now, LastChangeTimestamp: now,
			ChangesCollapsed: 1, EmittedAt: now,
		})
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.pending[path]
	if !ok {
		e = &pendingEntry{eventType: kind, firstChange: now, lastChange: now}
		d.pending[path] = e
		d.statsMu.Lock()
		d.totalDebounced++
		d.statsMu.Unlock()
	} else {
		e.timer.Stop()
		if destructiveness(kind) > destructiveness(e.eventType) {
			e.eventType = kind
		}
		e.lastChange = now
		d.statsMu.Lock()
		d.totalDebounced++
		d.statsMu.Unlock()
	}

	e.timer = time.AfterFunc(d.Delay, func() { d.fire(path) })
}

func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	e, ok := d.pending[path]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	d.mu.Unlock()

	quiet := e.lastChange.Sub(e.firstChange)
	d.recordQuietPeriod(quiet)

	collapsed := 1
	if d.Delay > 0 {
		collapsed = int(quiet/d.Delay) + 1
	}

	d.statsMu.Lock()
	d.totalCollapsed += uint64(collapsed - 1)
	d.statsMu.Unlock()

	d.emit(DebouncedEvent{
		EventType:            e.eventType,
		FilePath:             path,
		FirstChangeTimestamp: e.firstChange,
		LastChangeTimestamp:  e.lastChange,
		ChangesCollapsed:     collapsed,
		EmittedAt:            time.Now().UTC(),
	})
}

func (d *Debouncer) recordQuietPeriod(q time.Duration) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	if len(d.quietSamples) < quietPeriodSamples {
		d.quietSamples = append(d.quietSamples, q)
	} else {
		d.quietSamples[d.sampleCursor] = q
		d.sampleCursor = (d.sampleCursor + 1) % quietPeriodSamples
	}
}

func (d *Debouncer) emit(ev DebouncedEvent) {
	d.statsMu.Lock()
	d.totalEmitted++
	d.statsMu.Unlock()
	if d.onEmit != nil {
		d.onEmit(ev)
	}
}

// Flush immediately emits every pending entry.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for p, e := range d.pending {
		e.timer.Stop()
		paths = append(paths, p)
	}
	d.mu.Unlock()

	for _, p := range paths {
		d.fireNow(p)
	}
}

func (d *Debouncer) fireNow(path string) {
	d.mu.Lock()
	e, ok := d.pending[path]
	if ok {
		delete(d.pending, path)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	quiet := e.lastChange.Sub(e.firstChange)
	d.recordQuietPeriod(quiet)
	collapsed := 1
	if d.Delay > 0 {
		collapsed = int(quiet/d.Delay) + 1
	}
	d.statsMu.Lock()
	d.totalCollapsed += uint64(collapsed - 1)
	d.statsMu.Unlock()

	d.emit(DebouncedEvent{
		EventType: e.eventType, FilePath: path,
		FirstChangeTimestamp: e.firstChange, LastChangeTimestamp: e.lastChange,
		ChangesCollapsed: collapsed, EmittedAt: time.Now().UTC(),
	})
}

// Clear drops every pending entry without emitting.
func (d *Debouncer) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.pending {
		e.timer.Stop()
	}
	d.pending = make(map[string]*pendingEntry)
}

// Metrics returns a snapshot of the debouncer's rolling counters.
func (d *Debouncer) Metrics() Metrics {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	d.mu.Lock()
	pendingCount := len(d.pending)
	d.mu.Unlock()

	var avg float64
	if len(d.quietSamples) > 0 {
		var sum time.Duration
		for _, s := range d.quietSamples {
			sum += s
		}
		avg = float64(sum.Milliseconds()) / float64(len(d.quietSamples))
	}

	return Metrics{
		TotalDebounced:       d.totalDebounced,
		TotalEmitted:         d.totalEmitted,
		TotalCollapsed:       d.totalCollapsed,
		AvgQuietPeriodMillis: avg,
		CurrentPending:       pendingCount,
		ImmediateCount:       d.immediateCount,
	}
}
