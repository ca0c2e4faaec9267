package completion

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/memorylog"
)

type fakeFS struct {
	mu      sync.Mutex
	content []byte
	err     error
}

func (f *fakeFS) read(string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.content, nil
}

func (f *fakeFS) set(content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content, f.err = []byte(content), nil
}

func (f *fakeFS) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPollerEmitsStateDetectedOnFirstPoll(t *testing.T) {
	fs := &fakeFS{}
	fs.set("---\nagent: agent-1\ntask_ref: 1.1\nstatus: InProgress\n---\nbody\n")

	p := NewPoller(Intervals{Active: 10 * time.Millisecond, Queued: time.Hour, Completed: time.Hour,
		RetryDelays: []time.Duration{time.Millisecond}, MaxRetries: 3}, nil)
	p.readFile = fs.read

	var mu sync.Mutex
	var detected []memorylog.Status
	p.OnStateDetected(func(taskID string, state memorylog.Status, changedFrom *memorylog.Status, ts time.Time) {
		mu.Lock()
		defer mu.Unlock()
		detected = append(detected, state)
		assert.Nil(t, changedFrom)
	})

	p.StartPolling("1.1", "task.md", TierActive)
	defer p.StopPolling("1.1")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(detected) > 0
	})
}

func TestPollerWidensIntervalOnCompleted(t *testing.T) {
	fs := &fakeFS{}
	fs.set("---\nagent: agent-1\ntask_ref: 1.1\nstatus: Completed\n---\nbody\n")

	p := NewPoller(Intervals{Active: 10 * time.Millisecond, Queued: time.Hour, Completed: time.Hour,
		RetryDelays: []time.Duration{time.Millisecond}, MaxRetries: 3}, nil)
	p.readFile = fs.read

	p.StartPolling("1.1", "task.md", TierActive)
	defer p.StopPolling("1.1")

	waitFor(t, func() bool {
		s, ok := p.State("1.1")
		return ok && s.Tier == TierCompleted
	})
}

func TestPollerRetriesOnReadError(t *testing.T) {
	fs := &fakeFS{}
	fs.setErr(errors.New("file gone"))

	p := NewPoller(Intervals{Active: 5 * time.Millisecond, Queued: time.Hour, Completed: time.Hour,
		RetryDelays: []time.Duration{5 * time.Millisecond}, MaxRetries: 2}, nil)
	p.readFile = fs.read

	var mu sync.Mutex
	var attempts []int
	p.OnPollError(func(taskID string, err error, retryAttempt int) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, retryAttempt)
	})

	p.StartPolling("1.1", "task.md", TierActive)
	defer p.StopPolling("1.1")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 2
	})
}

func TestPollerFileChangedResetsUnchangedCounter(t *testing.T) {
	fs := &fakeFS{}
	fs.set("---\nagent: agent-1\ntask_ref: 1.1\nstatus: InProgress\n---\nbody\n")

	p := NewPoller(DefaultIntervals(), nil)
	p.readFile = fs.read

	p.StartPolling("1.1", "task.md", TierActive)
	defer p.StopPolling("1.1")
	p.Pause("1.1")

	p.mu.Lock()
	p.states["1.1"].ConsecutiveUnchangedPolls = 5
	p.mu.Unlock()
	s, ok := p.State("1.1")
	require.True(t, ok)
	require.Equal(t, 5, s.ConsecutiveUnchangedPolls)
	p.OnFileChanged("1.1")

	s2, ok := p.State("1.1")
	require.True(t, ok)
	assert.Equal(t, 0, s2.ConsecutiveUnchangedPolls)
}

func TestPollerPauseSuppressesPolling(t *testing.T) {
	fs := &fakeFS{}
	fs.set("---\nagent: agent-1\ntask_ref: 1.1\nstatus: InProgress\n---\nbody\n")

	p := NewPoller(Intervals{Active: 5 * time.Millisecond, Queued: time.Hour, Completed: time.Hour,
		RetryDelays: []time.Duration{time.Millisecond}, MaxRetries: 3}, nil)
	p.readFile = fs.read
	p.Pause("should-not-exist")

	var mu sync.Mutex
	polls := 0
	p.OnPollStarted(func(string) { mu.Lock(); polls++; mu.Unlock() })

	p.StartPolling("1.1", "task.md", TierActive)
	p.Pause("1.1")
	defer p.StopPolling("1.1")

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, polls)
	mu.Unlock()
}
