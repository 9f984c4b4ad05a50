package runner

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
)

// Status is the control-surface view of one loop.
type Status struct {
	Name      string        `json:"name"`
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	StartedAt time.Time     `json:"startedAt,omitempty"`
	Ticks     int64         `json:"ticks"`
	LastTick  time.Time     `json:"lastTick,omitempty"`
}

// Loop drives an engine tick on a fixed interval. Start and Stop are
// idempotent in effect: calling either in the wrong state is reported as an
// error to the caller but never spawns a second ticker or panics.
type Loop struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context)

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	ticks     int64
	lastTick  time.Time
}

func New(name string, interval time.Duration, tick func(ctx context.Context)) *Loop {
	return &Loop{name: name, interval: interval, tick: tick}
}

// Start launches the loop. The first tick fires immediately, then every
// interval. The loop stops when Stop is called or the parent context ends.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.startedAt = time.Now().UTC()
	go l.run(runCtx, l.done)
	return nil
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.fire(ctx)
		}
	}
}

func (l *Loop) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	l.tick(ctx)
	l.mu.Lock()
	l.ticks++
	l.lastTick = time.Now().UTC()
	l.mu.Unlock()
}

// Stop cancels the loop context and waits for the in-flight tick to return.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.cancel == nil {
		l.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		Name:     l.name,
		Running:  l.cancel != nil,
		Interval: l.interval,
		Ticks:    l.ticks,
		LastTick: l.lastTick,
	}
	if st.Running {
		st.StartedAt = l.startedAt
	}
	return st
}
