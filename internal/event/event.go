// Package event provides the cooperative event-loop primitive the recovery
// control loop and client connections are built on: timed wakeups and
// readiness callbacks, expressed as context-scoped select loops rather than
// a raw fd-readiness reactor.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimedFunc is invoked when a timed registration fires.
type TimedFunc func(now time.Time)

// ReadyFunc is invoked when a readiness source becomes ready.
type ReadyFunc func()

// Cancel releases a registration. Calling Cancel more than once is safe.
type Cancel func()

// Loop tracks timed and readiness registrations. Each timed handler runs on
// its own time.AfterFunc goroutine and each readiness source is watched by
// its own goroutine, so handlers may run concurrently and no ordering is
// defined between them, even for equal deadlines. A handler that blocks
// stalls only its own registration.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[int]*timedReg
	ready   map[int]*readyReg
	nextID  int
	wake    chan struct{}
}

type timedReg struct {
	timer *time.Timer
	fn    TimedFunc
}

type readyReg struct {
	source <-chan struct{}
	fn     ReadyFunc
	done   chan struct{}
}

// New creates an empty Loop.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger.With(slog.String("component", "event")),
		timers: make(map[int]*timedReg),
		ready:  make(map[int]*readyReg),
		wake:   make(chan struct{}, 1),
	}
}

// AddTimed schedules fn to run at or after deadline. Cancelling the
// returned handle before the deadline prevents fn from running.
func (l *Loop) AddTimed(deadline time.Time, fn TimedFunc) Cancel {
	l.mu.Lock()
	id := l.nextID
	l.nextID++

	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}

	reg := &timedReg{fn: fn}
	reg.timer = time.AfterFunc(d, func() {
		l.fireTimed(id)
	})
	l.timers[id] = reg
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if r, ok := l.timers[id]; ok {
				r.timer.Stop()
				delete(l.timers, id)
			}
			l.mu.Unlock()
		})
	}
}

// AddAfter is a convenience wrapper scheduling fn to run after d elapses.
func (l *Loop) AddAfter(d time.Duration, fn TimedFunc) Cancel {
	return l.AddTimed(time.Now().Add(d), fn)
}

func (l *Loop) fireTimed(id int) {
	l.mu.Lock()
	reg, ok := l.timers[id]
	if ok {
		delete(l.timers, id)
	}
	l.mu.Unlock()

	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("timed handler panicked", slog.Any("panic", r))
		}
	}()
	reg.fn(time.Now())
}

// AddReady registers fn to run whenever source is signalled. The caller
// owns source and closes done (returned implicitly via Cancel) to stop
// watching.
func (l *Loop) AddReady(source <-chan struct{}, fn ReadyFunc) Cancel {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	done := make(chan struct{})
	l.ready[id] = &readyReg{source: source, fn: fn, done: done}
	l.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-source:
				if !ok {
					return
				}
				l.invokeReady(fn)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if r, ok := l.ready[id]; ok {
				close(r.done)
				delete(l.ready, id)
			}
			l.mu.Unlock()
		})
	}
}

func (l *Loop) invokeReady(fn ReadyFunc) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("ready handler panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// RunUntil blocks until ctx is cancelled, keeping the loop's background
// timer and readiness goroutines alive. Callers that only need timed
// wakeups driven by select (e.g. the recovery control loop) do not need to
// call RunUntil at all — AddTimed/AddAfter schedule independently via
// time.AfterFunc.
func (l *Loop) RunUntil(ctx context.Context) {
	<-ctx.Done()
}
