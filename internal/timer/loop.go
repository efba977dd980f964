package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Loop runs posted functions one at a time, in order, on the goroutine that
// calls Run. It also implements Scheduler: expired timers are posted back
// onto the loop so their callbacks never run concurrently with anything else.
type Loop struct {
	events chan func()
	wake   chan struct{}

	qmu      sync.Mutex
	overflow []func() // posted while events was full, in order

	mu     sync.Mutex
	next   ID
	timers map[ID]*time.Timer
}

// NewLoop creates a loop with room for queueSize pending events.
func NewLoop(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Loop{
		events: make(chan func(), queueSize),
		wake:   make(chan struct{}, 1),
		timers: make(map[ID]*time.Timer),
	}
}

// Post queues fn for execution on the loop goroutine. It never blocks, so
// functions running on the loop may post. Once the queue is full further
// functions spill into an overflow list that runs after it, keeping post
// order. Safe for concurrent use.
func (l *Loop) Post(fn func()) {
	l.qmu.Lock()
	if len(l.overflow) == 0 {
		select {
		case l.events <- fn:
			l.qmu.Unlock()
			return
		default:
		}
	}
	l.overflow = append(l.overflow, fn)
	l.qmu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted functions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			l.stopAll()
			return ctx.Err()
		}

		// Everything in events was posted before anything in overflow.
		select {
		case fn := <-l.events:
			fn()
			continue
		default:
		}
		if batch := l.takeOverflow(); len(batch) > 0 {
			for _, fn := range batch {
				fn()
			}
			continue
		}

		select {
		case <-ctx.Done():
		case fn := <-l.events:
			fn()
		case <-l.wake:
		}
	}
}

func (l *Loop) takeOverflow() []func() {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	batch := l.overflow
	l.overflow = nil
	return batch
}

// Create arms a timer whose callback runs on the loop goroutine.
func (l *Loop) Create(d time.Duration, fn Func) ID {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	if l.next == Invalid {
		l.next++
	}
	id := l.next
	l.timers[id] = time.AfterFunc(d, func() {
		l.Post(func() { l.fire(id, fn) })
	})
	return id
}

// Delete cancels the timer. A callback already queued for it is dropped.
func (l *Loop) Delete(id ID) {
	if id == Invalid {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
}

// Pending returns the number of outstanding timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Loop) fire(id ID, fn Func) {
	l.mu.Lock()
	_, ok := l.timers[id]
	delete(l.timers, id)
	l.mu.Unlock()

	if !ok {
		slog.Debug("[TIMER] dropping cancelled timer", "id", id)
		return
	}
	fn(id)
}

func (l *Loop) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

// Compile-time check that Loop implements Scheduler.
var _ Scheduler = (*Loop)(nil)
