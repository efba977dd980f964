package timer

import (
	"sort"
	"time"
)

// Fake is a Scheduler driven by an explicit clock, for tests and
// deterministic replays. Callbacks run synchronously inside Advance.
type Fake struct {
	now     time.Duration
	next    ID
	pending []*fakeTimer
}

type fakeTimer struct {
	id       ID
	deadline time.Duration
	fn       Func
}

// NewFake returns a Fake at time zero.
func NewFake() *Fake {
	return &Fake{}
}

// Create arms a timer at now+d.
func (f *Fake) Create(d time.Duration, fn Func) ID {
	f.next++
	f.pending = append(f.pending, &fakeTimer{id: f.next, deadline: f.now + d, fn: fn})
	return f.next
}

// Delete removes the timer if it has not fired.
func (f *Fake) Delete(id ID) {
	for i, t := range f.pending {
		if t.id == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, firing every timer that falls due in
// deadline order. Timers created by callbacks fire too if they fall due
// before the new time.
func (f *Fake) Advance(d time.Duration) {
	end := f.now + d
	for {
		t := f.popDue(end)
		if t == nil {
			break
		}
		f.now = t.deadline
		t.fn(t.id)
	}
	f.now = end
}

// Fire runs the callback of a specific outstanding timer immediately,
// regardless of its deadline. It reports whether the timer existed.
func (f *Fake) Fire(id ID) bool {
	for i, t := range f.pending {
		if t.id == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			t.fn(t.id)
			return true
		}
	}
	return false
}

// Now returns the elapsed fake time.
func (f *Fake) Now() time.Duration {
	return f.now
}

// Pending returns the number of outstanding timers.
func (f *Fake) Pending() int {
	return len(f.pending)
}

// Active reports whether id names an outstanding timer.
func (f *Fake) Active(id ID) bool {
	for _, t := range f.pending {
		if t.id == id {
			return true
		}
	}
	return false
}

func (f *Fake) popDue(end time.Duration) *fakeTimer {
	if len(f.pending) == 0 {
		return nil
	}
	sort.SliceStable(f.pending, func(i, j int) bool {
		if f.pending[i].deadline == f.pending[j].deadline {
			return f.pending[i].id < f.pending[j].id
		}
		return f.pending[i].deadline < f.pending[j].deadline
	})
	t := f.pending[0]
	if t.deadline > end {
		return nil
	}
	f.pending = f.pending[1:]
	return t
}

var _ Scheduler = (*Fake)(nil)
