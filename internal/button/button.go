// Package button turns a global key combo into the device's user button.
// Releasing the combo before the long-press threshold is a short press;
// holding it at least that long is an extra-long press.
package button

import (
	"log/slog"
	"sync"
	"time"

	hook "github.com/robotn/gohook"
)

// Press classifies a completed button press.
type Press int

const (
	// PressShort wakes the device.
	PressShort Press = iota
	// PressLong removes the pairing.
	PressLong
)

func (p Press) String() string {
	if p == PressLong {
		return "long"
	}
	return "short"
}

// Event is a completed press and how long the combo was held.
type Event struct {
	Kind Press
	Held time.Duration
}

// DefaultLongPress is the hold time for an extra-long press.
const DefaultLongPress = 3 * time.Second

// Listener watches a global key combo and emits presses.
type Listener struct {
	keys []string
	det  *detector
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewListener creates a Listener for keys (lowercase names, e.g.
// ["ctrl", "alt", "b"]). longPress <= 0 uses DefaultLongPress.
func NewListener(keys []string, longPress time.Duration) *Listener {
	if longPress <= 0 {
		longPress = DefaultLongPress
	}
	return &Listener{
		keys: keys,
		det:  newDetector(longPress, time.Now),
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
}

// Presses returns the channel of completed presses. It is closed when the
// listener stops.
func (l *Listener) Presses() <-chan Event {
	return l.ch
}

// Start listens until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(e hook.Event) {
		l.det.down()
	})
	hook.Register(hook.KeyUp, l.keys, func(e hook.Event) {
		ev, ok := l.det.up()
		if !ok {
			return
		}
		slog.Debug("[BUTTON] press", "kind", ev.Kind, "held", ev.Held)
		select {
		case l.ch <- ev:
		default: // don't block the hook thread
		}
	})

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// Stop terminates the listener. It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// detector measures how long the combo is held. Auto-repeat key-downs
// while held are ignored.
type detector struct {
	longPress time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pressed bool
	since   time.Time
}

func newDetector(longPress time.Duration, now func() time.Time) *detector {
	return &detector{longPress: longPress, now: now}
}

func (d *detector) down() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pressed {
		return
	}
	d.pressed = true
	d.since = d.now()
}

// up completes a press. ok is false for a release without a press.
func (d *detector) up() (ev Event, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pressed {
		return Event{}, false
	}
	d.pressed = false
	ev.Held = d.now().Sub(d.since)
	if ev.Held >= d.longPress {
		ev.Kind = PressLong
	}
	return ev, true
}
