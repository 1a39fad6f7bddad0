package trigger

import (
	"sync"
	"time"
)

// Debouncer delays a per-book action until events stop arriving for the
// configured window. Each new event resets the book's timer.
type Debouncer struct {
	window time.Duration
	fire   func(bookID string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewDebouncer creates a debouncer that calls fire once per quiet window.
func NewDebouncer(window time.Duration, fire func(bookID string)) *Debouncer {
	return &Debouncer{
		window: window,
		fire:   fire,
		timers: make(map[string]*time.Timer),
	}
}

// Trigger records an event for a book, (re)starting its window.
func (d *Debouncer) Trigger(bookID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[bookID]; ok {
		t.Reset(d.window)
		return
	}
	d.timers[bookID] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		delete(d.timers, bookID)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			d.fire(bookID)
		}
	})
}

// Stop cancels all outstanding timers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}
