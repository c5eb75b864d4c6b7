package engine

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer runs a function once a key has been quiet for a fixed delay.
// Each Schedule for a key replaces the pending timer of that key.
type Debouncer struct {
	clock clockwork.Clock
	delay time.Duration

	mu     sync.Mutex
	timers map[string]*pending
	gen    uint64
}

type pending struct {
	timer clockwork.Timer
	gen   uint64
}

func NewDebouncer(clock clockwork.Clock, delay time.Duration) *Debouncer {
	return &Debouncer{clock: clock, delay: delay, timers: map[string]*pending{}}
}

// Schedule (re)starts the timer of key. fn runs on its own goroutine.
func (d *Debouncer) Schedule(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.timers[key]; ok {
		p.timer.Stop()
	}
	d.gen++
	gen := d.gen
	p := &pending{gen: gen}
	p.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cur, ok := d.timers[key]
		// a timer that lost the race with Stop must not fire
		if !ok || cur.gen != gen {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
	d.timers[key] = p
}

// Cancel drops the pending timer of key and reports whether one existed.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.timers[key]
	if ok {
		p.timer.Stop()
		delete(d.timers, key)
	}
	return ok
}

func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}

// Stop cancels every pending timer and returns their keys.
func (d *Debouncer) Stop() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.timers))
	for k, p := range d.timers {
		p.timer.Stop()
		keys = append(keys, k)
	}
	d.timers = map[string]*pending{}
	return keys
}
