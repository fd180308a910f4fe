package reconcile

import (
	"context"
	"time"
)

// DefaultDebounce coalesces the burst of mutation notifications a
// single dropdown render produces into one re-scrub.
const DefaultDebounce = 150 * time.Millisecond

// Watcher re-runs a scrub after DOM mutation notifications, debounced:
// a run fires only once notifications have been quiet for the debounce
// window.
type Watcher struct {
	Debounce time.Duration

	notify chan struct{}
}

func NewWatcher() *Watcher {
	return &Watcher{
		Debounce: DefaultDebounce,
		notify:   make(chan struct{}, 1),
	}
}

// Notify signals that the observed markup changed. Never blocks;
// notifications arriving while one is pending collapse into it.
func (w *Watcher) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run executes fn after each quiet period until the context ends.
func (w *Watcher) Run(ctx context.Context, fn func()) {
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
			if timer != nil && !timer.Stop() {
				<-fire
			}
			timer = time.NewTimer(debounce)
			fire = timer.C
		case <-fire:
			timer = nil
			fire = nil
			fn()
		}
	}
}
