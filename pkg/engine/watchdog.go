package engine

import (
	"sync"
	"time"

	"github.com/firecow/gitlab-local-pipeline/pkg/sink"
)

// silenceTimeout is how long a job may stay quiet before the watchdog
// speaks up.
const silenceTimeout = 10 * time.Second

// watchdog re-arms a timer on every output or progress event and emits a
// liveness line when it fires. The owning job clears it on all exit paths.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	out     sink.Sink
	stopped bool
}

func newWatchdog(out sink.Sink) *watchdog {
	w := &watchdog{out: out}
	w.timer = time.AfterFunc(silenceTimeout, w.fire)
	return w
}

// Kick re-arms the timer. Called on every line a job produces.
func (w *watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(silenceTimeout)
}

// Stop cancels the timer for good.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}

func (w *watchdog) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer.Reset(silenceTimeout)
	w.mu.Unlock()
	w.out.Stdout("> still running...")
}
