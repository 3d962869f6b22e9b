// Package workloop drives the engine's cooperative single-threaded poll
// cycle: AT completion scans, AR buffer drains, and the transaction
// timeout ladder, all from one pinned OS thread, so hardware-facing
// register writes always originate from one thread and never interleave
// with a half-finished submission from a rescheduled goroutine.
package workloop

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ohcifw/async-engine/internal/logging"
)

// Tick is one iteration's worth of work the owning Engine hands the loop.
// PollAT/DrainAR return the number of items processed so the loop can
// decide whether to spin again immediately or back off; CheckTimeouts has
// no return value since the transaction manager handles its own ladder.
type Tick struct {
	PollATRequest   func() int
	PollATResponse  func() int
	DrainARRequest  func() int
	DrainARResponse func() int
	CheckTimeouts   func()
}

// Config selects the workloop's thread-affinity behavior.
type Config struct {
	// CPUIndex pins the workloop's OS thread to this logical CPU via
	// SchedSetaffinity. Negative skips affinity pinning (LockOSThread
	// still applies): useful on platforms or containers where affinity
	// is unavailable or undesirable.
	CPUIndex int
	// IdleBackoff is how long the loop sleeps after a tick that drained
	// nothing, to avoid spinning a pinned core at 100% when the bus is
	// quiet. Zero disables backoff (busy-poll).
	IdleBackoff time.Duration
	Logger      *logging.Logger
}

// Loop runs Tick on a single pinned goroutine until Stop is called.
type Loop struct {
	cfg  Config
	tick Tick

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New returns a Loop that will run tick with the given config. Start must
// be called to actually begin processing.
func New(tick Tick, cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Loop{cfg: cfg, tick: tick}
}

// Start launches the workloop goroutine. Calling Start on an already
// running Loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.run(l.stopCh, l.doneCh)
}

// Stop signals the workloop goroutine to exit and blocks until it has.
// Safe to call on a Loop that was never started.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	stopCh, doneCh := l.stopCh, l.doneCh
	l.running = false
	l.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (l *Loop) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	// Pin this goroutine to its OS thread for the lifetime of the loop:
	// the AT-context manager's ring lock and the hardware-facing
	// CommandPtr/WAKE writes must always originate from the same thread
	// sequence so a rescheduled goroutine can never interleave a
	// half-built descriptor write with itself.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if l.cfg.CPUIndex >= 0 {
		var mask unix.CPUSet
		mask.Set(l.cfg.CPUIndex)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			l.cfg.Logger.Warn("workloop: failed to set CPU affinity", "cpu", l.cfg.CPUIndex, "err", err.Error())
		} else {
			l.cfg.Logger.Debug("workloop: pinned to CPU", "cpu", l.cfg.CPUIndex)
		}
	}

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		n := l.runTick()

		if n == 0 && l.cfg.IdleBackoff > 0 {
			select {
			case <-stopCh:
				return
			case <-time.After(l.cfg.IdleBackoff):
			}
		}
	}
}

// runTick runs every configured stage once and returns the total number
// of descriptors/packets processed, used to decide whether to back off.
func (l *Loop) runTick() int {
	n := 0
	if l.tick.PollATRequest != nil {
		n += l.tick.PollATRequest()
	}
	if l.tick.PollATResponse != nil {
		n += l.tick.PollATResponse()
	}
	if l.tick.DrainARRequest != nil {
		n += l.tick.DrainARRequest()
	}
	if l.tick.DrainARResponse != nil {
		n += l.tick.DrainARResponse()
	}
	if l.tick.CheckTimeouts != nil {
		l.tick.CheckTimeouts()
	}
	return n
}
