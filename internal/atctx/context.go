// Package atctx implements the per-context AT (asynchronous transmit)
// state machine: IDLE/ARMING/RUNNING/STOPPING/ERROR states,
// PATH-1 (CommandPtr+RUN) vs PATH-2 (branch-patch+WAKE) context
// arming, and the completion scan that feeds ACK/event codes back to the
// transaction manager.
package atctx

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ohcifw/async-engine/internal/constants"
	"github.com/ohcifw/async-engine/internal/descbuild"
	"github.com/ohcifw/async-engine/internal/hw"
	"github.com/ohcifw/async-engine/internal/logging"
	"github.com/ohcifw/async-engine/internal/ohci"
	"github.com/ohcifw/async-engine/internal/ring"
)

// State is one of the five AT-context FSM states.
type State int

const (
	Idle State = iota
	Arming
	Running
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Arming:
		return "ARMING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// TraceEvent is one entry in the context's lock-free error trace ring.
type TraceEvent struct {
	At         time.Time
	Kind       string // ARM, LINK, WAKE, FALLBACK, STOP, RESET, ERROR
	TxID       uint64
	Generation uint64
}

// traceRing is a lock-free 256-entry diagnostic ring, implemented as a
// fixed array indexed by an atomically incremented cursor; entries are
// never deleted, only overwritten, so readers racing a writer may observe
// a torn entry during Dump, which is acceptable for a diagnostics-only
// path.
type traceRing struct {
	entries [constants.TraceRingSize]TraceEvent
	cursor  atomic.Uint64
}

func (r *traceRing) push(e TraceEvent) {
	i := r.cursor.Add(1) - 1
	r.entries[i%constants.TraceRingSize] = e
}

// Dump returns up to TraceRingSize most recent entries, oldest first.
func (r *traceRing) Dump() []TraceEvent {
	n := r.cursor.Load()
	count := int(n)
	if count > constants.TraceRingSize {
		count = constants.TraceRingSize
	}
	out := make([]TraceEvent, count)
	for i := 0; i < count; i++ {
		idx := (n - uint64(count) + uint64(i)) % constants.TraceRingSize
		out[i] = r.entries[idx]
	}
	return out
}

// Manager drives one AT context's FSM. The ring lock (mu) is held only
// across ring metadata updates — FSM transitions, tail advances,
// branch-word patches — and is never held across an MMIO poll; enforcing
// that split is the central safety property of this package: an MMIO
// poll under the ring lock deadlocks against the interrupt path that
// needs the same lock to drain completions.
type Manager struct {
	kind    hw.ContextKind
	regs    hw.Registers
	dring   *ring.DescriptorRing
	builder *descbuild.Builder

	mu         sync.Mutex
	state      State
	generation uint64 // bumped on every Stop, for diagnostics only

	// pendingTLabel/havePendingTLabel carry the tLabel captured from an
	// OUTPUT_MORE descriptor's inline header across to the OUTPUT_LAST
	// descriptor that follows it in a header+payload chain:
	// the MORE half never carries the transaction's real ack/event, and
	// the LAST half is a standard (non-immediate) descriptor with no
	// inline header of its own to read a tLabel from.
	pendingTLabel     uint8
	havePendingTLabel bool

	trace  traceRing
	logger *logging.Logger
}

// New returns a Manager for the given context, starting in IDLE.
func New(kind hw.ContextKind, regs hw.Registers, dring *ring.DescriptorRing, builder *descbuild.Builder) *Manager {
	return &Manager{kind: kind, regs: regs, dring: dring, builder: builder, state: Idle, logger: logging.Default()}
}

// SetLogger replaces the Manager's logger, used by the owning Engine to
// hand each AT context a Named logger (e.g. "at-req"/"at-resp") so an
// ERROR trace dump is attributable to its context in a shared log stream.
func (m *Manager) SetLogger(l *logging.Logger) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.logger = l
	m.mu.Unlock()
}

// State returns the current FSM state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Submit arms the context (PATH 1) or hot-appends to it (PATH 2),
// choosing the path from software state alone — it never reads a device
// register to decide which path to take.
func (m *Manager) Submit(chain ring.Chain) error {
	m.mu.Lock()
	usePath2 := m.state == Running && m.dring.PrevLastBlocks() > 0 && !m.dring.Empty()
	m.mu.Unlock()

	if usePath2 {
		if err := m.submitPath2(chain); err == nil {
			return nil
		}
		// submitPath2 already reverted its patch on the fallback branch;
		// fall through to PATH 1.
	}
	return m.submitPath1(chain)
}

// submitPath1 programs CommandPtr and sets RUN. Used whenever the context
// is IDLE, has no previous LAST descriptor to link to, has no descriptors
// in flight (ring empty), or PATH 2 bailed out because the context had
// quietly stopped running.
func (m *Manager) submitPath1(chain ring.Chain) error {
	wasRunning := m.State() == Running
	if wasRunning {
		m.regs.ContextControlClear(m.kind, hw.BitRun)
		m.spinUntilInactive()
	}

	branch, err := ohci.MakeBranchWord(chain.FirstIOVA, uint8(chain.FirstBlocks))
	if err != nil {
		return fmt.Errorf("atctx: build command pointer: %w", err)
	}
	m.regs.SetCommandPtr(m.kind, uint32(branch))
	m.regs.ContextControlSet(m.kind, hw.BitRun)

	m.mu.Lock()
	m.state = Running
	m.dring.RecordChain(chain.LastBlocks, chain.LastRingIndex)
	m.mu.Unlock()

	m.trace.push(TraceEvent{At: now(), Kind: "ARM", TxID: chain.TxID, Generation: m.generationSnapshot()})
	return nil
}

// submitPath2 patches the previous LAST descriptor's branch word under the
// ring lock, publishes it, and pulses WAKE without polling ACTIVE — the
// Apple "fire-and-forget" WAKE pattern. If ContextControl shows RUN=0 or
// DEAD=1 after the patch, it reverts the branch word and returns an error
// so the caller falls back to PATH 1.
func (m *Manager) submitPath2(chain ring.Chain) error {
	m.mu.Lock()
	if err := m.builder.LinkTailTo(chain); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.trace.push(TraceEvent{At: now(), Kind: "LINK", TxID: chain.TxID, Generation: m.generationSnapshot()})

	ctl := m.regs.ContextControlRead(m.kind)
	if ctl&hw.BitRun == 0 || ctl&hw.BitDead != 0 {
		m.mu.Lock()
		_ = m.builder.UnlinkTail()
		m.mu.Unlock()
		m.trace.push(TraceEvent{At: now(), Kind: "FALLBACK", TxID: chain.TxID, Generation: m.generationSnapshot()})
		if ctl&hw.BitDead != 0 {
			m.enterError(chain.TxID)
		}
		return fmt.Errorf("atctx: path 2 found context not running, falling back")
	}

	m.regs.ContextControlSet(m.kind, hw.BitWake)

	m.mu.Lock()
	m.dring.RecordChain(chain.LastBlocks, chain.LastRingIndex)
	m.mu.Unlock()

	m.trace.push(TraceEvent{At: now(), Kind: "WAKE", TxID: chain.TxID, Generation: m.generationSnapshot()})
	return nil
}

// spinUntilInactive polls ACTIVE after clearing RUN during a PATH-1
// re-arm. This happens outside the ring lock: it is the one place this
// package waits on hardware, and holding the lock here would deadlock
// against the interrupt handler draining completions.
func (m *Manager) spinUntilInactive() {
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if m.regs.ContextControlRead(m.kind)&hw.BitActive == 0 {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Stop clears RUN, rotates the ring head by two blocks to avoid OHCI
// address caching on some controllers, clears the previous-tail
// bookkeeping, and bumps the local generation. A subsequent Submit will
// re-arm via PATH 1. Stop never polls ACTIVE under the lock.
func (m *Manager) Stop() {
	m.regs.ContextControlClear(m.kind, hw.BitRun)

	m.mu.Lock()
	m.dring.AdvanceHead(2)
	m.dring.ClearPrevLast()
	m.state = Idle
	m.generation++
	m.mu.Unlock()

	m.trace.push(TraceEvent{At: now(), Kind: "STOP", Generation: m.generationSnapshot()})
}

// WaitForQuiesce polls ACTIVE without the ring lock held, for callers that
// need a best-effort confirmation the context has actually gone
// idle (e.g. before tearing down DMA memory). It is not on any hot path.
func (m *Manager) WaitForQuiesce(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	delay := 100 * time.Microsecond
	for time.Now().Before(deadline) {
		if m.regs.ContextControlRead(m.kind)&hw.BitActive == 0 {
			return true
		}
		time.Sleep(delay)
		if delay < 100*time.Millisecond {
			delay *= 2
		}
	}
	return false
}

// Completion is one drained descriptor's worth of hardware feedback.
type Completion struct {
	TxID      uint64
	Ack       ohci.AckCode
	Event     ohci.EventCode
	TLabel    uint8
	HasTLabel bool
	Blocks    int
}

// ScanCompletion walks the ring from head: if the next descriptor's
// status word is non-zero, it extracts the ACK/event codes (and, for an
// immediate descriptor, the tLabel from the inline header), advances
// head by the descriptor's block count, and returns the record. A
// header+payload chain is two descriptors: an OUTPUT_MORE
// immediate carrying the header, followed by an OUTPUT_LAST standard
// carrying the payload — and only the LAST half's status is the
// transaction's real ack/event; ScanCompletion stashes the MORE half's
// tLabel and keeps walking internally so the caller always sees one
// Completion per transaction, never a truncated half of one. It returns
// ok=false once head catches tail or the next pending descriptor's
// status hasn't posted yet.
func (m *Manager) ScanCompletion() (Completion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.dring.Empty() {
			return Completion{}, false
		}
		head := m.dring.Head()
		// Determine descriptor size: an immediate descriptor's control
		// word has KeyImmediate in its key field, readable from the
		// first 4 bytes without yet knowing the block count.
		probe := m.dring.Slot(head, ohci.StandardDescriptorSize)
		m.dring.Fetch(probe)
		control := ohci.ControlWord(binary.BigEndian.Uint32(probe[0:4]))
		cmd, key, _, _, _, _, _ := control.Decode()

		size := ohci.StandardDescriptorSize
		blocks := 1
		if key == ohci.KeyImmediate {
			size = ohci.ImmediateDescriptorSize
			blocks = 2
		}
		slot := m.dring.Slot(head, size)
		m.dring.Fetch(slot)
		status := ohci.StatusWord(binary.BigEndian.Uint32(slot[12:16]))
		if status == 0 {
			return Completion{}, false
		}

		ack, evt, _ := status.Decode()

		if cmd == ohci.CmdOutputMore {
			if key == ohci.KeyImmediate && len(slot) >= 32 {
				// quadlet 0 of the inline header carries tLabel in bits
				// [15:10]; the ack/event read above belongs to this MORE
				// descriptor alone and is not the chain's real outcome.
				q0 := binary.BigEndian.Uint32(slot[16:20])
				m.pendingTLabel = uint8((q0 >> 10) & 0x3F)
				m.havePendingTLabel = true
			}
			m.dring.AdvanceHead(uint32(blocks))
			continue
		}

		c := Completion{Ack: ack, Event: evt, Blocks: blocks}
		if key == ohci.KeyImmediate && len(slot) >= 32 {
			q0 := binary.BigEndian.Uint32(slot[16:20])
			c.TLabel = uint8((q0 >> 10) & 0x3F)
			c.HasTLabel = true
		} else if m.havePendingTLabel {
			c.TLabel = m.pendingTLabel
			c.HasTLabel = true
			m.havePendingTLabel = false
		}
		m.dring.AdvanceHead(uint32(blocks))
		return c, true
	}
}

// enterError transitions the FSM to ERROR per OHCI §7.2.3 DEAD handling
// and dumps the trace ring; recovery requires a full teardown and rearm
// by the owning engine.
func (m *Manager) enterError(txID uint64) {
	m.mu.Lock()
	m.state = Error
	logger := m.logger
	m.mu.Unlock()
	m.trace.push(TraceEvent{At: now(), Kind: "ERROR", TxID: txID, Generation: m.generationSnapshot()})
	if logger != nil {
		for _, e := range m.trace.Dump() {
			logger.Error("at context trace", "kind", e.Kind, "txID", e.TxID, "generation", e.Generation, "at", e.At.Format(time.RFC3339Nano))
		}
	}
}

// Trace returns a snapshot of the context's diagnostic trace ring.
func (m *Manager) Trace() []TraceEvent {
	return m.trace.Dump()
}

func (m *Manager) generationSnapshot() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// now is a seam so tests can't be tripped up by wall-clock skew in CI;
// production always uses time.Now.
var now = time.Now
