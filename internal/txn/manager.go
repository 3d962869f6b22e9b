package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/ohcifw/async-engine/internal/constants"
	"github.com/ohcifw/async-engine/internal/ohci"
)

// Manager owns the fixed 64-slot transaction table and is the sole
// authority permitted to transition a Transaction's state.
type Manager struct {
	mu    sync.Mutex
	slots [constants.LabelCount]*Transaction
	ready bool
}

// NewManager returns an initialized, empty Manager.
func NewManager() *Manager {
	return &Manager{ready: true}
}

// Allocate creates a Transaction in the given label's slot. The label
// itself must already have been reserved via the label allocator; Allocate
// only owns the transaction-table side of that invariant.
func (m *Manager) Allocate(label uint8, generation uint16, nodeID uint16, tc ohci.TCode, strategy CompletionStrategy, timeout time.Duration, handler func(Result)) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, fmt.Errorf("txn: manager not initialized")
	}
	if label >= constants.LabelCount {
		return nil, fmt.Errorf("txn: label %d out of range", label)
	}
	if m.slots[label] != nil {
		return nil, fmt.Errorf("txn: label %d busy", label)
	}
	t := newTransaction(label, generation, nodeID, tc, strategy, timeout, handler)
	m.slots[label] = t
	return t, nil
}

// Find returns the live transaction at label, or nil.
func (m *Manager) Find(label uint8) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if label >= constants.LabelCount {
		return nil
	}
	return m.slots[label]
}

// FindByMatchKey returns the transaction matching key, checking generation
// and node equality so a stale response (wrong bus generation) finds
// nothing.
func (m *Manager) FindByMatchKey(key MatchKey) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.TLabel >= constants.LabelCount {
		return nil
	}
	t := m.slots[key.TLabel]
	if t == nil {
		return nil
	}
	if t.Generation != key.Generation || t.NodeID != key.NodeID {
		return nil
	}
	return t
}

// WithTransaction invokes fn with the live transaction at label, under the
// manager lock, if present.
func (m *Manager) WithTransaction(label uint8, fn func(*Transaction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if label >= constants.LabelCount {
		return
	}
	if t := m.slots[label]; t != nil {
		fn(t)
	}
}

// Extract atomically removes label's transaction and returns it, so the
// caller can invoke its handler outside the manager lock (avoiding
// re-entrancy: a handler may submit another transaction).
func (m *Manager) Extract(label uint8) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if label >= constants.LabelCount {
		return nil
	}
	t := m.slots[label]
	m.slots[label] = nil
	return t
}

// Remove clears label's slot without returning the transaction.
func (m *Manager) Remove(label uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if label < constants.LabelCount {
		m.slots[label] = nil
	}
}

// ForEachTransaction calls fn for every transaction live at the time of the
// call. fn runs after the manager lock is released, so it may call back
// into the manager.
func (m *Manager) ForEachTransaction(fn func(*Transaction)) {
	m.mu.Lock()
	live := make([]*Transaction, 0, constants.LabelCount)
	for _, t := range m.slots {
		if t != nil {
			live = append(live, t)
		}
	}
	m.mu.Unlock()
	for _, t := range live {
		fn(t)
	}
}

// extractAll removes every live transaction and returns them, clearing the
// table atomically under one lock acquisition.
func (m *Manager) extractAll() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make([]*Transaction, 0, constants.LabelCount)
	for i, t := range m.slots {
		if t != nil {
			live = append(live, t)
			m.slots[i] = nil
		}
	}
	return live
}

// CancelAll first extracts every live transaction, clearing every slot
// under one lock acquisition, and then, outside the lock, transitions each
// to Cancelled and invokes its handler with an aborted status. A handler
// that allocates a new transaction therefore finds the slots already free.
func (m *Manager) CancelAll() {
	for _, t := range m.extractAll() {
		if t.claimCompletion() {
			t.finish(StateCancelled, Result{Code: StatusCancelled, Detail: "cancelled"})
		}
	}
}

// CancelByGeneration extracts and cancels every transaction whose
// generation matches gen, backing Engine.CancelByGeneration (the engine's
// own bus-reset path uses CancelNotGeneration instead).
func (m *Manager) CancelByGeneration(gen uint16) []uint8 {
	m.mu.Lock()
	var victims []*Transaction
	var labels []uint8
	for i, t := range m.slots {
		if t != nil && t.Generation == gen {
			victims = append(victims, t)
			labels = append(labels, uint8(i))
			m.slots[i] = nil
		}
	}
	m.mu.Unlock()
	for _, t := range victims {
		if t.claimCompletion() {
			t.finish(StateCancelled, Result{Code: StatusCancelled, Detail: "bus reset"})
		}
	}
	return labels
}

// CancelNotGeneration extracts and cancels every transaction whose
// generation does not match the newly observed generation, used after a
// bus reset: every in-flight request from before the reset can never
// receive a matching AR response at the new generation.
func (m *Manager) CancelNotGeneration(currentGen uint16) []uint8 {
	m.mu.Lock()
	var victims []*Transaction
	var labels []uint8
	for i, t := range m.slots {
		if t != nil && t.Generation != currentGen {
			victims = append(victims, t)
			labels = append(labels, uint8(i))
			m.slots[i] = nil
		}
	}
	m.mu.Unlock()
	for _, t := range victims {
		if t.claimCompletion() {
			t.finish(StateCancelled, Result{Code: StatusCancelled, Detail: "bus reset"})
		}
	}
	return labels
}

// MarkPosted transitions label's transaction from Created through
// Submitted to ATPosted, called by the engine once the descriptor chain
// has been handed to the AT context manager's Submit. Returns an error if
// the transaction is missing or the edge is illegal (e.g. already
// cancelled by a racing bus reset).
func (m *Manager) MarkPosted(label uint8) error {
	t := m.Find(label)
	if t == nil {
		return fmt.Errorf("txn: label %d not found", label)
	}
	if !t.tryTransition(StateSubmitted) {
		return fmt.Errorf("txn: label %d cannot submit from %s", label, t.State())
	}
	if !t.tryTransition(StateATPosted) {
		return fmt.Errorf("txn: label %d cannot post from %s", label, t.State())
	}
	return nil
}

// FailLabel terminates label's transaction with the given status if it is
// still live, used by the engine when a build or submit step fails before
// any hardware effect took place — a single-label analogue of CancelAll
// that does not disturb any other in-flight transaction.
func (m *Manager) FailLabel(label uint8, code StatusCode, detail string) {
	t := m.Find(label)
	if t == nil || t.State().Terminal() {
		return
	}
	if !t.claimCompletion() {
		return
	}
	extracted := m.Extract(label)
	if extracted == nil {
		return
	}
	extracted.finish(StateFailed, Result{Code: code, Detail: detail})
}

// ATCompletion is the feedback the AT context manager's completion scan
// reports back to the transaction manager for one descriptor chain.
type ATCompletion struct {
	Label  uint8
	Ack    ohci.AckCode
	Event  ohci.EventCode
	IsRead bool
	Quirk  constants.ChipsetQuirk
}

// OnATCompletion implements the ACK dispatch table for AT
// Request contexts: responses to packets *we* sent complete *our*
// transactions. Read transactions and CompleteOnAR transactions that
// bypassed AT completion short-circuit straight to AwaitingAR.
func (m *Manager) OnATCompletion(c ATCompletion) {
	t := m.Find(c.Label)
	if t == nil {
		return
	}
	if t.State().Terminal() {
		return
	}
	t.SetAckCode(c.Ack)

	if c.Quirk == constants.QuirkAgereEventAckComplete && c.Event == ohci.EvtAgereQuirk {
		c.Ack = ohci.AckComplete
	}

	if c.Event == ohci.EvtFlushed {
		if !t.tryTransition(StateATCompleted) {
			return
		}
		if t.claimCompletion() {
			if extracted := m.Extract(t.Label); extracted != nil {
				extracted.finish(StateCancelled, Result{Code: StatusCancelled, Detail: "flushed"})
			}
		}
		return
	}

	if (c.Event == ohci.EvtTimeout || c.Event == ohci.EvtMissingAck) && c.Ack != ohci.AckPending {
		if !t.tryTransition(StateATCompleted) {
			return
		}
		if t.claimCompletion() {
			if extracted := m.Extract(t.Label); extracted != nil {
				extracted.finish(StateFailed, Result{Code: StatusTimeout, Detail: "hardware timeout/missing ack"})
			}
		}
		return
	}

	switch {
	case t.Strategy == CompleteOnPHY && !c.Ack.IsBusy() && c.Ack != ohci.AckDataError && c.Ack != ohci.AckTypeError:
		// PHY packets have no responder: any ACK that is neither busy nor
		// an error ends the send without an AR wait.
		t.tryTransition(StateATCompleted)
		if t.claimCompletion() {
			if extracted := m.Extract(t.Label); extracted != nil {
				extracted.finish(StateCompleted, Result{Code: StatusSuccess})
			}
		}
	case c.Ack == ohci.AckComplete:
		if c.IsRead || t.Strategy == CompleteOnAR {
			t.tryTransition(StateAwaitingAR)
			return
		}
		t.tryTransition(StateATCompleted)
		if t.claimCompletion() {
			if extracted := m.Extract(t.Label); extracted != nil {
				extracted.finish(StateCompleted, Result{Code: StatusSuccess})
			}
		}
	case c.Ack == ohci.AckPending:
		t.tryTransition(StateAwaitingAR)
	case c.Ack.IsBusy():
		t.tryTransition(StateATCompleted)
		t.ExtendDeadline(constants.BusyBackoff)
	case c.Ack.IsSlow():
		t.tryTransition(StateAwaitingAR)
	case c.Ack == ohci.AckDataError || c.Ack == ohci.AckTypeError:
		t.tryTransition(StateATCompleted)
		if t.claimCompletion() {
			if extracted := m.Extract(t.Label); extracted != nil {
				extracted.finish(StateFailed, Result{Code: StatusHardwareError, Detail: fmt.Sprintf("ack %#x", c.Ack)})
			}
		}
	default:
		// Unrecognized ACK: treat as tardy and wait for AR.
		t.tryTransition(StateAwaitingAR)
	}
}

// OnARResponse matches an inbound response packet by key and, if the
// transaction is still live, claims completion and finalizes it. The
// completionTaken CAS ensures exactly one of {AT-side, AR-side} completes
// a given transaction, regardless of which interrupt source arrives
// first.
func (m *Manager) OnARResponse(key MatchKey, rcode uint8, payload []byte) {
	t := m.FindByMatchKey(key)
	if t == nil {
		return
	}
	if t.State().Terminal() {
		return
	}
	if !t.tryTransition(StateARReceived) {
		// legalTransitions permits landing on ARReceived from Submitted,
		// ATPosted, ATCompleted, or AwaitingAR: the response can arrive
		// before the workloop has even scanned the matching AT completion
		// (spec split-transaction race), so every pre-terminal state the
		// response could plausibly beat AT completion from must be covered.
		// Anything else means the response is stale.
		return
	}
	if !t.claimCompletion() {
		return
	}
	extracted := m.Extract(t.Label)
	if extracted == nil {
		return
	}
	if rcode != 0 {
		extracted.finish(StateFailed, Result{Code: StatusHardwareError, RCode: rcode, Detail: "non-zero rcode"})
		return
	}
	extracted.finish(StateCompleted, Result{Code: StatusSuccess, RCode: rcode, Payload: payload})
}

// OnTimeout implements the smart-retry ladder: busy and
// not-yet-acked transactions get their deadline extended a bounded number
// of times before finally timing out.
func (m *Manager) OnTimeout(label uint8) {
	t := m.Find(label)
	if t == nil {
		return
	}
	state := t.State()
	if state.Terminal() {
		return
	}
	ack := t.AckCode()

	switch {
	case ack.IsBusy() && t.Retries() < constants.MaxBusyRetries:
		t.ExtendDeadline(constants.BusyBackoff)
		return
	case state == StateATPosted && t.Retries() < constants.MaxATPostedRetries:
		t.ExtendDeadline(constants.ATPostedBackoff)
		return
	case state == StateAwaitingAR && (ack == ohci.AckPending || ack.IsSlow()) && t.Retries() < constants.MaxAwaitingARRetries:
		t.ExtendDeadline(constants.AwaitingARBackoff)
		return
	}

	if !t.claimCompletion() {
		return
	}
	extracted := m.Extract(label)
	if extracted == nil {
		return
	}
	extracted.finish(StateTimedOut, Result{Code: StatusTimeout, Detail: "deadline exceeded"})
}
