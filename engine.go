// Package async implements an IEEE 1394 (FireWire) OHCI 1.1 asynchronous
// transaction engine: label allocation, descriptor building, AT/AR context
// management, and split-transaction matching, sitting on top of a
// collaborator-supplied register and DMA-allocator boundary (internal/hw)
// so the whole pipeline runs identically against real silicon or the
// in-memory simulated harness this package also exposes for tests.
package async

import (
	"encoding/binary"
	"time"

	"github.com/ohcifw/async-engine/internal/arctx"
	"github.com/ohcifw/async-engine/internal/atctx"
	"github.com/ohcifw/async-engine/internal/cq"
	"github.com/ohcifw/async-engine/internal/constants"
	"github.com/ohcifw/async-engine/internal/descbuild"
	"github.com/ohcifw/async-engine/internal/dma"
	"github.com/ohcifw/async-engine/internal/gen"
	"github.com/ohcifw/async-engine/internal/hw"
	"github.com/ohcifw/async-engine/internal/label"
	"github.com/ohcifw/async-engine/internal/logging"
	"github.com/ohcifw/async-engine/internal/ohci"
	"github.com/ohcifw/async-engine/internal/ring"
	"github.com/ohcifw/async-engine/internal/router"
	"github.com/ohcifw/async-engine/internal/submit"
	"github.com/ohcifw/async-engine/internal/txn"
	"github.com/ohcifw/async-engine/internal/workloop"
)

// Options configures Engine construction: ring sizes, DMA slab geometry,
// the default transaction timeout, chipset quirk selection, and logging.
// No package-level mutable configuration exists; every Engine is
// explicitly constructed and explicitly torn down.
type Options struct {
	ATDescriptorBlocks  int
	ARBufferCount       int
	ARBufferSize        int
	DMASlabBytes        int
	DMASlabIOVABase     uint32
	DefaultTimeout      time.Duration
	Quirk               constants.ChipsetQuirk
	CompletionQueueSize int
	Logger              *logging.Logger
}

// DefaultOptions returns sensible defaults for a single-channel controller.
func DefaultOptions() Options {
	return Options{
		ATDescriptorBlocks:  constants.DefaultATDescriptorBlocks,
		ARBufferCount:       constants.DefaultARBufferCount,
		ARBufferSize:        constants.DefaultARBufferSize,
		DMASlabBytes:        constants.DefaultDMASlabBytes,
		DMASlabIOVABase:     constants.DefaultIOVABase,
		DefaultTimeout:      constants.DefaultTransactionTimeout,
		Quirk:               constants.QuirkNone,
		CompletionQueueSize: 256,
	}
}

// AsyncHandle identifies an in-flight transaction by its allocated label.
type AsyncHandle struct {
	Label uint8
}

// Result is delivered to a caller's completion callback exactly once.
type Result struct {
	Err     error
	RCode   uint8
	Payload []byte
}

// TransactionContext is the bus state snapshot PrepareTransactionContext
// returns: the generation and local node ID a caller should stamp onto a
// request it is about to build.
type TransactionContext struct {
	Generation   uint16
	SourceNodeID uint16
	Ready        bool
}

// Engine wires every async-transaction-engine component (label allocator,
// generation tracker, transaction manager, descriptor builders, AT context
// managers, AR receive contexts, router, submitter, and completion queue)
// into one handle.
type Engine struct {
	opts   Options
	logger *logging.Logger
	regs   hw.Registers
	slab   *dma.Slab

	labels  *label.Allocator
	tracker *gen.Tracker
	txns    *txn.Manager

	atReqRing  *ring.DescriptorRing
	atRespRing *ring.DescriptorRing

	atReqBuilder  *descbuild.Builder
	atRespBuilder *descbuild.Builder

	atReqCtx  *atctx.Manager
	atRespCtx *atctx.Manager

	arReqRing  *ring.BufferRing
	arRespRing *ring.BufferRing

	arReqCtx  *arctx.Context
	arRespCtx *arctx.Context

	router    *router.Router
	submitter *submit.Submitter

	cq      *cq.Queue
	metrics *Metrics

	loop *workloop.Loop
}

// New constructs an Engine over regs, allocating its DMA slab and every
// descriptor/buffer ring from opts' geometry.
func New(regs hw.Registers, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	slab, err := dma.NewSlab(opts.DMASlabBytes, opts.DMASlabIOVABase)
	if err != nil {
		return nil, NewError("New", ErrCodeResource, "allocate dma slab", err)
	}

	atReqRing, err := ring.NewDescriptorRing(slab, uint32(opts.ATDescriptorBlocks))
	if err != nil {
		return nil, NewError("New", ErrCodeResource, "allocate AT request ring", err)
	}
	atRespRing, err := ring.NewDescriptorRing(slab, uint32(opts.ATDescriptorBlocks))
	if err != nil {
		return nil, NewError("New", ErrCodeResource, "allocate AT response ring", err)
	}
	arReqRing, err := ring.NewBufferRing(slab, opts.ARBufferCount, opts.ARBufferSize)
	if err != nil {
		return nil, NewError("New", ErrCodeResource, "allocate AR request ring", err)
	}
	arRespRing, err := ring.NewBufferRing(slab, opts.ARBufferCount, opts.ARBufferSize)
	if err != nil {
		return nil, NewError("New", ErrCodeResource, "allocate AR response ring", err)
	}

	atReqBuilder := descbuild.New(atReqRing)
	atRespBuilder := descbuild.New(atRespRing)
	atReqCtx := atctx.New(hw.ATRequest, regs, atReqRing, atReqBuilder)
	atReqCtx.SetLogger(logger.Named("at-req"))
	atRespCtx := atctx.New(hw.ATResponse, regs, atRespRing, atRespBuilder)
	atRespCtx.SetLogger(logger.Named("at-resp"))

	labels := label.New()
	tracker := gen.New(labels)
	txns := txn.NewManager()
	rt := router.New()
	submitter := submit.New(atReqBuilder, atReqCtx, atRespBuilder, atRespCtx)

	e := &Engine{
		opts:          opts,
		logger:        logger,
		regs:          regs,
		slab:          slab,
		labels:        labels,
		tracker:       tracker,
		txns:          txns,
		atReqRing:     atReqRing,
		atRespRing:    atRespRing,
		atReqBuilder:  atReqBuilder,
		atRespBuilder: atRespBuilder,
		atReqCtx:      atReqCtx,
		atRespCtx:     atRespCtx,
		arReqRing:     arReqRing,
		arRespRing:    arRespRing,
		router:        rt,
		submitter:     submitter,
		cq:            cq.New(opts.CompletionQueueSize),
		metrics:       NewMetrics(),
	}

	for _, tc := range []ohci.TCode{ohci.TCodeWriteResponse, ohci.TCodeReadQuadletResp, ohci.TCodeReadBlockResp, ohci.TCodeLockResponse} {
		rt.RegisterResponse(tc, e.handleARResponse)
	}
	e.arReqCtx = arctx.NewRequestContext(arReqRing, rt, e.handleBusReset)
	e.arRespCtx = arctx.NewResponseContext(arRespRing, rt)

	return e, nil
}

// Close stops both AT contexts and releases the DMA slab. It does not wait
// for in-flight transactions; callers should CancelAll first if a clean
// drain matters.
func (e *Engine) Close() error {
	e.StopWorkloop()
	e.atReqCtx.Stop()
	e.atRespCtx.Stop()
	return e.slab.Close()
}

func (e *Engine) isReadLabel(lbl uint8) bool {
	t := e.txns.Find(lbl)
	if t == nil {
		return false
	}
	switch t.TCode {
	case ohci.TCodeReadQuadlet, ohci.TCodeReadBlock:
		return true
	default:
		return false
	}
}

// handleARResponse matches an inbound response packet to its transaction
// and finalizes it through the transaction manager.
func (e *Engine) handleARResponse(pkt ohci.ParsedPacket) {
	state := e.tracker.GetCurrentState()
	key := txn.MatchKey{NodeID: pkt.SourceID, Generation: state.Generation16, TLabel: pkt.TLabel}
	payload := pkt.Data
	if pkt.TCode == ohci.TCodeReadQuadletResp && payload == nil {
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, pkt.QuadletData)
	}
	e.txns.OnARResponse(key, pkt.RCode, payload)
}

// handleBusReset cancels every transaction from a prior generation once
// the AR-Request context observes the synthetic bus-reset packet. Labels
// return to the pool through each transaction's completion handler, the
// single owner of label release; freeing them here as well would race a
// cancellation handler that immediately resubmits on the same label.
func (e *Engine) handleBusReset(gen8 uint8) {
	e.tracker.OnSyntheticBusReset(gen8)
	e.metrics.ARBusResets.Add(1)
	newGen := e.tracker.GetCurrentState().Generation16
	e.txns.CancelNotGeneration(newGen)
}

// makeHandler wraps a caller's callback with label release, metrics, and
// completion-queue publication; it is invoked exactly once per
// transaction, guaranteed by the txn package's completion-claim CAS.
func (e *Engine) makeHandler(lbl uint8, started time.Time, callback func(Result)) func(txn.Result) {
	return func(r txn.Result) {
		e.labels.Free(lbl)
		code := txStatusToCode(r.Code)
		var errResult error
		if r.Code != txn.StatusSuccess {
			errResult = NewTxError("Complete", lbl, code, r.Detail, nil)
		}
		e.metrics.RecordCompletion(code, uint64(time.Since(started).Nanoseconds()))

		var finalState txn.State
		switch r.Code {
		case txn.StatusSuccess:
			finalState = txn.StateCompleted
		case txn.StatusTimeout:
			finalState = txn.StateTimedOut
		case txn.StatusCancelled:
			finalState = txn.StateCancelled
		default:
			finalState = txn.StateFailed
		}
		e.cq.Push(cq.Token{Label: lbl, State: finalState, Result: r})

		if callback != nil {
			callback(Result{Err: errResult, RCode: r.RCode, Payload: r.Payload})
		}
	}
}

// beginTransaction allocates a label and the transaction-table slot for
// it, wiring callback through makeHandler.
func (e *Engine) beginTransaction(node uint16, tc ohci.TCode, strategy txn.CompletionStrategy, callback func(Result)) (uint8, error) {
	lbl := e.labels.Allocate()
	if lbl == label.Invalid {
		return 0, NewError("Submit", ErrCodeResource, "label space exhausted", nil)
	}
	state := e.tracker.GetCurrentState()
	handler := e.makeHandler(lbl, time.Now(), callback)
	if _, err := e.txns.Allocate(lbl, state.Generation16, node, tc, strategy, e.opts.DefaultTimeout, handler); err != nil {
		e.labels.Free(lbl)
		return 0, WrapError("Submit", err)
	}
	return lbl, nil
}

// finishSubmit builds and arms the descriptor chain for an already
// allocated transaction. A build/submit failure here terminates the
// transaction as a resource error rather than leaving it orphaned in
// Created/Submitted state.
func (e *Engine) finishSubmit(lbl uint8, tc ohci.TCode, headerBytes []byte, payload dma.Region) (AsyncHandle, error) {
	if err := e.submitter.SubmitRequest(headerBytes, tc, payload, uint64(lbl)); err != nil {
		e.txns.FailLabel(lbl, txn.StatusResource, "submit request: "+err.Error())
		return AsyncHandle{}, WrapError("Submit", err)
	}
	if err := e.txns.MarkPosted(lbl); err != nil {
		e.logger.Warn("transaction raced during post", "label", lbl, "err", err.Error())
	}
	e.metrics.RecordSubmit(tc)
	return AsyncHandle{Label: lbl}, nil
}

// Read issues a quadlet (length==4) or block read request to node at addr
// and returns a handle for the split-transaction that will complete on
// the matching AR response.
func (e *Engine) Read(node uint16, addr uint64, length int, callback func(Result)) (AsyncHandle, error) {
	if length <= 0 {
		return AsyncHandle{}, NewError("Read", ErrCodeInvalid, "length must be positive", nil)
	}
	tc := ohci.TCodeReadQuadlet
	if length != 4 {
		tc = ohci.TCodeReadBlock
	}
	lbl, err := e.beginTransaction(node, tc, txn.CompleteOnAR, callback)
	if err != nil {
		return AsyncHandle{}, err
	}
	h := ohci.Header{DestinationID: node, TLabel: lbl, TCode: tc, Speed: ohci.SpeedS400, Retry: 1, Offset: addr, DataLength: uint16(length)}
	var headerBytes []byte
	if tc == ohci.TCodeReadQuadlet {
		headerBytes = h.EncodeQuadletRequest(0)
	} else {
		headerBytes = h.EncodeBlockRequest()
	}
	return e.finishSubmit(lbl, tc, headerBytes, dma.Region{})
}

// Write issues a quadlet (len(data)==4) or block write request carrying
// data to node at addr. Writes complete on AT acknowledgement alone; no
// AR response is awaited under the CompleteOnAT strategy.
func (e *Engine) Write(node uint16, addr uint64, data []byte, callback func(Result)) (AsyncHandle, error) {
	if len(data) == 0 {
		return AsyncHandle{}, NewError("Write", ErrCodeInvalid, "data must not be empty", nil)
	}
	tc := ohci.TCodeWriteQuadlet
	if len(data) != 4 {
		tc = ohci.TCodeWriteBlock
	}
	lbl, err := e.beginTransaction(node, tc, txn.CompleteOnAT, callback)
	if err != nil {
		return AsyncHandle{}, err
	}
	h := ohci.Header{DestinationID: node, TLabel: lbl, TCode: tc, Speed: ohci.SpeedS400, Retry: 1, Offset: addr, DataLength: uint16(len(data))}

	var headerBytes []byte
	var payload dma.Region
	if tc == ohci.TCodeWriteQuadlet {
		headerBytes = h.EncodeQuadletRequest(binary.BigEndian.Uint32(data))
	} else {
		headerBytes = h.EncodeBlockRequest()
		region, err := e.slab.Alloc(len(data))
		if err != nil {
			e.txns.FailLabel(lbl, txn.StatusResource, "dma slab exhausted")
			return AsyncHandle{}, NewTxError("Write", lbl, ErrCodeResource, "dma slab exhausted", err)
		}
		copy(region.Bytes, data)
		e.slab.PublishToDevice(region.Bytes)
		payload = region
	}
	return e.finishSubmit(lbl, tc, headerBytes, payload)
}

// Lock issues a lock request (compare-swap, fetch-add, and the other IEEE
// 1394 extended lock operations identified by extTCode) carrying data to
// node at addr.
func (e *Engine) Lock(node uint16, addr uint64, extTCode uint16, data []byte, callback func(Result)) (AsyncHandle, error) {
	if len(data) == 0 {
		return AsyncHandle{}, NewError("Lock", ErrCodeInvalid, "data must not be empty", nil)
	}
	lbl, err := e.beginTransaction(node, ohci.TCodeLockRequest, txn.CompleteOnAR, callback)
	if err != nil {
		return AsyncHandle{}, err
	}
	h := ohci.Header{DestinationID: node, TLabel: lbl, TCode: ohci.TCodeLockRequest, Speed: ohci.SpeedS400, Retry: 1, Offset: addr, DataLength: uint16(len(data)), ExtendedTCode: extTCode}
	headerBytes := h.EncodeBlockRequest()

	region, err := e.slab.Alloc(len(data))
	if err != nil {
		e.txns.FailLabel(lbl, txn.StatusResource, "dma slab exhausted")
		return AsyncHandle{}, NewTxError("Lock", lbl, ErrCodeResource, "dma slab exhausted", err)
	}
	copy(region.Bytes, data)
	e.slab.PublishToDevice(region.Bytes)
	return e.finishSubmit(lbl, ohci.TCodeLockRequest, headerBytes, region)
}

// SendPhy transmits an 8-byte PHY configuration packet. CompleteOnPHY is
// AT-only: PHY packets are unaddressed broadcasts, so no AR response is
// ever awaited for a PHY send. A busy ACK leaves it to the timeout ladder
// and a data or type error fails it; any other ACK completes it.
func (e *Engine) SendPhy(packet [8]byte, callback func(Result)) (AsyncHandle, error) {
	lbl, err := e.beginTransaction(0xFFFF, ohci.TCodePhy, txn.CompleteOnPHY, callback)
	if err != nil {
		return AsyncHandle{}, err
	}
	return e.finishSubmit(lbl, ohci.TCodePhy, packet[:], dma.Region{})
}

// CancelAll cancels every live transaction, invoking each handler with an
// aborted status and returning its label to the pool.
func (e *Engine) CancelAll() {
	e.txns.CancelAll()
}

// CancelByGeneration cancels every live transaction matching gen.
func (e *Engine) CancelByGeneration(gen uint16) {
	e.txns.CancelByGeneration(gen)
}

// PrepareTransactionContext returns the current bus generation and local
// node ID, or a NotReady error if self-ID has not yet completed.
func (e *Engine) PrepareTransactionContext() (TransactionContext, error) {
	state := e.tracker.GetCurrentState()
	if !state.NodeIDValid {
		return TransactionContext{}, NewError("PrepareTransactionContext", ErrCodeNotReady, "bus not ready: no self-ID completion observed", nil)
	}
	return TransactionContext{Generation: state.Generation16, SourceNodeID: state.LocalNodeID, Ready: true}, nil
}

// GetCompletionQueue returns the SPSC queue external dispatch code drains.
func (e *Engine) GetCompletionQueue() *cq.Queue {
	return e.cq
}

// Metrics returns the engine's transaction metrics.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// OnSelfIDComplete records the local node ID hardware assigned after
// self-ID completion, making PrepareTransactionContext ready.
func (e *Engine) OnSelfIDComplete(nodeID uint16) {
	e.tracker.OnSelfIDComplete(nodeID)
}

// PollATRequest drains completed descriptors from the AT-Request context
// and feeds their ACK/event codes to the transaction manager. Callers
// invoke this once per AT-Request interrupt.
func (e *Engine) PollATRequest() int {
	n := 0
	for {
		c, ok := e.atReqCtx.ScanCompletion()
		if !ok {
			break
		}
		n++
		if !c.HasTLabel {
			continue
		}
		e.txns.OnATCompletion(txn.ATCompletion{
			Label:  c.TLabel,
			Ack:    c.Ack,
			Event:  c.Event,
			IsRead: e.isReadLabel(c.TLabel),
			Quirk:  e.opts.Quirk,
		})
	}
	return n
}

// PollATResponse drains completed descriptors from the AT-Response
// context. The engine does not currently originate response chains (no
// target-side request handling is wired in this module), so this is a
// bookkeeping no-op in practice — it exists for symmetry and so a future
// responder can be added without touching the poll loop shape.
func (e *Engine) PollATResponse() int {
	n := 0
	for {
		_, ok := e.atRespCtx.ScanCompletion()
		if !ok {
			break
		}
		n++
	}
	return n
}

// DrainARRequest parses newly filled bytes out of the AR-Request buffer
// ring, dispatching responses and the synthetic bus-reset packet.
// filledBytes and hardwareMovedOn are read by the caller from the head
// buffer's (and next buffer's) descriptor status words.
func (e *Engine) DrainARRequest(filledBytes int, hardwareMovedOn bool) arctx.DrainResult {
	r := e.arReqCtx.Poll(filledBytes, hardwareMovedOn)
	e.metrics.ARPacketsReceived.Add(uint64(len(r.Packets)))
	return r
}

// DrainARResponse parses newly filled bytes out of the AR-Response buffer
// ring, dispatching each response packet to the transaction manager.
func (e *Engine) DrainARResponse(filledBytes int, hardwareMovedOn bool) arctx.DrainResult {
	r := e.arRespCtx.Poll(filledBytes, hardwareMovedOn)
	e.metrics.ARPacketsReceived.Add(uint64(len(r.Packets)))
	return r
}

// drainARRequestTick reads the AR-Request ring's own head descriptor
// status to compute filledBytes/hardwareMovedOn before draining, so a
// workloop tick can call it with no arguments. Real MMIO backends and
// the simulated hardness both expose these through ring.BufferRing.
func (e *Engine) drainARRequestTick() int {
	filled := e.arReqRing.HeadFilledBytes()
	movedOn := e.arReqRing.HardwareMovedOn()
	return len(e.DrainARRequest(filled, movedOn).Packets)
}

// drainARResponseTick is drainARRequestTick's AR-Response counterpart.
func (e *Engine) drainARResponseTick() int {
	filled := e.arRespRing.HeadFilledBytes()
	movedOn := e.arRespRing.HardwareMovedOn()
	return len(e.DrainARResponse(filled, movedOn).Packets)
}

// RunWorkloop starts the pinned background goroutine that drives AT
// completion scans, AR drains, and the timeout ladder. cpuIndex pins the
// loop's OS thread via
// SchedSetaffinity; pass a negative value to skip affinity pinning while
// still locking the OS thread. Calling RunWorkloop twice without an
// intervening Close is a no-op on the second call.
func (e *Engine) RunWorkloop(cpuIndex int, idleBackoff time.Duration) {
	if e.loop == nil {
		e.loop = workloop.New(workloop.Tick{
			PollATRequest:   e.PollATRequest,
			PollATResponse:  e.PollATResponse,
			DrainARRequest:  e.drainARRequestTick,
			DrainARResponse: e.drainARResponseTick,
			CheckTimeouts:   e.CheckTimeouts,
		}, workloop.Config{CPUIndex: cpuIndex, IdleBackoff: idleBackoff, Logger: e.logger})
	}
	e.loop.Start()
}

// StopWorkloop stops the workloop goroutine started by RunWorkloop,
// blocking until it has exited. Safe to call if RunWorkloop was never
// called.
func (e *Engine) StopWorkloop() {
	if e.loop != nil {
		e.loop.Stop()
	}
}

// CheckTimeouts scans every live transaction for a crossed deadline and
// hands it to the transaction manager's retry/timeout ladder. Callers
// invoke this periodically (e.g. from a timer wheel or workloop tick).
func (e *Engine) CheckTimeouts() {
	now := time.Now()
	e.txns.ForEachTransaction(func(t *txn.Transaction) {
		if t.State().Terminal() {
			return
		}
		if now.After(t.Deadline()) {
			e.txns.OnTimeout(t.Label)
		}
	})
}
