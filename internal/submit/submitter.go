// Package submit implements the chain submitter: a thin
// orchestrator sitting in front of the two AT context managers (Request
// and Response) so that building a chain for one queue never blocks, or
// starves, submission to the other.
package submit

import (
	"fmt"

	"github.com/ohcifw/async-engine/internal/atctx"
	"github.com/ohcifw/async-engine/internal/descbuild"
	"github.com/ohcifw/async-engine/internal/dma"
	"github.com/ohcifw/async-engine/internal/ohci"
)

// Submitter owns one descriptor builder and AT context manager per
// direction (outbound requests, outbound responses) and hands a built
// chain to the matching context manager's Submit, which picks PATH 1 vs
// PATH 2 on its own.
type Submitter struct {
	reqBuilder *descbuild.Builder
	reqCtx     *atctx.Manager

	respBuilder *descbuild.Builder
	respCtx     *atctx.Manager
}

// New returns a Submitter wired to the given per-direction builder/context
// pairs.
func New(reqBuilder *descbuild.Builder, reqCtx *atctx.Manager, respBuilder *descbuild.Builder, respCtx *atctx.Manager) *Submitter {
	return &Submitter{reqBuilder: reqBuilder, reqCtx: reqCtx, respBuilder: respBuilder, respCtx: respCtx}
}

// SubmitRequest builds and submits an outbound request packet (the
// transaction-initiating side: quadlet/block read or write, lock
// request).
func (s *Submitter) SubmitRequest(headerBytes []byte, tc ohci.TCode, payload dma.Region, txID uint64) error {
	chain, err := s.reqBuilder.BuildTransactionChain(headerBytes, tc, payload, txID)
	if err != nil {
		return fmt.Errorf("submit: build request chain: %w", err)
	}
	if err := s.reqCtx.Submit(chain); err != nil {
		return fmt.Errorf("submit: arm AT request context: %w", err)
	}
	return nil
}

// SubmitResponse builds and submits an outbound response packet (our
// local target returning a response to a request it received).
func (s *Submitter) SubmitResponse(headerBytes []byte, tc ohci.TCode, payload dma.Region, txID uint64) error {
	chain, err := s.respBuilder.BuildTransactionChain(headerBytes, tc, payload, txID)
	if err != nil {
		return fmt.Errorf("submit: build response chain: %w", err)
	}
	if err := s.respCtx.Submit(chain); err != nil {
		return fmt.Errorf("submit: arm AT response context: %w", err)
	}
	return nil
}
