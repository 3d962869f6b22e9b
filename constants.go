package async

import "github.com/ohcifw/async-engine/internal/constants"

// ChipsetQuirk selects controller-specific deviations from strict OHCI
// 1.1 behavior, re-exported so callers can populate Options.Quirk without
// reaching into internal packages.
type ChipsetQuirk = constants.ChipsetQuirk

// Quirk selectors for Options.Quirk.
const (
	QuirkNone                  = constants.QuirkNone
	QuirkAgereEventAckComplete = constants.QuirkAgereEventAckComplete
)

// Re-exported tuning constants for callers assembling Options.
const (
	LabelCount                = constants.LabelCount
	DefaultATDescriptorBlocks = constants.DefaultATDescriptorBlocks
	DefaultARBufferCount      = constants.DefaultARBufferCount
	DefaultARBufferSize       = constants.DefaultARBufferSize
	DefaultDMASlabBytes       = constants.DefaultDMASlabBytes
	DefaultIOVABase           = constants.DefaultIOVABase
	DefaultTransactionTimeout = constants.DefaultTransactionTimeout
)
