package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohcifw/async-engine/internal/constants"
	"github.com/ohcifw/async-engine/internal/ohci"
)

func allocateTestTransaction(t *testing.T, m *Manager, label uint8, gen uint16, nodeID uint16, tc ohci.TCode, strategy CompletionStrategy, handler func(Result)) *Transaction {
	t.Helper()
	tx, err := m.Allocate(label, gen, nodeID, tc, strategy, 50*time.Millisecond, handler)
	require.NoError(t, err)
	require.NoError(t, m.MarkPosted(label))
	return tx
}

func TestManager_AllocateRejectsBusyLabel(t *testing.T) {
	m := NewManager()
	_, err := m.Allocate(5, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, time.Second, nil)
	require.NoError(t, err)

	_, err = m.Allocate(5, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, time.Second, nil)
	assert.Error(t, err)
}

func TestManager_OnATCompletion_WriteQuadletCompletesOnAckComplete(t *testing.T) {
	m := NewManager()
	var result Result
	var calls int
	allocateTestTransaction(t, m, 2, 1, 0x1, ohci.TCodeWriteQuadlet, CompleteOnAT, func(r Result) {
		calls++
		result = r
	})

	m.OnATCompletion(ATCompletion{Label: 2, Ack: ohci.AckComplete, Event: ohci.EvtAckComplete})

	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusSuccess, result.Code)
	assert.Nil(t, m.Find(2), "completed transaction must be extracted from its slot")
}

func TestManager_OnATCompletion_ReadQuadletWaitsForAR(t *testing.T) {
	m := NewManager()
	var calls int
	allocateTestTransaction(t, m, 3, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(Result) {
		calls++
	})

	m.OnATCompletion(ATCompletion{Label: 3, Ack: ohci.AckComplete, Event: ohci.EvtAckComplete, IsRead: true})

	assert.Equal(t, 0, calls, "a read's AT completion must not finish the transaction on its own")
	tx := m.Find(3)
	require.NotNil(t, tx)
	assert.Equal(t, StateAwaitingAR, tx.State())
}

func TestManager_OnATCompletion_HardwareTimeoutFails(t *testing.T) {
	m := NewManager()
	var result Result
	allocateTestTransaction(t, m, 4, 1, 0x1, ohci.TCodeWriteQuadlet, CompleteOnAT, func(r Result) {
		result = r
	})

	m.OnATCompletion(ATCompletion{Label: 4, Ack: ohci.AckBusyX, Event: ohci.EvtTimeout})

	assert.Equal(t, StatusTimeout, result.Code)
	assert.Nil(t, m.Find(4))
}

func TestManager_OnATCompletion_DataErrorFails(t *testing.T) {
	m := NewManager()
	var result Result
	allocateTestTransaction(t, m, 6, 1, 0x1, ohci.TCodeWriteQuadlet, CompleteOnAT, func(r Result) {
		result = r
	})

	m.OnATCompletion(ATCompletion{Label: 6, Ack: ohci.AckDataError, Event: ohci.EvtAckComplete})

	assert.Equal(t, StatusHardwareError, result.Code)
	assert.Nil(t, m.Find(6))
}

func TestManager_OnATCompletion_BusyExtendsDeadlineWithoutFinishing(t *testing.T) {
	m := NewManager()
	var calls int
	allocateTestTransaction(t, m, 7, 1, 0x1, ohci.TCodeWriteQuadlet, CompleteOnAT, func(Result) {
		calls++
	})
	tx := m.Find(7)
	before := tx.Deadline()

	m.OnATCompletion(ATCompletion{Label: 7, Ack: ohci.AckBusyA, Event: ohci.EvtAckComplete})

	assert.Equal(t, 0, calls)
	assert.True(t, tx.Deadline().After(before))
	assert.Equal(t, 1, tx.Retries())
}

// TestManager_OnATCompletion_AgereQuirkRemapsEventToAckComplete covers the
// Agere/LSI controllers that report event code 0x10 where the standard ACK
// nibble would say complete: with the quirk selected, the event remaps to
// ack_complete and the write finishes successfully.
func TestManager_OnATCompletion_AgereQuirkRemapsEventToAckComplete(t *testing.T) {
	m := NewManager()
	var result Result
	var calls int
	allocateTestTransaction(t, m, 8, 1, 0x1, ohci.TCodeWriteQuadlet, CompleteOnAT, func(r Result) {
		calls++
		result = r
	})

	m.OnATCompletion(ATCompletion{Label: 8, Ack: ohci.AckTardy, Event: ohci.EvtAgereQuirk, Quirk: constants.QuirkAgereEventAckComplete})

	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusSuccess, result.Code)
	assert.Nil(t, m.Find(8))
}

func TestManager_OnATCompletion_AgereEventWithoutQuirkWaitsForAR(t *testing.T) {
	m := NewManager()
	var calls int
	allocateTestTransaction(t, m, 9, 1, 0x1, ohci.TCodeWriteQuadlet, CompleteOnAT, func(Result) {
		calls++
	})

	m.OnATCompletion(ATCompletion{Label: 9, Ack: ohci.AckTardy, Event: ohci.EvtAgereQuirk})

	assert.Equal(t, 0, calls, "without the quirk, event 0x10 must not be treated as a completion")
	tx := m.Find(9)
	require.NotNil(t, tx)
	assert.Equal(t, StateAwaitingAR, tx.State())
}

func TestManager_OnATCompletion_IgnoresUnknownLabel(t *testing.T) {
	m := NewManager()
	assert.NotPanics(t, func() {
		m.OnATCompletion(ATCompletion{Label: 9, Ack: ohci.AckComplete})
	})
}

func TestManager_OnARResponse_CompletesMatchingTransaction(t *testing.T) {
	m := NewManager()
	var result Result
	allocateTestTransaction(t, m, 10, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(r Result) {
		result = r
	})
	m.OnATCompletion(ATCompletion{Label: 10, Ack: ohci.AckComplete, Event: ohci.EvtAckComplete, IsRead: true})

	m.OnARResponse(MatchKey{NodeID: 0x1, Generation: 1, TLabel: 10}, 0, []byte{1, 2, 3, 4})

	assert.Equal(t, StatusSuccess, result.Code)
	assert.Equal(t, []byte{1, 2, 3, 4}, result.Payload)
	assert.Nil(t, m.Find(10))
}

func TestManager_OnARResponse_NonZeroRCodeFails(t *testing.T) {
	m := NewManager()
	var result Result
	allocateTestTransaction(t, m, 11, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(r Result) {
		result = r
	})
	m.OnATCompletion(ATCompletion{Label: 11, Ack: ohci.AckComplete, Event: ohci.EvtAckComplete, IsRead: true})

	m.OnARResponse(MatchKey{NodeID: 0x1, Generation: 1, TLabel: 11}, 7, nil)

	assert.Equal(t, StatusHardwareError, result.Code)
	assert.Equal(t, uint8(7), result.RCode)
}

func TestManager_OnARResponse_WrongGenerationDoesNotMatch(t *testing.T) {
	m := NewManager()
	var calls int
	allocateTestTransaction(t, m, 12, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(Result) {
		calls++
	})
	m.OnATCompletion(ATCompletion{Label: 12, Ack: ohci.AckComplete, Event: ohci.EvtAckComplete, IsRead: true})

	m.OnARResponse(MatchKey{NodeID: 0x1, Generation: 2, TLabel: 12}, 0, nil)

	assert.Equal(t, 0, calls, "a response from a stale generation must not complete the transaction")
	assert.NotNil(t, m.Find(12))
}

// TestManager_OnARResponse_WinsRaceAgainstStillPostedAT reproduces the
// split-transaction race: the response arrives while the
// workloop has not yet scanned the transaction's AT completion, so the
// transaction is still sitting in StateATPosted.
func TestManager_OnARResponse_WinsRaceAgainstStillPostedAT(t *testing.T) {
	m := NewManager()
	var result Result
	var calls int
	tx := allocateTestTransaction(t, m, 13, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(r Result) {
		calls++
		result = r
	})
	require.Equal(t, StateATPosted, tx.State())

	m.OnARResponse(MatchKey{NodeID: 0x1, Generation: 1, TLabel: 13}, 0, []byte{0xAA})

	assert.Equal(t, 1, calls, "the AR response must win the race and finish the transaction on its own")
	assert.Equal(t, StatusSuccess, result.Code)
	assert.Nil(t, m.Find(13))
}

// TestManager_RaceBetweenATCompletionAndARResponse_FiresHandlerExactlyOnce
// drives both completion sources for the same transaction and checks the
// completionTaken CAS lets only the first one through, regardless of
// which order they're delivered in.
func TestManager_RaceBetweenATCompletionAndARResponse_FiresHandlerExactlyOnce(t *testing.T) {
	m := NewManager()
	var calls int
	allocateTestTransaction(t, m, 14, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(Result) {
		calls++
	})

	m.OnARResponse(MatchKey{NodeID: 0x1, Generation: 1, TLabel: 14}, 0, nil)
	// The AT completion arrives after the response already finished the
	// transaction and cleared its slot; OnATCompletion must be a no-op.
	m.OnATCompletion(ATCompletion{Label: 14, Ack: ohci.AckComplete, Event: ohci.EvtAckComplete, IsRead: true})

	assert.Equal(t, 1, calls)
}

func TestManager_OnTimeout_ExtendsDeadlineForBusyAckWithinRetryBudget(t *testing.T) {
	m := NewManager()
	var calls int
	allocateTestTransaction(t, m, 15, 1, 0x1, ohci.TCodeWriteQuadlet, CompleteOnAT, func(Result) {
		calls++
	})
	tx := m.Find(15)
	tx.SetAckCode(ohci.AckBusyA)

	m.OnTimeout(15)

	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, tx.Retries())
	assert.NotNil(t, m.Find(15))
}

func TestManager_OnTimeout_FinishesAfterRetryBudgetExhausted(t *testing.T) {
	m := NewManager()
	var result Result
	allocateTestTransaction(t, m, 16, 1, 0x1, ohci.TCodeWriteQuadlet, CompleteOnAT, func(r Result) {
		result = r
	})
	tx := m.Find(16)
	tx.SetAckCode(ohci.AckBusyA)

	for i := 0; i <= constants.MaxBusyRetries; i++ {
		m.OnTimeout(16)
	}

	assert.Equal(t, StatusTimeout, result.Code)
	assert.Nil(t, m.Find(16))
}

func TestManager_OnTimeout_IgnoresUnknownLabel(t *testing.T) {
	m := NewManager()
	assert.NotPanics(t, func() {
		m.OnTimeout(20)
	})
}

func TestManager_CancelByGeneration_CancelsOnlyMatchingGeneration(t *testing.T) {
	m := NewManager()
	var oldResult Result
	var newCalls int
	allocateTestTransaction(t, m, 21, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(r Result) {
		oldResult = r
	})
	allocateTestTransaction(t, m, 22, 2, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(Result) {
		newCalls++
	})

	labels := m.CancelByGeneration(1)

	assert.Equal(t, []uint8{21}, labels)
	assert.Equal(t, StatusCancelled, oldResult.Code)
	assert.Equal(t, 0, newCalls, "generation-2 transaction must be untouched")
	assert.NotNil(t, m.Find(22))
}

func TestManager_CancelNotGeneration_CancelsEverythingElse(t *testing.T) {
	m := NewManager()
	var oldResult Result
	var newCalls int
	allocateTestTransaction(t, m, 23, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(r Result) {
		oldResult = r
	})
	allocateTestTransaction(t, m, 24, 2, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(Result) {
		newCalls++
	})

	labels := m.CancelNotGeneration(2)

	assert.Equal(t, []uint8{23}, labels)
	assert.Equal(t, StatusCancelled, oldResult.Code)
	assert.Equal(t, 0, newCalls)
	assert.NotNil(t, m.Find(24))
}

func TestManager_CancelAll_CancelsEveryLiveTransaction(t *testing.T) {
	m := NewManager()
	var calls int
	allocateTestTransaction(t, m, 25, 1, 0x1, ohci.TCodeReadQuadlet, CompleteOnAR, func(Result) { calls++ })
	allocateTestTransaction(t, m, 26, 1, 0x2, ohci.TCodeReadQuadlet, CompleteOnAR, func(Result) { calls++ })

	m.CancelAll()

	assert.Equal(t, 2, calls)
	assert.Nil(t, m.Find(25))
	assert.Nil(t, m.Find(26))
}

func TestManager_FailLabel_FinishesLiveTransactionOnly(t *testing.T) {
	m := NewManager()
	var result Result
	allocateTestTransaction(t, m, 27, 1, 0x1, ohci.TCodeWriteQuadlet, CompleteOnAT, func(r Result) {
		result = r
	})

	m.FailLabel(27, StatusResource, "ring full")
	assert.Equal(t, StatusResource, result.Code)
	assert.Nil(t, m.Find(27))

	// A second call against the now-empty slot must be a no-op.
	assert.NotPanics(t, func() {
		m.FailLabel(27, StatusResource, "ring full")
	})
}
