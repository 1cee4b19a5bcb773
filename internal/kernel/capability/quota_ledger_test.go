package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
)

func TestLedgerChargeWithinBudget(t *testing.T) {
	l := NewLedger()
	tok := &Token{TokenID: "t1", Quota: Quota{MaxMemoryBytes: 1024}}

	require.NoError(t, l.Charge(tok, DimMemory, 512))
	require.NoError(t, l.Charge(tok, DimMemory, 512))

	u := l.Snapshot("t1")
	require.NotNil(t, u)
	assert.Equal(t, int64(1024), u.MemoryBytes)
}

func TestLedgerChargeExceedsBudget(t *testing.T) {
	l := NewLedger()
	tok := &Token{TokenID: "t1", Quota: Quota{MaxMemoryBytes: 1024}}

	require.NoError(t, l.Charge(tok, DimMemory, 1024))
	err := l.Charge(tok, DimMemory, 1)
	require.Error(t, err)
	assert.Equal(t, kernelerr.KindQuotaExceeded, kernelerr.KindOf(err))
}

func TestLedgerZeroBudgetIsUnbounded(t *testing.T) {
	l := NewLedger()
	tok := &Token{TokenID: "t1"}
	require.NoError(t, l.Charge(tok, DimCPUNanos, 1<<40))
}

func TestLedgerReleaseClearsUsage(t *testing.T) {
	l := NewLedger()
	tok := &Token{TokenID: "t1", Quota: Quota{MaxAsyncOps: 5}}
	require.NoError(t, l.Charge(tok, DimAsyncOps, 5))

	l.Release("t1")
	assert.Nil(t, l.Snapshot("t1"))

	require.NoError(t, l.Charge(tok, DimAsyncOps, 5))
}
