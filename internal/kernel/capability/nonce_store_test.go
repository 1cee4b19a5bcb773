package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
)

func TestNonceStoreRejectsReplay(t *testing.T) {
	ns := NewNonceStore(time.Minute)
	defer ns.Stop()

	require.NoError(t, ns.CheckAndMark("tok-1"))

	err := ns.CheckAndMark("tok-1")
	require.Error(t, err)
	assert.Equal(t, kernelerr.KindCapabilityDenied, kernelerr.KindOf(err))
}

func TestNonceStoreDistinctTokensIndependent(t *testing.T) {
	ns := NewNonceStore(time.Minute)
	defer ns.Stop()

	require.NoError(t, ns.CheckAndMark("tok-1"))
	require.NoError(t, ns.CheckAndMark("tok-2"))
}

func TestNonceStoreAllowsReuseAfterTTL(t *testing.T) {
	ns := NewNonceStore(10 * time.Millisecond)
	defer ns.Stop()

	require.NoError(t, ns.CheckAndMark("tok-1"))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ns.CheckAndMark("tok-1"))
}
