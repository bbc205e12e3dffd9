package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollector_SampleProducesNonZeroTotals(t *testing.T) {
	c, err := NewCollector("/", time.Minute)
	require.NoError(t, err)

	c.sample()
	snap := c.Snapshot()

	require.Greater(t, snap.MemoryTotalBytes, uint64(0))
	require.Greater(t, snap.DiskTotalBytes, uint64(0))
}

func TestCollector_CPUPercentRequiresTwoSamples(t *testing.T) {
	c, err := NewCollector("/", time.Minute)
	require.NoError(t, err)

	c.sample()
	first := c.Snapshot()
	require.Equal(t, float64(0), first.CPUPercent)

	c.sample()
	second := c.Snapshot()
	require.GreaterOrEqual(t, second.CPUPercent, float64(0))
}

func TestCollector_StartAndStop(t *testing.T) {
	c, err := NewCollector("/", time.Millisecond)
	require.NoError(t, err)

	c.Start()
	time.Sleep(5 * time.Millisecond)
	c.Stop()

	snap := c.Snapshot()
	require.Greater(t, snap.MemoryTotalBytes, uint64(0))
}
