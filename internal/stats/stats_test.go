package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRegisterAndSet(t *testing.T) {
	c := NewCollector("kerncore")
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.PMMFreePages.Set(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(c.PMMFreePages))
}

func TestBuildHeapProfileShape(t *testing.T) {
	sites := []AllocSite{
		{Function: "slab.Alloc", Bytes: 4096, Count: 10},
		{Function: "buddy.AllocOrder", Bytes: 8192, Count: 2},
	}
	p := BuildHeapProfile(sites, time.Unix(0, 0))
	require.Len(t, p.Sample, 2)
	assert.EqualValues(t, 4096, p.Sample[0].Value[1])
}

func TestDebugTableRendersAllRows(t *testing.T) {
	out := DebugTable(Snapshot{
		PMMFreePages:   1234567,
		PMMUsedPages:   8,
		BuddyFreePages: 16,
		BuddyUsedPages: 0,
		SlabCacheCount: 3,
		SchedReadyLen:  2,
		SchedTaskCount: 5,
	})
	assert.Contains(t, out, "pmm free pages")
	assert.Contains(t, out, "1,234,567")
	assert.Contains(t, out, "sched task count")
}
