package unialloc

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestReadStats(t *testing.T) {
	p := Alloc(64, 8)
	require.NotNil(t, p)

	s := ReadStats()
	require.Positive(t, s.HeapSys)
	require.Positive(t, s.MetaSys)
	require.Positive(t, s.Mallocs)
	require.GreaterOrEqual(t, s.Mallocs, s.Frees)

	Free(p, 64, 8)
	require.GreaterOrEqual(t, ReadStats().Frees, s.Frees+1)
}

func TestStatsCollector(t *testing.T) {
	p := Alloc(64, 8)
	require.NotNil(t, p)
	Free(p, 64, 8)

	c := NewStatsCollector()
	require.Equal(t, 6, testutil.CollectAndCount(c))

	problems, err := testutil.CollectAndLint(c)
	require.NoError(t, err)
	require.Empty(t, problems)
}
