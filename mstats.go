// Allocator statistics.

package unialloc

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Statistics. All fields are updated atomically; readers see a
// possibly-sliding but never-torn view.
type heapStats struct {
	heapSys      atomic.Uint64 // bytes of arena obtained from the OS
	heapInuse    atomic.Uint64 // bytes in runs handed out by the page heap
	heapReleased atomic.Uint64 // bytes unmapped back to the OS
	metaSys      atomic.Uint64 // bytes of metadata (records, pageMap nodes)

	nmalloc     atomic.Uint64 // cumulative allocations
	nfree       atomic.Uint64 // cumulative frees
	nlargealloc atomic.Uint64 // cumulative large allocations
	nlargefree  atomic.Uint64 // cumulative large frees
}

var memstats heapStats

// Stats is a point-in-time copy of the allocator's counters.
type Stats struct {
	HeapSys      uint64 // bytes of heap address space mapped
	HeapInuse    uint64 // bytes in live page runs
	HeapReleased uint64 // bytes returned to the OS
	MetaSys      uint64 // metadata bytes

	Mallocs     uint64
	Frees       uint64
	LargeAllocs uint64
	LargeFrees  uint64
}

// ReadStats returns a snapshot of the allocator counters.
func ReadStats() Stats {
	return Stats{
		HeapSys:      memstats.heapSys.Load(),
		HeapInuse:    memstats.heapInuse.Load(),
		HeapReleased: memstats.heapReleased.Load(),
		MetaSys:      memstats.metaSys.Load(),
		Mallocs:      memstats.nmalloc.Load(),
		Frees:        memstats.nfree.Load(),
		LargeAllocs:  memstats.nlargealloc.Load(),
		LargeFrees:   memstats.nlargefree.Load(),
	}
}

var (
	descHeapSys = prometheus.NewDesc(
		"unialloc_heap_sys_bytes",
		"Heap address space mapped from the operating system.",
		nil, nil)
	descHeapInuse = prometheus.NewDesc(
		"unialloc_heap_inuse_bytes",
		"Bytes in page runs handed out by the backend.",
		nil, nil)
	descHeapReleased = prometheus.NewDesc(
		"unialloc_heap_released_bytes",
		"Bytes unmapped back to the operating system.",
		nil, nil)
	descMetaSys = prometheus.NewDesc(
		"unialloc_metadata_bytes",
		"Bytes of allocator metadata.",
		nil, nil)
	descMallocs = prometheus.NewDesc(
		"unialloc_mallocs_total",
		"Cumulative count of allocations.",
		nil, nil)
	descFrees = prometheus.NewDesc(
		"unialloc_frees_total",
		"Cumulative count of frees.",
		nil, nil)
)

type statsCollector struct{}

// NewStatsCollector returns a prometheus collector exposing the
// allocator's counters.
func NewStatsCollector() prometheus.Collector {
	return statsCollector{}
}

func (statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descHeapSys
	ch <- descHeapInuse
	ch <- descHeapReleased
	ch <- descMetaSys
	ch <- descMallocs
	ch <- descFrees
}

func (statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := ReadStats()
	ch <- prometheus.MustNewConstMetric(descHeapSys, prometheus.GaugeValue, float64(s.HeapSys))
	ch <- prometheus.MustNewConstMetric(descHeapInuse, prometheus.GaugeValue, float64(s.HeapInuse))
	ch <- prometheus.MustNewConstMetric(descHeapReleased, prometheus.GaugeValue, float64(s.HeapReleased))
	ch <- prometheus.MustNewConstMetric(descMetaSys, prometheus.GaugeValue, float64(s.MetaSys))
	ch <- prometheus.MustNewConstMetric(descMallocs, prometheus.CounterValue, float64(s.Mallocs))
	ch <- prometheus.MustNewConstMetric(descFrees, prometheus.CounterValue, float64(s.Frees))
}
