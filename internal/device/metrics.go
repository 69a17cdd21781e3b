package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hammerblade_pool_hits_total",
		Help: "Total number of tensor pool retrievals served from the pool",
	}, []string{"device"})

	poolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hammerblade_pool_misses_total",
		Help: "Total number of tensor pool misses (allocations)",
	}, []string{"device"})

	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hammerblade_kernel_launches_total",
		Help: "Kernel launches by kernel name and outcome",
	}, []string{"kernel", "status"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hammerblade_kernel_duration_seconds",
		Help:    "Wall time of kernel launches on the tile group",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"kernel"})

	dmaBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hammerblade_dma_bytes_total",
		Help: "Bytes moved between host and device DRAM",
	}, []string{"direction"})

	dramAllocatedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hammerblade_dram_allocated_bytes",
		Help: "Current device DRAM allocated to tensors",
	}, []string{"device"})

	breakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hammerblade_breaker_open",
		Help: "1 while the device circuit breaker rejects launches",
	}, []string{"device"})
)

const (
	dmaHostToDevice = "h2d"
	dmaDeviceToHost = "d2h"
)
