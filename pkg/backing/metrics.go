package backing

import "github.com/prometheus/client_golang/prometheus"

// Allocation outcomes, one sample per managed allocation attempt.
const (
	statusSuccess           = "success"
	statusSuccessAfterRetry = "success_after_retry"
	statusAddressSpaceLimit = "address_space_limit"
	statusOtherFailure      = "other_failure"
)

var (
	allocationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backing_store_allocation_results_total",
		Help: "Managed allocation outcomes by status.",
	}, []string{"status"})

	bigAllocationSizes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "backing_store_big_allocations_mebibytes",
		Help:    "Sizes of external-allocator allocations of at least 1 MiB.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	sharedAllocationSizes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "backing_store_shared_allocations_mebibytes",
		Help:    "Sizes of shared external-allocator allocations of at least 1 MiB.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	allocationSizeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backing_store_allocation_size_failures_total",
		Help: "External-allocator allocations that returned no memory.",
	})

	reservedAddressSpace = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "backing_store_reserved_address_space_bytes",
		Help: "Virtual address space currently charged against the reservation ceiling.",
	}, func() float64 { return float64(ReservedAddressSpace()) })
)

func recordStatus(status string) {
	allocationResults.WithLabelValues(status).Inc()
}

// Collectors returns every collector this package samples into. The
// samples are fire and forget; registering them anywhere is optional.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		allocationResults,
		bigAllocationSizes,
		sharedAllocationSizes,
		allocationSizeFailures,
		reservedAddressSpace,
	}
}

// MustRegister registers all collectors with r.
func MustRegister(r prometheus.Registerer) {
	r.MustRegister(Collectors()...)
}
