package registry

import "github.com/prometheus/client_golang/prometheus"

var (
	registryShares = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_shares_total",
		Help: "Total number of shares evaluated by the template registry, by outcome",
	}, []string{"status"})

	registryStaleShares = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_stale_shares_total",
		Help: "Shares accepted against a job outside the live prevhash bucket",
	})

	registryBlocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_blocks_found_total",
		Help: "Block candidates accepted by the upstream daemon",
	})

	registryInternalInconsistencies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_internal_inconsistency_total",
		Help: "Post-finalize validation failures on a block candidate",
	})
)

func init() {
	prometheus.MustRegister(registryShares)
	prometheus.MustRegister(registryStaleShares)
	prometheus.MustRegister(registryBlocksFound)
	prometheus.MustRegister(registryInternalInconsistencies)
}

// registryMetrics is a thin per-instance handle onto the package's
// process-wide Prometheus collectors, keeping the registry type itself free
// of global state.
type registryMetrics struct{}

func newRegistryMetrics() *registryMetrics {
	return &registryMetrics{}
}

func (m *registryMetrics) shareAccepted(candidate bool) {
	if candidate {
		registryShares.WithLabelValues("candidate").Inc()
		return
	}
	registryShares.WithLabelValues("accepted").Inc()
}

func (m *registryMetrics) shareRejected(reason string) {
	registryShares.WithLabelValues("rejected_" + reason).Inc()
}

func (m *registryMetrics) blockFound() {
	registryBlocksFound.Inc()
}

func (m *registryMetrics) internalInconsistency() {
	registryInternalInconsistencies.Inc()
}
