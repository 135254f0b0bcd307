package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo is a constant 1 gauge labelled with version, commit and process role.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "allura_build_info",
			Help: "Allura build information.",
		},
		[]string{"version", "commit", "role"},
	)
)

// InitBuildInfo registers build_info once and sets its value.
func InitBuildInfo(version, commit, role string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, role).Set(1)
}
