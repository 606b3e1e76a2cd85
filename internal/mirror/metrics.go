package mirror

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_mirror_snapshots_applied_total",
		Help: "Subscription snapshots applied, per collection.",
	}, []string{"collection"})

	snapshotErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_mirror_snapshot_errors_total",
		Help: "Subscription stream errors, per collection.",
	}, []string{"collection"})

	decodeRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_mirror_decode_rejects_total",
		Help: "Documents quarantined at the decode boundary, per collection.",
	}, []string{"collection"})

	documentsMirrored = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portal_mirror_documents",
		Help: "Documents currently mirrored, per collection.",
	}, []string{"collection"})
)
