// Package metrics declares the prometheus collectors for the sync and negotiation protocols.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreTransactions counts store transactions by operation and result.
	StoreTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synctube_store_transactions_total",
		Help: "Store transactions by operation and result",
	}, []string{"operation", "result"})

	// StoreWriteFailures counts mid-session writes that were dropped after failing.
	StoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synctube_store_write_failures_total",
		Help: "Non-transactional writes that failed and were not retried",
	}, []string{"operation"})

	// Signals counts signaling messages by type and direction (in, out, stale, ignored).
	Signals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synctube_signals_total",
		Help: "Signaling messages by type and direction",
	}, []string{"type", "direction"})

	// DriftCorrections counts local seeks issued by the drift corrector.
	DriftCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synctube_drift_corrections_total",
		Help: "Drift corrections by trigger (threshold, manual)",
	}, []string{"trigger"})

	// PeerLinks is the number of open peer links by health.
	PeerLinks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synctube_peer_links",
		Help: "Open peer links by health",
	}, []string{"health"})

	// GatewayConnections is the number of open realtime gateway sockets.
	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synctube_gateway_connections",
		Help: "Open realtime gateway WebSocket connections",
	})
)
