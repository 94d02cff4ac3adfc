// Package metrics exposes Prometheus counters for the poller, the store
// writer and the federation. They are served on the API /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SNMPRequests counts wire-level SNMP requests by operation.
	SNMPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcss3_snmp_requests_total",
		Help: "SNMP requests issued, by operation.",
	}, []string{"op"})

	// Refreshes counts device refresh outcomes.
	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcss3_refreshes_total",
		Help: "Device refreshes, by result.",
	}, []string{"result"})

	// StoreWrites counts committed writer transactions.
	StoreWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qcss3_store_writes_total",
		Help: "Committed inventory write transactions.",
	})

	// FederationRequests counts backend requests issued by the federation,
	// by result.
	FederationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcss3_federation_requests_total",
		Help: "Federation backend requests, by result.",
	}, []string{"result"})
)
