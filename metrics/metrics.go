package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveriesTotal counts outbound inbox deliveries by result (ok, failed).
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallipub_deliveries_total",
			Help: "Outbound activity deliveries by result.",
		},
		[]string{"result"},
	)

	// RefreshesTotal counts upstream refresh attempts by result
	// (ok, unchanged, gone, transient).
	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallipub_refreshes_total",
			Help: "Upstream content refresh attempts by result.",
		},
		[]string{"result"},
	)

	// InboundActivitiesTotal counts accepted inbound activities by type.
	InboundActivitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallipub_inbound_activities_total",
			Help: "Inbound federation activities by type.",
		},
		[]string{"type"},
	)
)
