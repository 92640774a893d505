package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_cycles_total",
		Help: "Completed poll cycles.",
	})
	cycleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_cycle_failures_total",
		Help: "Cycles abandoned because of a transport failure.",
	})
	parseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_parse_failures_total",
		Help: "Hosts whose client list could not be parsed, per host.",
	}, []string{"host"})
	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_publish_failures_total",
		Help: "Diffs that could not be published to the bus.",
	})
	connectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_connects_total",
		Help: "Connect transitions published.",
	})
	disconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_disconnects_total",
		Help: "Disconnect transitions published.",
	})
	presentClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_clients",
		Help: "Clients currently believed present, per aggregation key.",
	}, []string{"key"})
)
