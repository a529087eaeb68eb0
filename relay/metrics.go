package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/meshsync/graph"
)

// relay counters on a registry owned by the relay
type Metrics struct {
	registry *prometheus.Registry

	Connections prometheus.Gauge
	Inbound     prometheus.Counter
	Outbound    prometheus.Counter
	Malformed   prometheus.Counter
	WriteErrors prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshsync_relay_connections",
			Help: "Current number of open websocket connections",
		}),
		Inbound: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshsync_relay_inbound_messages_total",
			Help: "Total number of valid messages received from connections",
		}),
		Outbound: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshsync_relay_outbound_messages_total",
			Help: "Total number of messages written to connections",
		}),
		Malformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshsync_relay_malformed_messages_total",
			Help: "Total number of inbound messages dropped as malformed",
		}),
		WriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshsync_relay_write_errors_total",
			Help: "Total number of failed writes, each closing its connection",
		}),
	}
}

func (self *Metrics) Registry() *prometheus.Registry {
	return self.registry
}

// exports the graph size and the process runtime
func (self *Metrics) RegisterGraph(g *graph.Graph) {
	factory := promauto.With(self.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meshsync_graph_nodes",
		Help: "Current number of nodes in the relay graph",
	}, func() float64 {
		return float64(g.NodeCount())
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meshsync_graph_peers",
		Help: "Current number of graph peers, the relay hub included",
	}, func() float64 {
		return float64(g.PeerCount())
	})
	self.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func (self *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(self.registry, promhttp.HandlerOpts{})
}
