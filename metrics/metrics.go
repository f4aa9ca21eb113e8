// Package metrics implements C12: process/sync/publisher gauges served
// over HTTP, grounded on the teacher's metrics package
// (prometheus/client_golang + gorilla/mux).
package metrics

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xaya/xayax/logging"
)

var (
	ChainTipHeightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xayax_chain_tip_height",
		Help: "Height of the highest block currently attached to the chainstate.",
	})

	LowestUnprunedHeightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xayax_lowest_unpruned_height",
		Help: "Lowest block height the chainstate still retains.",
	})

	ZMQSequenceGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xayax_zmq_sequence",
		Help: "Current outgoing sequence number per ZMQ topic.",
	}, []string{"topic"})

	PendingQueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xayax_pending_queue_depth",
		Help: "Number of pending moves currently queued by the pending gate.",
	})

	SyncWindowSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xayax_sync_window_size",
		Help: "Current size of the sync worker's per-step block request window (numBlocks).",
	})

	CacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xayax_cache_lookups_total",
		Help: "LocalCache lookups per cache name, split by hit/miss.",
	}, []string{"cache", "result"})

	allItems = []prometheus.Collector{
		ChainTipHeightGauge,
		LowestUnprunedHeightGauge,
		ZMQSequenceGauge,
		PendingQueueDepthGauge,
		SyncWindowSizeGauge,
		CacheLookupsTotal,
	}
)

const DefaultAddress = "0.0.0.0:9090"

// Server serves /metrics over HTTP.
type Server struct {
	address  string
	registry *prometheus.Registry
	httpSrv  *http.Server
}

// New builds a metrics Server bound to address.
func New(address string) *Server {
	if address == "" {
		address = DefaultAddress
	}
	return &Server{address: address, registry: prometheus.NewRegistry()}
}

// Start registers all collectors and begins serving in the background.
func (m *Server) Start() error {
	if err := m.registry.Register(collectorList{}); err != nil {
		return err
	}
	router := mux.NewRouter()
	router.Path("/metrics").Handler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.httpSrv = &http.Server{Addr: m.address, Handler: router}

	go func() {
		if err := m.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger.Errorf("metrics server stopped: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the HTTP listener.
func (m *Server) Shutdown(ctx context.Context) error {
	if m.httpSrv == nil {
		return nil
	}
	return m.httpSrv.Shutdown(ctx)
}

// collectorList is a trivial prometheus.Collector that fans out to
// allItems, letting Start register everything in one call.
type collectorList struct{}

func (collectorList) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range allItems {
		c.Describe(ch)
	}
}

func (collectorList) Collect(ch chan<- prometheus.Metric) {
	for _, c := range allItems {
		c.Collect(ch)
	}
}
