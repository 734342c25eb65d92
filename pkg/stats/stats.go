// SPDX-License-Identifier: GPL-3.0-or-later

// Package stats wires the engine's counters to Prometheus: frames dropped
// by reason (including messages refused by the engine's full message
// queue), and bundles delivered and forwarded.
package stats

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DropReason names why a frame or bundle was discarded before reaching
// its destination.
type DropReason string

const (
	DropCodecMalformed     DropReason = "CODEC_MALFORMED"
	DropCodecCRC           DropReason = "CODEC_CRC"
	DropBundleTooLarge     DropReason = "BUNDLE_TOO_LARGE"
	DropStoreFull          DropReason = "STORE_FULL"
	DropNoRoute            DropReason = "NO_ROUTE"
	DropL2SendFailed       DropReason = "L2_SEND_FAILED"
	DropApplicationInactive DropReason = "APPLICATION_INACTIVE"
	DropQueueFull          DropReason = "QUEUE_FULL"
)

// Registry holds this node's metric collectors, isolated from the
// default Prometheus registry so multiple nodes can run in one process
// during tests without collector name collisions.
type Registry struct {
	reg *prometheus.Registry

	FramesDropped    *prometheus.CounterVec
	BundlesDelivered prometheus.Counter
	BundlesForwarded prometheus.Counter
	NeighborCount    prometheus.Gauge
	StoreOccupancy   prometheus.Gauge
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtnmesh_frames_dropped_total",
			Help: "Frames or bundles dropped, by reason.",
		}, []string{"reason"}),
		BundlesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dtnmesh_bundles_delivered_total",
			Help: "Bundles delivered to a local application.",
		}),
		BundlesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dtnmesh_bundles_forwarded_total",
			Help: "Bundles forwarded to a neighbor.",
		}),
		NeighborCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dtnmesh_neighbor_count",
			Help: "Number of neighbors currently tracked.",
		}),
		StoreOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dtnmesh_store_occupancy",
			Help: "Number of bundles currently held in the store.",
		}),
	}

	r.reg.MustRegister(r.FramesDropped, r.BundlesDelivered, r.BundlesForwarded, r.NeighborCount, r.StoreOccupancy)
	return r
}

// Drop increments the drop counter for reason.
func (r *Registry) Drop(reason DropReason) {
	r.FramesDropped.WithLabelValues(string(reason)).Inc()
}

// Handler returns an http.Handler serving this Registry's metrics in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// MountRoute registers the metrics Handler at path on router.
func (r *Registry) MountRoute(router *mux.Router, path string) {
	router.Handle(path, r.Handler())
}
