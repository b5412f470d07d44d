package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aura-conference/orchestrator/internal/models"
)

// promGauges exports the latest fleet snapshot as Prometheus metrics under
// the orchestrator_ namespace. Gauges are created unregistered; the server
// registers them once via Collectors.
type promGauges struct {
	roomServers      prometheus.Gauge
	recorderNodes    prometheus.Gauge
	healthyRecorders prometheus.Gauge
	unhealthyNodes   prometheus.Gauge
	activeRecordings prometheus.Gauge
	queuedRecordings prometheus.Gauge
	totalCapacity    prometheus.Gauge
	totalLoad        prometheus.Gauge
	regionLoad       *prometheus.GaugeVec
	regionCapacity   *prometheus.GaugeVec
}

func newPromGauges() *promGauges {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	return &promGauges{
		roomServers:      gauge("orchestrator_room_servers", "Registered room servers."),
		recorderNodes:    gauge("orchestrator_recorder_nodes", "Registered recorder nodes."),
		healthyRecorders: gauge("orchestrator_healthy_recorders", "Recorder nodes passing heartbeat checks."),
		unhealthyNodes:   gauge("orchestrator_unhealthy_nodes", "Nodes with missed heartbeats."),
		activeRecordings: gauge("orchestrator_active_recordings", "Recordings currently running."),
		queuedRecordings: gauge("orchestrator_queued_recordings", "Recordings waiting for a recorder."),
		totalCapacity:    gauge("orchestrator_total_capacity", "Fleet-wide concurrent recording capacity."),
		totalLoad:        gauge("orchestrator_total_load", "Fleet-wide recordings in flight."),
		regionLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_region_load", Help: "Recordings in flight per region.",
		}, []string{"region"}),
		regionCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_region_capacity", Help: "Recording capacity per region.",
		}, []string{"region"}),
	}
}

// Collectors returns the aggregator's Prometheus collectors for registration.
func (a *Aggregator) Collectors() []prometheus.Collector {
	g := a.prom
	return []prometheus.Collector{
		g.roomServers, g.recorderNodes, g.healthyRecorders, g.unhealthyNodes,
		g.activeRecordings, g.queuedRecordings, g.totalCapacity, g.totalLoad,
		g.regionLoad, g.regionCapacity,
	}
}

func (g *promGauges) update(s *models.MetricsSnapshot) {
	g.roomServers.Set(float64(s.RoomServers))
	g.recorderNodes.Set(float64(s.RecorderNodes))
	g.healthyRecorders.Set(float64(s.HealthyRecorders))
	g.unhealthyNodes.Set(float64(s.UnhealthyNodes))
	g.activeRecordings.Set(float64(s.ActiveRecordings))
	g.queuedRecordings.Set(float64(s.QueuedRecordings))
	g.totalCapacity.Set(float64(s.TotalCapacity))
	g.totalLoad.Set(float64(s.TotalLoad))
	for region, stats := range s.Regional {
		g.regionLoad.WithLabelValues(region).Set(float64(stats.Load))
		g.regionCapacity.WithLabelValues(region).Set(float64(stats.Capacity))
	}
}
