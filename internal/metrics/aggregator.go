// Package metrics aggregates fleet state into periodic snapshots, derives
// scaling advisories and alert status, and exports Prometheus gauges.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-conference/orchestrator/config"
	"github.com/aura-conference/orchestrator/internal/events"
	"github.com/aura-conference/orchestrator/internal/jobstore"
	"github.com/aura-conference/orchestrator/internal/models"
	"github.com/aura-conference/orchestrator/internal/registry"
)

// queueScaleUpThreshold: a queue deeper than this triggers a global scale-up
// advisory regardless of regional load.
const queueScaleUpThreshold = 10

// SnapshotSink receives snapshots for persistence. Best-effort; nil disables.
type SnapshotSink interface {
	AppendMetricsSnapshot(ctx context.Context, s *models.MetricsSnapshot) error
}

// Aggregator produces fleet snapshots on a cadence and serves derived views.
type Aggregator struct {
	registry *registry.Registry
	jobs     *jobstore.Store
	bus      *events.Bus
	sink     SnapshotSink
	scaling  config.AutoScalingConfig
	interval time.Duration
	logger   *zap.Logger
	prom     *promGauges

	mu     sync.RWMutex
	latest *models.MetricsSnapshot
}

// New creates a metrics aggregator. sink may be nil.
func New(reg *registry.Registry, jobs *jobstore.Store, bus *events.Bus, sink SnapshotSink, scaling config.AutoScalingConfig, interval time.Duration, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		registry: reg,
		jobs:     jobs,
		bus:      bus,
		sink:     sink,
		scaling:  scaling,
		interval: interval,
		logger:   logger,
		prom:     newPromGauges(),
	}
}

// Run collects at the configured cadence until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.logger.Info("metrics aggregator started", zap.Duration("interval", a.interval))
	a.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("metrics aggregator stopping")
			return
		case <-ticker.C:
			a.Collect(ctx)
		}
	}
}

// Collect takes one snapshot, publishes it, updates gauges, and appends it to
// the sink best-effort.
func (a *Aggregator) Collect(ctx context.Context) *models.MetricsSnapshot {
	snapshot := a.build()

	a.mu.Lock()
	a.latest = snapshot
	a.mu.Unlock()

	a.prom.update(snapshot)
	if a.bus != nil {
		a.bus.Publish(events.ClassMetrics, "metrics_snapshot", snapshot)
		if alerts := a.alertsFrom(snapshot); alerts.Level != models.AlertLevelHealthy {
			a.bus.Publish(events.ClassScaling, "scaling_alert", alerts)
		}
	}
	if a.sink != nil {
		if err := a.sink.AppendMetricsSnapshot(ctx, snapshot); err != nil {
			a.logger.Warn("metrics snapshot persist failed", zap.Error(err))
		}
	}
	return snapshot
}

// Latest returns the most recent snapshot, or a fresh one if none was taken.
func (a *Aggregator) Latest() *models.MetricsSnapshot {
	a.mu.RLock()
	s := a.latest
	a.mu.RUnlock()
	if s == nil {
		return a.build()
	}
	return s
}

func (a *Aggregator) build() *models.MetricsSnapshot {
	roomServers := a.registry.ListRoomServers(false)
	recorders := a.registry.ListRecorders(false)

	s := &models.MetricsSnapshot{
		Timestamp:        time.Now(),
		RoomServers:      len(roomServers),
		RecorderNodes:    len(recorders),
		QueuedRecordings: a.jobs.QueueLength(),
		Regional:         make(map[string]models.RegionStats),
	}

	for _, rs := range roomServers {
		stats := s.Regional[rs.Region]
		stats.RoomServers++
		if !rs.IsHealthy {
			s.UnhealthyNodes++
		}
		s.Regional[rs.Region] = stats
	}
	for _, node := range recorders {
		stats := s.Regional[node.Region]
		stats.RecorderNodes++
		if node.IsHealthy {
			s.HealthyRecorders++
			stats.Capacity += node.Capacity
			stats.Load += node.CurrentLoad
			s.TotalCapacity += node.Capacity
			s.TotalLoad += node.CurrentLoad
		} else {
			s.UnhealthyNodes++
		}
		stats.ActiveRecordings += len(node.ActiveJobs)
		s.ActiveRecordings += len(node.ActiveJobs)
		s.Regional[node.Region] = stats
	}

	for region, stats := range s.Regional {
		if stats.Capacity > 0 {
			stats.AvgLoad = float64(stats.Load) / float64(stats.Capacity) * 100
		}
		s.Regional[region] = stats
	}
	return s
}

// Recommendations derives scaling advisories from the latest snapshot. The
// orchestrator never provisions or decommissions nodes itself.
func (a *Aggregator) Recommendations() []models.ScalingRecommendation {
	s := a.Latest()
	var out []models.ScalingRecommendation

	regions := make([]string, 0, len(s.Regional))
	for region := range s.Regional {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	for _, region := range regions {
		stats := s.Regional[region]
		if stats.RecorderNodes == 0 {
			continue
		}
		switch {
		case stats.AvgLoad > a.scaling.ScaleUpThreshold:
			rec := models.ScalingRecommendation{
				Region:  region,
				Action:  models.ScaleActionUp,
				Delta:   1,
				AvgLoad: stats.AvgLoad,
				Reason:  fmt.Sprintf("region %s at %.1f%% of recorder capacity", region, stats.AvgLoad),
			}
			switch {
			case stats.AvgLoad > 90:
				rec.Priority = models.ScalePriorityCritical
				rec.Delta = 2
			case stats.AvgLoad > 85:
				rec.Priority = models.ScalePriorityHigh
			default:
				rec.Priority = models.ScalePriorityMedium
			}
			out = append(out, rec)
		case stats.AvgLoad < a.scaling.ScaleDownThreshold && stats.RecorderNodes > a.scaling.MinNodes:
			delta := -1
			if stats.RecorderNodes+delta < a.scaling.MinNodes {
				delta = a.scaling.MinNodes - stats.RecorderNodes
			}
			out = append(out, models.ScalingRecommendation{
				Region:   region,
				Action:   models.ScaleActionDown,
				Priority: models.ScalePriorityLow,
				Delta:    delta,
				AvgLoad:  stats.AvgLoad,
				Reason:   fmt.Sprintf("region %s at %.1f%% of recorder capacity", region, stats.AvgLoad),
			})
		}
	}

	if s.QueuedRecordings > queueScaleUpThreshold {
		out = append(out, models.ScalingRecommendation{
			Action:   models.ScaleActionUp,
			Priority: models.ScalePriorityHigh,
			Delta:    1,
			Reason:   fmt.Sprintf("%d recordings queued with no available recorder", s.QueuedRecordings),
		})
	}
	return out
}

// AlertStatus classifies overall fleet state from the latest snapshot.
func (a *Aggregator) AlertStatus() models.AlertStatus {
	return a.alertsFrom(a.Latest())
}

func (a *Aggregator) alertsFrom(s *models.MetricsSnapshot) models.AlertStatus {
	status := models.AlertStatus{
		Level:          models.AlertLevelHealthy,
		Utilization:    s.Utilization(),
		QueueLength:    s.QueuedRecordings,
		UnhealthyNodes: s.UnhealthyNodes,
	}

	regions := make([]string, 0, len(s.Regional))
	for region := range s.Regional {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	for _, region := range regions {
		if s.Regional[region].AvgLoad > a.scaling.ScaleUpThreshold {
			status.OverloadedRegions = append(status.OverloadedRegions, region)
		}
	}

	switch {
	case s.HealthyRecorders == 0 && s.RecorderNodes > 0:
		status.Level = models.AlertLevelCritical
		status.Issues = append(status.Issues, "no healthy recorder nodes")
	case status.Utilization > 90 || s.QueuedRecordings > 2*queueScaleUpThreshold:
		status.Level = models.AlertLevelCritical
		status.Issues = append(status.Issues, "fleet capacity nearly exhausted")
	case status.Utilization > 75 || s.QueuedRecordings > queueScaleUpThreshold || s.UnhealthyNodes > 0:
		status.Level = models.AlertLevelWarning
		if status.Utilization > 75 {
			status.Issues = append(status.Issues, "fleet utilization above 75%")
		}
		if s.QueuedRecordings > queueScaleUpThreshold {
			status.Issues = append(status.Issues, "recordings queueing")
		}
		if s.UnhealthyNodes > 0 {
			status.Issues = append(status.Issues, fmt.Sprintf("%d unhealthy nodes", s.UnhealthyNodes))
		}
	case len(status.OverloadedRegions) > 0:
		status.Level = models.AlertLevelCaution
		status.Issues = append(status.Issues, "regional overload")
	}
	return status
}
