package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-conference/orchestrator/config"
	"github.com/aura-conference/orchestrator/internal/events"
	"github.com/aura-conference/orchestrator/internal/jobstore"
	"github.com/aura-conference/orchestrator/internal/models"
	"github.com/aura-conference/orchestrator/internal/registry"
)

func scaling() config.AutoScalingConfig {
	return config.AutoScalingConfig{
		MinNodes:           1,
		MaxNodes:           10,
		ScaleUpThreshold:   80,
		ScaleDownThreshold: 30,
	}
}

func newAggregator(t *testing.T) (*Aggregator, *registry.Registry, *jobstore.Store) {
	t.Helper()
	reg := registry.New(0, nil)
	jobs := jobstore.New(nil)
	agg := New(reg, jobs, events.NewBus(nil, nil), nil, scaling(), 15*time.Second, nil)
	return agg, reg, jobs
}

// addRecorder registers a recorder and pins its load via heartbeat.
func addRecorder(t *testing.T, reg *registry.Registry, region string, load int, activeJobs []string) *models.RecorderNode {
	t.Helper()
	node, err := reg.RegisterRecorderNode(registry.RecorderDecl{
		URL:    "http://rec:8090",
		Region: region,
		Specs:  models.HardwareSpecs{CPUCores: 4, MemoryMB: 8192}, // derived capacity 6
	})
	require.NoError(t, err)
	require.NoError(t, reg.RecordRecorderHeartbeat(node.ID, load, activeJobs))
	return node
}

func TestSnapshotTotalsAndRegionalRollup(t *testing.T) {
	agg, reg, jobs := newAggregator(t)

	_, err := reg.RegisterRoomServer(registry.RoomServerDecl{ID: "rs1", URL: "http://rs1:1", Region: "us-east-1", Capacity: 10})
	require.NoError(t, err)
	addRecorder(t, reg, "us-east-1", 3, []string{"a", "b", "c"})
	addRecorder(t, reg, "eu-west-1", 0, nil)

	job := jobs.Create(jobstore.CreateRequest{RoomServerID: "rs1", RoomID: "r", PeerID: "p"})
	jobs.Enqueue(job.ID)

	s := agg.Collect(context.Background())
	assert.Equal(t, 1, s.RoomServers)
	assert.Equal(t, 2, s.RecorderNodes)
	assert.Equal(t, 2, s.HealthyRecorders)
	assert.Equal(t, 12, s.TotalCapacity)
	assert.Equal(t, 3, s.TotalLoad)
	assert.Equal(t, 3, s.ActiveRecordings)
	assert.Equal(t, 1, s.QueuedRecordings)

	east := s.Regional["us-east-1"]
	assert.Equal(t, 1, east.RoomServers)
	assert.Equal(t, 1, east.RecorderNodes)
	assert.Equal(t, 6, east.Capacity)
	assert.Equal(t, 3, east.Load)
	assert.InDelta(t, 50.0, east.AvgLoad, 0.01)

	west := s.Regional["eu-west-1"]
	assert.Equal(t, 0, west.Load)
	assert.InDelta(t, 0.0, west.AvgLoad, 0.01)

	assert.InDelta(t, 25.0, s.Utilization(), 0.01)
}

func TestUnhealthyRecordersExcludedFromCapacity(t *testing.T) {
	agg, reg, _ := newAggregator(t)
	node := addRecorder(t, reg, "us-east-1", 2, []string{"a", "b"})
	_, err := reg.MarkUnhealthy(node.ID)
	require.NoError(t, err)

	s := agg.Collect(context.Background())
	assert.Equal(t, 0, s.TotalCapacity)
	assert.Equal(t, 1, s.UnhealthyNodes)
	assert.Equal(t, 0, s.HealthyRecorders)
}

func TestScaleUpRecommendationPriorities(t *testing.T) {
	agg, reg, _ := newAggregator(t)
	addRecorder(t, reg, "us-east-1", 6, nil) // 100% of capacity 6
	agg.Collect(context.Background())

	recs := agg.Recommendations()
	require.Len(t, recs, 1)
	assert.Equal(t, models.ScaleActionUp, recs[0].Action)
	assert.Equal(t, models.ScalePriorityCritical, recs[0].Priority)
	assert.Equal(t, 2, recs[0].Delta)
	assert.Equal(t, "us-east-1", recs[0].Region)
}

func TestScaleUpMediumBand(t *testing.T) {
	agg, reg, _ := newAggregator(t)
	// Two recorders, capacity 12 total, load 5 each: 10/12 = 83.3%, which is
	// above the scale-up threshold and at most 85 => medium.
	addRecorder(t, reg, "us-east-1", 5, nil)
	addRecorder(t, reg, "us-east-1", 5, nil)
	agg.Collect(context.Background())

	recs := agg.Recommendations()
	require.Len(t, recs, 1)
	assert.Equal(t, models.ScalePriorityMedium, recs[0].Priority, "load in the 80-85 band advises medium scale-up")
	assert.Equal(t, 1, recs[0].Delta)
}

func TestScaleDownRespectsMinNodes(t *testing.T) {
	agg, reg, _ := newAggregator(t)
	addRecorder(t, reg, "us-east-1", 0, nil)
	agg.Collect(context.Background())

	// One node at 0% load but MinNodes=1: no scale-down.
	assert.Empty(t, agg.Recommendations())

	addRecorder(t, reg, "us-east-1", 0, nil)
	agg.Collect(context.Background())
	recs := agg.Recommendations()
	require.Len(t, recs, 1)
	assert.Equal(t, models.ScaleActionDown, recs[0].Action)
	assert.Equal(t, models.ScalePriorityLow, recs[0].Priority)
	assert.Equal(t, -1, recs[0].Delta)
}

func TestQueueDepthTriggersGlobalScaleUp(t *testing.T) {
	agg, reg, jobs := newAggregator(t)
	addRecorder(t, reg, "us-east-1", 3, nil) // 50%: no regional advice

	for i := 0; i < 11; i++ {
		job := jobs.Create(jobstore.CreateRequest{RoomServerID: "rs1", RoomID: "r", PeerID: "p"})
		jobs.Enqueue(job.ID)
	}
	agg.Collect(context.Background())

	recs := agg.Recommendations()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Region, "queue-driven advice is global")
	assert.Equal(t, models.ScaleActionUp, recs[0].Action)
	assert.Equal(t, models.ScalePriorityHigh, recs[0].Priority)
}

func TestAlertStatusLevels(t *testing.T) {
	agg, reg, _ := newAggregator(t)

	// Empty fleet: healthy.
	agg.Collect(context.Background())
	assert.Equal(t, models.AlertLevelHealthy, agg.AlertStatus().Level)

	// One recorder, all capacity in use: critical.
	addRecorder(t, reg, "us-east-1", 6, nil)
	agg.Collect(context.Background())
	status := agg.AlertStatus()
	assert.Equal(t, models.AlertLevelCritical, status.Level)
	assert.Contains(t, status.OverloadedRegions, "us-east-1")
}

func TestAlertStatusWarnsOnUnhealthyNodes(t *testing.T) {
	agg, reg, _ := newAggregator(t)
	addRecorder(t, reg, "us-east-1", 1, nil)
	sick := addRecorder(t, reg, "us-east-1", 0, nil)
	_, err := reg.MarkUnhealthy(sick.ID)
	require.NoError(t, err)

	agg.Collect(context.Background())
	status := agg.AlertStatus()
	assert.Equal(t, models.AlertLevelWarning, status.Level)
	assert.Equal(t, 1, status.UnhealthyNodes)
}
