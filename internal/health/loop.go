// Package health runs the periodic fleet reconciliation: heartbeat reaping,
// failed-node job recovery, and pending-queue draining.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-conference/orchestrator/internal/dispatch"
	"github.com/aura-conference/orchestrator/internal/events"
	"github.com/aura-conference/orchestrator/internal/jobstore"
	"github.com/aura-conference/orchestrator/internal/models"
	"github.com/aura-conference/orchestrator/internal/placement"
	"github.com/aura-conference/orchestrator/internal/registry"
)

// gcMultiplier: unhealthy nodes are garbage-collected after this many node
// timeouts without a heartbeat, provided they carry no active jobs.
const gcMultiplier = 10

// Loop is the health reconciliation loop. One tick runs at a time; Tick is
// exported so tests and operators can drive the loop manually.
type Loop struct {
	registry    *registry.Registry
	jobs        *jobstore.Store
	dispatcher  *dispatch.Dispatcher
	bus         *events.Bus
	interval    time.Duration
	nodeTimeout time.Duration
	logger      *zap.Logger

	tickMu sync.Mutex
}

// New creates a health loop.
func New(reg *registry.Registry, jobs *jobstore.Store, d *dispatch.Dispatcher, bus *events.Bus, interval, nodeTimeout time.Duration, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		registry:    reg,
		jobs:        jobs,
		dispatcher:  d,
		bus:         bus,
		interval:    interval,
		nodeTimeout: nodeTimeout,
		logger:      logger,
	}
}

// Run ticks at the configured cadence until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.logger.Info("health loop started", zap.Duration("interval", l.interval), zap.Duration("node_timeout", l.nodeTimeout))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("health loop stopping")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass: reap stale heartbeats, recover jobs on
// newly unhealthy nodes, drain the pending queue, and collect long-dead
// nodes. Serial: a tick that overlaps a still-running one is skipped.
func (l *Loop) Tick(ctx context.Context) {
	if !l.tickMu.TryLock() {
		l.logger.Warn("health tick still in flight, skipping")
		return
	}
	defer l.tickMu.Unlock()

	staleRoomServers, staleRecorders := l.registry.StaleNodes(l.nodeTimeout)
	for _, id := range staleRoomServers {
		if wasHealthy, err := l.registry.MarkUnhealthy(id); err == nil && wasHealthy {
			l.logger.Warn("room server unhealthy: missed heartbeats", zap.String("id", id))
			l.bus.Publish(events.ClassScaling, "node_unhealthy", map[string]string{"node_id": id, "kind": "room_server"})
			l.handleRoomServerFailure(ctx, id)
		}
	}
	for _, id := range staleRecorders {
		if wasHealthy, err := l.registry.MarkUnhealthy(id); err == nil && wasHealthy {
			l.logger.Warn("recorder unhealthy: missed heartbeats", zap.String("id", id))
			l.bus.Publish(events.ClassScaling, "node_unhealthy", map[string]string{"node_id": id, "kind": "recorder"})
			l.handleRecorderFailure(ctx, id)
		}
	}

	l.drainQueue(ctx)

	for _, id := range l.registry.ExpiredNodes(gcMultiplier * l.nodeTimeout) {
		if err := l.registry.Remove(id); err == nil {
			l.logger.Info("stale node garbage-collected", zap.String("id", id))
		}
	}
}

// handleRoomServerFailure fails every active job rooted on the dead room
// server. Their recorders get a best-effort stop and reclaim capacity.
func (l *Loop) handleRoomServerFailure(ctx context.Context, roomServerID string) {
	for _, job := range l.jobs.ListActive(jobstore.ListFilter{RoomServerID: roomServerID}) {
		if job.Status != models.JobStatusRecording && job.Status != models.JobStatusInitializing {
			continue
		}
		l.logger.Warn("failing job: room server became unhealthy",
			zap.String("job_id", job.ID),
			zap.String("room_server_id", roomServerID))
		l.dispatcher.FailJob(ctx, job.ID, "room server became unhealthy", true)
	}
}

// handleRecorderFailure reassigns the dead recorder's jobs to the remaining
// healthy fleet, preferring the original room server's region. Jobs with no
// replacement recorder terminate.
func (l *Loop) handleRecorderFailure(ctx context.Context, recorderID string) {
	for _, job := range l.jobs.ListActive(jobstore.ListFilter{RecorderID: recorderID}) {
		if job.Status != models.JobStatusRecording && job.Status != models.JobStatusInitializing {
			continue
		}

		roomServer, err := l.registry.GetRoomServer(job.RoomServerID)
		if err != nil || !roomServer.IsHealthy {
			l.dispatcher.FailJob(ctx, job.ID, "room server became unhealthy", false)
			continue
		}

		// Placement hint is the original room server's region.
		requirement := l.dispatcher.Requirement(job, roomServer.Region)
		replacement := placement.SelectRecorder(l.registry.ListRecorders(true), requirement)
		if replacement == nil {
			l.logger.Warn("no replacement recorder for job", zap.String("job_id", job.ID))
			l.dispatcher.FailJob(ctx, job.ID, "no available recorders", false)
			continue
		}

		l.logger.Info("reassigning job from failed recorder",
			zap.String("job_id", job.ID),
			zap.String("from", recorderID),
			zap.String("to", replacement.ID))
		if err := l.dispatcher.Reassign(ctx, job.ID, recorderID, replacement, roomServer); err != nil {
			l.logger.Error("reassignment failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// drainQueue tries to place queued jobs. The drain is serial and each
// placement commits its load accounting before the next candidate list is
// taken, so two jobs never land on the same one-slot recorder within a pass.
func (l *Loop) drainQueue(ctx context.Context) {
	pending := l.jobs.PendingSnapshot()
	if len(pending) == 0 {
		return
	}

	for _, job := range pending {
		roomServer, err := l.registry.GetRoomServer(job.RoomServerID)
		if err != nil || !roomServer.IsHealthy {
			if l.jobs.DequeueJob(job.ID) {
				l.dispatcher.FailJob(ctx, job.ID, "room server became unhealthy", false)
			}
			continue
		}

		requirement := l.dispatcher.Requirement(job, roomServer.Region)
		recorder := placement.SelectRecorder(l.registry.ListRecorders(true), requirement)
		if recorder == nil {
			continue
		}

		if !l.jobs.DequeueJob(job.ID) {
			continue // taken elsewhere
		}
		if err := l.dispatcher.Assign(ctx, job.ID, recorder, roomServer); err != nil {
			l.logger.Error("queued job assignment failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		l.logger.Info("queued job placed", zap.String("job_id", job.ID), zap.String("recorder_id", recorder.ID))
	}
}
