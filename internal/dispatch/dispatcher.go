// Package dispatch carries out recording placements: port allocation, RTP
// forwarding setup, recorder start, load accounting, and the stop path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/aura-conference/orchestrator/internal/events"
	"github.com/aura-conference/orchestrator/internal/jobstore"
	"github.com/aura-conference/orchestrator/internal/models"
	"github.com/aura-conference/orchestrator/internal/placement"
	"github.com/aura-conference/orchestrator/internal/registry"
	"github.com/aura-conference/orchestrator/internal/rpc"
)

var (
	// ErrNoRoomServer is returned when the request's room server is missing
	// or unhealthy.
	ErrNoRoomServer = errors.New("no room server")
	// ErrNoRecorderAvailable means placement found no recorder; the job is
	// queued, not failed.
	ErrNoRecorderAvailable = errors.New("no recorder available")
)

const persistTimeout = 5 * time.Second

// NodeRPC is the outbound call surface the dispatcher needs. Satisfied by
// *rpc.Client.
type NodeRPC interface {
	AllocatePorts(ctx context.Context, recorderURL string, count int) ([]int, error)
	ReleasePorts(ctx context.Context, recorderURL, jobID string, ports []int) error
	StartRecording(ctx context.Context, recorderURL string, req rpc.StartRecordingRequest) error
	StopRecording(ctx context.Context, recorderURL, jobID string) error
	ConfigureForwarding(ctx context.Context, roomServerURL string, req rpc.ConfigureForwardingRequest) error
	StopForwarding(ctx context.Context, roomServerURL, jobID string) error
}

// JobPersister is the slice of the repository the dispatcher writes through.
// Nil disables persistence.
type JobPersister interface {
	UpsertJob(ctx context.Context, job *models.RecordingJob) error
	GetJob(ctx context.Context, id string) (*models.RecordingJob, error)
}

// StartRequest is a validated recording request entering the dispatcher.
type StartRequest struct {
	RoomServerID string
	RoomID       string
	PeerID       string
	PeerInfo     models.PeerInfo
	RTPStreams   []models.RTPStream
	Options      models.RecordingOptions
	Requester    models.RequesterInfo
	PreferGPU    bool
	MinCores     int
	MinMemoryMB  int64
}

// Dispatcher orchestrates placement and rollback for recording jobs.
type Dispatcher struct {
	registry *registry.Registry
	jobs     *jobstore.Store
	rpc      NodeRPC
	repo     JobPersister
	bus      *events.Bus
	logger   *zap.Logger
	// callbackURL is handed to recorders so they can report job events back.
	callbackURL string
}

// New creates a dispatcher. repo may be nil (persistence disabled).
func New(reg *registry.Registry, jobs *jobstore.Store, nodeRPC NodeRPC, repo JobPersister, bus *events.Bus, callbackURL string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:    reg,
		jobs:        jobs,
		rpc:         nodeRPC,
		repo:        repo,
		bus:         bus,
		logger:      logger,
		callbackURL: callbackURL,
	}
}

// StartRecording opens a job for the request and either assigns it to a
// recorder immediately or queues it. The returned job reflects the outcome:
// status recording (placed), pending (queued), or failed (assignment error,
// also returned as err).
func (d *Dispatcher) StartRecording(ctx context.Context, req StartRequest) (*models.RecordingJob, error) {
	roomServer, err := d.registry.GetRoomServer(req.RoomServerID)
	if err != nil || !roomServer.IsHealthy {
		return nil, fmt.Errorf("%w: %s", ErrNoRoomServer, req.RoomServerID)
	}

	job := d.jobs.Create(jobstore.CreateRequest{
		RoomServerID: req.RoomServerID,
		RoomID:       req.RoomID,
		PeerID:       req.PeerID,
		PeerInfo:     req.PeerInfo,
		RTPStreams:   req.RTPStreams,
		Options:      req.Options,
		Requester:    req.Requester,
	})

	requirement := d.requirementFor(job, roomServer.Region, req)
	recorder := placement.SelectRecorder(d.registry.ListRecorders(true), requirement)
	if recorder == nil {
		d.jobs.Enqueue(job.ID)
		queued, _ := d.jobs.Get(job.ID)
		d.persistJob(queued)
		d.publishRecording("recording_queued", queued)
		return queued, nil
	}

	if err := d.Assign(ctx, job.ID, recorder, roomServer); err != nil {
		failed, _ := d.lookupJob(ctx, job.ID)
		return failed, err
	}
	placed, _ := d.jobs.Get(job.ID)
	return placed, nil
}

// Assign carries out placement of a job on a recorder: transition to
// initializing, allocate ports, configure forwarding, start the recorder,
// commit load accounting, transition to recording. Any failure after a side
// effect rolls back best-effort and leaves the job failed.
func (d *Dispatcher) Assign(ctx context.Context, jobID string, recorder *models.RecorderNode, roomServer *models.RoomServer) error {
	return d.assign(ctx, jobID, recorder, roomServer, true)
}

// Reassign moves a job from a failed recorder onto a replacement. The dead
// recorder's accounting is released; the room server keeps its load slot
// since the job never stopped from its point of view.
func (d *Dispatcher) Reassign(ctx context.Context, jobID, oldRecorderID string, recorder *models.RecorderNode, roomServer *models.RoomServer) error {
	if oldRecorderID != "" {
		_ = d.registry.RemoveRecorderJob(oldRecorderID, jobID)
	}
	return d.assign(ctx, jobID, recorder, roomServer, false)
}

func (d *Dispatcher) assign(ctx context.Context, jobID string, recorder *models.RecorderNode, roomServer *models.RoomServer, countRoomServer bool) error {
	job, err := d.jobs.Get(jobID)
	if err != nil {
		return err
	}

	if job.Status != models.JobStatusInitializing {
		job, err = d.jobs.Transition(jobID, models.JobStatusInitializing, jobstore.Patch{
			RecorderID: jobstore.StringPtr(recorder.ID),
		})
		if err != nil {
			return err
		}
	}

	ports, err := d.rpc.AllocatePorts(ctx, recorder.URL, len(job.RTPStreams))
	if err != nil {
		return d.failAssignment(ctx, jobID, recorder, nil, countRoomServer, err)
	}

	targetIP, err := hostFromURL(recorder.URL)
	if err != nil {
		d.releasePorts(recorder, jobID, ports)
		return d.failAssignment(ctx, jobID, recorder, nil, countRoomServer, err)
	}
	forwarding := &models.RTPForwarding{TargetIP: targetIP, Ports: ports}
	streams := make([]models.RTPStream, len(job.RTPStreams))
	copy(streams, job.RTPStreams)
	for i := range streams {
		streams[i].Port = ports[i]
	}

	if err := d.rpc.ConfigureForwarding(ctx, roomServer.URL, rpc.ConfigureForwardingRequest{
		JobID:      jobID,
		PeerID:     job.PeerID,
		TargetNode: rpc.ForwardingTarget{IP: targetIP, Ports: ports},
		RTPStreams: streams,
	}); err != nil {
		d.releasePorts(recorder, jobID, ports)
		return d.failAssignment(ctx, jobID, recorder, nil, countRoomServer, err)
	}

	if err := d.rpc.StartRecording(ctx, recorder.URL, rpc.StartRecordingRequest{
		JobID:                   jobID,
		PeerInfo:                job.PeerInfo,
		RTPStreams:              streams,
		Options:                 job.Options,
		RoomInfo:                rpc.RoomInfo{RoomServerID: roomServer.ID, RoomID: job.RoomID},
		OrchestratorCallbackURL: d.callbackURL,
	}); err != nil {
		// Forwarding was configured; tear it down along with the ports.
		d.releasePorts(recorder, jobID, ports)
		return d.failAssignment(ctx, jobID, recorder, roomServer, countRoomServer, err)
	}

	if err := d.registry.AddRecorderJob(recorder.ID, jobID); err != nil {
		d.logger.Warn("load accounting: recorder vanished mid-assign", zap.String("recorder_id", recorder.ID), zap.Error(err))
	}
	if countRoomServer {
		_ = d.registry.AdjustRoomServerLoad(roomServer.ID, 1)
	}

	job, err = d.jobs.Transition(jobID, models.JobStatusRecording, jobstore.Patch{
		RecorderID:    jobstore.StringPtr(recorder.ID),
		RTPForwarding: forwarding,
		RTPStreams:    streams,
	})
	if err != nil {
		return err
	}

	d.persistJob(job)
	d.persistNodes(recorder.ID, roomServer.ID)
	d.publishRecording("recording_started", job)
	d.logger.Info("job assigned",
		zap.String("job_id", jobID),
		zap.String("recorder_id", recorder.ID),
		zap.Ints("ports", ports))
	return nil
}

// StopRecording stops a non-terminal job. Stopping a pending job cancels it;
// stopping an active one calls the recorder and room server, releases local
// accounting regardless of RPC outcome, and completes the job. A stop after
// terminal is a no-op returning the stored outcome.
func (d *Dispatcher) StopRecording(ctx context.Context, jobID string) (*models.RecordingJob, error) {
	job, err := d.jobs.Get(jobID)
	if err != nil {
		// Terminal jobs leave the active map; the stored outcome is the answer.
		if stored, lookupErr := d.lookupStored(ctx, jobID); lookupErr == nil {
			return stored, nil
		}
		return nil, jobstore.ErrJobNotFound
	}

	if job.Status == models.JobStatusPending {
		stopped, err := d.jobs.Transition(jobID, models.JobStatusCancelled, jobstore.Patch{})
		if err != nil {
			return nil, err
		}
		d.persistJob(stopped)
		d.publishRecording("recording_cancelled", stopped)
		return stopped, nil
	}

	var stopErr error
	if job.RecorderID != "" {
		if recorder, err := d.registry.GetRecorder(job.RecorderID); err == nil {
			if err := d.rpc.StopRecording(ctx, recorder.URL, jobID); err != nil {
				stopErr = err
				d.logger.Warn("recorder stop failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
	if roomServer, err := d.registry.GetRoomServer(job.RoomServerID); err == nil {
		if err := d.rpc.StopForwarding(ctx, roomServer.URL, jobID); err != nil {
			if stopErr == nil {
				stopErr = err
			}
			d.logger.Warn("forwarding stop failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	d.releaseAccounting(job)

	var stopped *models.RecordingJob
	if stopErr != nil {
		stopped, err = d.jobs.Transition(jobID, models.JobStatusFailed, jobstore.Patch{
			ErrorMessage: jobstore.StringPtr("stop failed: " + stopErr.Error()),
		})
	} else {
		stopped, err = d.jobs.Transition(jobID, models.JobStatusCompleted, jobstore.Patch{})
	}
	if err != nil {
		return nil, err
	}
	d.persistJob(stopped)
	d.persistNodes(job.RecorderID, job.RoomServerID)
	d.publishRecording("recording_stopped", stopped)
	return stopped, nil
}

// FailJob transitions a job terminal with a reason, releasing its load
// accounting and best-effort stopping its recorder. Used by the health loop
// and the recorder event callback.
func (d *Dispatcher) FailJob(ctx context.Context, jobID, reason string, stopRecorder bool) {
	job, err := d.jobs.Get(jobID)
	if err != nil {
		return
	}
	if stopRecorder && job.RecorderID != "" {
		if recorder, err := d.registry.GetRecorder(job.RecorderID); err == nil {
			if err := d.rpc.StopRecording(ctx, recorder.URL, jobID); err != nil {
				d.logger.Debug("best-effort recorder stop failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
	d.releaseAccounting(job)
	failed, err := d.jobs.Transition(jobID, models.JobStatusFailed, jobstore.Patch{
		ErrorMessage: jobstore.StringPtr(reason),
	})
	if err != nil {
		d.logger.Warn("fail transition rejected", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	d.persistJob(failed)
	d.publishRecording("recording_failed", failed)
}

// CompleteJob finishes a job from a recorder's completed event, applying the
// reported output path and metrics. Idempotent for terminal jobs.
func (d *Dispatcher) CompleteJob(ctx context.Context, jobID, outputPath string, metrics *models.RecordingMetrics) {
	job, err := d.jobs.Get(jobID)
	if err != nil {
		return // already terminal; drop
	}
	d.releaseAccounting(job)
	patch := jobstore.Patch{Metrics: metrics}
	if outputPath != "" {
		patch.OutputPath = jobstore.StringPtr(outputPath)
	}
	done, err := d.jobs.Transition(jobID, models.JobStatusCompleted, patch)
	if err != nil {
		d.logger.Warn("complete transition rejected", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	d.persistJob(done)
	d.persistNodes(job.RecorderID, job.RoomServerID)
	d.publishRecording("recording_completed", done)
}

// Requirement builds the placement requirement for a job, preferring the
// given region. On failover reassignment the caller passes the original room
// server's region.
func (d *Dispatcher) Requirement(job *models.RecordingJob, region string) placement.Requirement {
	return d.requirementFor(job, region, StartRequest{})
}

func (d *Dispatcher) requirementFor(job *models.RecordingJob, region string, req StartRequest) placement.Requirement {
	codecs := make([]string, 0, len(job.RTPStreams))
	for _, s := range job.RTPStreams {
		if s.CodecName != "" {
			codecs = append(codecs, s.CodecName)
		}
	}
	estimated := 1
	switch job.Options.Quality {
	case models.QualityHigh:
		estimated = 3
	case models.QualityMedium:
		estimated = 2
	}
	return placement.Requirement{
		Region:        region,
		Codecs:        codecs,
		EstimatedLoad: estimated,
		PreferGPU:     req.PreferGPU || (job.Options.IncludeVideo && job.Options.Quality == models.QualityHigh),
		MinCores:      req.MinCores,
		MinMemoryMB:   req.MinMemoryMB,
	}
}

// releaseAccounting drops the job from its recorder's active list and frees
// one load slot on both nodes, clamped at zero.
func (d *Dispatcher) releaseAccounting(job *models.RecordingJob) {
	if job.RecorderID != "" {
		_ = d.registry.RemoveRecorderJob(job.RecorderID, job.ID)
	}
	if job.Status == models.JobStatusRecording || job.Status == models.JobStatusInitializing {
		_ = d.registry.AdjustRoomServerLoad(job.RoomServerID, -1)
	}
}

// failAssignment rolls back a partially assigned job: stops forwarding if it
// was configured (roomServer non-nil) and leaves the job failed with the
// upstream error. Residual remote state reconciles via heartbeats. A failed
// reassignment (countRoomServer false) releases the room server slot the job
// was still holding.
func (d *Dispatcher) failAssignment(ctx context.Context, jobID string, recorder *models.RecorderNode, roomServer *models.RoomServer, countRoomServer bool, cause error) error {
	if roomServer != nil {
		if err := d.rpc.StopForwarding(ctx, roomServer.URL, jobID); err != nil {
			d.logger.Debug("rollback: stop forwarding failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	if !countRoomServer {
		if job, err := d.jobs.Get(jobID); err == nil {
			_ = d.registry.AdjustRoomServerLoad(job.RoomServerID, -1)
		}
	}
	failed, err := d.jobs.Transition(jobID, models.JobStatusFailed, jobstore.Patch{
		ErrorMessage: jobstore.StringPtr(cause.Error()),
	})
	if err != nil {
		d.logger.Warn("rollback transition rejected", zap.String("job_id", jobID), zap.Error(err))
	} else {
		d.persistJob(failed)
		d.publishRecording("recording_failed", failed)
	}
	d.logger.Error("assignment failed",
		zap.String("job_id", jobID),
		zap.String("recorder_id", recorder.ID),
		zap.Error(cause))
	return cause
}

func (d *Dispatcher) releasePorts(recorder *models.RecorderNode, jobID string, ports []int) {
	if len(ports) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpc.StopTimeout)
	defer cancel()
	if err := d.rpc.ReleasePorts(ctx, recorder.URL, jobID, ports); err != nil {
		d.logger.Debug("rollback: release ports failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// lookupJob returns the active job, falling back to the stored copy.
func (d *Dispatcher) lookupJob(ctx context.Context, jobID string) (*models.RecordingJob, error) {
	if job, err := d.jobs.Get(jobID); err == nil {
		return job, nil
	}
	return d.lookupStored(ctx, jobID)
}

func (d *Dispatcher) lookupStored(ctx context.Context, jobID string) (*models.RecordingJob, error) {
	if d.repo == nil {
		return nil, jobstore.ErrJobNotFound
	}
	return d.repo.GetJob(ctx, jobID)
}

// persistJob writes a job snapshot. Best-effort: failures are logged and the
// in-memory state stays authoritative.
func (d *Dispatcher) persistJob(job *models.RecordingJob) {
	if d.repo == nil || job == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := d.repo.UpsertJob(ctx, job); err != nil {
		d.logger.Warn("persist job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// NodePersister extends JobPersister with node snapshots; the concrete
// repository implements it, and persistNodes upgrades dynamically so tests
// can pass a jobs-only fake.
type NodePersister interface {
	UpsertRoomServer(ctx context.Context, rs *models.RoomServer) error
	UpsertRecorderNode(ctx context.Context, node *models.RecorderNode) error
}

func (d *Dispatcher) persistNodes(recorderID, roomServerID string) {
	np, ok := d.repo.(NodePersister)
	if !ok || d.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if recorderID != "" {
		if node, err := d.registry.GetRecorder(recorderID); err == nil {
			if err := np.UpsertRecorderNode(ctx, node); err != nil {
				d.logger.Warn("persist recorder failed", zap.String("id", recorderID), zap.Error(err))
			}
		}
	}
	if roomServerID != "" {
		if rs, err := d.registry.GetRoomServer(roomServerID); err == nil {
			if err := np.UpsertRoomServer(ctx, rs); err != nil {
				d.logger.Warn("persist room server failed", zap.String("id", roomServerID), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) publishRecording(eventType string, job *models.RecordingJob) {
	if d.bus == nil || job == nil {
		return
	}
	d.bus.Publish(events.ClassRecordings, eventType, job)
}

// hostFromURL extracts the host (IP or name) from a node endpoint URL.
func hostFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse node url %q: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("node url %q has no host", rawURL)
	}
	return host, nil
}
