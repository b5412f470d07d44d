// Package api exposes the orchestrator's inbound HTTP surface: node
// registration and heartbeats, recording lifecycle, fleet views, and the
// recorder event callback.
package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-conference/orchestrator/internal/dispatch"
	"github.com/aura-conference/orchestrator/internal/health"
	"github.com/aura-conference/orchestrator/internal/jobstore"
	"github.com/aura-conference/orchestrator/internal/metrics"
	"github.com/aura-conference/orchestrator/internal/models"
	"github.com/aura-conference/orchestrator/internal/registry"
	"github.com/aura-conference/orchestrator/internal/repository"
	"github.com/aura-conference/orchestrator/pkg/response"
	"github.com/aura-conference/orchestrator/pkg/storage"
)

// Handler wires the HTTP surface to the orchestrator core.
type Handler struct {
	registry   *registry.Registry
	jobs       *jobstore.Store
	dispatcher *dispatch.Dispatcher
	healthLoop *health.Loop
	aggregator *metrics.Aggregator
	repo       *repository.Repository // nil when persistence is disabled
	s3         *storage.S3            // nil when downloads are disabled
	logger     *zap.Logger
}

// New creates the API handler. repo and s3 may be nil.
func New(reg *registry.Registry, jobs *jobstore.Store, d *dispatch.Dispatcher, hl *health.Loop, agg *metrics.Aggregator, repo *repository.Repository, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:   reg,
		jobs:       jobs,
		dispatcher: d,
		healthLoop: hl,
		aggregator: agg,
		repo:       repo,
		s3:         s3,
		logger:     logger,
	}
}

// --- node registration and heartbeats ---

type registerRoomServerRequest struct {
	ID       string               `json:"id" binding:"required"`
	URL      string               `json:"url" binding:"required"`
	Region   string               `json:"region"`
	Rooms    []string             `json:"rooms"`
	Capacity int                  `json:"capacity"`
	Specs    models.HardwareSpecs `json:"specs"`
	Metadata map[string]string    `json:"metadata"`
}

// RegisterRoomServer handles POST /nodes/room-servers.
func (h *Handler) RegisterRoomServer(c *gin.Context) {
	var req registerRoomServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	rs, err := h.registry.RegisterRoomServer(registry.RoomServerDecl{
		ID:       req.ID,
		URL:      req.URL,
		Region:   req.Region,
		Rooms:    req.Rooms,
		Capacity: req.Capacity,
		Specs:    req.Specs,
		Metadata: req.Metadata,
	})
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.persistRoomServer(c, rs.ID)
	response.Created(c, rs)
}

type registerRecorderRequest struct {
	URL             string               `json:"url" binding:"required"`
	Region          string               `json:"region"`
	SupportedCodecs []string             `json:"supported_codecs"`
	Specs           models.HardwareSpecs `json:"specs"`
	Metadata        map[string]string    `json:"metadata"`
}

// RegisterRecorder handles POST /nodes/recorders.
func (h *Handler) RegisterRecorder(c *gin.Context) {
	var req registerRecorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	node, err := h.registry.RegisterRecorderNode(registry.RecorderDecl{
		URL:             req.URL,
		Region:          req.Region,
		SupportedCodecs: req.SupportedCodecs,
		Specs:           req.Specs,
		Metadata:        req.Metadata,
	})
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.persistRecorder(c, node.ID)
	response.Created(c, node)
}

type heartbeatRequest struct {
	CurrentLoad int      `json:"current_load"`
	Rooms       []string `json:"rooms"`
	ActiveJobs  []string `json:"active_jobs"`
}

// RoomServerHeartbeat handles POST /nodes/room-servers/:id/heartbeat.
func (h *Handler) RoomServerHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.registry.RecordRoomServerHeartbeat(c.Param("id"), req.CurrentLoad, req.Rooms); err != nil {
		response.NotFound(c, "room server not registered")
		return
	}
	response.OK(c, gin.H{"acknowledged": true})
}

// RecorderHeartbeat handles POST /nodes/recorders/:id/heartbeat.
func (h *Handler) RecorderHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.registry.RecordRecorderHeartbeat(c.Param("id"), req.CurrentLoad, req.ActiveJobs); err != nil {
		response.NotFound(c, "recorder not registered")
		return
	}
	response.OK(c, gin.H{"acknowledged": true})
}

// ListNodes handles GET /nodes. Query param healthy_only filters the view.
func (h *Handler) ListNodes(c *gin.Context) {
	healthyOnly := c.Query("healthy_only") == "true"
	response.OK(c, gin.H{
		"room_servers": h.registry.ListRoomServers(healthyOnly),
		"recorders":    h.registry.ListRecorders(healthyOnly),
	})
}

// RemoveNode handles DELETE /nodes/:id.
func (h *Handler) RemoveNode(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Remove(id); err != nil {
		response.NotFound(c, "node not registered")
		return
	}
	if h.repo != nil {
		if err := h.repo.DeleteNode(c.Request.Context(), id); err != nil {
			h.logger.Warn("delete node row failed", zap.String("id", id), zap.Error(err))
		}
	}
	response.OK(c, gin.H{"removed": id})
}

// --- recording lifecycle ---

type startRecordingRequest struct {
	RoomServerID string                  `json:"room_server_id" binding:"required"`
	RoomID       string                  `json:"room_id" binding:"required"`
	PeerID       string                  `json:"peer_id" binding:"required"`
	PeerInfo     models.PeerInfo         `json:"peer_info"`
	RTPStreams   []models.RTPStream      `json:"rtp_streams" binding:"required"`
	Options      models.RecordingOptions `json:"options"`
	Requester    models.RequesterInfo    `json:"requester_info"`
	PreferGPU    bool                    `json:"prefer_gpu"`
	MinCores     int                     `json:"min_cores"`
	MinMemoryMB  int64                   `json:"min_memory_mb"`
}

// StartRecording handles POST /recordings.
func (h *Handler) StartRecording(c *gin.Context) {
	var req startRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if len(req.RTPStreams) == 0 {
		response.BadRequest(c, "at least one rtp stream required")
		return
	}
	for _, s := range req.RTPStreams {
		if s.Kind != models.StreamKindAudio && s.Kind != models.StreamKindVideo {
			response.BadRequest(c, "rtp stream kind must be audio or video")
			return
		}
	}
	if req.Options.Quality == "" {
		req.Options.Quality = models.QualityMedium
	}
	if req.Options.Format == "" {
		req.Options.Format = "mp4"
	}
	if req.PeerInfo.PeerID == "" {
		req.PeerInfo.PeerID = req.PeerID
	}

	job, err := h.dispatcher.StartRecording(c.Request.Context(), dispatch.StartRequest{
		RoomServerID: req.RoomServerID,
		RoomID:       req.RoomID,
		PeerID:       req.PeerID,
		PeerInfo:     req.PeerInfo,
		RTPStreams:   req.RTPStreams,
		Options:      req.Options,
		Requester:    req.Requester,
		PreferGPU:    req.PreferGPU,
		MinCores:     req.MinCores,
		MinMemoryMB:  req.MinMemoryMB,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrNoRoomServer) {
			response.NotFound(c, "no healthy room server for request")
			return
		}
		// Assignment failure: the job record carries the terminal state.
		if job != nil {
			response.BadGateway(c, err.Error(), job)
			return
		}
		response.Internal(c, err.Error())
		return
	}
	response.Created(c, job)
}

// StopRecording handles POST /recordings/:id/stop.
func (h *Handler) StopRecording(c *gin.Context) {
	job, err := h.dispatcher.StopRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			response.NotFound(c, "recording not found")
			return
		}
		response.Internal(c, err.Error())
		return
	}
	response.OK(c, job)
}

// GetRecording handles GET /recordings/:id. Falls back to history for
// terminal jobs.
func (h *Handler) GetRecording(c *gin.Context) {
	id := c.Param("id")
	if job, err := h.jobs.Get(id); err == nil {
		response.OK(c, job)
		return
	}
	if h.repo != nil {
		if job, err := h.repo.GetJob(c.Request.Context(), id); err == nil {
			response.OK(c, job)
			return
		}
	}
	response.NotFound(c, "recording not found")
}

// ListRecordings handles GET /recordings: active jobs, filterable.
func (h *Handler) ListRecordings(c *gin.Context) {
	jobs := h.jobs.ListActive(jobstore.ListFilter{
		RoomServerID: c.Query("room_server_id"),
		RecorderID:   c.Query("recorder_id"),
		RoomID:       c.Query("room_id"),
		Status:       models.JobStatus(c.Query("status")),
	})
	response.OK(c, gin.H{"recordings": jobs, "queued": h.jobs.QueueLength()})
}

// RecordingHistory handles GET /history/recordings with filters and paging.
func (h *Handler) RecordingHistory(c *gin.Context) {
	if h.repo == nil {
		response.ServiceUnavailable(c, "history storage not configured")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	filter := repository.HistoryFilter{
		RoomServerID: c.Query("room_server_id"),
		RecorderID:   c.Query("recorder_id"),
		RoomID:       c.Query("room_id"),
		Status:       c.Query("status"),
		Limit:        limit,
		Offset:       offset,
	}
	if v := c.Query("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		}
	}
	if v := c.Query("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = t
		}
	}
	jobs, err := h.repo.QueryJobHistory(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("history query failed", zap.Error(err))
		response.Internal(c, "failed to query history")
		return
	}
	response.OK(c, gin.H{"recordings": jobs})
}

// GenerateDownloadURL handles GET /recordings/:id/download-url. Only
// completed jobs whose output landed in S3 get a presigned URL.
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	if h.s3 == nil {
		response.ServiceUnavailable(c, "download storage not configured")
		return
	}
	id := c.Param("id")
	var job *models.RecordingJob
	if h.repo != nil {
		job, _ = h.repo.GetJob(c.Request.Context(), id)
	}
	if job == nil {
		if j, err := h.jobs.Get(id); err == nil {
			job = j
		}
	}
	if job == nil {
		response.NotFound(c, "recording not found")
		return
	}
	if job.Status != models.JobStatusCompleted || job.OutputPath == "" {
		response.BadRequest(c, "recording not ready for download")
		return
	}
	key, ok := storage.KeyFromS3URI(job.OutputPath)
	if !ok {
		response.BadRequest(c, "recording output is not in object storage")
		return
	}
	url, err := h.s3.PresignDownload(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("presign failed", zap.String("job_id", id), zap.Error(err))
		response.Internal(c, "failed to generate download url")
		return
	}
	response.OK(c, gin.H{"url": url})
}

// --- recorder event callback ---

type recorderEventRequest struct {
	JobID string `json:"jobId" binding:"required"`
	Event string `json:"event" binding:"required"` // started | progress | completed | failed
	Data  struct {
		OutputPath string                   `json:"outputPath"`
		Error      string                   `json:"error"`
		Metrics    *models.RecordingMetrics `json:"metrics"`
	} `json:"data"`
}

// RecorderEvent handles POST /callbacks/recorder-event. Terminal events for
// already-terminal jobs are dropped idempotently.
func (h *Handler) RecorderEvent(c *gin.Context) {
	var req recorderEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	switch req.Event {
	case "started", "progress":
		h.logger.Debug("recorder event", zap.String("job_id", req.JobID), zap.String("event", req.Event))
	case "completed":
		h.dispatcher.CompleteJob(c.Request.Context(), req.JobID, req.Data.OutputPath, req.Data.Metrics)
	case "failed":
		reason := req.Data.Error
		if reason == "" {
			reason = "recorder reported failure"
		}
		h.dispatcher.FailJob(c.Request.Context(), req.JobID, reason, false)
	default:
		response.BadRequest(c, "unknown event: "+req.Event)
		return
	}
	response.OK(c, gin.H{"acknowledged": true})
}

// --- fleet views ---

// Capacity handles GET /capacity: the latest fleet snapshot.
func (h *Handler) Capacity(c *gin.Context) {
	response.OK(c, h.aggregator.Latest())
}

// ScalingRecommendations handles GET /scaling/recommendations.
func (h *Handler) ScalingRecommendations(c *gin.Context) {
	response.OK(c, gin.H{"recommendations": h.aggregator.Recommendations()})
}

// AlertStatus handles GET /alerts.
func (h *Handler) AlertStatus(c *gin.Context) {
	response.OK(c, h.aggregator.AlertStatus())
}

// TriggerHealthTick handles POST /admin/health-tick: runs one reconciliation
// pass immediately instead of waiting for the next scheduled tick.
func (h *Handler) TriggerHealthTick(c *gin.Context) {
	h.healthLoop.Tick(c.Request.Context())
	response.OK(c, gin.H{"ticked": true})
}

// MetricsRange handles GET /history/metrics?start=...&end=...
func (h *Handler) MetricsRange(c *gin.Context) {
	if h.repo == nil {
		response.ServiceUnavailable(c, "metrics storage not configured")
		return
	}
	end := time.Now()
	start := end.Add(-time.Hour)
	if v := c.Query("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := c.Query("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}
	snapshots, err := h.repo.QueryMetricsRange(c.Request.Context(), start, end)
	if err != nil {
		h.logger.Error("metrics range query failed", zap.Error(err))
		response.Internal(c, "failed to query metrics")
		return
	}
	response.OK(c, gin.H{"snapshots": snapshots})
}

// --- persistence helpers ---

func (h *Handler) persistRoomServer(c *gin.Context, id string) {
	if h.repo == nil {
		return
	}
	if rs, err := h.registry.GetRoomServer(id); err == nil {
		if err := h.repo.UpsertRoomServer(c.Request.Context(), rs); err != nil {
			h.logger.Warn("persist room server failed", zap.String("id", id), zap.Error(err))
		}
	}
}

func (h *Handler) persistRecorder(c *gin.Context, id string) {
	if h.repo == nil {
		return
	}
	if node, err := h.registry.GetRecorder(id); err == nil {
		if err := h.repo.UpsertRecorderNode(c.Request.Context(), node); err != nil {
			h.logger.Warn("persist recorder failed", zap.String("id", id), zap.Error(err))
		}
	}
}
