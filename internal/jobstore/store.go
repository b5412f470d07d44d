// Package jobstore owns active recording jobs and the pending queue. Jobs in
// a terminal state leave the active map; history lives in the repository.
package jobstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-conference/orchestrator/internal/models"
)

var (
	// ErrJobNotFound is returned when a job id does not resolve.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for moves the state machine forbids.
	ErrInvalidTransition = errors.New("invalid transition")
)

// CreateRequest carries everything needed to open a new job in pending state.
type CreateRequest struct {
	RoomServerID string
	RoomID       string
	PeerID       string
	PeerInfo     models.PeerInfo
	RTPStreams   []models.RTPStream
	Options      models.RecordingOptions
	Requester    models.RequesterInfo
}

// Patch carries optional fields applied together with a status transition.
type Patch struct {
	RecorderID    *string
	RTPForwarding *models.RTPForwarding
	RTPStreams    []models.RTPStream
	OutputPath    *string
	ErrorMessage  *string
	Metrics       *models.RecordingMetrics
}

// ListFilter narrows ListActive results. Zero values match everything.
type ListFilter struct {
	RoomServerID string
	RecorderID   string
	RoomID       string
	Status       models.JobStatus
}

// Store is the in-memory job store plus pending queue. All methods are safe
// for concurrent use; job reads return copies, and transitions of a single
// job are serialized under the store lock.
type Store struct {
	mu      sync.RWMutex
	active  map[string]*models.RecordingJob
	pending []string // job ids, drained in priority order

	logger *zap.Logger
	now    func() time.Time
}

// New creates an empty job store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		active: make(map[string]*models.RecordingJob),
		logger: logger,
		now:    time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) { s.now = now }

// Create opens a new job in pending state and returns a copy.
func (s *Store) Create(req CreateRequest) *models.RecordingJob {
	now := s.now()
	job := &models.RecordingJob{
		ID:           fmt.Sprintf("rec-%d-%s", now.UnixMilli(), uuid.NewString()[:8]),
		RoomServerID: req.RoomServerID,
		RoomID:       req.RoomID,
		PeerID:       req.PeerID,
		PeerInfo:     req.PeerInfo,
		RTPStreams:   append([]models.RTPStream(nil), req.RTPStreams...),
		Options:      req.Options,
		Status:       models.JobStatusPending,
		StartTime:    now,
		Requester:    req.Requester,
	}

	s.mu.Lock()
	s.active[job.ID] = job
	s.mu.Unlock()

	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("room_server_id", job.RoomServerID),
		zap.String("room_id", job.RoomID),
		zap.String("peer_id", job.PeerID))
	return job.Clone()
}

// Get returns a copy of an active job, or ErrJobNotFound.
func (s *Store) Get(id string) (*models.RecordingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.active[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListActive returns copies of active jobs matching the filter.
func (s *Store) ListActive(f ListFilter) []*models.RecordingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.RecordingJob
	for _, job := range s.active {
		if f.RoomServerID != "" && job.RoomServerID != f.RoomServerID {
			continue
		}
		if f.RecorderID != "" && job.RecorderID != f.RecorderID {
			continue
		}
		if f.RoomID != "" && job.RoomID != f.RoomID {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		out = append(out, job.Clone())
	}
	return out
}

// Enqueue adds a pending job to the queue. Duplicate enqueues are ignored.
func (s *Store) Enqueue(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.pending {
		if id == jobID {
			return
		}
	}
	s.pending = append(s.pending, jobID)
	s.logger.Info("job enqueued", zap.String("job_id", jobID), zap.Int("queue_length", len(s.pending)))
}

// QueueLength returns the number of queued jobs.
func (s *Store) QueueLength() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// PendingSnapshot returns queued jobs as copies, ordered by priority (highest
// first, FIFO among equals). Safe to iterate while the queue mutates.
func (s *Store) PendingSnapshot() []*models.RecordingJob {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	type entry struct {
		job      *models.RecordingJob
		priority int
		pos      int
	}
	entries := make([]entry, 0, len(s.pending))
	for i, id := range s.pending {
		if job, ok := s.active[id]; ok {
			entries = append(entries, entry{job: job.Clone(), priority: job.Priority(now), pos: i})
		}
	}
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].priority != entries[b].priority {
			return entries[a].priority > entries[b].priority
		}
		return entries[a].pos < entries[b].pos
	})
	out := make([]*models.RecordingJob, len(entries))
	for i, e := range entries {
		out[i] = e.job
	}
	return out
}

// DequeueJob removes a specific job from the pending queue. Returns false if
// it was not queued (e.g. already taken by a concurrent drain).
func (s *Store) DequeueJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.pending {
		if id == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Transition moves a job to newStatus, applying the patch atomically. The
// state machine is enforced; terminal statuses auto-stamp EndTime and drop
// the job from the active map and the pending queue. Returns a copy of the
// job after the move.
func (s *Store) Transition(id string, newStatus models.JobStatus, patch Patch) (*models.RecordingJob, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.active[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !job.Status.CanTransitionTo(newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, job.Status, newStatus, id)
	}

	prev := job.Status
	job.Status = newStatus
	if patch.RecorderID != nil {
		job.RecorderID = *patch.RecorderID
	}
	if patch.RTPForwarding != nil {
		job.RTPForwarding = patch.RTPForwarding
	}
	if patch.RTPStreams != nil {
		job.RTPStreams = patch.RTPStreams
	}
	if patch.OutputPath != nil {
		job.OutputPath = *patch.OutputPath
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Metrics != nil {
		job.Metrics = patch.Metrics
	}
	if newStatus.IsTerminal() {
		job.EndTime = &now
		delete(s.active, id)
		for i, qid := range s.pending {
			if qid == id {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
	}

	s.logger.Info("job transition",
		zap.String("job_id", id),
		zap.String("from", string(prev)),
		zap.String("to", string(newStatus)),
		zap.String("recorder_id", job.RecorderID),
		zap.String("error", job.ErrorMessage))
	return job.Clone(), nil
}

// Remove drops a job from the active map and queue without a transition.
// Used only when rolling back a job that never left pending.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
	for i, qid := range s.pending {
		if qid == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
}

// Restore loads a persisted active job, for warm restart. Queued jobs
// re-enter the pending queue.
func (s *Store) Restore(job *models.RecordingJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[job.ID] = job.Clone()
	if job.Status == models.JobStatusPending {
		s.pending = append(s.pending, job.ID)
	}
}

// StringPtr is a convenience for building Patch values.
func StringPtr(s string) *string { return &s }
