package jobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-conference/orchestrator/internal/models"
)

func newJob(t *testing.T, s *Store) *models.RecordingJob {
	t.Helper()
	return s.Create(CreateRequest{
		RoomServerID: "rs1",
		RoomID:       "room-1",
		PeerID:       "peer-1",
		RTPStreams: []models.RTPStream{
			{Kind: models.StreamKindAudio, Port: 5000, CodecName: "opus"},
		},
		Options: models.RecordingOptions{Quality: models.QualityMedium, Format: "mp4", IncludeAudio: true},
	})
}

func TestCreateAndGet(t *testing.T) {
	s := New(nil)
	job := newJob(t, s)
	assert.Contains(t, job.ID, "rec-")
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Nil(t, job.EndTime)

	got, err := s.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = s.Get("rec-0-missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTransitionHappyPath(t *testing.T) {
	s := New(nil)
	job := newJob(t, s)

	job, err := s.Transition(job.ID, models.JobStatusInitializing, Patch{RecorderID: StringPtr("recorder-1")})
	require.NoError(t, err)
	assert.Equal(t, "recorder-1", job.RecorderID)

	job, err = s.Transition(job.ID, models.JobStatusRecording, Patch{
		RTPForwarding: &models.RTPForwarding{TargetIP: "10.0.0.5", Ports: []int{20000}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRecording, job.Status)
	require.NotNil(t, job.RTPForwarding)
	assert.Len(t, job.RTPForwarding.Ports, len(job.RTPStreams))
	assert.Nil(t, job.EndTime)

	job, err = s.Transition(job.ID, models.JobStatusCompleted, Patch{OutputPath: StringPtr("/out/a.mp4")})
	require.NoError(t, err)
	require.NotNil(t, job.EndTime, "terminal status auto-stamps end time")
	assert.Equal(t, "/out/a.mp4", job.OutputPath)

	// Terminal jobs leave the active map.
	_, err = s.Get(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	s := New(nil)
	job := newJob(t, s)

	_, err := s.Transition(job.ID, models.JobStatusRecording, Patch{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot jump straight to recording")

	_, err = s.Transition(job.ID, models.JobStatusCompleted, Patch{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot complete")

	// Status unchanged after rejected moves.
	got, err := s.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
}

func TestRecordingFallsBackToInitializingForReassignment(t *testing.T) {
	s := New(nil)
	job := newJob(t, s)
	_, err := s.Transition(job.ID, models.JobStatusInitializing, Patch{RecorderID: StringPtr("rec-a")})
	require.NoError(t, err)
	_, err = s.Transition(job.ID, models.JobStatusRecording, Patch{})
	require.NoError(t, err)

	moved, err := s.Transition(job.ID, models.JobStatusInitializing, Patch{RecorderID: StringPtr("rec-b")})
	require.NoError(t, err)
	assert.Equal(t, "rec-b", moved.RecorderID)
}

func TestQueueOrdering(t *testing.T) {
	s := New(nil)
	base := time.Now()
	s.SetNowFunc(func() time.Time { return base })

	anon := newJob(t, s)
	moderator := s.Create(CreateRequest{
		RoomServerID: "rs1",
		RoomID:       "room-1",
		PeerID:       "peer-2",
		PeerInfo:     models.PeerInfo{Authenticated: true, Roles: []string{"moderator"}},
		RTPStreams:   []models.RTPStream{{Kind: models.StreamKindAudio}},
		Options:      models.RecordingOptions{Quality: models.QualityMedium},
	})

	s.Enqueue(anon.ID)
	s.Enqueue(moderator.ID)
	s.Enqueue(moderator.ID) // duplicate ignored
	assert.Equal(t, 2, s.QueueLength())

	pending := s.PendingSnapshot()
	require.Len(t, pending, 2)
	assert.Equal(t, moderator.ID, pending[0].ID, "authenticated moderator outranks anonymous peer")

	assert.True(t, s.DequeueJob(moderator.ID))
	assert.False(t, s.DequeueJob(moderator.ID), "second dequeue misses")
	assert.Equal(t, 1, s.QueueLength())
}

func TestPriorityAgeBoost(t *testing.T) {
	now := time.Now()
	young := &models.RecordingJob{StartTime: now, Options: models.RecordingOptions{Quality: models.QualityLow}}
	old := &models.RecordingJob{StartTime: now.Add(-5 * time.Minute), Options: models.RecordingOptions{Quality: models.QualityLow}}
	assert.Greater(t, old.Priority(now), young.Priority(now))

	ancient := &models.RecordingJob{StartTime: now.Add(-time.Hour), Options: models.RecordingOptions{Quality: models.QualityLow}}
	assert.Equal(t, 20, ancient.Priority(now), "age boost is capped")
}

func TestTerminalTransitionDropsFromQueue(t *testing.T) {
	s := New(nil)
	job := newJob(t, s)
	s.Enqueue(job.ID)

	_, err := s.Transition(job.ID, models.JobStatusCancelled, Patch{})
	require.NoError(t, err)
	assert.Equal(t, 0, s.QueueLength())
}

func TestListActiveFilters(t *testing.T) {
	s := New(nil)
	newJob(t, s)
	b := s.Create(CreateRequest{
		RoomServerID: "rs2",
		RoomID:       "room-2",
		PeerID:       "peer-2",
		RTPStreams:   []models.RTPStream{{Kind: models.StreamKindVideo}},
	})

	assert.Len(t, s.ListActive(ListFilter{}), 2)
	got := s.ListActive(ListFilter{RoomServerID: "rs2"})
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Len(t, s.ListActive(ListFilter{Status: models.JobStatusPending}), 2)
	assert.Empty(t, s.ListActive(ListFilter{Status: models.JobStatusRecording}))
}

func TestRestoreRequeuesPendingJobs(t *testing.T) {
	s := New(nil)
	job := &models.RecordingJob{
		ID:           "rec-1-restored",
		RoomServerID: "rs1",
		Status:       models.JobStatusPending,
		StartTime:    time.Now(),
	}
	s.Restore(job)
	assert.Equal(t, 1, s.QueueLength())
	got, err := s.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
}
