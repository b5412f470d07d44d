package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-conference/orchestrator/internal/dispatch"
	"github.com/aura-conference/orchestrator/internal/events"
	"github.com/aura-conference/orchestrator/internal/jobstore"
	"github.com/aura-conference/orchestrator/internal/models"
	"github.com/aura-conference/orchestrator/internal/registry"
	"github.com/aura-conference/orchestrator/internal/rpc"
)

// fakeRPC accepts every call and counts stop-recording invocations.
type fakeRPC struct {
	mu       sync.Mutex
	stops    int
	nextPort int
}

func (f *fakeRPC) AllocatePorts(ctx context.Context, recorderURL string, count int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextPort == 0 {
		f.nextPort = 20000
	}
	ports := make([]int, count)
	for i := range ports {
		ports[i] = f.nextPort
		f.nextPort += 2
	}
	return ports, nil
}

func (f *fakeRPC) ReleasePorts(ctx context.Context, recorderURL, jobID string, ports []int) error {
	return nil
}

func (f *fakeRPC) StartRecording(ctx context.Context, recorderURL string, req rpc.StartRecordingRequest) error {
	return nil
}

func (f *fakeRPC) StopRecording(ctx context.Context, recorderURL, jobID string) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeRPC) ConfigureForwarding(ctx context.Context, roomServerURL string, req rpc.ConfigureForwardingRequest) error {
	return nil
}

func (f *fakeRPC) StopForwarding(ctx context.Context, roomServerURL, jobID string) error {
	return nil
}

func (f *fakeRPC) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fixture struct {
	registry   *registry.Registry
	jobs       *jobstore.Store
	rpc        *fakeRPC
	dispatcher *dispatch.Dispatcher
	loop       *Loop
	now        time.Time
	nowMu      sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		registry: registry.New(0, nil),
		jobs:     jobstore.New(nil),
		rpc:      &fakeRPC{},
		now:      time.Now(),
	}
	fx.registry.SetNowFunc(fx.clock)
	bus := events.NewBus(nil, nil)
	fx.dispatcher = dispatch.New(fx.registry, fx.jobs, fx.rpc, nil, bus, "http://orchestrator/callback", nil)
	fx.loop = New(fx.registry, fx.jobs, fx.dispatcher, bus, 30*time.Second, 60*time.Second, nil)
	return fx
}

func (fx *fixture) clock() time.Time {
	fx.nowMu.Lock()
	defer fx.nowMu.Unlock()
	return fx.now
}

func (fx *fixture) advance(d time.Duration) {
	fx.nowMu.Lock()
	fx.now = fx.now.Add(d)
	fx.nowMu.Unlock()
}

func (fx *fixture) addRoomServer(t *testing.T, id string) {
	t.Helper()
	_, err := fx.registry.RegisterRoomServer(registry.RoomServerDecl{
		ID: id, URL: "http://" + id + ":8080", Region: "us-east-1", Capacity: 10,
	})
	require.NoError(t, err)
}

// addRecorder registers a recorder with the given one-slot capacity profile.
func (fx *fixture) addRecorder(t *testing.T, cores int, memoryMB int64) *models.RecorderNode {
	t.Helper()
	node, err := fx.registry.RegisterRecorderNode(registry.RecorderDecl{
		URL:             "http://10.0.0.9:8090",
		Region:          "us-east-1",
		SupportedCodecs: []string{"opus", "vp8"},
		Specs:           models.HardwareSpecs{CPUCores: cores, MemoryMB: memoryMB},
	})
	require.NoError(t, err)
	return node
}

func (fx *fixture) startJob(t *testing.T) *models.RecordingJob {
	t.Helper()
	job, err := fx.dispatcher.StartRecording(context.Background(), dispatch.StartRequest{
		RoomServerID: "rs1",
		RoomID:       "room-1",
		PeerID:       "peer-1",
		RTPStreams: []models.RTPStream{
			{Kind: models.StreamKindAudio, Port: 5000, CodecName: "opus"},
		},
		Options: models.RecordingOptions{Quality: models.QualityLow, IncludeAudio: true},
	})
	require.NoError(t, err)
	return job
}

func TestQueueDrainAfterCapacityFrees(t *testing.T) {
	fx := newFixture(t)
	fx.addRoomServer(t, "rs1")
	// Two one-slot recorders: cores=1 -> capacity min(1.5, mem, 12) = 1.
	fx.addRecorder(t, 1, 4096)
	fx.addRecorder(t, 1, 4096)

	first := fx.startJob(t)
	second := fx.startJob(t)
	third := fx.startJob(t)

	assert.Equal(t, models.JobStatusRecording, first.Status)
	assert.Equal(t, models.JobStatusRecording, second.Status)
	assert.Equal(t, models.JobStatusPending, third.Status)
	assert.Equal(t, 1, fx.jobs.QueueLength())

	// Nothing frees up: the queued job stays queued.
	fx.loop.Tick(context.Background())
	assert.Equal(t, 1, fx.jobs.QueueLength())

	_, err := fx.dispatcher.StopRecording(context.Background(), first.ID)
	require.NoError(t, err)

	fx.loop.Tick(context.Background())
	assert.Zero(t, fx.jobs.QueueLength())
	placed, err := fx.jobs.Get(third.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRecording, placed.Status)
}

func TestQueueDrainPlacesOneJobPerFreeSlot(t *testing.T) {
	fx := newFixture(t)
	fx.addRoomServer(t, "rs1")

	// Queue two jobs with no recorders at all.
	a := fx.startJob(t)
	b := fx.startJob(t)
	require.Equal(t, 2, fx.jobs.QueueLength())

	// One single-slot recorder appears; only one job may land on it per tick.
	fx.addRecorder(t, 1, 4096)
	fx.loop.Tick(context.Background())

	assert.Equal(t, 1, fx.jobs.QueueLength())
	statuses := map[models.JobStatus]int{}
	for _, id := range []string{a.ID, b.ID} {
		job, err := fx.jobs.Get(id)
		require.NoError(t, err)
		statuses[job.Status]++
	}
	assert.Equal(t, 1, statuses[models.JobStatusRecording])
	assert.Equal(t, 1, statuses[models.JobStatusPending])
}

func TestRecorderFailover(t *testing.T) {
	fx := newFixture(t)
	fx.addRoomServer(t, "rs1")
	rn1 := fx.addRecorder(t, 1, 4096)

	job := fx.startJob(t)
	require.Equal(t, models.JobStatusRecording, job.Status)
	require.Equal(t, rn1.ID, job.RecorderID)

	// Second recorder joins, then rn1 stops heartbeating.
	rn2, err := fx.registry.RegisterRecorderNode(registry.RecorderDecl{
		URL:             "http://10.0.0.10:8090",
		Region:          "us-east-1",
		SupportedCodecs: []string{"opus", "vp8"},
		Specs:           models.HardwareSpecs{CPUCores: 4, MemoryMB: 8192},
	})
	require.NoError(t, err)

	fx.advance(61 * time.Second)
	require.NoError(t, fx.registry.RecordRecorderHeartbeat(rn2.ID, 0, nil))
	require.NoError(t, fx.registry.RecordRoomServerHeartbeat("rs1", 1, nil))

	fx.loop.Tick(context.Background())

	gone, err := fx.registry.GetRecorder(rn1.ID)
	require.NoError(t, err)
	assert.False(t, gone.IsHealthy)

	moved, err := fx.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRecording, moved.Status)
	assert.Equal(t, rn2.ID, moved.RecorderID, "job reassigned to the surviving recorder")

	replacement, err := fx.registry.GetRecorder(rn2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, replacement.CurrentLoad)
	assert.Equal(t, []string{job.ID}, replacement.ActiveJobs)
}

func TestRecorderFailureWithoutReplacementTerminatesJob(t *testing.T) {
	fx := newFixture(t)
	fx.addRoomServer(t, "rs1")
	fx.addRecorder(t, 1, 4096)

	job := fx.startJob(t)
	require.Equal(t, models.JobStatusRecording, job.Status)

	fx.advance(61 * time.Second)
	require.NoError(t, fx.registry.RecordRoomServerHeartbeat("rs1", 1, nil))
	fx.loop.Tick(context.Background())

	_, err := fx.jobs.Get(job.ID)
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound, "job terminal and out of the active map")
}

func TestRoomServerFailureIsFatalToItsJobs(t *testing.T) {
	fx := newFixture(t)
	fx.addRoomServer(t, "rs1")
	node := fx.addRecorder(t, 4, 8192)

	job := fx.startJob(t)
	require.Equal(t, models.JobStatusRecording, job.Status)

	// Recorder keeps heartbeating; the room server goes silent.
	fx.advance(61 * time.Second)
	require.NoError(t, fx.registry.RecordRecorderHeartbeat(node.ID, 1, []string{job.ID}))

	fx.loop.Tick(context.Background())

	rs, err := fx.registry.GetRoomServer("rs1")
	require.NoError(t, err)
	assert.False(t, rs.IsHealthy)

	_, err = fx.jobs.Get(job.ID)
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
	assert.Equal(t, 1, fx.rpc.stopCount(), "best-effort stop issued to the recorder")

	got, err := fx.registry.GetRecorder(node.ID)
	require.NoError(t, err)
	assert.Zero(t, got.CurrentLoad, "capacity reclaimed on the recorder")
}

func TestQueuedJobFailsWhenRoomServerDies(t *testing.T) {
	fx := newFixture(t)
	fx.addRoomServer(t, "rs1")

	job := fx.startJob(t)
	require.Equal(t, models.JobStatusPending, job.Status)

	fx.advance(61 * time.Second)
	fx.loop.Tick(context.Background())

	assert.Zero(t, fx.jobs.QueueLength())
	_, err := fx.jobs.Get(job.ID)
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func TestStaleNodeGarbageCollection(t *testing.T) {
	fx := newFixture(t)
	node := fx.addRecorder(t, 2, 4096)

	fx.advance(61 * time.Second)
	fx.loop.Tick(context.Background())
	got, err := fx.registry.GetRecorder(node.ID)
	require.NoError(t, err)
	assert.False(t, got.IsHealthy, "entry survives as a revival candidate")

	fx.advance(11 * time.Minute)
	fx.loop.Tick(context.Background())
	_, err = fx.registry.GetRecorder(node.ID)
	assert.ErrorIs(t, err, registry.ErrNodeNotFound)
}
