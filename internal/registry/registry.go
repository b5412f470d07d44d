// Package registry holds the authoritative in-memory view of the recording
// fleet: room servers and recorder nodes, their health and load.
package registry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-conference/orchestrator/internal/models"
)

// ErrNodeNotFound is returned when an id does not resolve to a registered node.
var ErrNodeNotFound = errors.New("node not found")

const (
	// memoryPerRecordingMB sizes derived recorder capacity: one concurrent
	// recording is budgeted 500 MB of RAM.
	memoryPerRecordingMB = 500
	// maxDerivedCapacity is the hard ceiling on derived recorder capacity.
	maxDerivedCapacity = 12
)

// RoomServerDecl is the registration payload for a room server.
type RoomServerDecl struct {
	ID       string
	URL      string
	Region   string
	Rooms    []string
	Capacity int
	Specs    models.HardwareSpecs
	Metadata map[string]string
}

// RecorderDecl is the registration payload for a recorder node. Capacity is
// derived from Specs, never taken from the caller.
type RecorderDecl struct {
	URL             string
	Region          string
	SupportedCodecs []string
	Specs           models.HardwareSpecs
	Metadata        map[string]string
}

// Registry is the in-memory node registry. All methods are safe for
// concurrent use; accessors return copies.
type Registry struct {
	mu          sync.RWMutex
	roomServers map[string]*models.RoomServer
	recorders   map[string]*models.RecorderNode

	maxConcurrentPerNode int
	logger               *zap.Logger
	now                  func() time.Time
}

// New creates an empty registry. maxConcurrentPerNode caps derived recorder
// capacity on top of the hardware formula; <= 0 disables the cap.
func New(maxConcurrentPerNode int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		roomServers:          make(map[string]*models.RoomServer),
		recorders:            make(map[string]*models.RecorderNode),
		maxConcurrentPerNode: maxConcurrentPerNode,
		logger:               logger,
		now:                  time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (r *Registry) SetNowFunc(now func() time.Time) { r.now = now }

// DeriveCapacity computes a recorder's concurrent-job capacity from hardware:
// cores x 1.5, doubled with a GPU, bounded by memory at 500 MB per recording
// and an absolute ceiling of 12.
func DeriveCapacity(specs models.HardwareSpecs) int {
	byCPU := float64(specs.CPUCores) * 1.5
	if specs.HasGPU {
		byCPU *= 2
	}
	byMemory := float64(specs.MemoryMB) / memoryPerRecordingMB
	capacity := math.Min(byCPU, byMemory)
	capacity = math.Min(capacity, maxDerivedCapacity)
	if capacity < 1 {
		capacity = 1
	}
	return int(capacity)
}

// RegisterRoomServer registers or re-registers a room server. The id is
// caller-supplied and stable across restarts; re-registration refreshes the
// declaration but keeps accumulated load.
func (r *Registry) RegisterRoomServer(decl RoomServerDecl) (*models.RoomServer, error) {
	if decl.ID == "" || decl.URL == "" {
		return nil, fmt.Errorf("room server id and url required")
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rs, exists := r.roomServers[decl.ID]
	if !exists {
		rs = &models.RoomServer{ID: decl.ID, CreatedAt: now}
		r.roomServers[decl.ID] = rs
	}
	rs.URL = decl.URL
	rs.Region = decl.Region
	rs.Rooms = append([]string(nil), decl.Rooms...)
	rs.Capacity = decl.Capacity
	rs.Specs = decl.Specs
	rs.Metadata = decl.Metadata
	rs.IsHealthy = true
	rs.LastHeartbeat = now
	rs.UpdatedAt = now

	r.logger.Info("room server registered",
		zap.String("id", rs.ID),
		zap.String("region", rs.Region),
		zap.Int("capacity", rs.Capacity),
		zap.Bool("new", !exists))
	return cloneRoomServer(rs), nil
}

// RegisterRecorderNode registers a recorder and returns it with a generated
// id and derived capacity.
func (r *Registry) RegisterRecorderNode(decl RecorderDecl) (*models.RecorderNode, error) {
	if decl.URL == "" {
		return nil, fmt.Errorf("recorder url required")
	}
	now := r.now()
	capacity := DeriveCapacity(decl.Specs)
	if r.maxConcurrentPerNode > 0 && capacity > r.maxConcurrentPerNode {
		capacity = r.maxConcurrentPerNode
	}

	node := &models.RecorderNode{
		ID:              fmt.Sprintf("recorder-%s-%d-%s", decl.Region, now.UnixMilli(), uuid.NewString()[:8]),
		URL:             decl.URL,
		Region:          decl.Region,
		SupportedCodecs: append([]string(nil), decl.SupportedCodecs...),
		ActiveJobs:      []string{},
		Capacity:        capacity,
		IsHealthy:       true,
		LastHeartbeat:   now,
		Specs:           decl.Specs,
		Metadata:        decl.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	r.mu.Lock()
	r.recorders[node.ID] = node
	r.mu.Unlock()

	r.logger.Info("recorder registered",
		zap.String("id", node.ID),
		zap.String("region", node.Region),
		zap.Int("capacity", node.Capacity),
		zap.Bool("gpu", node.Specs.HasGPU))
	return cloneRecorder(node), nil
}

// RecordRoomServerHeartbeat refreshes a room server's liveness, declared load
// and hosted rooms. A heartbeat always restores the health flag.
func (r *Registry) RecordRoomServerHeartbeat(id string, load int, rooms []string) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.roomServers[id]
	if !ok {
		return ErrNodeNotFound
	}
	rs.LastHeartbeat = now
	rs.CurrentLoad = load
	if rooms != nil {
		rs.Rooms = append([]string(nil), rooms...)
	}
	if !rs.IsHealthy {
		r.logger.Info("room server revived by heartbeat", zap.String("id", id))
	}
	rs.IsHealthy = true
	rs.UpdatedAt = now
	return nil
}

// RecordRecorderHeartbeat refreshes a recorder's liveness and its declared
// load and active-job list. The declaration wins over local accounting so
// drift in external nodes is reconciled here.
func (r *Registry) RecordRecorderHeartbeat(id string, load int, activeJobs []string) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.recorders[id]
	if !ok {
		return ErrNodeNotFound
	}
	node.LastHeartbeat = now
	node.CurrentLoad = load
	if activeJobs != nil {
		node.ActiveJobs = append([]string(nil), activeJobs...)
	}
	if !node.IsHealthy {
		r.logger.Info("recorder revived by heartbeat", zap.String("id", id))
	}
	node.IsHealthy = true
	node.UpdatedAt = now
	return nil
}

// MarkUnhealthy clears a node's health flag. The entry stays registered and
// is revived by its next heartbeat. Returns true if the flag was set before.
func (r *Registry) MarkUnhealthy(id string) (wasHealthy bool, err error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.roomServers[id]; ok {
		wasHealthy = rs.IsHealthy
		rs.IsHealthy = false
		rs.UpdatedAt = now
		return wasHealthy, nil
	}
	if node, ok := r.recorders[id]; ok {
		wasHealthy = node.IsHealthy
		node.IsHealthy = false
		node.UpdatedAt = now
		return wasHealthy, nil
	}
	return false, ErrNodeNotFound
}

// Remove deletes a node from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roomServers[id]; ok {
		delete(r.roomServers, id)
		r.logger.Info("room server removed", zap.String("id", id))
		return nil
	}
	if _, ok := r.recorders[id]; ok {
		delete(r.recorders, id)
		r.logger.Info("recorder removed", zap.String("id", id))
		return nil
	}
	return ErrNodeNotFound
}

// GetRoomServer returns a copy of the room server, or ErrNodeNotFound.
func (r *Registry) GetRoomServer(id string) (*models.RoomServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.roomServers[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return cloneRoomServer(rs), nil
}

// GetRecorder returns a copy of the recorder node, or ErrNodeNotFound.
func (r *Registry) GetRecorder(id string) (*models.RecorderNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.recorders[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return cloneRecorder(node), nil
}

// ListRoomServers returns copies of room servers, optionally only healthy ones.
func (r *Registry) ListRoomServers(healthyOnly bool) []*models.RoomServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.RoomServer, 0, len(r.roomServers))
	for _, rs := range r.roomServers {
		if healthyOnly && !rs.IsHealthy {
			continue
		}
		out = append(out, cloneRoomServer(rs))
	}
	return out
}

// ListRecorders returns copies of recorder nodes, optionally only healthy ones.
func (r *Registry) ListRecorders(healthyOnly bool) []*models.RecorderNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.RecorderNode, 0, len(r.recorders))
	for _, node := range r.recorders {
		if healthyOnly && !node.IsHealthy {
			continue
		}
		out = append(out, cloneRecorder(node))
	}
	return out
}

// ListRecordersByRegion returns recorders in a region, optionally healthy only.
func (r *Registry) ListRecordersByRegion(region string, healthyOnly bool) []*models.RecorderNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.RecorderNode
	for _, node := range r.recorders {
		if node.Region != region {
			continue
		}
		if healthyOnly && !node.IsHealthy {
			continue
		}
		out = append(out, cloneRecorder(node))
	}
	return out
}

// AddRecorderJob appends a job to the recorder's active list and bumps its
// load. Part of the placement commit.
func (r *Registry) AddRecorderJob(recorderID, jobID string) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.recorders[recorderID]
	if !ok {
		return ErrNodeNotFound
	}
	for _, id := range node.ActiveJobs {
		if id == jobID {
			return nil
		}
	}
	node.ActiveJobs = append(node.ActiveJobs, jobID)
	node.CurrentLoad++
	node.UpdatedAt = now
	return nil
}

// RemoveRecorderJob drops a job from the recorder's active list and releases
// its load slot, clamped at zero.
func (r *Registry) RemoveRecorderJob(recorderID, jobID string) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.recorders[recorderID]
	if !ok {
		return ErrNodeNotFound
	}
	for i, id := range node.ActiveJobs {
		if id == jobID {
			node.ActiveJobs = append(node.ActiveJobs[:i], node.ActiveJobs[i+1:]...)
			if node.CurrentLoad > 0 {
				node.CurrentLoad--
			}
			node.UpdatedAt = now
			return nil
		}
	}
	return nil
}

// AdjustRoomServerLoad shifts a room server's load by delta, clamped at zero.
func (r *Registry) AdjustRoomServerLoad(id string, delta int) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.roomServers[id]
	if !ok {
		return ErrNodeNotFound
	}
	rs.CurrentLoad += delta
	if rs.CurrentLoad < 0 {
		rs.CurrentLoad = 0
	}
	rs.UpdatedAt = now
	return nil
}

// StaleNodes returns ids of nodes whose last heartbeat is older than timeout
// and that are still flagged healthy.
func (r *Registry) StaleNodes(timeout time.Duration) (roomServers, recorders []string) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, rs := range r.roomServers {
		if rs.IsHealthy && now.Sub(rs.LastHeartbeat) > timeout {
			roomServers = append(roomServers, id)
		}
	}
	for id, node := range r.recorders {
		if node.IsHealthy && now.Sub(node.LastHeartbeat) > timeout {
			recorders = append(recorders, id)
		}
	}
	return roomServers, recorders
}

// ExpiredNodes returns ids of unhealthy nodes whose last heartbeat is older
// than maxAge and that carry no active jobs; candidates for garbage collection.
func (r *Registry) ExpiredNodes(maxAge time.Duration) []string {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, rs := range r.roomServers {
		if !rs.IsHealthy && now.Sub(rs.LastHeartbeat) > maxAge && rs.CurrentLoad == 0 {
			out = append(out, id)
		}
	}
	for id, node := range r.recorders {
		if !node.IsHealthy && now.Sub(node.LastHeartbeat) > maxAge && len(node.ActiveJobs) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// RestoreRoomServer loads a persisted room server, for warm restart.
func (r *Registry) RestoreRoomServer(rs *models.RoomServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomServers[rs.ID] = cloneRoomServer(rs)
}

// RestoreRecorder loads a persisted recorder node, for warm restart.
func (r *Registry) RestoreRecorder(node *models.RecorderNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorders[node.ID] = cloneRecorder(node)
}

func cloneRoomServer(rs *models.RoomServer) *models.RoomServer {
	cp := *rs
	cp.Rooms = append([]string(nil), rs.Rooms...)
	return &cp
}

func cloneRecorder(node *models.RecorderNode) *models.RecorderNode {
	cp := *node
	cp.SupportedCodecs = append([]string(nil), node.SupportedCodecs...)
	cp.ActiveJobs = append([]string(nil), node.ActiveJobs...)
	return &cp
}
