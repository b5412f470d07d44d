// Package repository persists fleet and job state to PostgreSQL. The
// in-memory registries stay authoritative; the store exists for warm restart
// and history queries, and every write from the core is best-effort.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-conference/orchestrator/internal/models"
)

// Repository handles orchestrator persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a repository over a pgx pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertRoomServer writes a room server snapshot.
func (r *Repository) UpsertRoomServer(ctx context.Context, rs *models.RoomServer) error {
	rooms, _ := json.Marshal(rs.Rooms)
	specs, _ := json.Marshal(rs.Specs)
	metadata, _ := json.Marshal(rs.Metadata)
	const q = `INSERT INTO room_servers (id, url, region, rooms, capacity, current_load, is_healthy, last_heartbeat, specs, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url, region = EXCLUDED.region, rooms = EXCLUDED.rooms,
			capacity = EXCLUDED.capacity, current_load = EXCLUDED.current_load,
			is_healthy = EXCLUDED.is_healthy, last_heartbeat = EXCLUDED.last_heartbeat,
			specs = EXCLUDED.specs, metadata = EXCLUDED.metadata, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, rs.ID, rs.URL, rs.Region, rooms, rs.Capacity, rs.CurrentLoad, rs.IsHealthy, rs.LastHeartbeat, specs, metadata, rs.CreatedAt)
	return err
}

// UpsertRecorderNode writes a recorder node snapshot.
func (r *Repository) UpsertRecorderNode(ctx context.Context, node *models.RecorderNode) error {
	codecs, _ := json.Marshal(node.SupportedCodecs)
	activeJobs, _ := json.Marshal(node.ActiveJobs)
	specs, _ := json.Marshal(node.Specs)
	metadata, _ := json.Marshal(node.Metadata)
	const q = `INSERT INTO recorder_nodes (id, url, region, supported_codecs, active_jobs, capacity, current_load, is_healthy, last_heartbeat, specs, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url, region = EXCLUDED.region, supported_codecs = EXCLUDED.supported_codecs,
			active_jobs = EXCLUDED.active_jobs, capacity = EXCLUDED.capacity,
			current_load = EXCLUDED.current_load, is_healthy = EXCLUDED.is_healthy,
			last_heartbeat = EXCLUDED.last_heartbeat, specs = EXCLUDED.specs,
			metadata = EXCLUDED.metadata, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, node.ID, node.URL, node.Region, codecs, activeJobs, node.Capacity, node.CurrentLoad, node.IsHealthy, node.LastHeartbeat, specs, metadata, node.CreatedAt)
	return err
}

// DeleteNode removes a node row from either table.
func (r *Repository) DeleteNode(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM room_servers WHERE id = $1`, id); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM recorder_nodes WHERE id = $1`, id)
	return err
}

// UpsertJob writes a job snapshot.
func (r *Repository) UpsertJob(ctx context.Context, job *models.RecordingJob) error {
	peerInfo, _ := json.Marshal(job.PeerInfo)
	streams, _ := json.Marshal(job.RTPStreams)
	options, _ := json.Marshal(job.Options)
	requester, _ := json.Marshal(job.Requester)
	var forwarding, metrics []byte
	if job.RTPForwarding != nil {
		forwarding, _ = json.Marshal(job.RTPForwarding)
	}
	if job.Metrics != nil {
		metrics, _ = json.Marshal(job.Metrics)
	}
	var recorderID *string
	if job.RecorderID != "" {
		recorderID = &job.RecorderID
	}
	const q = `INSERT INTO recording_jobs (job_id, room_server_id, room_id, peer_id, peer_info, recorder_id, rtp_streams, rtp_forwarding, options, status, start_time, end_time, output_path, error_message, requester_info, metrics, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			recorder_id = EXCLUDED.recorder_id, rtp_streams = EXCLUDED.rtp_streams,
			rtp_forwarding = EXCLUDED.rtp_forwarding, status = EXCLUDED.status,
			end_time = EXCLUDED.end_time, output_path = EXCLUDED.output_path,
			error_message = EXCLUDED.error_message, metrics = EXCLUDED.metrics,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q,
		job.ID, job.RoomServerID, job.RoomID, job.PeerID, peerInfo, recorderID,
		streams, forwarding, options, string(job.Status), job.StartTime, job.EndTime,
		job.OutputPath, job.ErrorMessage, requester, metrics)
	return err
}

// LoadHealthyRoomServers returns persisted healthy room servers, for warm restart.
func (r *Repository) LoadHealthyRoomServers(ctx context.Context) ([]*models.RoomServer, error) {
	const q = `SELECT id, url, region, rooms, capacity, current_load, is_healthy, last_heartbeat, specs, metadata, created_at, updated_at
		FROM room_servers WHERE is_healthy = TRUE`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RoomServer
	for rows.Next() {
		var rs models.RoomServer
		var rooms, specs, metadata []byte
		if err := rows.Scan(&rs.ID, &rs.URL, &rs.Region, &rooms, &rs.Capacity, &rs.CurrentLoad, &rs.IsHealthy, &rs.LastHeartbeat, &specs, &metadata, &rs.CreatedAt, &rs.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(rooms, &rs.Rooms)
		_ = json.Unmarshal(specs, &rs.Specs)
		_ = json.Unmarshal(metadata, &rs.Metadata)
		out = append(out, &rs)
	}
	return out, rows.Err()
}

// LoadHealthyRecorderNodes returns persisted healthy recorders, for warm restart.
func (r *Repository) LoadHealthyRecorderNodes(ctx context.Context) ([]*models.RecorderNode, error) {
	const q = `SELECT id, url, region, supported_codecs, active_jobs, capacity, current_load, is_healthy, last_heartbeat, specs, metadata, created_at, updated_at
		FROM recorder_nodes WHERE is_healthy = TRUE`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RecorderNode
	for rows.Next() {
		var node models.RecorderNode
		var codecs, activeJobs, specs, metadata []byte
		if err := rows.Scan(&node.ID, &node.URL, &node.Region, &codecs, &activeJobs, &node.Capacity, &node.CurrentLoad, &node.IsHealthy, &node.LastHeartbeat, &specs, &metadata, &node.CreatedAt, &node.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(codecs, &node.SupportedCodecs)
		_ = json.Unmarshal(activeJobs, &node.ActiveJobs)
		_ = json.Unmarshal(specs, &node.Specs)
		_ = json.Unmarshal(metadata, &node.Metadata)
		out = append(out, &node)
	}
	return out, rows.Err()
}

// LoadActiveJobs returns persisted non-terminal jobs, for warm restart.
func (r *Repository) LoadActiveJobs(ctx context.Context) ([]*models.RecordingJob, error) {
	const q = jobSelect + ` WHERE status IN ('pending', 'initializing', 'recording') ORDER BY start_time`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// HistoryFilter narrows job history queries. Zero values match everything.
type HistoryFilter struct {
	RoomServerID string
	RecorderID   string
	RoomID       string
	Status       string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// QueryJobHistory returns persisted jobs matching the filter, newest first.
func (r *Repository) QueryJobHistory(ctx context.Context, f HistoryFilter) ([]*models.RecordingJob, error) {
	q := jobSelect + ` WHERE 1=1`
	args := []interface{}{}
	n := 0
	add := func(clause string, v interface{}) {
		n++
		q += fmt.Sprintf(" AND "+clause, n)
		args = append(args, v)
	}
	if f.RoomServerID != "" {
		add("room_server_id = $%d", f.RoomServerID)
	}
	if f.RecorderID != "" {
		add("recorder_id = $%d", f.RecorderID)
	}
	if f.RoomID != "" {
		add("room_id = $%d", f.RoomID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.Since.IsZero() {
		add("start_time >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("start_time <= $%d", f.Until)
	}
	q += " ORDER BY start_time DESC"
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	n++
	q += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, f.Limit)
	if f.Offset > 0 {
		n++
		q += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// GetJob returns a persisted job by id, or pgx.ErrNoRows when absent.
func (r *Repository) GetJob(ctx context.Context, id string) (*models.RecordingJob, error) {
	rows, err := r.pool.Query(ctx, jobSelect+` WHERE job_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, pgx.ErrNoRows
	}
	return jobs[0], nil
}

// AppendMetricsSnapshot stores one fleet snapshot.
func (r *Repository) AppendMetricsSnapshot(ctx context.Context, s *models.MetricsSnapshot) error {
	regional, _ := json.Marshal(s.Regional)
	const q = `INSERT INTO system_metrics (ts, room_servers, recorder_nodes, healthy_recorders, unhealthy_nodes, active_recordings, queued_recordings, total_capacity, total_load, regional)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, q, s.Timestamp, s.RoomServers, s.RecorderNodes, s.HealthyRecorders, s.UnhealthyNodes, s.ActiveRecordings, s.QueuedRecordings, s.TotalCapacity, s.TotalLoad, regional)
	return err
}

// QueryMetricsRange returns snapshots between start and end, oldest first.
func (r *Repository) QueryMetricsRange(ctx context.Context, start, end time.Time) ([]*models.MetricsSnapshot, error) {
	const q = `SELECT ts, room_servers, recorder_nodes, healthy_recorders, unhealthy_nodes, active_recordings, queued_recordings, total_capacity, total_load, regional
		FROM system_metrics WHERE ts >= $1 AND ts <= $2 ORDER BY ts`
	rows, err := r.pool.Query(ctx, q, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.MetricsSnapshot
	for rows.Next() {
		var s models.MetricsSnapshot
		var regional []byte
		if err := rows.Scan(&s.Timestamp, &s.RoomServers, &s.RecorderNodes, &s.HealthyRecorders, &s.UnhealthyNodes, &s.ActiveRecordings, &s.QueuedRecordings, &s.TotalCapacity, &s.TotalLoad, &regional); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(regional, &s.Regional)
		out = append(out, &s)
	}
	return out, rows.Err()
}

const jobSelect = `SELECT job_id, COALESCE(room_server_id, ''), room_id, peer_id, peer_info, COALESCE(recorder_id, ''), rtp_streams, rtp_forwarding, options, status, start_time, end_time, output_path, error_message, requester_info, metrics
	FROM recording_jobs`

func scanJobs(rows pgx.Rows) ([]*models.RecordingJob, error) {
	var out []*models.RecordingJob
	for rows.Next() {
		var job models.RecordingJob
		var peerInfo, streams, forwarding, options, requester, metrics []byte
		var status string
		if err := rows.Scan(&job.ID, &job.RoomServerID, &job.RoomID, &job.PeerID, &peerInfo, &job.RecorderID, &streams, &forwarding, &options, &status, &job.StartTime, &job.EndTime, &job.OutputPath, &job.ErrorMessage, &requester, &metrics); err != nil {
			return nil, err
		}
		job.Status = models.JobStatus(status)
		_ = json.Unmarshal(peerInfo, &job.PeerInfo)
		_ = json.Unmarshal(streams, &job.RTPStreams)
		_ = json.Unmarshal(options, &job.Options)
		_ = json.Unmarshal(requester, &job.Requester)
		if len(forwarding) > 0 {
			job.RTPForwarding = &models.RTPForwarding{}
			_ = json.Unmarshal(forwarding, job.RTPForwarding)
		}
		if len(metrics) > 0 {
			job.Metrics = &models.RecordingMetrics{}
			_ = json.Unmarshal(metrics, job.Metrics)
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}
