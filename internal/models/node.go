package models

import "time"

// HardwareSpecs describes a node's hardware as declared at registration.
type HardwareSpecs struct {
	CPUCores  int   `json:"cpu_cores"`
	MemoryMB  int64 `json:"memory_mb"`
	HasGPU    bool  `json:"has_gpu"`
	DiskSpace int64 `json:"disk_space_mb"`
}

// RoomServer is a media-plane node that produces RTP streams for conference
// participants. Identifiers are caller-supplied and stable across restarts.
type RoomServer struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Region        string            `json:"region"`
	Rooms         []string          `json:"rooms"`
	Capacity      int               `json:"capacity"`
	CurrentLoad   int               `json:"current_load"`
	IsHealthy     bool              `json:"is_healthy"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Specs         HardwareSpecs     `json:"specs"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// RecorderNode is a media-plane node that consumes forwarded RTP and writes
// output files. Capacity is derived from hardware at registration, never
// caller-supplied.
type RecorderNode struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	Region          string            `json:"region"`
	SupportedCodecs []string          `json:"supported_codecs"`
	ActiveJobs      []string          `json:"active_jobs"`
	Capacity        int               `json:"capacity"`
	CurrentLoad     int               `json:"current_load"`
	IsHealthy       bool              `json:"is_healthy"`
	LastHeartbeat   time.Time         `json:"last_heartbeat"`
	Specs           HardwareSpecs     `json:"specs"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// HasCapacity reports whether the recorder can take one more job.
func (r *RecorderNode) HasCapacity() bool {
	return r.CurrentLoad < r.Capacity
}
