package models

import "time"

// JobStatus represents recording job lifecycle.
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusInitializing JobStatus = "initializing"
	JobStatusRecording    JobStatus = "recording"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCancelled    JobStatus = "cancelled"
)

// legalTransitions is the job state machine. Terminal states have no entry.
// recording may fall back to initializing when a failed recorder's job is
// reassigned to another node.
var legalTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:      {JobStatusInitializing, JobStatusFailed, JobStatusCancelled},
	JobStatusInitializing: {JobStatusRecording, JobStatusFailed, JobStatusCancelled},
	JobStatusRecording:    {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusInitializing},
}

// IsTerminal reports whether the status is completed, failed or cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether the state machine permits moving to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StreamKind is the media kind of an RTP stream.
type StreamKind string

const (
	StreamKindAudio StreamKind = "audio"
	StreamKindVideo StreamKind = "video"
)

// RTPStream describes one RTP stream produced by a room server for a peer.
// Port is rewritten to the recorder-allocated destination port at assignment.
type RTPStream struct {
	Kind        StreamKind `json:"kind"`
	Port        int        `json:"port"`
	PayloadType uint8      `json:"payload_type"`
	SSRC        uint32     `json:"ssrc"`
	CodecName   string     `json:"codec_name"`
}

// RTPForwarding is where the room server forwards a job's RTP packets: the
// recorder's IP plus the ports it allocated, one per stream.
type RTPForwarding struct {
	TargetIP string `json:"target_ip"`
	Ports    []int  `json:"ports"`
}

// RecordingQuality levels.
const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"
)

// RecordingOptions are the caller's requested output parameters.
type RecordingOptions struct {
	Quality      string `json:"quality"`       // low | medium | high
	Format       string `json:"format"`        // mp4 | webm | mkv
	IncludeAudio bool   `json:"include_audio"`
	IncludeVideo bool   `json:"include_video"`
	MaxDuration  int    `json:"max_duration_sec,omitempty"`
}

// PeerInfo describes the conference participant being recorded.
type PeerInfo struct {
	PeerID        string    `json:"peer_id"`
	DisplayName   string    `json:"display_name"`
	Authenticated bool      `json:"authenticated"`
	Roles         []string  `json:"roles,omitempty"`
	JoinedAt      time.Time `json:"joined_at"`
}

// HasRole reports whether the peer holds the given role.
func (p PeerInfo) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequesterInfo identifies who asked for the recording. Token is opaque and
// passed through unchanged.
type RequesterInfo struct {
	UserID string `json:"user_id,omitempty"`
	Source string `json:"source,omitempty"`
	Token  string `json:"token,omitempty"`
}

// RecordingMetrics are reported by the recorder when a job finishes.
type RecordingMetrics struct {
	DurationSec   int   `json:"duration_sec"`
	FileSizeBytes int64 `json:"file_size_bytes"`
	DroppedFrames int   `json:"dropped_frames,omitempty"`
	AvgBitrate    int   `json:"avg_bitrate,omitempty"`
}

// RecordingJob is the control-plane record of one ongoing or past recording.
type RecordingJob struct {
	ID            string            `json:"id"`
	RoomServerID  string            `json:"room_server_id"`
	RoomID        string            `json:"room_id"`
	PeerID        string            `json:"peer_id"`
	PeerInfo      PeerInfo          `json:"peer_info"`
	RecorderID    string            `json:"recorder_id,omitempty"` // empty until placement
	RTPStreams    []RTPStream       `json:"rtp_streams"`
	RTPForwarding *RTPForwarding    `json:"rtp_forwarding,omitempty"`
	Options       RecordingOptions  `json:"options"`
	Status        JobStatus         `json:"status"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	OutputPath    string            `json:"output_path,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Requester     RequesterInfo     `json:"requester_info"`
	Metrics       *RecordingMetrics `json:"metrics,omitempty"`
}

// Priority orders the pending queue: higher values drain first. Authenticated
// and privileged peers outrank anonymous ones, waiting jobs gain an age boost,
// and expensive quality settings are slightly deprioritized.
func (j *RecordingJob) Priority(now time.Time) int {
	p := 0
	if j.PeerInfo.Authenticated {
		p += 20
	}
	if j.PeerInfo.HasRole("moderator") {
		p += 30
	}
	if j.PeerInfo.HasRole("presenter") {
		p += 15
	}
	if age := now.Sub(j.StartTime); age > 0 {
		boost := int(age / (30 * time.Second))
		if boost > 20 {
			boost = 20
		}
		p += boost
	}
	switch j.Options.Quality {
	case QualityHigh:
		p -= 10
	case QualityMedium:
		p -= 5
	}
	return p
}

// Clone returns a deep copy so callers can read job state without holding
// store locks.
func (j *RecordingJob) Clone() *RecordingJob {
	cp := *j
	cp.RTPStreams = append([]RTPStream(nil), j.RTPStreams...)
	if j.RTPForwarding != nil {
		fwd := *j.RTPForwarding
		fwd.Ports = append([]int(nil), j.RTPForwarding.Ports...)
		cp.RTPForwarding = &fwd
	}
	if j.EndTime != nil {
		t := *j.EndTime
		cp.EndTime = &t
	}
	if j.Metrics != nil {
		m := *j.Metrics
		cp.Metrics = &m
	}
	cp.PeerInfo.Roles = append([]string(nil), j.PeerInfo.Roles...)
	return &cp
}
