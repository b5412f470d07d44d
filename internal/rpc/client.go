// Package rpc implements the outbound JSON-over-HTTP calls to recorder nodes
// and room servers.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aura-conference/orchestrator/internal/models"
)

// Deadlines per call class. Exceeding one is treated as call failure.
const (
	AllocatePortsTimeout = 5 * time.Second
	StartTimeout         = 15 * time.Second
	StopTimeout          = 10 * time.Second
)

// AllocatePortsRequest asks a recorder for RTP ports.
type AllocatePortsRequest struct {
	Count int `json:"count"`
}

// AllocatePortsResponse returns the even-numbered RTP ports the recorder reserved.
type AllocatePortsResponse struct {
	Ports []int `json:"ports"`
}

// ReleasePortsRequest returns ports after a failed assignment.
type ReleasePortsRequest struct {
	JobID string `json:"jobId"`
	Ports []int  `json:"ports"`
}

// RoomInfo identifies the source of the streams for the recorder.
type RoomInfo struct {
	RoomServerID string `json:"roomServerId"`
	RoomID       string `json:"roomId"`
}

// StartRecordingRequest tells a recorder to start consuming forwarded RTP.
type StartRecordingRequest struct {
	JobID                   string                  `json:"jobId"`
	PeerInfo                models.PeerInfo         `json:"peerInfo"`
	RTPStreams              []models.RTPStream      `json:"rtpStreams"`
	Options                 models.RecordingOptions `json:"options"`
	RoomInfo                RoomInfo                `json:"roomInfo"`
	OrchestratorCallbackURL string                  `json:"orchestratorCallbackUrl"`
}

// StopRecordingRequest tells a recorder to stop a job. Idempotent server-side.
type StopRecordingRequest struct {
	JobID string `json:"jobId"`
}

// ForwardingTarget is where the room server should send a peer's RTP.
type ForwardingTarget struct {
	IP    string `json:"ip"`
	Ports []int  `json:"ports"`
}

// ConfigureForwardingRequest tells a room server to redirect a peer's RTP to
// a recorder.
type ConfigureForwardingRequest struct {
	JobID      string             `json:"jobId"`
	PeerID     string             `json:"peerId"`
	TargetNode ForwardingTarget   `json:"targetNode"`
	RTPStreams []models.RTPStream `json:"rtpStreams"`
}

// StopForwardingRequest tells a room server to stop forwarding for a job.
// Idempotent server-side.
type StopForwardingRequest struct {
	JobID string `json:"jobId"`
}

// Client issues node RPCs with per-call deadlines.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an RPC client. The underlying http.Client carries no
// global timeout; each call sets its own deadline via context.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{httpClient: &http.Client{}, logger: logger}
}

// AllocatePorts reserves count RTP ports on the recorder.
func (c *Client) AllocatePorts(ctx context.Context, recorderURL string, count int) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, AllocatePortsTimeout)
	defer cancel()
	var resp AllocatePortsResponse
	if err := c.post(ctx, recorderURL, "/allocate-ports", AllocatePortsRequest{Count: count}, &resp); err != nil {
		return nil, fmt.Errorf("allocate ports: %w", err)
	}
	if len(resp.Ports) != count {
		return nil, fmt.Errorf("allocate ports: wanted %d ports, got %d", count, len(resp.Ports))
	}
	return resp.Ports, nil
}

// ReleasePorts returns allocated ports to the recorder. Best-effort.
func (c *Client) ReleasePorts(ctx context.Context, recorderURL, jobID string, ports []int) error {
	ctx, cancel := context.WithTimeout(ctx, StopTimeout)
	defer cancel()
	return c.post(ctx, recorderURL, "/release-ports", ReleasePortsRequest{JobID: jobID, Ports: ports}, nil)
}

// StartRecording tells the recorder to begin a job.
func (c *Client) StartRecording(ctx context.Context, recorderURL string, req StartRecordingRequest) error {
	ctx, cancel := context.WithTimeout(ctx, StartTimeout)
	defer cancel()
	if err := c.post(ctx, recorderURL, "/start-recording", req, nil); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	return nil
}

// StopRecording tells the recorder to stop a job.
func (c *Client) StopRecording(ctx context.Context, recorderURL, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, StopTimeout)
	defer cancel()
	if err := c.post(ctx, recorderURL, "/stop-recording", StopRecordingRequest{JobID: jobID}, nil); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	return nil
}

// ConfigureForwarding tells the room server to redirect a peer's RTP streams.
func (c *Client) ConfigureForwarding(ctx context.Context, roomServerURL string, req ConfigureForwardingRequest) error {
	ctx, cancel := context.WithTimeout(ctx, StartTimeout)
	defer cancel()
	if err := c.post(ctx, roomServerURL, "/configure-rtp-forwarding", req, nil); err != nil {
		return fmt.Errorf("configure rtp forwarding: %w", err)
	}
	return nil
}

// StopForwarding tells the room server to stop forwarding for a job.
func (c *Client) StopForwarding(ctx context.Context, roomServerURL, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, StopTimeout)
	defer cancel()
	if err := c.post(ctx, roomServerURL, "/stop-rtp-forwarding", StopForwardingRequest{JobID: jobID}, nil); err != nil {
		return fmt.Errorf("stop rtp forwarding: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, baseURL, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
