package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-conference/orchestrator/internal/models"
)

func TestAllocatePorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/allocate-ports", r.URL.Path)
		var body AllocatePortsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 2, body.Count)
		_ = json.NewEncoder(w).Encode(AllocatePortsResponse{Ports: []int{20000, 20002}})
	}))
	defer srv.Close()

	c := NewClient(nil)
	ports, err := c.AllocatePorts(context.Background(), srv.URL, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{20000, 20002}, ports)
}

func TestAllocatePortsCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(AllocatePortsResponse{Ports: []int{20000}})
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.AllocatePorts(context.Background(), srv.URL, 2)
	assert.Error(t, err)
}

func TestStartRecordingSendsFullPayload(t *testing.T) {
	var got StartRecordingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/start-recording", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(nil)
	err := c.StartRecording(context.Background(), srv.URL+"/", StartRecordingRequest{
		JobID:    "rec-1",
		PeerInfo: models.PeerInfo{PeerID: "peer-1", DisplayName: "Alice"},
		RTPStreams: []models.RTPStream{
			{Kind: models.StreamKindAudio, Port: 20000, PayloadType: 111, SSRC: 42, CodecName: "opus"},
		},
		Options:                 models.RecordingOptions{Quality: "medium", Format: "mp4", IncludeAudio: true},
		RoomInfo:                RoomInfo{RoomServerID: "rs1", RoomID: "room-1"},
		OrchestratorCallbackURL: "http://orch/callbacks/recorder-event",
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.JobID)
	assert.Equal(t, "rs1", got.RoomInfo.RoomServerID)
	require.Len(t, got.RTPStreams, 1)
	assert.Equal(t, uint32(42), got.RTPStreams[0].SSRC)
}

func TestNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "recorder at capacity", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(nil)
	err := c.StopRecording(context.Background(), srv.URL, "rec-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "recorder at capacity")
}

func TestCallTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.AllocatePorts(ctx, srv.URL, 1)
	assert.Error(t, err, "deadline exceeded is treated as call failure")
}

func TestConnectionRefusedIsError(t *testing.T) {
	c := NewClient(nil)
	err := c.StopForwarding(context.Background(), "http://127.0.0.1:1", "rec-1")
	assert.Error(t, err)
}
