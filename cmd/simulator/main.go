// Package main runs a local fleet simulator: fake room servers and recorder
// nodes that register with a running orchestrator, heartbeat, and answer its
// RPCs. For development and load testing only.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	orchestratorURL := flag.String("orchestrator", "http://localhost:8080", "orchestrator base URL")
	region := flag.String("region", "us-east-1", "region tag for simulated nodes")
	roomServers := flag.Int("room-servers", 1, "number of simulated room servers")
	recorders := flag.Int("recorders", 2, "number of simulated recorders")
	basePort := flag.Int("base-port", 9100, "first listen port for simulated nodes")
	heartbeat := flag.Duration("heartbeat", 15*time.Second, "heartbeat interval")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := *basePort
	for i := 0; i < *roomServers; i++ {
		rs := newSimRoomServer(fmt.Sprintf("sim-rs-%d", i+1), *orchestratorURL, *region, port, logger)
		go rs.run(ctx, *heartbeat)
		port++
	}
	for i := 0; i < *recorders; i++ {
		rn := newSimRecorder(*orchestratorURL, *region, port, logger)
		go rn.run(ctx, *heartbeat)
		port++
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
	logger.Info("simulator stopped")
}

// simRoomServer is a fake media-plane room server.
type simRoomServer struct {
	id     string
	orch   string
	region string
	port   int
	logger *zap.Logger

	mu         sync.Mutex
	forwarding map[string]bool // jobID -> active
}

func newSimRoomServer(id, orch, region string, port int, logger *zap.Logger) *simRoomServer {
	return &simRoomServer{
		id:         id,
		orch:       orch,
		region:     region,
		port:       port,
		logger:     logger.With(zap.String("sim", id)),
		forwarding: make(map[string]bool),
	}
}

func (s *simRoomServer) run(ctx context.Context, heartbeat time.Duration) {
	router := gin.New()
	router.POST("/configure-rtp-forwarding", func(c *gin.Context) {
		var body struct {
			JobID string `json:"jobId"`
		}
		_ = c.ShouldBindJSON(&body)
		s.mu.Lock()
		s.forwarding[body.JobID] = true
		s.mu.Unlock()
		s.logger.Info("forwarding configured", zap.String("job_id", body.JobID))
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.POST("/stop-rtp-forwarding", func(c *gin.Context) {
		var body struct {
			JobID string `json:"jobId"`
		}
		_ = c.ShouldBindJSON(&body)
		s.mu.Lock()
		delete(s.forwarding, body.JobID)
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	go serveUntilDone(ctx, s.port, router)

	s.register()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			load := len(s.forwarding)
			s.mu.Unlock()
			postJSON(s.orch+"/nodes/room-servers/"+s.id+"/heartbeat", map[string]interface{}{
				"current_load": load,
				"rooms":        []string{"room-1", "room-2"},
			})
		}
	}
}

func (s *simRoomServer) register() {
	postJSON(s.orch+"/nodes/room-servers", map[string]interface{}{
		"id":       s.id,
		"url":      fmt.Sprintf("http://localhost:%d", s.port),
		"region":   s.region,
		"rooms":    []string{"room-1", "room-2"},
		"capacity": 10,
		"specs":    map[string]interface{}{"cpu_cores": 8, "memory_mb": 16384},
	})
	s.logger.Info("registered with orchestrator")
}

// simRecorder is a fake recorder node. Jobs it accepts complete on their own
// after a short simulated recording.
type simRecorder struct {
	orch   string
	region string
	port   int
	logger *zap.Logger

	mu       sync.Mutex
	id       string
	nextPort int
	jobs     map[string]string // jobID -> callback URL
}

func newSimRecorder(orch, region string, port int, logger *zap.Logger) *simRecorder {
	return &simRecorder{
		orch:     orch,
		region:   region,
		port:     port,
		logger:   logger.With(zap.Int("sim_recorder_port", port)),
		nextPort: 20000,
		jobs:     make(map[string]string),
	}
}

func (r *simRecorder) run(ctx context.Context, heartbeat time.Duration) {
	router := gin.New()
	router.POST("/allocate-ports", func(c *gin.Context) {
		var body struct {
			Count int `json:"count"`
		}
		_ = c.ShouldBindJSON(&body)
		r.mu.Lock()
		ports := make([]int, body.Count)
		for i := range ports {
			ports[i] = r.nextPort
			r.nextPort += 2 // RTP convention: even ports
		}
		r.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"ports": ports})
	})
	router.POST("/release-ports", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.POST("/start-recording", func(c *gin.Context) {
		var body struct {
			JobID                   string `json:"jobId"`
			OrchestratorCallbackURL string `json:"orchestratorCallbackUrl"`
		}
		_ = c.ShouldBindJSON(&body)
		r.mu.Lock()
		r.jobs[body.JobID] = body.OrchestratorCallbackURL
		r.mu.Unlock()
		r.logger.Info("recording started", zap.String("job_id", body.JobID))
		go r.finishLater(ctx, body.JobID, body.OrchestratorCallbackURL)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.POST("/stop-recording", func(c *gin.Context) {
		var body struct {
			JobID string `json:"jobId"`
		}
		_ = c.ShouldBindJSON(&body)
		r.mu.Lock()
		delete(r.jobs, body.JobID)
		r.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	go serveUntilDone(ctx, r.port, router)

	r.register()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			id := r.id
			load := len(r.jobs)
			active := make([]string, 0, load)
			for jobID := range r.jobs {
				active = append(active, jobID)
			}
			r.mu.Unlock()
			if id == "" {
				continue
			}
			postJSON(r.orch+"/nodes/recorders/"+id+"/heartbeat", map[string]interface{}{
				"current_load": load,
				"active_jobs":  active,
			})
		}
	}
}

func (r *simRecorder) register() {
	resp, err := postJSON(r.orch+"/nodes/recorders", map[string]interface{}{
		"url":              fmt.Sprintf("http://localhost:%d", r.port),
		"region":           r.region,
		"supported_codecs": []string{"opus", "vp8", "h264"},
		"specs":            map[string]interface{}{"cpu_cores": 4, "memory_mb": 8192, "has_gpu": false},
	})
	if err != nil {
		r.logger.Warn("register failed", zap.Error(err))
		return
	}
	var envelope struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &envelope); err == nil {
		r.mu.Lock()
		r.id = envelope.Data.ID
		r.mu.Unlock()
		r.logger.Info("registered with orchestrator", zap.String("recorder_id", envelope.Data.ID))
	}
}

// finishLater simulates a recording completing after 30-90 seconds.
func (r *simRecorder) finishLater(ctx context.Context, jobID, callbackURL string) {
	duration := time.Duration(30+rand.Intn(60)) * time.Second
	select {
	case <-ctx.Done():
		return
	case <-time.After(duration):
	}
	r.mu.Lock()
	_, stillRunning := r.jobs[jobID]
	delete(r.jobs, jobID)
	r.mu.Unlock()
	if !stillRunning || callbackURL == "" {
		return
	}
	_, _ = postJSON(callbackURL, map[string]interface{}{
		"jobId": jobID,
		"event": "completed",
		"data": map[string]interface{}{
			"outputPath": fmt.Sprintf("/recordings/%s.mp4", jobID),
			"metrics": map[string]interface{}{
				"duration_sec":    int(duration.Seconds()),
				"file_size_bytes": 1024 * 1024 * int64(duration.Seconds()),
			},
		},
	})
	r.logger.Info("recording completed", zap.String("job_id", jobID))
}

func serveUntilDone(ctx context.Context, port int, handler http.Handler) {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	_ = srv.ListenAndServe()
}

func postJSON(url string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return buf.Bytes(), fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return buf.Bytes(), nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
