package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "orchestrator:"
	publishTimeout = 5 * time.Second
)

// mirrorPayload is the message published to Redis so external dashboards and
// read-only observers can follow fleet state without holding an orchestrator
// connection.
type mirrorPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	At   int64           `json:"at"`
}

// RedisMirror implements Mirror over Redis pub/sub, one channel per class.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisMirror creates a Redis event mirror.
func NewRedisMirror(client *redis.Client, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, logger: logger}
}

// PublishEvent publishes an event to the class channel.
func (m *RedisMirror) PublishEvent(class Class, eventType string, data []byte) error {
	body, err := json.Marshal(mirrorPayload{Type: eventType, Data: data, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return m.client.Publish(ctx, channelPrefix+string(class), body).Err()
}
