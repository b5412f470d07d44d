package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesClassSubscribers(t *testing.T) {
	bus := NewBus(nil, nil)

	var got []Event
	cancel := bus.Subscribe(ClassRecordings, func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	defer cancel()

	bus.Publish(ClassRecordings, "recording_started", map[string]string{"job_id": "rec-1"})
	bus.Publish(ClassMetrics, "metrics_snapshot", map[string]int{"load": 3})

	require.Len(t, got, 1, "only the subscribed class is delivered")
	assert.Equal(t, "recording_started", got[0].Type)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(got[0].Data, &payload))
	assert.Equal(t, "rec-1", payload["job_id"])
}

func TestErroringSubscriberIsRemoved(t *testing.T) {
	bus := NewBus(nil, nil)

	calls := 0
	bus.Subscribe(ClassMetrics, func(Event) error {
		calls++
		return errors.New("closed")
	})

	bus.Publish(ClassMetrics, "metrics_snapshot", nil)
	bus.Publish(ClassMetrics, "metrics_snapshot", nil)

	assert.Equal(t, 1, calls, "a failing subscriber is dropped after its first error")
	assert.Zero(t, bus.SubscriberCount(ClassMetrics))
}

func TestCancelUnsubscribes(t *testing.T) {
	bus := NewBus(nil, nil)
	calls := 0
	cancel := bus.Subscribe(ClassScaling, func(Event) error {
		calls++
		return nil
	})
	bus.Publish(ClassScaling, "scaling_alert", nil)
	cancel()
	bus.Publish(ClassScaling, "scaling_alert", nil)
	assert.Equal(t, 1, calls)
}

type captureMirror struct {
	types []string
}

func (m *captureMirror) PublishEvent(class Class, eventType string, data []byte) error {
	m.types = append(m.types, string(class)+"/"+eventType)
	return nil
}

func TestMirrorReceivesEveryEvent(t *testing.T) {
	mirror := &captureMirror{}
	bus := NewBus(mirror, nil)
	bus.Publish(ClassRecordings, "recording_completed", nil)
	bus.Publish(ClassScaling, "scaling_alert", nil)
	assert.Equal(t, []string{"recordings/recording_completed", "scaling/scaling_alert"}, mirror.types)
}
