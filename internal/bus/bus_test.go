package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Orchestrator/pkg/logger"
)

type stagePayload struct {
	Stage string
}

func TestSubscribeMatchesPattern(t *testing.T) {
	b := New(WithLogger(logger.Discard()))
	topic := NewTopic[stagePayload]("pipeline")

	var got []string
	Subscribe(b, topic, "stage:*", func(ev Event[stagePayload]) {
		got = append(got, ev.Name+"/"+ev.Payload.Stage)
	})

	Publish(b, topic, "stage:start", stagePayload{Stage: "planning"})
	Publish(b, topic, "error", stagePayload{Stage: "planning"})
	Publish(b, topic, "stage:complete", stagePayload{Stage: "planning"})

	assert.Equal(t, []string{"stage:start/planning", "stage:complete/planning"}, got)
}

func TestSubscribeIsolatedByTopic(t *testing.T) {
	b := New(WithLogger(logger.Discard()))
	pipeline := NewTopic[stagePayload]("pipeline")
	other := NewTopic[stagePayload]("task")

	count := 0
	Subscribe(b, pipeline, "", func(Event[stagePayload]) { count++ })
	Publish(b, other, "stage:start", stagePayload{})
	Publish(b, pipeline, "stage:start", stagePayload{})

	assert.Equal(t, 1, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(WithLogger(logger.Discard()))
	topic := NewTopic[int]("counter")

	total := 0
	cancel := Subscribe(b, topic, "*", func(ev Event[int]) { total += ev.Payload })
	Publish(b, topic, "inc", 2)
	cancel()
	Publish(b, topic, "inc", 3)

	assert.Equal(t, 2, total)
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	b := New(WithLogger(logger.Discard()))
	topic := NewTopic[int]("counter")

	delivered := false
	Subscribe(b, topic, "*", func(Event[int]) { panic("boom") })
	Subscribe(b, topic, "*", func(Event[int]) { delivered = true })

	require.NotPanics(t, func() { Publish(b, topic, "inc", 1) })
	assert.True(t, delivered)
}

func TestPublishOnNilBus(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { Publish(b, NewTopic[int]("x"), "y", 1) })
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	return nil
}

func TestNATSBridgeForwardsEvents(t *testing.T) {
	b := New(WithLogger(logger.Discard()))
	pub := &fakePublisher{}
	bridge, err := NewNATSBridge(b, pub, "openmcp.")
	require.NoError(t, err)

	Publish(b, NewTopic[stagePayload]("pipeline"), "stage:start", stagePayload{Stage: "planning"})

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "openmcp.pipeline.stage.start", pub.subjects[0])

	var decoded struct {
		Topic   string          `json:"topic"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
		Time    time.Time       `json:"time"`
	}
	require.NoError(t, json.Unmarshal(pub.bodies[0], &decoded))
	assert.Equal(t, "pipeline", decoded.Topic)
	assert.Equal(t, "stage:start", decoded.Event)

	require.NoError(t, bridge.Close())
	Publish(b, NewTopic[stagePayload]("pipeline"), "stage:complete", stagePayload{})
	assert.Len(t, pub.subjects, 1)
}
