package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeUnknown, TaskID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel b")
	require.Len(t, a.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Len(t, b.events, 1)
	assert.Equal(t, []Channel{"a", "b"}, d.Channels())
}

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		assert.Equal(t, "t1", ev.TaskID)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	require.NoError(t, n.Notify(context.Background(), Event{TaskID: "t1"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookNotifierDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	assert.Error(t, n.Notify(context.Background(), Event{TaskID: "t1"}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewWebhookNotifierEmptyURL(t *testing.T) {
	assert.Nil(t, NewWebhookNotifier("  ", time.Second))
}
