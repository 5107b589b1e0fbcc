package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

func retryable(msg string) error {
	return xerrors.New(xerrors.CodeStorageFailure, msg, xerrors.WithRetryable(true))
}

func TestShouldRedeliver(t *testing.T) {
	assert.False(t, shouldRedeliver(nil, 1, 3))
	assert.False(t, shouldRedeliver(errors.New("plain"), 1, 3))
	assert.False(t, shouldRedeliver(xerrors.New(xerrors.CodeInvalidArgument, "bad", xerrors.WithRetryable(false)), 1, 3))
	assert.True(t, shouldRedeliver(retryable("flaky"), 1, 3))
	assert.True(t, shouldRedeliver(retryable("flaky"), 2, 3))
	assert.False(t, shouldRedeliver(retryable("flaky"), 3, 3))
	assert.True(t, shouldRedeliver(retryable("flaky"), DefaultMaxDeliveries-1, 0))
}

func TestMemoryQueueRedeliversRetryableFailures(t *testing.T) {
	q := NewMemoryQueue(4, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			calls[id]++
			n := calls[id]
			mu.Unlock()
			switch id {
			case "flaky":
				if n < 2 {
					return retryable("not yet")
				}
				return nil
			case "doomed":
				return retryable("never")
			case "broken":
				return errors.New("permanent")
			}
			return nil
		})
	}()

	for _, id := range []string{"flaky", "doomed", "broken", "ok"} {
		require.NoError(t, q.Publish(ctx, id))
	}
	snapshot := func() map[string]int {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]int, len(calls))
		for k, v := range calls {
			out[k] = v
		}
		return out
	}
	require.Eventually(t, func() bool {
		c := snapshot()
		return c["flaky"] == 2 && c["doomed"] == 3 && c["broken"] == 1 && c["ok"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, snapshot()["doomed"], "gives up after max deliveries")
	q.countMu.Lock()
	assert.Empty(t, q.deliveries)
	q.countMu.Unlock()

	require.NoError(t, q.Close())
	assert.Error(t, q.Publish(context.Background(), "late"))
	cancel()
	<-done
}

func TestDeliveryCountHeader(t *testing.T) {
	assert.Equal(t, 0, deliveryCount(nil))
	assert.Equal(t, 2, deliveryCount(amqp.Table{deliveriesHeader: int32(2)}))
	assert.Equal(t, 5, deliveryCount(amqp.Table{deliveriesHeader: int64(5)}))
	assert.Equal(t, 0, deliveryCount(amqp.Table{deliveriesHeader: "3"}))
}
