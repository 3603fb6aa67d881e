package resilience

import (
	"fmt"
	"testing"
	"time"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(i int) *message.Envelope {
	return &message.Envelope{ID: fmt.Sprintf("m-%d", i), Type: message.TypeTaskProgress}
}

func TestOutboundQueueKeepsLastHundred(t *testing.T) {
	q := NewOutboundQueue(100, 5*time.Minute)
	now := time.Now()

	evictions := 0
	for i := 1; i <= 150; i++ {
		if evicted := q.Enqueue(envelope(i), now); evicted != nil {
			assert.Equal(t, fmt.Sprintf("m-%d", evictions+1), evicted.ID, "oldest entry must be evicted")
			evictions++
		}
	}

	assert.Equal(t, 50, evictions)
	assert.Equal(t, 100, q.Len())

	live, expired := q.Drain(now)
	assert.Zero(t, expired)
	require.Len(t, live, 100)
	for i, env := range live {
		assert.Equal(t, fmt.Sprintf("m-%d", i+51), env.ID)
	}
	assert.Zero(t, q.Len())
}

func TestOutboundQueueHundredAndFirstEvictsFirst(t *testing.T) {
	q := NewOutboundQueue(100, time.Minute)
	now := time.Now()

	for i := 1; i <= 100; i++ {
		assert.Nil(t, q.Enqueue(envelope(i), now))
	}
	evicted := q.Enqueue(envelope(101), now)
	require.NotNil(t, evicted)
	assert.Equal(t, "m-1", evicted.ID)
}

func TestOutboundQueueStampsTTLAtEnqueue(t *testing.T) {
	q := NewOutboundQueue(10, 5*time.Minute)
	now := time.UnixMilli(1_000)

	fresh := envelope(1)
	preset := envelope(2)
	preset.Metadata.TTL = 42_000

	q.Enqueue(fresh, now)
	q.Enqueue(preset, now)

	live, _ := q.Drain(now)
	require.Len(t, live, 2)
	assert.Equal(t, int64(1_000+300_000), live[0].Metadata.TTL)
	assert.Equal(t, int64(42_000), live[1].Metadata.TTL, "existing ttl is never moved")
	assert.Zero(t, fresh.Metadata.TTL, "caller's envelope is not mutated")
}

func TestOutboundQueueDropsExpiredOnDrain(t *testing.T) {
	q := NewOutboundQueue(10, time.Minute)
	start := time.Now()

	q.Enqueue(envelope(1), start)
	q.Enqueue(envelope(2), start.Add(50*time.Second))

	live, expired := q.Drain(start.Add(90 * time.Second))
	assert.Equal(t, 1, expired)
	require.Len(t, live, 1)
	assert.Equal(t, "m-2", live[0].ID)
}

func TestOutboundQueueRequeue(t *testing.T) {
	q := NewOutboundQueue(3, time.Minute)
	now := time.Now()

	q.Enqueue(envelope(3), now)
	dropped := q.Requeue([]*message.Envelope{envelope(1), envelope(2), envelope(9)})
	assert.Equal(t, 1, dropped)

	live, _ := q.Drain(now)
	require.Len(t, live, 3)
	assert.Equal(t, "m-1", live[0].ID)
	assert.Equal(t, "m-2", live[1].ID)
	assert.Equal(t, "m-3", live[2].ID)
}

func TestNewOutboundQueueMinimumCapacity(t *testing.T) {
	q := NewOutboundQueue(0, time.Minute)
	assert.Equal(t, 1, q.Cap())
}

func TestOutboundQueueProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("queue never exceeds its bound and keeps the newest in order", prop.ForAll(
		func(n int) bool {
			q := NewOutboundQueue(100, time.Minute)
			now := time.Now()
			for i := 0; i < n; i++ {
				q.Enqueue(envelope(i), now)
				if q.Len() > 100 {
					return false
				}
			}
			live, _ := q.Drain(now)
			first := n - len(live)
			for i, env := range live {
				if env.ID != fmt.Sprintf("m-%d", first+i) {
					return false
				}
			}
			return len(live) == min(n, 100)
		},
		gen.IntRange(0, 400),
	))

	properties.Property("replay set only holds entries unexpired at flush time", prop.ForAll(
		func(offsets []int, flushAt int) bool {
			q := NewOutboundQueue(100, 10*time.Second)
			start := time.UnixMilli(0)
			for i, off := range offsets {
				q.Enqueue(envelope(i), start.Add(time.Duration(off)*time.Millisecond))
			}
			now := start.Add(time.Duration(flushAt) * time.Millisecond)
			live, _ := q.Drain(now)
			for _, env := range live {
				if env.Metadata.TTL <= now.UnixMilli() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 60_000)),
		gen.IntRange(0, 80_000),
	))

	properties.TestingRun(t)
}
