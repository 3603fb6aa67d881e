package websocket

import (
	"testing"
	"time"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatPongLatency(t *testing.T) {
	hb := NewHeartbeat(10*time.Second, 3)
	t0 := time.Now()

	ping := hb.Ping(t0)
	require.Equal(t, 1, hb.Pending())

	latency, ok := hb.Pong(message.PongFor(ping, t0), t0.Add(42*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 42*time.Millisecond, latency)
	assert.Zero(t, hb.Pending())
}

func TestHeartbeatIgnoresUnknownPong(t *testing.T) {
	hb := NewHeartbeat(10*time.Second, 3)
	now := time.Now()
	hb.Ping(now)

	stranger := message.PongFor(message.NewPing(now), now)
	_, ok := hb.Pong(stranger, now)
	assert.False(t, ok)

	notControl := &message.Envelope{Type: message.TypeTaskProgress, Payload: []byte(`{"id":"x"}`)}
	_, ok = hb.Pong(notControl, now)
	assert.False(t, ok)

	assert.Equal(t, 1, hb.Pending())
}

func TestHeartbeatPongAnsweredTwice(t *testing.T) {
	hb := NewHeartbeat(10*time.Second, 3)
	now := time.Now()
	pong := message.PongFor(hb.Ping(now), now)

	_, ok := hb.Pong(pong, now)
	require.True(t, ok)
	_, ok = hb.Pong(pong, now)
	assert.False(t, ok, "a ping is matched at most once")
}

func TestHeartbeatPurgeCountsMissed(t *testing.T) {
	hb := NewHeartbeat(10*time.Second, 2)
	start := time.Now()

	hb.Ping(start)
	assert.Zero(t, hb.Purge(start.Add(5*time.Second)))
	assert.Equal(t, 1, hb.Purge(start.Add(10*time.Second)))
	assert.False(t, hb.Exhausted())

	hb.Ping(start.Add(30 * time.Second))
	assert.Equal(t, 1, hb.Purge(start.Add(45*time.Second)))
	assert.True(t, hb.Exhausted())
	assert.Equal(t, 2, hb.Missed())

	hb.Reset()
	assert.False(t, hb.Exhausted())
	assert.Zero(t, hb.Pending())
}

func TestHeartbeatPongResetsMissed(t *testing.T) {
	hb := NewHeartbeat(time.Second, 3)
	now := time.Now()

	hb.Ping(now)
	hb.Purge(now.Add(2 * time.Second))
	require.Equal(t, 1, hb.Missed())

	ping := hb.Ping(now.Add(3 * time.Second))
	_, ok := hb.Pong(message.PongFor(ping, now), now.Add(3500*time.Millisecond))
	require.True(t, ok)
	assert.Zero(t, hb.Missed())
}

func TestHeartbeatNeverExhaustsWhenDisabled(t *testing.T) {
	hb := NewHeartbeat(time.Millisecond, 0)
	now := time.Now()
	for i := 0; i < 20; i++ {
		hb.Ping(now)
		now = now.Add(time.Second)
		hb.Purge(now)
	}
	assert.False(t, hb.Exhausted())
}

func TestHeartbeatLatencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("latency equals pong arrival minus ping send", prop.ForAll(
		func(sentMs int64, rttMs int64) bool {
			hb := NewHeartbeat(time.Hour, 3)
			t0 := time.UnixMilli(sentMs)
			t1 := t0.Add(time.Duration(rttMs) * time.Millisecond)

			ping := hb.Ping(t0)
			latency, ok := hb.Pong(message.PongFor(ping, t1), t1)
			return ok && latency == t1.Sub(t0)
		},
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(0, 60_000),
	))

	properties.TestingRun(t)
}
