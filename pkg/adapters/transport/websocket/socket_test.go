package websocket_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dagomon/pkg/adapters/transport/websocket"
	"github.com/aescanero/dagomon/pkg/message"
	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/aescanero/dagomon/pkg/resilience"
	"github.com/aescanero/dagomon/testutil"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fixture struct {
	socket   *websocket.Socket
	clock    *testutil.ManualClock
	dialer   *testutil.FakeDialer
	states   *testutil.StateRecorder
	messages *testutil.MessageRecorder
}

func newFixture(t *testing.T, cfg ports.ConnectionConfig) *fixture {
	t.Helper()

	f := &fixture{
		clock:    testutil.NewManualClock(time.UnixMilli(1_700_000_000_000)),
		dialer:   testutil.NewFakeDialer(),
		states:   &testutil.StateRecorder{},
		messages: &testutil.MessageRecorder{},
	}
	f.socket = websocket.NewSocket("conn-1", cfg, zap.NewNop(),
		websocket.WithDialer(f.dialer),
		websocket.WithClock(f.clock))
	f.socket.SubscribeState(f.states.Record)
	f.socket.SubscribeMessages(f.messages.Record)
	t.Cleanup(f.socket.Disconnect)
	return f
}

func (f *fixture) waitStatus(t *testing.T, status ports.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.socket.State().Status == status
	}, waitFor, tick, "expected status %s", status)
}

func (f *fixture) connect(t *testing.T) *testutil.FakeConn {
	t.Helper()
	require.NoError(t, f.socket.Connect(context.Background()))
	f.waitStatus(t, ports.StatusConnected)
	conn := f.dialer.Last()
	require.NotNil(t, conn)
	return conn
}

func testConfig() ports.ConnectionConfig {
	cfg := ports.DefaultConnectionConfig("ws://backend.local/ws")
	cfg.HeartbeatInterval = time.Hour
	return cfg
}

func TestSocketReconnectScenario(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	cfg.ReconnectDelay = 500 * time.Millisecond
	f := newFixture(t, cfg)

	conn := f.connect(t)
	f.dialer.FailAll(true)
	conn.CloseWith(resilience.CloseAbnormal)
	f.waitStatus(t, ports.StatusReconnecting)

	for f.clock.FireNext() {
	}

	assert.Equal(t, ports.StatusError, f.socket.State().Status)
	assert.Equal(t, []ports.Status{
		ports.StatusConnecting,
		ports.StatusConnected,
		ports.StatusReconnecting,
		ports.StatusConnecting,
		ports.StatusReconnecting,
		ports.StatusConnecting,
		ports.StatusReconnecting,
		ports.StatusConnecting,
		ports.StatusError,
	}, f.states.Statuses())

	var backoff []time.Duration
	for _, d := range f.clock.ScheduledDelays() {
		if d != cfg.HeartbeatInterval {
			backoff = append(backoff, d)
		}
	}
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, backoff)
	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, 4, f.dialer.Dials())
}

func TestSocketReconnectSucceedsAndResetsAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectDelay = time.Second
	f := newFixture(t, cfg)

	conn := f.connect(t)
	f.dialer.FailNext(1)
	conn.CloseWith(1011)
	f.waitStatus(t, ports.StatusReconnecting)

	require.True(t, f.clock.FireNext())
	assert.Equal(t, ports.StatusReconnecting, f.socket.State().Status)
	assert.Equal(t, 2, f.socket.State().ReconnectAttempts)

	require.True(t, f.clock.FireNext())
	f.waitStatus(t, ports.StatusConnected)
	assert.Zero(t, f.socket.State().ReconnectAttempts)
	assert.NotNil(t, f.socket.State().ConnectedAt)
}

func TestSocketNormalClosureDoesNotReconnect(t *testing.T) {
	f := newFixture(t, testConfig())

	conn := f.connect(t)
	conn.CloseWith(resilience.CloseNormal)
	f.waitStatus(t, ports.StatusDisconnected)

	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestSocketDisconnectCancelsTimers(t *testing.T) {
	f := newFixture(t, testConfig())

	conn := f.connect(t)
	conn.CloseWith(resilience.CloseAbnormal)
	f.waitStatus(t, ports.StatusReconnecting)
	require.Equal(t, 1, f.clock.Pending())

	f.socket.Disconnect()
	assert.Equal(t, ports.StatusDisconnected, f.socket.State().Status)
	assert.Zero(t, f.clock.Pending())

	f.socket.Disconnect()
	assert.Equal(t, ports.StatusDisconnected, f.states.Last())
}

func TestSocketStaleTimerAfterDisconnectIsIgnored(t *testing.T) {
	f := newFixture(t, testConfig())
	f.clock.IgnoreStop = true

	conn := f.connect(t)
	conn.CloseWith(resilience.CloseAbnormal)
	f.waitStatus(t, ports.StatusReconnecting)

	f.socket.Disconnect()
	for f.clock.FireNext() {
	}

	assert.Equal(t, ports.StatusDisconnected, f.socket.State().Status)
	assert.Equal(t, 1, f.dialer.Dials(), "stale reconnect timer must not dial")
}

func TestSocketDisconnectSendsNormalClose(t *testing.T) {
	f := newFixture(t, testConfig())

	conn := f.connect(t)
	f.socket.Disconnect()

	frames := conn.Written()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, gorilla.CloseMessage, last.Type)
	assert.Equal(t, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), last.Data)
	assert.True(t, conn.IsClosed())
}

func TestSocketQueueFlushedInOrderOnConnect(t *testing.T) {
	f := newFixture(t, testConfig())
	now := f.clock.Now()

	first, _ := message.New(message.TypeTaskProgress, message.SourceAgent, map[string]int{"n": 1})
	stale, _ := message.New(message.TypeTaskProgress, message.SourceAgent, map[string]int{"n": 2})
	stale.Metadata.TTL = now.Add(time.Second).UnixMilli()
	last, _ := message.New(message.TypeAgentStatus, message.SourceAgent, map[string]int{"n": 3})

	assert.False(t, f.socket.Send(first))
	assert.False(t, f.socket.Send(stale))
	assert.False(t, f.socket.Send(last))
	assert.Equal(t, 3, f.socket.State().Queued)

	f.clock.Advance(2 * time.Second)
	conn := f.connect(t)

	require.Eventually(t, func() bool { return len(conn.WrittenEnvelopes()) == 2 }, waitFor, tick)
	sent := conn.WrittenEnvelopes()
	assert.Equal(t, first.ID, sent[0].ID)
	assert.Equal(t, last.ID, sent[1].ID)
	assert.Equal(t, now.Add(ports.DefaultQueueTTL).UnixMilli(), sent[0].Metadata.TTL)
	assert.Zero(t, f.socket.State().Queued)
}

func TestSocketReplayPrecedesSendsMadeOnConnect(t *testing.T) {
	f := newFixture(t, testConfig())

	old, _ := message.New(message.TypeTaskProgress, message.SourceAgent, map[string]int{"n": 1})
	fresh, _ := message.New(message.TypeTaskProgress, message.SourceAgent, map[string]int{"n": 2})
	assert.False(t, f.socket.Send(old))

	var once sync.Once
	f.socket.SubscribeState(func(st ports.ConnectionState) {
		if st.Status == ports.StatusConnected {
			once.Do(func() { f.socket.Send(fresh) })
		}
	})

	conn := f.connect(t)

	require.Eventually(t, func() bool { return len(conn.WrittenEnvelopes()) == 2 }, waitFor, tick)
	sent := conn.WrittenEnvelopes()
	assert.Equal(t, old.ID, sent[0].ID)
	assert.Equal(t, fresh.ID, sent[1].ID)
}

func TestSocketWritesHaveDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.MessageTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	conn := f.connect(t)
	conn.Stall(true)

	env, _ := message.New(message.TypeTaskProgress, message.SourceAgent, nil)
	done := make(chan bool, 1)
	go func() { done <- f.socket.Send(env) }()

	select {
	case sent := <-done:
		assert.False(t, sent)
	case <-time.After(waitFor):
		t.Fatal("send blocked past its write deadline")
	}
	assert.Positive(t, conn.WriteDeadlines())
	assert.Equal(t, 1, f.socket.State().Queued)
	assert.True(t, conn.IsClosed())
	f.waitStatus(t, ports.StatusReconnecting)
}

func TestSocketDisconnectDoesNotWaitForStalledSend(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)
	conn.Stall(true)

	env, _ := message.New(message.TypeTaskProgress, message.SourceAgent, nil)
	sendDone := make(chan bool, 1)
	go func() { sendDone <- f.socket.Send(env) }()
	time.Sleep(20 * time.Millisecond)

	disconnected := make(chan struct{})
	go func() {
		f.socket.Disconnect()
		close(disconnected)
	}()

	select {
	case <-disconnected:
	case <-time.After(waitFor):
		t.Fatal("disconnect blocked behind a stalled send")
	}
	assert.Equal(t, ports.StatusDisconnected, f.socket.State().Status)

	select {
	case sent := <-sendDone:
		assert.False(t, sent)
	case <-time.After(waitFor):
		t.Fatal("stalled send never returned after disconnect")
	}
}

func TestSocketSendWhileConnected(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	env, err := message.New(message.TypeCoordinationEvent, message.SourceCoordinator, nil)
	require.NoError(t, err)
	require.True(t, f.socket.Send(env))

	sent := conn.WrittenEnvelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, env.ID, sent[0].ID)
	assert.Equal(t, uint64(1), f.socket.State().MessagesSent)
}

func TestSocketSendDropsExpired(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	env, _ := message.New(message.TypeTaskProgress, message.SourceAgent, nil)
	env.Metadata.TTL = f.clock.Now().Add(-time.Millisecond).UnixMilli()

	assert.False(t, f.socket.Send(env))
	assert.Empty(t, conn.WrittenEnvelopes())
	assert.Zero(t, f.socket.State().Queued)
}

func TestSocketSendFailureQueues(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)
	conn.FailWrites(true)

	env, _ := message.New(message.TypeTaskProgress, message.SourceAgent, nil)
	assert.False(t, f.socket.Send(env))
	assert.Equal(t, 1, f.socket.State().Queued)
	assert.True(t, conn.IsClosed())
}

func TestSocketHeartbeatLatency(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Second
	f := newFixture(t, cfg)
	conn := f.connect(t)

	f.clock.Advance(time.Second)
	pings := conn.WrittenEnvelopes()
	require.Len(t, pings, 1)
	require.Equal(t, message.TypePing, pings[0].Type)

	f.clock.Advance(150 * time.Millisecond)
	conn.DeliverEnvelope(message.PongFor(pings[0], f.clock.Now()))

	require.Eventually(t, func() bool {
		return f.socket.State().LastHeartbeat != nil
	}, waitFor, tick)
	assert.Equal(t, 150*time.Millisecond, f.socket.State().Latency)
	assert.Zero(t, f.messages.Len(), "heartbeat frames are not delivered to subscribers")
}

func TestSocketMissedHeartbeatsForceReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Second
	cfg.MessageTimeout = 500 * time.Millisecond
	cfg.MaxMissedHeartbeats = 2
	f := newFixture(t, cfg)
	conn := f.connect(t)

	f.clock.Advance(time.Second)
	f.clock.Advance(time.Second)
	assert.Equal(t, ports.StatusConnected, f.socket.State().Status)

	f.clock.Advance(time.Second)
	assert.Equal(t, ports.StatusReconnecting, f.socket.State().Status)
	assert.Equal(t, 1, f.socket.State().ReconnectAttempts)
	assert.True(t, conn.IsClosed())
}

func TestSocketAnswersServerPing(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	ping := message.NewPing(f.clock.Now())
	conn.DeliverEnvelope(ping)

	require.Eventually(t, func() bool { return len(conn.WrittenEnvelopes()) == 1 }, waitFor, tick)
	pong := conn.WrittenEnvelopes()[0]
	assert.Equal(t, message.TypePong, pong.Type)
	assert.JSONEq(t, string(ping.Payload), string(pong.Payload))
	assert.Zero(t, f.messages.Len())
}

func TestSocketDropsMalformedInbound(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	conn.Deliver([]byte("not json"))
	conn.Deliver([]byte(`{"id":"x","type":""}`))
	payload, _ := json.Marshal(map[string]string{"agent": "a-1"})
	conn.DeliverEnvelope(&message.Envelope{ID: "ok", Type: message.TypeAgentStatus, Payload: payload})

	require.Eventually(t, func() bool { return f.messages.Len() == 1 }, waitFor, tick)
	assert.Equal(t, "ok", f.messages.Messages()[0].ID)
	assert.Equal(t, ports.StatusConnected, f.socket.State().Status)
}

func TestSocketConnectIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.connect(t)

	require.NoError(t, f.socket.Connect(context.Background()))
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestSocketConnectFromErrorResetsAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	f := newFixture(t, cfg)

	conn := f.connect(t)
	f.dialer.FailAll(true)
	conn.CloseWith(resilience.CloseAbnormal)
	f.waitStatus(t, ports.StatusReconnecting)
	for f.clock.FireNext() {
	}
	require.Equal(t, ports.StatusError, f.socket.State().Status)

	f.dialer.FailAll(false)
	f.connect(t)
	assert.Zero(t, f.socket.State().ReconnectAttempts)
}

func TestSocketConnectRejectsBadURL(t *testing.T) {
	f := newFixture(t, ports.DefaultConnectionConfig("ftp://backend.local"))

	err := f.socket.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, ports.StatusError, f.socket.State().Status)
	assert.Zero(t, f.dialer.Dials())
}

func TestSocketDialURLAndAuthHeader(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "https://backend.local/ws?stream=all"
	cfg.AuthToken = "secret"
	f := newFixture(t, cfg)
	f.connect(t)

	assert.Equal(t, []string{"wss://backend.local/ws?stream=all"}, f.dialer.URLs())
	assert.Equal(t, "Bearer secret", f.dialer.Headers()[0].Get("Authorization"))
}
