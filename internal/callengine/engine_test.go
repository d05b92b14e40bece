package callengine

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"intercomd/internal/audiopipeline"
	"intercomd/internal/peerlink"
	"intercomd/internal/wire"
)

// recvFrame retries past ErrIncomplete (the recv budget elapsing with no
// full frame yet available) since the engine under test replies
// asynchronously from its own net-task goroutine.
func recvFrame(t *testing.T, link *peerlink.PeerLink, sess *peerlink.PeerSession) wire.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame, err := link.Recv(sess)
		if err == nil {
			return frame
		}
		if errors.Is(err, wire.ErrIncomplete) {
			continue
		}
		t.Fatalf("recv failed: %v", err)
	}
	t.Fatal("timed out waiting for frame")
	return wire.Frame{}
}

type fakeSink struct {
	mu     sync.Mutex
	played [][]byte
}

func (f *fakeSink) Start() error { return nil }
func (f *fakeSink) Stop() error  { return nil }
func (f *fakeSink) Play(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, append([]byte(nil), pcm...))
	return nil
}
func (f *fakeSink) SetVolume(float64) {}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

func waitListenAddr(t *testing.T, link *peerlink.PeerLink) *net.TCPAddr {
	t.Helper()
	var addr *net.TCPAddr
	require.Eventually(t, func() bool {
		addr = link.ListenAddr()
		return addr != nil
	}, time.Second, time.Millisecond)
	return addr
}

func startEngine(t *testing.T, cfg Config) (*CallEngine, *peerlink.PeerLink, *fakeSink, *net.TCPAddr) {
	t.Helper()
	link := peerlink.New()
	sink := &fakeSink{}
	engine := New(cfg, link, audiopipeline.Config{}, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)
	addr := waitListenAddr(t, link)
	return engine, link, sink, addr
}

func recvEvent(t *testing.T, engine *CallEngine) Event {
	t.Helper()
	select {
	case ev := <-engine.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// S1 — auto-answered incoming call.
func TestAutoAnsweredIncomingCall(t *testing.T) {
	engine, _, sink, addr := startEngine(t, Config{Port: 0, AutoAnswer: true, RingingTimeoutMs: 5000})

	a := peerlink.New()
	sess, err := a.Connect("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, err)
	defer a.Close(sess)

	require.NoError(t, a.Send(sess, wire.Start, wire.FlagNone, []byte("HA")))

	frame := recvFrame(t, a, sess)
	require.Equal(t, wire.Pong, frame.Type)

	ev := recvEvent(t, engine)
	require.Equal(t, EventStreaming, ev.Kind)
	require.Equal(t, Streaming, engine.State())

	require.NoError(t, a.Send(sess, wire.Audio, wire.FlagNone, make([]byte, audiopipeline.ChunkBytes)))
	require.Eventually(t, func() bool { return sink.count() > 0 }, time.Second, time.Millisecond)
}

// S2 — manual answer then local hangup.
func TestManualAnswerThenLocalHangup(t *testing.T) {
	engine, _, _, addr := startEngine(t, Config{Port: 0, AutoAnswer: false, RingingTimeoutMs: 10000})

	a := peerlink.New()
	sess, err := a.Connect("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, err)
	defer a.Close(sess)

	require.NoError(t, a.Send(sess, wire.Start, wire.FlagNone, []byte("HA")))

	frame := recvFrame(t, a, sess)
	require.Equal(t, wire.Ring, frame.Type)

	ev := recvEvent(t, engine)
	require.Equal(t, EventIncomingCall, ev.Kind)
	ev = recvEvent(t, engine)
	require.Equal(t, EventRinging, ev.Kind)
	require.Equal(t, Ringing, engine.State())

	require.NoError(t, engine.Answer())

	frame = recvFrame(t, a, sess)
	require.Equal(t, wire.Answer, frame.Type)

	ev = recvEvent(t, engine)
	require.Equal(t, EventStreaming, ev.Kind)
	require.Equal(t, Streaming, engine.State())

	require.NoError(t, engine.Stop())

	frame = recvFrame(t, a, sess)
	require.Equal(t, wire.Stop, frame.Type)

	ev = recvEvent(t, engine)
	require.Equal(t, EventHangup, ev.Kind)
	require.Equal(t, LocalHangup, ev.Reason)
	require.Equal(t, Idle, engine.State())
}

// S3 — ringing timeout.
func TestRingingTimeout(t *testing.T) {
	engine, _, _, addr := startEngine(t, Config{Port: 0, AutoAnswer: false, RingingTimeoutMs: 150})

	a := peerlink.New()
	sess, err := a.Connect("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, err)
	defer a.Close(sess)

	require.NoError(t, a.Send(sess, wire.Start, wire.FlagNone, []byte("HA")))

	frame := recvFrame(t, a, sess)
	require.Equal(t, wire.Ring, frame.Type)

	frame = recvFrame(t, a, sess)
	require.Equal(t, wire.Stop, frame.Type)

	require.Eventually(t, func() bool { return engine.State() == Idle }, time.Second, 5*time.Millisecond)
	require.Equal(t, Timeout, engine.Snapshot().Reason)
}

// S4 — outgoing call to an unreachable host.
func TestOutgoingCallUnreachable(t *testing.T) {
	link := peerlink.New()
	sink := &fakeSink{}
	engine := New(Config{ConnectTimeout: 200 * time.Millisecond}, link, audiopipeline.Config{}, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	err := engine.ConnectTo("10.255.255.1", 1)
	require.Error(t, err)

	ev := recvEvent(t, engine)
	require.Equal(t, EventOutgoingCall, ev.Kind)
	ev = recvEvent(t, engine)
	require.Equal(t, EventCallFailed, ev.Kind)
	require.Equal(t, Unreachable, ev.Reason)
	require.Equal(t, Idle, engine.State())
}

// S5 — busy rejection of a third peer while streaming with another.
func TestBusyRejection(t *testing.T) {
	engine, _, _, addr := startEngine(t, Config{Port: 0, AutoAnswer: true, RingingTimeoutMs: 5000})

	a := peerlink.New()
	sessA, err := a.Connect("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, err)
	defer a.Close(sessA)
	require.NoError(t, a.Send(sessA, wire.Start, wire.FlagNone, []byte("A")))
	frame := recvFrame(t, a, sessA)
	require.Equal(t, wire.Pong, frame.Type)
	require.Eventually(t, func() bool { return engine.State() == Streaming }, time.Second, time.Millisecond)
	peerAddrA := engine.Snapshot().PeerAddr
	require.NotEmpty(t, peerAddrA)

	c := peerlink.New()
	sessC, err := c.Connect("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, err)
	defer c.Close(sessC)

	frame = recvFrame(t, c, sessC)
	require.Equal(t, wire.Error, frame.Type)
	require.Equal(t, byte(wire.ReasonBusy), frame.Payload[0])

	require.Equal(t, Streaming, engine.State())
	require.Equal(t, peerAddrA, engine.Snapshot().PeerAddr)
}

// NO_RING relayed call lands in Outgoing and reaches Streaming only once
// the Outgoing-promotion rule fires on an arriving AUDIO frame, rather
// than jumping straight to Streaming on START itself.
func TestNoRingRelayedCallPromotesViaAudio(t *testing.T) {
	engine, _, sink, addr := startEngine(t, Config{Port: 0, AutoAnswer: false, RingingTimeoutMs: 5000})

	a := peerlink.New()
	sess, err := a.Connect("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, err)
	defer a.Close(sess)

	require.NoError(t, a.Send(sess, wire.Start, wire.FlagNoRing, []byte("relay")))

	frame := recvFrame(t, a, sess)
	require.Equal(t, wire.Pong, frame.Type)

	ev := recvEvent(t, engine)
	require.Equal(t, EventOutgoingCall, ev.Kind)
	require.Equal(t, Outgoing, engine.State(), "NO_RING start must land in Outgoing, not jump straight to Streaming")

	require.NoError(t, a.Send(sess, wire.Audio, wire.FlagNone, make([]byte, audiopipeline.ChunkBytes)))

	ev = recvEvent(t, engine)
	require.Equal(t, EventStreaming, ev.Kind)
	require.Equal(t, Streaming, engine.State())
	require.Eventually(t, func() bool { return sink.count() > 0 }, time.Second, time.Millisecond)
}

// A hard send-side error on the audio TX path must tear the session down
// (RemoteHangup), not just log a warning and leave the FSM stuck Streaming
// against a peer that is actually gone.
func TestTxSendFailureTearsDownSession(t *testing.T) {
	engine, link, _, addr := startEngine(t, Config{Port: 0, AutoAnswer: true, RingingTimeoutMs: 5000})

	a := peerlink.New()
	sess, err := a.Connect("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, err)
	defer a.Close(sess)
	require.NoError(t, a.Send(sess, wire.Start, wire.FlagNone, []byte("HA")))

	frame := recvFrame(t, a, sess)
	require.Equal(t, wire.Pong, frame.Type)
	require.Eventually(t, func() bool { return engine.State() == Streaming }, time.Second, time.Millisecond)

	engineSess := link.Active()
	require.NotNil(t, engineSess)
	link.Close(engineSess) // sever the engine's own socket out from under it

	err = engine.SendAudio(make([]byte, audiopipeline.ChunkBytes))
	require.Error(t, err, "send on a severed socket must fail")

	require.Eventually(t, func() bool { return engine.State() == Idle }, time.Second, 5*time.Millisecond)
	require.Equal(t, RemoteHangup, engine.Snapshot().Reason)
}
