// Package callengine implements the call-management finite state machine:
// the single net task that owns the listening socket and the active
// session, dispatches inbound frames per the authoritative reaction
// table, polls ringing/outgoing/ping timeouts, and drives AudioPipeline
// streaming state in lockstep with the FSM.
package callengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"intercomd/internal/audiopipeline"
	"intercomd/internal/peerlink"
	"intercomd/internal/wire"
)

// Config tunes call-engine timing and identity.
type Config struct {
	// Port is the listening TCP port. Zero listens on an OS-assigned
	// port (see PeerLink.ListenAddr); a negative value disables passive
	// accept (dial-only endpoint).
	Port int
	// LocalName is sent as the payload of outbound START frames.
	LocalName string
	// RingingTimeoutMs bounds both Ringing (inbound) and Outgoing
	// (outbound) wait time before a Timeout hangup.
	RingingTimeoutMs int64
	// PingIntervalMs is the keepalive cadence while connected but not
	// streaming.
	PingIntervalMs int64
	// ConnectTimeout bounds PeerLink.Connect.
	ConnectTimeout time.Duration
	// AutoAnswer, if true, auto-answers inbound START without ringing.
	AutoAnswer bool
}

func (c Config) normalized() Config {
	if c.RingingTimeoutMs <= 0 {
		c.RingingTimeoutMs = 30000
	}
	if c.PingIntervalMs <= 0 {
		c.PingIntervalMs = 4000
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

type dialTarget struct {
	host string
	port int
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdAnswer
	cmdDecline
	cmdToggle
	cmdConnectTo
	cmdDisconnect
)

type command struct {
	kind  cmdKind
	host  string
	port  int
	reply chan error
}

// CallEngine coordinates PeerLink and AudioPipeline through the call FSM.
// All FSM state is owned by the single goroutine running Run; external
// callers only ever enqueue commands or read a snapshot under mu.
type CallEngine struct {
	cfg      Config
	link     *peerlink.PeerLink
	pipeline *audiopipeline.Pipeline
	logger   *slog.Logger

	autoAnswer       atomic.Bool
	ringingTimeoutMs atomic.Int64

	events chan Event
	cmds   chan command
	txFail chan *peerlink.PeerSession

	mu            sync.RWMutex
	state         CallState
	connState     ConnState
	session       *peerlink.PeerSession
	reason        CallEndReason
	callerName    string
	dialTarget    *dialTarget
	ringingStart  time.Time
	outgoingStart time.Time
	lastPing      time.Time
}

// New constructs an idle CallEngine wired to link, and builds the audio
// pipeline around the engine itself: CallEngine is the pipeline's
// FrameSender (SendAudio below), routing TX-path frames to whichever
// session is currently active.
func New(cfg Config, link *peerlink.PeerLink, audioCfg audiopipeline.Config, sink audiopipeline.PlaybackSink, logger *slog.Logger) *CallEngine {
	cfg = cfg.normalized()
	if logger == nil {
		logger = slog.Default()
	}
	e := &CallEngine{
		cfg:       cfg,
		link:      link,
		logger:    logger,
		events:    make(chan Event, 32),
		cmds:      make(chan command, 8),
		txFail:    make(chan *peerlink.PeerSession, 1),
		state:     Idle,
		connState: Disconnected,
	}
	e.pipeline = audiopipeline.New(audioCfg, e, sink, logger)
	e.autoAnswer.Store(cfg.AutoAnswer)
	e.ringingTimeoutMs.Store(cfg.RingingTimeoutMs)
	return e
}

// Pipeline exposes the audio pipeline so the capture driver callback can
// call OnCapture directly.
func (e *CallEngine) Pipeline() *audiopipeline.Pipeline { return e.pipeline }

// SendAudio implements audiopipeline.FrameSender, routing a TX-path audio
// frame to whichever session is currently active. A hard send error is
// also pushed onto txFail so Run's net task can teardown the session:
// the pipeline's own caller only logs the return value, and a send-side
// failure is just as conclusive as a recv-side Closed/error.
func (e *CallEngine) SendAudio(payload []byte) error {
	e.mu.RLock()
	sess := e.session
	e.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("callengine: no active session")
	}
	err := e.link.Send(sess, wire.Audio, wire.FlagNone, payload)
	if err != nil {
		select {
		case e.txFail <- sess:
		default:
		}
	}
	return err
}

// Events returns the channel of FSM-edge events. Readers must keep up;
// a full channel drops the event with a logged warning rather than
// blocking the net task.
func (e *CallEngine) Events() <-chan Event { return e.events }

// SetAutoAnswer toggles auto-answer for future inbound calls.
func (e *CallEngine) SetAutoAnswer(v bool) { e.autoAnswer.Store(v) }

// SetRingingTimeoutMs adjusts the ringing/outgoing timeout.
func (e *CallEngine) SetRingingTimeoutMs(ms int64) { e.ringingTimeoutMs.Store(ms) }

// SetDialTarget pre-arms the peer that a subsequent Start() dials,
// matching client-dial mode for a host selected via contact navigation.
func (e *CallEngine) SetDialTarget(host string, port int) {
	e.mu.Lock()
	e.dialTarget = &dialTarget{host: host, port: port}
	e.mu.Unlock()
}

// Snapshot is a point-in-time read of engine state for UI/control surfaces.
type Snapshot struct {
	State      CallState
	ConnState  ConnState
	Reason     CallEndReason
	PeerAddr   string
	CallerName string
}

// Snapshot returns the current FSM state.
func (e *CallEngine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	addr := ""
	if e.session != nil {
		addr = e.session.Addr()
	}
	return Snapshot{
		State:      e.state,
		ConnState:  e.connState,
		Reason:     e.reason,
		PeerAddr:   addr,
		CallerName: e.callerName,
	}
}

// State returns the current CallState.
func (e *CallEngine) State() CallState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Commands. Each enqueues onto cmds and blocks for the net task's reply.

func (e *CallEngine) Start() error                       { return e.do(command{kind: cmdStart}) }
func (e *CallEngine) Stop() error                         { return e.do(command{kind: cmdStop}) }
func (e *CallEngine) Answer() error                       { return e.do(command{kind: cmdAnswer}) }
func (e *CallEngine) Decline() error                      { return e.do(command{kind: cmdDecline}) }
func (e *CallEngine) Toggle() error                       { return e.do(command{kind: cmdToggle}) }
func (e *CallEngine) Disconnect() error                   { return e.do(command{kind: cmdDisconnect}) }
func (e *CallEngine) ConnectTo(host string, port int) error {
	return e.do(command{kind: cmdConnectTo, host: host, port: port})
}

func (e *CallEngine) do(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case e.cmds <- cmd:
	case <-time.After(time.Second):
		return fmt.Errorf("callengine: command queue full")
	}
	return <-cmd.reply
}

// Run is the net task: it owns the listening socket, the active
// session's reads, command dispatch, and timeout polling, for the
// lifetime of ctx.
func (e *CallEngine) Run(ctx context.Context) error {
	if e.cfg.Port >= 0 {
		if err := e.link.Listen(e.cfg.Port); err != nil {
			return fmt.Errorf("callengine: listen: %w", err)
		}
		defer e.link.CloseListener()
	}

	acceptCh := make(chan *peerlink.PeerSession)
	go e.acceptLoop(ctx, acceptCh)

	for {
		select {
		case <-ctx.Done():
			e.onShutdown()
			return ctx.Err()
		case cmd := <-e.cmds:
			e.handleCommand(cmd)
			continue
		case sess := <-acceptCh:
			e.handleAccept(sess)
			continue
		case sess := <-e.txFail:
			e.handleTxFailure(sess)
			continue
		default:
		}
		e.pollInbound()
		e.pollTimeouts()
	}
}

func (e *CallEngine) onShutdown() {
	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()
	if sess != nil {
		e.teardown(sess, LocalHangup)
	}
}

// handleTxFailure tears down the session after a hard TX-path send
// error. Stale failures from a session that has already been replaced
// or torn down by the time the net task observes them are ignored.
func (e *CallEngine) handleTxFailure(sess *peerlink.PeerSession) {
	e.mu.RLock()
	cur := e.session
	e.mu.RUnlock()
	if cur != sess {
		return
	}
	e.logger.Warn("tx send failed, tearing down", "addr", sess.Addr())
	e.teardown(sess, RemoteHangup)
}

// acceptLoop always pulls connections off the backlog so a busy endpoint
// can still reply ERROR{BUSY} on the new socket (PeerLink.Accept rejects
// internally when a session is already active).
func (e *CallEngine) acceptLoop(ctx context.Context, out chan<- *peerlink.PeerSession) {
	for {
		if ctx.Err() != nil {
			return
		}
		sess, err := e.link.Accept()
		if err != nil {
			if errors.Is(err, peerlink.ErrBusy) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		select {
		case out <- sess:
		case <-ctx.Done():
			e.link.Close(sess)
			return
		}
	}
}

// handleAccept installs a newly accepted session. The accept policy
// (Idle or Outgoing only) is enforced defensively here, though PeerLink's
// own single-session tracking already rejects busy accepts on the wire
// in virtually every reachable case.
func (e *CallEngine) handleAccept(sess *peerlink.PeerSession) {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != Idle && state != Outgoing {
		e.link.Close(sess)
		return
	}
	e.mu.Lock()
	e.session = sess
	e.connState = Connected
	e.lastPing = time.Now()
	e.mu.Unlock()
	e.logger.Info("peer connected", "addr", sess.Addr())
}

func (e *CallEngine) handleCommand(cmd command) {
	var err error
	switch cmd.kind {
	case cmdStart:
		err = e.doStart()
	case cmdStop:
		err = e.doStop(LocalHangup)
	case cmdAnswer:
		err = e.doAnswer()
	case cmdDecline:
		err = e.doDecline()
	case cmdToggle:
		err = e.doToggle()
	case cmdConnectTo:
		err = e.doConnectTo(cmd.host, cmd.port)
	case cmdDisconnect:
		err = e.doStop(LocalHangup)
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (e *CallEngine) doStart() error {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return fmt.Errorf("callengine: start invalid in state %s", e.state)
	}
	target := e.dialTarget
	e.state = Outgoing
	e.outgoingStart = time.Now()
	e.mu.Unlock()
	e.emit(Event{Kind: EventOutgoingCall, State: Outgoing})

	if target == nil {
		e.logger.Info("call started, awaiting inbound connection")
		return nil
	}
	return e.dial(*target)
}

func (e *CallEngine) doConnectTo(host string, port int) error {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return fmt.Errorf("callengine: connect invalid in state %s", e.state)
	}
	e.dialTarget = &dialTarget{host: host, port: port}
	e.state = Outgoing
	e.outgoingStart = time.Now()
	e.mu.Unlock()
	e.emit(Event{Kind: EventOutgoingCall, State: Outgoing})
	return e.dial(dialTarget{host: host, port: port})
}

func (e *CallEngine) dial(t dialTarget) error {
	e.mu.Lock()
	e.connState = Connecting
	e.mu.Unlock()

	sess, err := e.link.Connect(t.host, t.port, e.cfg.ConnectTimeout)
	if err != nil {
		e.logger.Warn("connect failed", "host", t.host, "port", t.port, "error", err)
		e.toIdle(Unreachable)
		return err
	}
	e.mu.Lock()
	e.session = sess
	e.connState = Connected
	e.lastPing = time.Now()
	e.mu.Unlock()

	if err := e.link.Send(sess, wire.Start, wire.FlagNone, []byte(e.cfg.LocalName)); err != nil {
		e.logger.Warn("start send failed", "error", err)
		e.link.Close(sess)
		e.toIdle(Unreachable)
		return err
	}
	return nil
}

func (e *CallEngine) doAnswer() error {
	e.mu.Lock()
	if e.state != Ringing {
		e.mu.Unlock()
		return fmt.Errorf("callengine: answer invalid in state %s", e.state)
	}
	sess := e.session
	e.state = Answering
	e.mu.Unlock()
	if err := e.link.Send(sess, wire.Answer, wire.FlagNone, nil); err != nil {
		e.logger.Warn("answer send failed", "error", err)
	}
	e.enterStreaming()
	return nil
}

func (e *CallEngine) doDecline() error {
	e.mu.Lock()
	if e.state != Ringing {
		e.mu.Unlock()
		return fmt.Errorf("callengine: decline invalid in state %s", e.state)
	}
	sess := e.session
	e.mu.Unlock()
	_ = e.link.Send(sess, wire.Error, wire.FlagNone, []byte{byte(wire.ReasonBusy)})
	e.link.Close(sess)
	e.toIdle(Declined)
	return nil
}

func (e *CallEngine) doToggle() error {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	switch state {
	case Idle:
		return e.doStart()
	case Ringing:
		return e.doAnswer()
	case Streaming, Answering, Outgoing:
		return e.doStop(LocalHangup)
	default:
		return nil
	}
}

func (e *CallEngine) doStop(reason CallEndReason) error {
	e.mu.Lock()
	if e.state == Idle {
		e.mu.Unlock()
		return nil
	}
	sess := e.session
	e.mu.Unlock()
	if sess != nil {
		_ = e.link.Send(sess, wire.Stop, wire.FlagNone, nil)
	}
	e.teardown(sess, reason)
	return nil
}

// enterStreaming marks the session streaming, resets and starts the
// audio pipeline, and advances the FSM to Streaming. Safe to call more
// than once per call (Pipeline.Start is idempotent) but callers avoid
// it once already Streaming to not reset live ring state.
func (e *CallEngine) enterStreaming() {
	e.mu.Lock()
	e.state = Streaming
	e.connState = ConnStreaming
	sess := e.session
	e.mu.Unlock()
	if sess != nil {
		sess.SetStreaming(true)
	}
	e.pipeline.Reset()
	e.pipeline.Start()
	e.emit(Event{Kind: EventStreaming, State: Streaming})
}

// teardown implements the shutdown ordering contract: clear streaming,
// close the socket, stop the pipeline (which stops enqueueing capture,
// then has the playback task stop the sink), then transition to Idle and
// emit the reason.
func (e *CallEngine) teardown(sess *peerlink.PeerSession, reason CallEndReason) {
	if sess != nil {
		sess.SetStreaming(false)
		e.link.Close(sess)
	}
	e.pipeline.Stop()
	e.toIdle(reason)
}

func (e *CallEngine) toIdle(reason CallEndReason) {
	e.mu.Lock()
	e.state = Idle
	e.connState = Disconnected
	e.session = nil
	e.dialTarget = nil
	e.reason = reason
	e.callerName = ""
	e.mu.Unlock()

	if reason.isFailure() {
		e.emit(Event{Kind: EventCallFailed, State: Idle, Reason: reason})
	} else {
		e.emit(Event{Kind: EventHangup, State: Idle, Reason: reason})
	}
}

func (e *CallEngine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event channel full, dropping event", "kind", ev.Kind.String())
	}
}

// pollInbound performs one bounded-budget receive attempt on the active
// session, if any, and dispatches a full frame through the FSM.
func (e *CallEngine) pollInbound() {
	e.mu.RLock()
	sess := e.session
	e.mu.RUnlock()
	if sess == nil {
		time.Sleep(20 * time.Millisecond)
		return
	}

	frame, err := e.link.Recv(sess)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrIncomplete):
			return
		case errors.Is(err, wire.ErrClosed):
			e.teardown(sess, RemoteHangup)
		case errors.Is(err, wire.ErrOversize), errors.Is(err, wire.ErrPayloadTooLarge):
			e.logger.Warn("protocol violation", "error", err)
			e.teardown(sess, ProtocolError)
		default:
			e.logger.Warn("recv failed", "error", err)
			e.teardown(sess, RemoteHangup)
		}
		return
	}
	e.dispatchFrame(sess, frame)
}

// dispatchFrame implements the authoritative (state, message) reaction
// table. All edges are enumerated here rather than scattered across
// per-message handlers.
func (e *CallEngine) dispatchFrame(sess *peerlink.PeerSession, frame wire.Frame) {
	e.mu.RLock()
	state := e.state
	connState := e.connState
	e.mu.RUnlock()

	switch frame.Type {
	case wire.Audio:
		// Promote before enqueueing: enterStreaming resets the speaker
		// ring, which would otherwise discard this first frame.
		if state != Streaming && (state == Outgoing || connState == Connected) {
			e.enterStreaming()
		}
		e.pipeline.OnAudioFrame(frame.Payload)

	case wire.Start:
		e.handleStart(sess, state, frame)

	case wire.Stop:
		e.teardown(sess, RemoteHangup)

	case wire.Ping:
		_ = e.link.Send(sess, wire.Pong, wire.FlagNone, nil)

	case wire.Pong:
		if state == Outgoing {
			e.enterStreaming()
			return
		}
		e.mu.Lock()
		e.lastPing = time.Now()
		e.mu.Unlock()

	case wire.Answer:
		switch state {
		case Outgoing:
			e.enterStreaming()
			_ = e.link.Send(sess, wire.Pong, wire.FlagNone, nil)
		case Ringing:
			e.mu.Lock()
			e.state = Answering
			e.mu.Unlock()
			e.enterStreaming()
			_ = e.link.Send(sess, wire.Pong, wire.FlagNone, nil)
		}

	case wire.Error:
		reason := wire.ReasonOK
		if len(frame.Payload) > 0 {
			reason = wire.ErrorReason(frame.Payload[0])
		}
		e.logger.Info("peer sent error", "reason", reason.String())
		if reason == wire.ReasonBusy && state == Outgoing {
			e.teardown(sess, Busy)
		}

	default:
		e.logger.Info("ignoring unknown frame type", "type", frame.Type)
	}
}

func (e *CallEngine) handleStart(sess *peerlink.PeerSession, state CallState, frame wire.Frame) {
	if state != Idle {
		return
	}
	name := string(frame.Payload)
	noRing := frame.Flags&wire.FlagNoRing != 0

	e.mu.Lock()
	e.callerName = name
	e.mu.Unlock()

	if noRing {
		// Relayed call: land in Outgoing and reply PONG. The existing
		// Outgoing-promotion rules (an AUDIO or PONG frame arriving while
		// Outgoing) carry this the rest of the way to Streaming.
		e.mu.Lock()
		e.state = Outgoing
		e.outgoingStart = time.Now()
		e.mu.Unlock()
		e.emit(Event{Kind: EventOutgoingCall, State: Outgoing, CallerName: name})
		_ = e.link.Send(sess, wire.Pong, wire.FlagNone, nil)
		return
	}

	if e.autoAnswer.Load() {
		e.mu.Lock()
		e.state = Answering
		e.mu.Unlock()
		_ = e.link.Send(sess, wire.Pong, wire.FlagNone, nil)
		e.enterStreaming()
		return
	}

	e.mu.Lock()
	e.state = Incoming
	e.mu.Unlock()
	e.emit(Event{Kind: EventIncomingCall, State: Incoming, CallerName: name})

	e.mu.Lock()
	e.state = Ringing
	e.ringingStart = time.Now()
	e.mu.Unlock()
	_ = e.link.Send(sess, wire.Ring, wire.FlagNone, nil)
	e.emit(Event{Kind: EventRinging, State: Ringing, CallerName: name})
}

func (e *CallEngine) pollTimeouts() {
	e.mu.RLock()
	state := e.state
	sess := e.session
	ringingStart := e.ringingStart
	outgoingStart := e.outgoingStart
	lastPing := e.lastPing
	e.mu.RUnlock()

	now := time.Now()
	ringingTimeout := time.Duration(e.ringingTimeoutMs.Load()) * time.Millisecond

	switch state {
	case Ringing:
		if now.Sub(ringingStart) >= ringingTimeout {
			if sess != nil {
				_ = e.link.Send(sess, wire.Stop, wire.FlagNone, nil)
			}
			e.teardown(sess, Timeout)
			return
		}
	case Outgoing:
		if now.Sub(outgoingStart) >= ringingTimeout {
			if sess != nil {
				_ = e.link.Send(sess, wire.Stop, wire.FlagNone, nil)
			}
			e.teardown(sess, Timeout)
			return
		}
	}

	pingInterval := time.Duration(e.cfg.PingIntervalMs) * time.Millisecond
	if sess != nil && state != Streaming && now.Sub(lastPing) >= pingInterval {
		if err := e.link.Send(sess, wire.Ping, wire.FlagNone, nil); err == nil {
			e.mu.Lock()
			e.lastPing = now
			e.mu.Unlock()
		}
	}
}
