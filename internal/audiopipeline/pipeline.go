// Package audiopipeline implements the capture/playback ring discipline,
// mic preprocessing, and the AEC frame aligner sitting between the audio
// driver callbacks and the peer link.
package audiopipeline

import (
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"intercomd/internal/ring"
)

const (
	// SampleRate is the fixed PCM sample rate in Hz.
	SampleRate = 16000
	// ChunkBytes is the canonical capture/playback chunk: 256 samples, 16ms.
	ChunkBytes = 512
	// ChunkSamples is ChunkBytes in 16-bit samples.
	ChunkSamples = ChunkBytes / 2
	// TXRingBytes is the capture ring capacity (~64ms).
	TXRingBytes = 2048
	// RXRingBytes is the playback ring capacity (~256ms).
	RXRingBytes = 8192

	defaultRefDelayMs = 80
	minRefDelayMs     = 20
	maxRefDelayMs     = 100
)

// FrameSender is the narrow capability the TX task needs from the peer
// link: send one AUDIO frame. Decoupling from *peerlink.PeerLink keeps this
// package a leaf and makes the ring discipline statically single-producer/
// single-consumer, per the writer/reader capability-pair design note.
type FrameSender interface {
	SendAudio(payload []byte) error
}

// PlaybackSink is the external speaker driver. Only the playback task ever
// calls Start/Play/Stop, eliminating play/stop races.
type PlaybackSink interface {
	Start() error
	Play(pcm []byte) error
	Stop() error
	SetVolume(v float64)
}

// Kernel is the pure AEC function: given a mic frame and a time-aligned
// reference frame of identical length, it returns the echo-cancelled
// output frame. The DSP kernel itself is out of scope for this package;
// Identity is provided for bypass/testing.
type Kernel func(mic, ref []int16) ([]int16, error)

// Identity is a pass-through AEC kernel used when no real kernel is wired,
// and in tests that assert byte-for-byte pipeline behavior (S6).
func Identity(mic, _ []int16) ([]int16, error) {
	out := make([]int16, len(mic))
	copy(out, mic)
	return out, nil
}

// Config tunes the pipeline's AEC and preprocessing behavior.
type Config struct {
	AECEnabled   bool
	AECFrameLen  int // samples; defaults to ChunkSamples if unset
	RefDelayMs   int // 20-100, default 80
	MicGainLinear float64 // 1.0 = unity
	DCRemoval    bool
	Kernel       Kernel
}

func (c Config) normalized() Config {
	if c.AECFrameLen <= 0 {
		c.AECFrameLen = ChunkSamples
	}
	if c.RefDelayMs < minRefDelayMs || c.RefDelayMs > maxRefDelayMs {
		c.RefDelayMs = defaultRefDelayMs
	}
	if c.MicGainLinear <= 0 {
		c.MicGainLinear = 1.0
	}
	if c.Kernel == nil {
		c.Kernel = Identity
	}
	return c
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	MicOverflow   uint64
	SpkOverflow   uint64
	BytesCaptured uint64
	BytesPlayed   uint64
}

// Pipeline wires the capture, playback, and AEC stages together.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	micRing *ring.ByteRing
	spkRing *ring.ByteRing
	refRing *ring.ByteRing

	micMu sync.Mutex
	spkMu sync.Mutex
	refMu sync.Mutex

	sender FrameSender
	sink   PlaybackSink

	streaming  atomic.Bool
	aecEnabled atomic.Bool
	dc         atomic.Int64 // fixed-point leaky DC estimate, scaled by 256

	micOverflow   atomic.Uint64
	spkOverflow   atomic.Uint64
	micOverflowEvents atomic.Uint64
	spkOverflowEvents atomic.Uint64
	bytesCaptured atomic.Uint64
	bytesPlayed   atomic.Uint64

	volume  atomic.Value // float64
	micGain atomic.Value // float64, linear

	aec *aecAligner

	stopSink     atomic.Bool
	sinkStopDone chan struct{}

	wg       sync.WaitGroup
	runCtl   chan struct{} // closed to stop TX/playback goroutines
	runMu    sync.Mutex
	running  bool
}

// New constructs an idle pipeline. Start/Reset must be called before audio
// flows.
func New(cfg Config, sender FrameSender, sink PlaybackSink, logger *slog.Logger) *Pipeline {
	cfg = cfg.normalized()
	if logger == nil {
		logger = slog.Default()
	}
	refDelayBytes := refDelayBytes(cfg.RefDelayMs)
	p := &Pipeline{
		cfg:          cfg,
		logger:       logger,
		micRing:      ring.New(TXRingBytes),
		spkRing:      ring.New(RXRingBytes),
		refRing:      ring.New(refDelayBytes + RXRingBytes),
		sender:       sender,
		sink:         sink,
		sinkStopDone: make(chan struct{}, 1),
	}
	p.volume.Store(1.0)
	p.micGain.Store(cfg.MicGainLinear)
	p.aecEnabled.Store(cfg.AECEnabled)
	p.aec = newAECAligner(cfg.AECFrameLen)
	return p
}

// SetAECEnabled toggles AEC at runtime (the control surface's
// set_aec_enabled), without needing a pipeline restart.
func (p *Pipeline) SetAECEnabled(v bool) { p.aecEnabled.Store(v) }

func refDelayBytes(ms int) int {
	return SampleRate * 2 * ms / 1000
}

// Start launches the TX (capture-drain/AEC/send) and playback (speaker-
// drain) goroutines. Call Reset first to clear stale state from a prior
// call.
func (p *Pipeline) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.runCtl = make(chan struct{})
	p.streaming.Store(true)
	if err := p.sink.Start(); err != nil {
		p.logger.Warn("playback sink start failed", "error", err)
	}

	p.wg.Add(2)
	go p.txLoop(p.runCtl)
	go p.playbackLoop(p.runCtl)
}

// Stop enforces the shutdown ordering required of the pipeline: clear the
// streaming flag first (TX/playback back off and OnCapture stops
// enqueueing), then request sink-stop through the single-owner protocol,
// then stop the TX and playback goroutines.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	ctl := p.runCtl
	p.runMu.Unlock()

	p.streaming.Store(false)
	p.requestSinkStop()
	close(ctl)
	p.wg.Wait()
}

// Reset clears mic/playback/reference state and reseeds the AEC reference
// delay. Call on every entry to Streaming so residual audio from a
// previous call never leaks into a new one.
func (p *Pipeline) Reset() {
	p.micMu.Lock()
	p.micRing.Reset()
	p.micMu.Unlock()

	p.spkMu.Lock()
	p.spkRing.Reset()
	p.spkMu.Unlock()

	p.refMu.Lock()
	p.refRing.Reset()
	delayBytes := refDelayBytes(p.cfg.RefDelayMs)
	p.refRing.Write(make([]byte, delayBytes))
	p.refMu.Unlock()

	p.aec.reset()
	p.dc.Store(0)
	p.micOverflow.Store(0)
	p.spkOverflow.Store(0)
	p.bytesCaptured.Store(0)
	p.bytesPlayed.Store(0)
}

// SetVolume sets playback volume in [0,1]; ~0 silences output without
// tearing down the sink.
func (p *Pipeline) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.volume.Store(v)
	p.sink.SetVolume(v)
}

func (p *Pipeline) volumeNearZero() bool {
	v, _ := p.volume.Load().(float64)
	return v < 0.01
}

// SetMicGainDB sets mic gain from a decibel value in [-20,20], converting
// to the linear scale preprocess applies.
func (p *Pipeline) SetMicGainDB(db float64) {
	if db < -20 {
		db = -20
	}
	if db > 20 {
		db = 20
	}
	p.micGain.Store(dbToLinear(db))
}

func (p *Pipeline) micGainLinear() float64 {
	v, _ := p.micGain.Load().(float64)
	if v == 0 {
		return 1.0
	}
	return v
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		MicOverflow:   p.micOverflow.Load(),
		SpkOverflow:   p.spkOverflow.Load(),
		BytesCaptured: p.bytesCaptured.Load(),
		BytesPlayed:   p.bytesPlayed.Load(),
	}
}

// OnCapture is called by the capture driver with a variable-size buffer of
// 16-bit LE PCM. It preprocesses (gain/DC-removal) and enqueues into the
// mic ring; on overflow, bytes are dropped and counted, never fatal.
func (p *Pipeline) OnCapture(pcm []byte) {
	if !p.streaming.Load() {
		return
	}
	processed := p.preprocess(pcm)

	p.micMu.Lock()
	n := p.micRing.Write(processed)
	p.micMu.Unlock()

	p.bytesCaptured.Add(uint64(n))
	if dropped := len(processed) - n; dropped > 0 {
		p.countMicOverflow(dropped)
	}
}

func (p *Pipeline) countMicOverflow(dropped int) {
	total := p.micOverflow.Add(uint64(dropped))
	logOverflow(p.logger, "mic ring overflow", p.micOverflowEvents.Add(1), total, dropped)
}

func (p *Pipeline) countSpkOverflow(dropped int) {
	total := p.spkOverflow.Add(uint64(dropped))
	logOverflow(p.logger, "speaker ring overflow", p.spkOverflowEvents.Add(1), total, dropped)
}

// logOverflow logs the first few overflow events, then every 50th, so a
// sustained overflow doesn't flood the log.
func logOverflow(logger *slog.Logger, msg string, events, total uint64, dropped int) {
	if events <= 5 || events%50 == 0 {
		logger.Warn(msg, "dropped_bytes", dropped, "total_dropped", total)
	}
}

// OnAudioFrame enqueues a received AUDIO payload for playback.
func (p *Pipeline) OnAudioFrame(payload []byte) {
	p.spkMu.Lock()
	n := p.spkRing.Write(payload)
	p.spkMu.Unlock()
	if dropped := len(payload) - n; dropped > 0 {
		p.countSpkOverflow(dropped)
	}
}

func (p *Pipeline) txLoop(ctl chan struct{}) {
	defer p.wg.Done()
	chunk := make([]byte, ChunkBytes)
	for {
		select {
		case <-ctl:
			return
		default:
		}
		if !p.streaming.Load() {
			sleep(ctl, 20*time.Millisecond)
			continue
		}

		p.micMu.Lock()
		n := p.micRing.Read(chunk)
		p.micMu.Unlock()
		if n < ChunkBytes {
			runtime.Gosched()
			sleep(ctl, 2*time.Millisecond)
			continue
		}

		p.forwardChunk(chunk)
		runtime.Gosched()
	}
}

func (p *Pipeline) forwardChunk(chunk []byte) {
	if !p.aecEnabled.Load() {
		if err := p.sender.SendAudio(append([]byte(nil), chunk...)); err != nil {
			p.logger.Warn("tx send failed", "error", err)
		}
		return
	}

	ref := make([]byte, p.cfg.AECFrameLen*2)
	out, ready := p.aec.push(chunk, func(frameLen int) []int16 {
		return p.readReferenceFrame(frameLen, ref)
	}, p.cfg.Kernel)
	if !ready {
		return
	}
	if err := p.sender.SendAudio(out); err != nil {
		p.logger.Warn("tx send failed (aec)", "error", err)
	}
}

func (p *Pipeline) readReferenceFrame(frameLen int, scratch []byte) []int16 {
	need := frameLen * 2
	if cap(scratch) < need {
		scratch = make([]byte, need)
	}
	scratch = scratch[:need]
	for i := range scratch {
		scratch[i] = 0
	}
	p.refMu.Lock()
	n := p.refRing.Read(scratch)
	p.refMu.Unlock()
	_ = n // short reads are zero-padded by the pre-zeroed scratch buffer

	samples := make([]int16, frameLen)
	bytesToSamples(samples, scratch)
	return samples
}

func (p *Pipeline) playbackLoop(ctl chan struct{}) {
	defer p.wg.Done()
	chunk := make([]byte, ChunkBytes)
	for {
		select {
		case <-ctl:
			p.runSinkStop()
			return
		default:
		}
		if p.stopSink.Load() {
			p.runSinkStop()
		}
		if !p.streaming.Load() {
			sleep(ctl, 20*time.Millisecond)
			continue
		}

		sentAny := false
		for i := 0; i < 4; i++ {
			p.spkMu.Lock()
			n := p.spkRing.Read(chunk)
			p.spkMu.Unlock()
			if n < ChunkBytes {
				break
			}
			sentAny = true
			if !p.volumeNearZero() {
				if err := p.sink.Play(chunk); err != nil {
					p.logger.Warn("playback failed", "error", err)
				}
			}
			p.bytesPlayed.Add(uint64(n))
			p.appendReference(chunk)
		}
		if !sentAny {
			sleep(ctl, 2*time.Millisecond)
		}
	}
}

// appendReference writes the bytes handed to sink.Play into the reference
// ring, or silence of the same length when volume is ~0. Volume scaling
// applied inside the sink (SetVolume) is not reflected in these bytes.
func (p *Pipeline) appendReference(chunk []byte) {
	scaled := chunk
	if p.volumeNearZero() {
		scaled = make([]byte, len(chunk))
	}
	p.refMu.Lock()
	p.refRing.Write(scaled)
	p.refMu.Unlock()
}

// requestSinkStop asks the playback task to stop the sink and blocks (up to
// 200ms) until it has. Only the playback task ever calls sink.Stop().
func (p *Pipeline) requestSinkStop() {
	p.stopSink.Store(true)
	select {
	case <-p.sinkStopDone:
	case <-time.After(200 * time.Millisecond):
		p.logger.Warn("sink stop timed out")
	}
}

func (p *Pipeline) runSinkStop() {
	if !p.stopSink.CompareAndSwap(true, false) {
		return
	}
	if err := p.sink.Stop(); err != nil {
		p.logger.Warn("sink stop failed", "error", err)
	}
	select {
	case p.sinkStopDone <- struct{}{}:
	default:
	}
}

func sleep(ctl chan struct{}, d time.Duration) {
	select {
	case <-ctl:
	case <-time.After(d):
	}
}
