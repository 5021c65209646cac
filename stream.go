package main

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/disgoorg/disgo/voice"
)

// ===========================
// Voice Streaming
// ===========================

// OpusSilence is the canonical Opus silence frame, sent while paused and
// while draining at end of stream.
var OpusSilence = []byte{0xF8, 0xFF, 0xFE}

const silenceDrainFrames = 5

// trackStreamer is what the orchestrator drives; a fake stands in for it in
// tests.
type trackStreamer interface {
	// Play blocks until the stream ends. Returns nil on natural end, the
	// context error on cancellation and a stream error otherwise.
	Play(ctx context.Context, s *Song) error
	SetPaused(paused bool)
	Detach()
}

// pauseGate blocks frame delivery while paused. The channel is closed when
// playback may proceed.
type pauseGate struct {
	mu sync.RWMutex
	ch chan struct{}
}

func newPauseGate() *pauseGate {
	g := &pauseGate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *pauseGate) SetPaused(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if paused {
		select {
		case <-g.ch:
			g.ch = make(chan struct{})
		default:
		}
		return
	}
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *pauseGate) wait() <-chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ch
}

// frameProvider feeds Opus frames from the transcoder into the voice
// connection, inserting silence while paused or starved.
type frameProvider struct {
	frames   chan []byte
	ctx      context.Context
	gate     *pauseGate
	once     sync.Once
	onFinish func()
	draining bool
	silences int
}

func newFrameProvider(ctx context.Context, gate *pauseGate, onFinish func()) *frameProvider {
	return &frameProvider{
		frames:   make(chan []byte, 100),
		ctx:      ctx,
		gate:     gate,
		onFinish: onFinish,
	}
}

func (p *frameProvider) finish() {
	p.once.Do(func() {
		if p.onFinish != nil {
			p.onFinish()
		}
	})
}

func (p *frameProvider) Close() {
	p.finish()
}

func (p *frameProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *frameProvider) ProvideOpusFrame() ([]byte, error) {
	select {
	case <-p.gate.wait():
	case <-p.ctx.Done():
		p.finish()
		return nil, io.EOF
	}

	if p.draining {
		if p.silences < silenceDrainFrames {
			p.silences++
			return OpusSilence, nil
		}
		p.finish()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.ctx.Done():
		p.finish()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

// voiceStreamer implements trackStreamer over a disgo voice connection.
type voiceStreamer struct {
	conn voice.Conn
	gate *pauseGate
}

func newVoiceStreamer(conn voice.Conn) *voiceStreamer {
	return &voiceStreamer{
		conn: conn,
		gate: newPauseGate(),
	}
}

func (v *voiceStreamer) SetPaused(paused bool) {
	v.gate.SetPaused(paused)
}

// Play resolves a direct audio URL and pumps it through the transcoder into
// the voice connection. Blocks until end of stream or cancellation.
func (v *voiceStreamer) Play(ctx context.Context, s *Song) error {
	direct, err := resolveStreamURL(ctx, s.URL)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	p := newFrameProvider(ctx, v.gate, func() { close(done) })

	transcodeErr := make(chan error, 1)
	safeGo(func() {
		defer p.PushFrame(nil)
		t := newOpusTranscoder()
		defer t.Close()
		if err := t.OpenInput(direct); err != nil {
			transcodeErr <- err
			return
		}
		if err := t.SetupDecoder(); err != nil {
			transcodeErr <- err
			return
		}
		if err := t.SetupEncoder(); err != nil {
			transcodeErr <- err
			return
		}
		transcodeErr <- t.Transcode(ctx, p.PushFrame)
	})

	v.setOpusFrameProviderSafe(p)
	v.setSpeakingSafe(ctx, voice.SpeakingFlagMicrophone)

	defer func() {
		v.setOpusFrameProviderSafe(nil)
		v.setSpeakingSafe(context.Background(), 0)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-transcodeErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	default:
	}
	return nil
}

func (v *voiceStreamer) Detach() {
	v.setOpusFrameProviderSafe(nil)
}

// The voice connection can transiently reject provider updates while its
// gateway reconnects; retry briefly instead of dropping audio control.
func (v *voiceStreamer) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if v.conn == nil || (reflect.ValueOf(v.conn).Kind() == reflect.Ptr && reflect.ValueOf(v.conn).IsNil()) {
		return
	}
	for i := 0; i < 3; i++ {
		if v.trySetOpusFrameProvider(provider) {
			return
		}
		time.Sleep(150 * time.Millisecond)
	}
	LogPlayer("Exhausted retries for SetOpusFrameProvider")
}

func (v *voiceStreamer) trySetOpusFrameProvider(provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	v.conn.SetOpusFrameProvider(provider)
	return true
}

func (v *voiceStreamer) setSpeakingSafe(ctx context.Context, flags voice.SpeakingFlags) {
	if v.conn == nil || (reflect.ValueOf(v.conn).Kind() == reflect.Ptr && reflect.ValueOf(v.conn).IsNil()) {
		return
	}
	for i := 0; i < 3; i++ {
		if v.trySetSpeaking(ctx, flags) {
			return
		}
		time.Sleep(150 * time.Millisecond)
	}
	LogPlayer("Exhausted retries for SetSpeaking")
}

func (v *voiceStreamer) trySetSpeaking(ctx context.Context, flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	v.conn.SetSpeaking(ctx, flags)
	return true
}
