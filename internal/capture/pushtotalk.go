package capture

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/bus"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
)

// PushToTalk turns microphone audio into one voice/stream capture at a time:
// fixed-size chunks while recording, then END_OF_STREAM.
type PushToTalk struct {
	bus        bus.Bus
	chunkBytes int
	vad        *audio.VADDetector // nil unless captures stop on silence
	logger     zerolog.Logger

	mu        sync.Mutex
	recording bool
	pending   []byte
	chunks    int

	// AutoStopped receives once for every capture ended by the VAD
	AutoStopped chan struct{}
}

// NewPushToTalk creates a capture publishing to b
func NewPushToTalk(cfg *config.Config, b bus.Bus, logger zerolog.Logger) *PushToTalk {
	p := &PushToTalk{
		bus:         b,
		chunkBytes:  cfg.AudioChunkFrames * audio.DefaultFormat().FrameBytes(),
		logger:      logger,
		AutoStopped: make(chan struct{}, 1),
	}
	if cfg.CaptureAutoStop {
		p.vad = audio.NewVADDetector(audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceChunks:   cfg.VADSilenceFrames,
		})
	}
	return p
}

// Begin starts a capture. Audio fed before Begin is discarded.
func (p *PushToTalk) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recording {
		return
	}
	p.recording = true
	p.pending = p.pending[:0]
	p.chunks = 0
	if p.vad != nil {
		p.vad.Reset()
	}
	p.logger.Info().Msg("Recording started")
}

// Recording reports whether a capture is in progress
func (p *PushToTalk) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// Feed buffers captured PCM and publishes every complete chunk
func (p *PushToTalk) Feed(ctx context.Context, pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.recording {
		return nil
	}

	p.pending = append(p.pending, pcm...)
	for len(p.pending) >= p.chunkBytes {
		chunk := append([]byte(nil), p.pending[:p.chunkBytes]...)
		p.pending = p.pending[p.chunkBytes:]

		if err := p.bus.Publish(ctx, bus.TopicStream, chunk); err != nil {
			observability.RecordError("transport", "capture")
			return err
		}
		p.chunks++
		observability.RecordAudioBytes("captured", int64(len(chunk)))

		if p.vad != nil {
			if p.vad.Process(chunk) == audio.VADSpeechEnded {
				p.logger.Info().Msg("Silence detected, ending capture")
				// The rest is trailing silence
				p.pending = p.pending[:0]
				if err := p.endLocked(ctx); err != nil {
					return err
				}
				select {
				case p.AutoStopped <- struct{}{}:
				default:
				}
				return nil
			}
		}
	}
	return nil
}

// End publishes any partial chunk and END_OF_STREAM. It is a no-op when not recording.
func (p *PushToTalk) End(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.recording {
		return nil
	}
	return p.endLocked(ctx)
}

func (p *PushToTalk) endLocked(ctx context.Context) error {
	p.recording = false

	if len(p.pending) > 0 {
		if err := p.bus.Publish(ctx, bus.TopicStream, append([]byte(nil), p.pending...)); err != nil {
			observability.RecordError("transport", "capture")
			return err
		}
		p.chunks++
		p.pending = p.pending[:0]
	}
	if err := p.bus.Publish(ctx, bus.TopicStream, []byte(bus.EndOfStream)); err != nil {
		observability.RecordError("transport", "capture")
		return err
	}
	p.logger.Info().Int("chunks", p.chunks).Msg("Recording stopped")
	return nil
}
