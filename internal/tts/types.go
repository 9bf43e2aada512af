package tts

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when the service answers with no audio for non-empty text
var ErrEmptyAudio = errors.New("synthesis returned no audio")

// Synthesizer defines the interface for a Text-to-Speech client
type Synthesizer interface {
	// Synthesize converts text to raw 16-bit mono PCM at audio.SampleRate
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// SynthesizerFunc adapts a function to the Synthesizer interface
type SynthesizerFunc func(ctx context.Context, text string) ([]byte, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}
