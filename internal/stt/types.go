package stt

import (
	"context"

	"github.com/lexiqai/voice-assistant/internal/audio"
)

// TranscriptEvent is one recognition result for an open stream
type TranscriptEvent struct {
	// Text is the transcribed text
	Text string

	// IsFinal marks a finished utterance; interim results are advisory only
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the utterance in seconds
	StartTime float64

	// Duration is the duration of the utterance in seconds
	Duration float64
}

// Stream is one open transcription session bound to a single audio stream
type Stream interface {
	// Write appends PCM to the session input. It never waits for results.
	Write(chunk []byte) error

	// Events yields results and is closed once the session has ended
	Events() <-chan TranscriptEvent

	// Close ends the input, lets the service flush trailing results and
	// releases the connection. Safe to call more than once.
	Close() error

	// Err reports the terminal failure, if any, once Events is closed
	Err() error
}

// Transcriber opens transcription sessions
type Transcriber interface {
	Open(ctx context.Context, format audio.Format) (Stream, error)
}
