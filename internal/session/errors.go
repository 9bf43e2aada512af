package session

import (
	"errors"
	"fmt"

	"github.com/lexiqai/voice-assistant/internal/bus"
	"github.com/lexiqai/voice-assistant/internal/playback"
	"github.com/lexiqai/voice-assistant/internal/segment"
)

// ErrorKind classifies where in the pipeline a failure happened
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindRecognition
	KindCompletion
	KindSynthesis
	KindPlayback
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRecognition:
		return "recognition"
	case KindCompletion:
		return "completion"
	case KindSynthesis:
		return "synthesis"
	case KindPlayback:
		return "playback"
	default:
		return "unknown"
	}
}

// PipelineError is a failure at one component boundary. None of them stop
// the orchestrator; each ends in a skip, a retry or the canned reply.
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err, mapping the sentinel errors of the bus,
// segment and playback packages onto their kinds
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, bus.ErrPublish), errors.Is(err, bus.ErrClosed):
		return KindTransport
	case errors.Is(err, segment.ErrSynthesis):
		return KindSynthesis
	case errors.Is(err, playback.ErrDevice):
		return KindPlayback
	default:
		return KindUnknown
	}
}
