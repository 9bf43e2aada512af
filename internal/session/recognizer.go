package session

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/stt"
)

// Recognition is a message from a recognition session to its owner: either
// one finished utterance, or the end of the session.
type Recognition struct {
	SessionID int
	Text      string
	Ended     bool
	Err       error
}

// Recognizer owns at most one transcription session at a time. The first
// chunk opens a session, later chunks are appended to it and end of stream
// closes it. Its methods must be called from a single goroutine; results are
// handed to deliver from a per-session goroutine.
type Recognizer struct {
	transcriber stt.Transcriber
	format      audio.Format
	deliver     func(Recognition)
	logger      zerolog.Logger

	stream    stt.Stream
	sessionID int

	opened atomic.Int64
	closed atomic.Int64
}

// NewRecognizer creates a recognizer for audio in format
func NewRecognizer(transcriber stt.Transcriber, format audio.Format, deliver func(Recognition), logger zerolog.Logger) *Recognizer {
	return &Recognizer{
		transcriber: transcriber,
		format:      format,
		deliver:     deliver,
		logger:      logger,
	}
}

// OnChunk forwards chunk to the open session, opening one first if needed.
// It only appends audio and never waits for results.
func (r *Recognizer) OnChunk(ctx context.Context, chunk []byte) error {
	if r.stream == nil {
		s, err := r.transcriber.Open(ctx, r.format)
		if err != nil {
			observability.RecordError("recognition", "recognizer")
			return newError(KindRecognition, "open", err)
		}
		r.sessionID++
		r.stream = s
		r.opened.Add(1)
		observability.RecognitionSessionOpened()
		r.logger.Info().Int("session_id", r.sessionID).Msg("Recognition session opened")

		go r.forward(r.sessionID, s)
	}

	if err := r.stream.Write(chunk); err != nil {
		observability.RecordError("recognition", "recognizer")
		r.release()
		return newError(KindRecognition, "write", err)
	}
	observability.RecordAudioBytes("in", int64(len(chunk)))
	return nil
}

// OnEndOfStream ends the input so the service flushes its last result, then
// releases the session. It is a no-op when no session is open.
func (r *Recognizer) OnEndOfStream() error {
	if r.stream == nil {
		return nil
	}
	if err := r.release(); err != nil {
		return newError(KindRecognition, "close", err)
	}
	return nil
}

// Abort releases the session if id is still the open one
func (r *Recognizer) Abort(id int) {
	if r.stream == nil || r.sessionID != id {
		return
	}
	if err := r.release(); err != nil {
		r.logger.Warn().Err(newError(KindRecognition, "close", err)).Int("session_id", id).Msg("Failed to close aborted recognition session")
	}
}

// Active reports whether a session is open
func (r *Recognizer) Active() bool {
	return r.stream != nil
}

// SessionID returns the id of the open or most recent session
func (r *Recognizer) SessionID() int {
	return r.sessionID
}

// Opened returns how many sessions have been opened
func (r *Recognizer) Opened() int {
	return int(r.opened.Load())
}

// Closed returns how many sessions have been released
func (r *Recognizer) Closed() int {
	return int(r.closed.Load())
}

func (r *Recognizer) release() error {
	s := r.stream
	r.stream = nil

	err := s.Close()
	r.closed.Add(1)
	observability.RecognitionSessionClosed()
	r.logger.Info().Int("session_id", r.sessionID).Msg("Recognition session closed")
	return err
}

// forward passes finished utterances of one session to deliver. Interim and
// blank results are only logged.
func (r *Recognizer) forward(id int, s stt.Stream) {
	log := r.logger.With().Int("session_id", id).Logger()

	for ev := range s.Events() {
		text := strings.TrimSpace(ev.Text)
		if !ev.IsFinal || text == "" {
			log.Debug().Str("text", ev.Text).Bool("is_final", ev.IsFinal).Msg("Interim transcript")
			continue
		}
		log.Info().Str("text", text).Float64("confidence", ev.Confidence).Msg("Final transcript")
		r.deliver(Recognition{SessionID: id, Text: text})
	}

	err := s.Err()
	if err != nil {
		log.Warn().Err(err).Msg("Recognition session ended with error")
	}
	r.deliver(Recognition{SessionID: id, Ended: true, Err: err})
}
