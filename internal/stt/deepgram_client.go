package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.stream.handleMessage(message)
	return nil
}

func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.stream.flushPending()
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.stream.fail(fmt.Errorf("deepgram error: %s: %s", errorResponse.ErrCode, errorResponse.ErrMsg))
	return nil
}

// DeepgramTranscriber opens live Deepgram sessions over websocket
type DeepgramTranscriber struct {
	config         *config.Config
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramTranscriber creates a transcriber sharing one circuit breaker across sessions
func NewDeepgramTranscriber(cfg *config.Config) *DeepgramTranscriber {
	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		cfg.CircuitBreakerReset(),
	).OnResult(observability.BreakerListener())

	return &DeepgramTranscriber{
		config:         cfg,
		circuitBreaker: circuitBreaker,
		logger:         observability.WithComponent("deepgram"),
	}
}

// Open starts a streaming transcription session for raw PCM in format
func (d *DeepgramTranscriber) Open(ctx context.Context, format audio.Format) (Stream, error) {
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("deepgram linear16 needs 16-bit audio, got %d-bit", format.BitDepth)
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       format.Channels,
		SampleRate:     format.SampleRate,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := newDeepgramStream(time.Duration(d.config.DeepgramFlushWait)*time.Millisecond, d.logger)
	stream.cancel = cancel

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 stream,
	}

	err := d.circuitBreaker.Do(streamCtx, func(context.Context) error {
		client, err := listenClient.NewWSUsingCallback(streamCtx, d.config.DeepgramAPIKey, &interfaces.ClientOptions{}, tOptions, callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return errors.New("failed to connect to Deepgram")
		}
		stream.client = client
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	d.logger.Debug().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Int("sample_rate", format.SampleRate).
		Msg("Deepgram session opened")
	return stream, nil
}

// deepgramStream adapts one WSCallback connection to the Stream interface
type deepgramStream struct {
	client    *listenClient.WSCallback
	assembler resultAssembler
	events    chan TranscriptEvent
	flushed   chan struct{}
	flushWait time.Duration
	cancel    context.CancelFunc
	logger    zerolog.Logger

	mu      sync.Mutex
	closing bool
	closed  bool
	err     error
}

func newDeepgramStream(flushWait time.Duration, logger zerolog.Logger) *deepgramStream {
	return &deepgramStream{
		events:    make(chan TranscriptEvent, 100),
		flushed:   make(chan struct{}, 1),
		flushWait: flushWait,
		logger:    logger,
	}
}

// Write sends an audio chunk to Deepgram
func (s *deepgramStream) Write(chunk []byte) error {
	s.mu.Lock()
	closed, err := s.closing || s.closed, s.err
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if closed {
		return errors.New("deepgram stream is closed")
	}

	if _, err := s.client.Write(chunk); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

func (s *deepgramStream) Events() <-chan TranscriptEvent {
	return s.events
}

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close waits for a trailing final result if one is still forming, then finishes the connection
func (s *deepgramStream) Close() error {
	s.mu.Lock()
	if s.closing || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	awaiting := s.assembler.awaiting()
	s.mu.Unlock()

	if awaiting {
		select {
		case <-s.flushed:
		case <-time.After(s.flushWait):
			s.logger.Debug().Dur("waited", s.flushWait).Msg("No trailing final result before close")
		}
	}

	if s.client != nil {
		s.client.Finish()
	}
	s.flushPending()
	s.finish()
	return nil
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	startTime := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		startTime = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - startTime
	}

	s.mu.Lock()
	ev, ok := s.assembler.add(transcriptPiece{
		text:       alt.Transcript,
		confidence: alt.Confidence,
		start:      startTime,
		duration:   duration,
	}, msg.IsFinal, msg.SpeechFinal)
	s.mu.Unlock()
	if ok {
		s.emit(ev)
	}
}

// flushPending turns any finalized-but-unterminated pieces into a final event
func (s *deepgramStream) flushPending() {
	s.mu.Lock()
	ev, ok := s.assembler.flush()
	s.mu.Unlock()
	if ok {
		s.emit(ev)
	}
}

func (s *deepgramStream) emit(ev TranscriptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("text", ev.Text).Bool("final", ev.IsFinal).Msg("Transcript channel full, dropping result")
		return
	}

	if ev.IsFinal {
		select {
		case s.flushed <- struct{}{}:
		default:
		}
	}
}

// fail records a terminal error and ends the session
func (s *deepgramStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("Deepgram session failed")
	if s.client != nil {
		s.client.Finish()
	}
	s.finish()
}

func (s *deepgramStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	if s.cancel != nil {
		s.cancel()
	}
}

// transcriptPiece is one Deepgram result with its timing in seconds
type transcriptPiece struct {
	text       string
	confidence float64
	start      float64
	duration   float64
}

// resultAssembler joins Deepgram's is_final pieces into one utterance that is
// released on speech_final, utterance end or close. The released event spans
// from the first piece's start to the last piece's end and carries the last
// piece's confidence.
type resultAssembler struct {
	pieces     []string
	interim    bool
	confidence float64
	start      float64
	end        float64
}

// add folds one result in and returns the event to emit, if any
func (a *resultAssembler) add(p transcriptPiece, isFinal, speechFinal bool) (TranscriptEvent, bool) {
	text := strings.TrimSpace(p.text)

	if !isFinal {
		if text == "" {
			return TranscriptEvent{}, false
		}
		a.interim = true
		return TranscriptEvent{
			Text:       a.join(text),
			Confidence: p.confidence,
			StartTime:  p.start,
			Duration:   p.duration,
		}, true
	}

	a.interim = false
	if text != "" {
		if len(a.pieces) == 0 {
			a.start = p.start
		}
		a.pieces = append(a.pieces, text)
		a.confidence = p.confidence
		a.end = p.start + p.duration
	}
	if speechFinal {
		return a.flush()
	}
	return TranscriptEvent{}, false
}

// flush releases accumulated pieces as a final event
func (a *resultAssembler) flush() (TranscriptEvent, bool) {
	a.interim = false
	if len(a.pieces) == 0 {
		return TranscriptEvent{}, false
	}
	ev := TranscriptEvent{
		Text:       a.join(""),
		IsFinal:    true,
		Confidence: a.confidence,
		StartTime:  a.start,
		Duration:   a.end - a.start,
	}
	a.pieces = nil
	a.confidence, a.start, a.end = 0, 0, 0
	return ev, true
}

// awaiting reports whether speech has been heard that has not yet been finalized
func (a *resultAssembler) awaiting() bool {
	return a.interim || len(a.pieces) > 0
}

func (a *resultAssembler) join(tail string) string {
	parts := a.pieces
	if tail != "" {
		parts = append(append([]string(nil), a.pieces...), tail)
	}
	return strings.Join(parts, " ")
}
