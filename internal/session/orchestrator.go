package session

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/bus"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/llm"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
	"github.com/lexiqai/voice-assistant/internal/segment"
	"github.com/lexiqai/voice-assistant/internal/stt"
	"github.com/lexiqai/voice-assistant/internal/tts"
)

const inboxSize = 1024

// State is the orchestrator's position in a turn
type State int32

const (
	Listening State = iota
	Capturing
	Responding
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Capturing:
		return "capturing"
	case Responding:
		return "responding"
	default:
		return "unknown"
	}
}

// Components are the capabilities and transport an orchestrator drives
type Components struct {
	Bus         bus.Bus
	Transcriber stt.Transcriber
	Completer   llm.Completer
	Synthesizer tts.Synthesizer

	// Retry bounds completion attempts. Nil uses the configured fixed policy.
	Retry *resilience.RetryConfig
}

// Inbox events besides Recognition
type (
	chunkEvent       struct{ pcm []byte }
	endOfStreamEvent struct{}
	singleShotEvent  struct{ wav []byte }
)

// Orchestrator turns captured speech into published replies. Bus callbacks
// and recognition results only enqueue events; Run handles them one at a
// time, so turn state is never shared between goroutines.
type Orchestrator struct {
	components Components
	retry      *resilience.RetryConfig
	segmentCfg segment.SegmenterConfig
	publisher  *segment.Publisher
	recognizer *Recognizer
	format     audio.Format
	chunkBytes int

	systemPrompt string
	fallback     string
	streaming    bool

	inbox chan any
	done  chan struct{}
	state atomic.Int32

	// Sessions that were opened and have neither answered nor ended
	awaiting map[int]struct{}

	logger zerolog.Logger
}

// NewOrchestrator creates an orchestrator. Call Run to start handling messages.
func NewOrchestrator(cfg *config.Config, c Components, logger zerolog.Logger) *Orchestrator {
	retry := c.Retry
	if retry == nil {
		retry = resilience.FixedRetryConfig(cfg.RetryMaxAttempts, cfg.RetryBackoff())
	}

	o := &Orchestrator{
		components:   c,
		retry:        retry,
		segmentCfg:   segment.ConfigFrom(cfg),
		publisher:    segment.NewPublisher(c.Bus, c.Synthesizer, logger.With().Str("component", "publisher").Logger()),
		format:       audio.DefaultFormat(),
		chunkBytes:   cfg.AudioChunkFrames * audio.DefaultFormat().FrameBytes(),
		systemPrompt: cfg.SystemPrompt,
		fallback:     cfg.FallbackReply,
		streaming:    cfg.CompletionStreaming,
		inbox:        make(chan any, inboxSize),
		done:         make(chan struct{}),
		awaiting:     make(map[int]struct{}),
		logger:       logger,
	}
	o.recognizer = NewRecognizer(c.Transcriber, o.format, func(r Recognition) { o.enqueue(r) }, logger.With().Str("component", "recognizer").Logger())
	return o
}

// Subscribe registers the orchestrator for voice/stream and voice/audio
func (o *Orchestrator) Subscribe(ctx context.Context) error {
	for _, topic := range []string{bus.TopicStream, bus.TopicAudio} {
		if err := o.components.Bus.Subscribe(ctx, topic, o.HandleMessage); err != nil {
			return newError(KindTransport, "subscribe "+topic, err)
		}
	}
	return nil
}

// HandleMessage is the bus callback. It only enqueues; ordering is kept.
func (o *Orchestrator) HandleMessage(topic string, payload []byte) {
	switch topic {
	case bus.TopicStream:
		if bus.IsEndOfStream(payload) {
			o.enqueue(endOfStreamEvent{})
			return
		}
		o.enqueue(chunkEvent{pcm: payload})
	case bus.TopicAudio:
		o.enqueue(singleShotEvent{wav: payload})
	default:
		o.logger.Debug().Str("topic", topic).Msg("Ignoring message on unexpected topic")
	}
}

func (o *Orchestrator) enqueue(ev any) {
	select {
	case o.inbox <- ev:
	case <-o.done:
	}
}

// State returns the current turn state
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Recognizer exposes the recognition session owner, mainly for its counters
func (o *Orchestrator) Recognizer() *Recognizer {
	return o.recognizer
}

// Run handles queued events until ctx is done. Any open recognition session
// is released on return.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	o.logger.Info().Msg("Orchestrator running")

	for {
		select {
		case <-ctx.Done():
			if err := o.recognizer.OnEndOfStream(); err != nil {
				o.logger.Warn().Err(err).Msg("Failed to close recognition session on shutdown")
			}
			o.logger.Info().Msg("Orchestrator stopped")
			return nil
		case ev := <-o.inbox:
			o.handle(ctx, ev)
			o.settle()
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case chunkEvent:
		o.onChunk(ctx, ev.pcm)
	case endOfStreamEvent:
		o.onEndOfStream()
	case Recognition:
		o.onRecognition(ctx, ev)
	case singleShotEvent:
		o.answerSingleShot(ctx, ev.wav)
	}
}

func (o *Orchestrator) onChunk(ctx context.Context, pcm []byte) {
	opening := !o.recognizer.Active()
	if err := o.recognizer.OnChunk(ctx, pcm); err != nil {
		o.logger.Error().Err(err).Msg("Dropping audio chunk")
		return
	}
	if opening {
		o.awaiting[o.recognizer.SessionID()] = struct{}{}
	}
}

func (o *Orchestrator) onEndOfStream() {
	if !o.recognizer.Active() {
		o.logger.Debug().Msg("End of stream with no open session")
		return
	}
	if err := o.recognizer.OnEndOfStream(); err != nil {
		o.logger.Warn().Err(err).Msg("Recognition session did not close cleanly")
	}
}

func (o *Orchestrator) onRecognition(ctx context.Context, r Recognition) {
	if _, ok := o.awaiting[r.SessionID]; !ok {
		if !r.Ended {
			o.logger.Debug().Int("session_id", r.SessionID).Str("text", r.Text).Msg("Ignoring transcript of an answered session")
		}
		return
	}

	if r.Ended {
		delete(o.awaiting, r.SessionID)
		if r.Err != nil {
			err := newError(KindRecognition, "transcribe", r.Err)
			observability.RecordError("recognition", "orchestrator")
			o.logger.Error().Err(err).Int("session_id", r.SessionID).Msg("Recognition failed, turn abandoned")
			o.recognizer.Abort(r.SessionID)
			return
		}
		o.logger.Info().Int("session_id", r.SessionID).Msg("No speech recognized")
		return
	}

	// The first final transcript answers the session; later audio opens a new one
	delete(o.awaiting, r.SessionID)
	o.recognizer.Abort(r.SessionID)
	o.respond(ctx, r.Text)
}

// settle derives the state once an event has been handled
func (o *Orchestrator) settle() {
	next := Listening
	if o.recognizer.Active() || len(o.awaiting) > 0 {
		next = Capturing
	}
	o.setState(next)
}

func (o *Orchestrator) setState(s State) {
	prev := State(o.state.Swap(int32(s)))
	if prev != s {
		o.logger.Debug().Stringer("from", prev).Stringer("to", s).Msg("State changed")
	}
}

// respond runs completion, segmentation and publishing for one transcript
func (o *Orchestrator) respond(ctx context.Context, text string) {
	o.setState(Responding)

	turnID := observability.NewTurnID()
	log := observability.WithTurn(o.logger, turnID, "stream")
	metrics := observability.NewTurnMetrics(turnID, "stream")
	metrics.RecordTurnStart()
	log.Info().Str("transcript", text).Msg("Turn started")

	reply := o.replyStream(ctx, text, metrics, log)
	segs := segment.Segment(ctx, o.segmentCfg, reply.C)
	stats := o.publisher.Run(ctx, turnID, segs)

	if err := reply.Err(); err != nil {
		observability.RecordError("completion", "orchestrator")
		log.Error().Err(newError(KindCompletion, "stream", err)).Msg("Reply stream ended early")
	}

	outcome := "ok"
	switch {
	case stats.Published == 0:
		outcome = "silent"
	case !stats.Final || stats.Skipped > 0 || stats.Failed > 0:
		outcome = "degraded"
	}
	metrics.RecordTurnEnd(outcome)
	log.Info().
		Int("published", stats.Published).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Str("outcome", outcome).
		Msg("Turn finished")
}

// replyStream opens the reply for text under the retry policy, falling back
// to the canned reply once the attempts are spent
func (o *Orchestrator) replyStream(ctx context.Context, text string, metrics *observability.TurnMetrics, log zerolog.Logger) *llm.TokenStream {
	if !o.streaming {
		return llm.StaticStream(ctx, o.complete(ctx, text, metrics, log))
	}

	var reply *llm.TokenStream
	err := o.withRetry(ctx, metrics, log, func(ctx context.Context) error {
		s, err := o.components.Completer.Stream(ctx, o.systemPrompt, text)
		if err != nil {
			return err
		}
		// A stream that fails before its first fragment counts as a failed attempt
		first, ok := <-s.C
		if !ok {
			if err := s.Err(); err != nil {
				return err
			}
			return llm.ErrEmptyCompletion
		}
		reply = llm.NewTokenStream(ctx, func(emit func(string) bool) error {
			if !emit(first) {
				return nil
			}
			for f := range s.C {
				if !emit(f) {
					return nil
				}
			}
			return s.Err()
		})
		return nil
	})
	if err != nil {
		o.fellBack(metrics, log, err)
		return llm.StaticStream(ctx, o.fallback)
	}
	return reply
}

// complete returns the whole reply for text, or the canned reply
func (o *Orchestrator) complete(ctx context.Context, text string, metrics *observability.TurnMetrics, log zerolog.Logger) string {
	var reply string
	err := o.withRetry(ctx, metrics, log, func(ctx context.Context) error {
		var err error
		reply, err = o.components.Completer.Complete(ctx, o.systemPrompt, text)
		return err
	})
	if err != nil {
		o.fellBack(metrics, log, err)
		return o.fallback
	}
	return reply
}

func (o *Orchestrator) withRetry(ctx context.Context, metrics *observability.TurnMetrics, log zerolog.Logger, fn resilience.RetryableFunc) error {
	attempt := 0
	return resilience.Retry(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.RecordCompletionRetry()
		}
		metrics.RecordStart("completion")
		err := fn(ctx)
		metrics.RecordEnd("completion", err == nil)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", o.retry.MaxAttempts).Msg("Completion attempt failed")
		}
		return err
	}, o.retry, resilience.UnlessCanceled)
}

func (o *Orchestrator) fellBack(metrics *observability.TurnMetrics, log zerolog.Logger, err error) {
	metrics.RecordCompletionFallback()
	metrics.RecordError("completion", "orchestrator")
	log.Error().Err(newError(KindCompletion, "complete", err)).Msg("Completion failed, using canned reply")
}
