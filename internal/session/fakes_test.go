package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/bus"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/llm"
	"github.com/lexiqai/voice-assistant/internal/resilience"
	"github.com/lexiqai/voice-assistant/internal/segment"
	"github.com/lexiqai/voice-assistant/internal/stt"
	"github.com/lexiqai/voice-assistant/internal/tts"
)

// fakeStream recognizes its whole input as transcript once closed
type fakeStream struct {
	mu         sync.Mutex
	events     chan stt.TranscriptEvent
	audio      []byte
	transcript string
	closed     bool
	err        error
	closeErr   error
}

func (s *fakeStream) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.audio = append(s.audio, chunk...)
	return nil
}

func (s *fakeStream) Events() <-chan stt.TranscriptEvent { return s.events }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if len(s.audio) > 0 && s.transcript != "" {
		s.events <- stt.TranscriptEvent{Text: s.transcript[:len(s.transcript)/2]}
		s.events <- stt.TranscriptEvent{Text: s.transcript, IsFinal: true, Confidence: 0.9}
	}
	close(s.events)
	return s.closeErr
}

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail ends the stream the way a dropped connection does
func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

func (s *fakeStream) received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.audio...)
}

type fakeTranscriber struct {
	mu         sync.Mutex
	transcript string
	openErr    error
	closeErr   error
	streams    []*fakeStream
}

func (t *fakeTranscriber) Open(ctx context.Context, format audio.Format) (stt.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	s := &fakeStream{events: make(chan stt.TranscriptEvent, 16), transcript: t.transcript, closeErr: t.closeErr}
	t.streams = append(t.streams, s)
	return s, nil
}

func (t *fakeTranscriber) stream(i int) *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.streams) {
		return nil
	}
	return t.streams[i]
}

func (t *fakeTranscriber) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// fakeCompleter fails its first failures calls, then answers with reply in word fragments
type fakeCompleter struct {
	mu       sync.Mutex
	reply    string
	failures int
	calls    int
	streamed int
	prompts  []string
}

func (c *fakeCompleter) attempt(user string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.prompts = append(c.prompts, user)
	if c.calls <= c.failures {
		return errors.New("upstream returned 503")
	}
	return nil
}

func (c *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	if err := c.attempt(user); err != nil {
		return "", err
	}
	return c.reply, nil
}

func (c *fakeCompleter) Stream(ctx context.Context, system, user string) (*llm.TokenStream, error) {
	if err := c.attempt(user); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.streamed++
	c.mu.Unlock()
	return llm.StaticStream(ctx, strings.SplitAfter(c.reply, " ")...), nil
}

func (c *fakeCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// speech synthesizes a constant tone, a sample per byte of text
func speech(text string) []byte {
	samples := make([]int16, 400+len(text))
	for i := range samples {
		samples[i] = 1000
	}
	return audio.SamplesToBytes(samples)
}

func testConfig() *config.Config {
	return &config.Config{
		SystemPrompt:          "Answer briefly.",
		FallbackReply:         "Sorry, I can't answer right now.",
		CompletionStreaming:   true,
		SegmentMinChars:       20,
		SegmentPreferredChars: 50,
		SegmentMaxChars:       100,
		SegmentTerminators:    "。！？.!?",
		AudioChunkFrames:      1024,
		RetryMaxAttempts:      3,
		RetryBackoffMs:        1000,
	}
}

type harness struct {
	bus         *bus.MemoryBus
	orch        *Orchestrator
	transcriber *fakeTranscriber
	completer   *fakeCompleter

	mu       sync.Mutex
	segments []segment.AudioSegmentMessage
	replies  [][]byte
	backoffs []time.Duration
}

type harnessOption func(*config.Config, *Components)

func newHarness(t *testing.T, transcript, reply string, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		bus:         bus.NewMemoryBus(),
		transcriber: &fakeTranscriber{transcript: transcript},
		completer:   &fakeCompleter{reply: reply},
	}

	cfg := testConfig()
	c := Components{
		Bus:         h.bus,
		Transcriber: h.transcriber,
		Completer:   h.completer,
		Synthesizer: tts.SynthesizerFunc(func(ctx context.Context, text string) ([]byte, error) {
			return speech(text), nil
		}),
		Retry: &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Second,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 1,
			Sleep: func(ctx context.Context, d time.Duration) error {
				h.mu.Lock()
				h.backoffs = append(h.backoffs, d)
				h.mu.Unlock()
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(cfg, &c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.orch = NewOrchestrator(cfg, c, zerolog.Nop())
	require.NoError(t, h.orch.Subscribe(ctx))
	require.NoError(t, h.bus.Subscribe(ctx, bus.TopicResponseStream, func(topic string, payload []byte) {
		msg, err := segment.DecodeMessage(payload)
		if !assert.NoError(t, err) {
			return
		}
		h.mu.Lock()
		h.segments = append(h.segments, msg)
		h.mu.Unlock()
	}))
	require.NoError(t, h.bus.Subscribe(ctx, bus.TopicResponse, func(topic string, payload []byte) {
		h.mu.Lock()
		h.replies = append(h.replies, payload)
		h.mu.Unlock()
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) speak(t *testing.T, chunks ...[]byte) {
	t.Helper()
	ctx := context.Background()
	for _, c := range chunks {
		require.NoError(t, h.bus.Publish(ctx, bus.TopicStream, c))
	}
	require.NoError(t, h.bus.Publish(ctx, bus.TopicStream, []byte(bus.EndOfStream)))
}

func (h *harness) published() []segment.AudioSegmentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]segment.AudioSegmentMessage(nil), h.segments...)
}

func (h *harness) wavReplies() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.replies...)
}

func (h *harness) sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.backoffs...)
}

func chunk(n int) []byte {
	return audio.Silence(audio.DefaultFormat(), n)
}
