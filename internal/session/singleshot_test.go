package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/bus"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/tts"
)

func TestSingleShot_RepliesWithWAV(t *testing.T) {
	h := newHarness(t, "what is the weather", "It is sunny today.")

	pcm := chunk(3000)
	wav, err := audio.EncodeWAV(pcm, audio.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), bus.TopicAudio, wav))

	assert.Eventually(t, func() bool { return len(h.wavReplies()) == 1 }, waitFor, tick)

	got, format, err := audio.DecodeWAV(h.wavReplies()[0])
	require.NoError(t, err)
	assert.Equal(t, audio.DefaultFormat(), format)
	assert.Equal(t, speech("It is sunny today."), got)

	assert.Equal(t, pcm, h.transcriber.stream(0).received(), "whole utterance fed to one session")
	assert.Equal(t, []string{"what is the weather"}, h.completer.prompts)
	assert.Empty(t, h.published(), "single-shot replies are not segmented")
	assert.Zero(t, h.orch.Recognizer().Opened(), "streaming session untouched")
}

func TestSingleShot_InvalidAudioIgnored(t *testing.T) {
	h := newHarness(t, "hello", "Hi there.")
	ctx := context.Background()

	require.NoError(t, h.bus.Publish(ctx, bus.TopicAudio, []byte("not a wav file")))
	wav, err := audio.EncodeWAV(chunk(100), audio.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(ctx, bus.TopicAudio, wav))

	assert.Eventually(t, func() bool { return len(h.wavReplies()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.transcriber.count())
}

func TestSingleShot_CannedReplyWhenCompletionFails(t *testing.T) {
	var spoken []string
	h := newHarness(t, "hello", "never delivered", func(cfg *config.Config, c *Components) {
		c.Synthesizer = tts.SynthesizerFunc(func(ctx context.Context, text string) ([]byte, error) {
			spoken = append(spoken, text)
			return speech(text), nil
		})
	})
	h.completer.failures = 5

	wav, err := audio.EncodeWAV(chunk(100), audio.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), bus.TopicAudio, wav))

	assert.Eventually(t, func() bool { return len(h.wavReplies()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"Sorry, I can't answer right now."}, spoken)
	assert.Equal(t, 3, h.completer.callCount())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.sleeps())
}

func TestSingleShot_SynthesisFailurePublishesNothing(t *testing.T) {
	calls := make(chan string, 1)
	h := newHarness(t, "hello", "Hi there.", func(cfg *config.Config, c *Components) {
		c.Synthesizer = tts.SynthesizerFunc(func(ctx context.Context, text string) ([]byte, error) {
			calls <- text
			return nil, errors.New("voice unavailable")
		})
	})

	wav, err := audio.EncodeWAV(chunk(100), audio.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), bus.TopicAudio, wav))

	select {
	case text := <-calls:
		assert.Equal(t, "Hi there.", text)
	case <-time.After(waitFor):
		t.Fatal("synthesis never attempted")
	}
	assert.Never(t, func() bool { return len(h.wavReplies()) > 0 }, 100*time.Millisecond, tick)
}

func TestSingleShot_NoSpeech(t *testing.T) {
	h := newHarness(t, "", "unused")

	wav, err := audio.EncodeWAV(chunk(100), audio.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), bus.TopicAudio, wav))

	assert.Eventually(t, func() bool { return h.transcriber.count() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return h.completer.callCount() > 0 }, 100*time.Millisecond, tick)
	assert.Empty(t, h.wavReplies())
}
