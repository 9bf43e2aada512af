package session

import (
	"context"
	"strings"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/bus"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/tts"
)

// answerSingleShot answers a complete WAV utterance from voice/audio with a
// complete WAV reply on voice/response. No segmentation is involved.
func (o *Orchestrator) answerSingleShot(ctx context.Context, wav []byte) {
	turnID := observability.NewTurnID()
	log := observability.WithTurn(o.logger, turnID, "single")
	metrics := observability.NewTurnMetrics(turnID, "single")
	metrics.RecordTurnStart()

	outcome := "ok"
	defer func() { metrics.RecordTurnEnd(outcome) }()

	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		outcome = "invalid_audio"
		log.Error().Err(err).Int("bytes", len(wav)).Msg("Rejecting single-shot audio")
		return
	}
	if format != o.format {
		log.Warn().Interface("format", format).Msg("Single-shot audio is not in the capture profile")
	}

	metrics.RecordStart("stt")
	text, err := o.transcribe(ctx, pcm, format)
	metrics.RecordEnd("stt", err == nil)
	if err != nil {
		outcome = "recognition_failed"
		metrics.RecordError("recognition", "single_shot")
		log.Error().Err(err).Msg("Single-shot transcription failed")
		return
	}
	if text == "" {
		outcome = "silent"
		log.Info().Msg("No speech in single-shot audio")
		return
	}
	log.Info().Str("transcript", text).Msg("Single-shot turn started")

	reply := o.complete(ctx, text, metrics, log)

	metrics.RecordStart("tts")
	speech, err := o.components.Synthesizer.Synthesize(ctx, reply)
	metrics.RecordEnd("tts", err == nil && len(speech) > 0)
	if err == nil && len(speech) == 0 {
		err = tts.ErrEmptyAudio
	}
	if err != nil {
		outcome = "synthesis_failed"
		metrics.RecordError("synthesis", "single_shot")
		log.Error().Err(newError(KindSynthesis, "synthesize", err)).Msg("Single-shot synthesis failed")
		return
	}

	out, err := audio.EncodeWAV(speech, o.format)
	if err != nil {
		outcome = "synthesis_failed"
		log.Error().Err(err).Msg("Failed to encode reply WAV")
		return
	}
	if err := o.components.Bus.Publish(ctx, bus.TopicResponse, out); err != nil {
		outcome = "publish_failed"
		metrics.RecordError("transport", "single_shot")
		log.Error().Err(newError(KindTransport, "publish", err)).Msg("Failed to publish single-shot reply")
		return
	}
	log.Info().Str("reply", reply).Int("bytes", len(out)).Msg("Single-shot reply published")
}

// transcribe feeds pcm through one transcription session and joins the final results
func (o *Orchestrator) transcribe(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	s, err := o.components.Transcriber.Open(ctx, format)
	if err != nil {
		return "", newError(KindRecognition, "open", err)
	}
	observability.RecognitionSessionOpened()

	chunk := o.chunkBytes
	if chunk <= 0 {
		chunk = len(pcm)
	}
	var writeErr error
	for len(pcm) > 0 && writeErr == nil {
		n := min(chunk, len(pcm))
		writeErr = s.Write(pcm[:n])
		pcm = pcm[n:]
	}

	closeErr := s.Close()
	observability.RecognitionSessionClosed()

	var parts []string
	for ev := range s.Events() {
		if text := strings.TrimSpace(ev.Text); ev.IsFinal && text != "" {
			parts = append(parts, text)
		}
	}

	for _, err := range []error{writeErr, closeErr, s.Err()} {
		if err != nil {
			return "", newError(KindRecognition, "transcribe", err)
		}
	}
	return strings.Join(parts, " "), nil
}
