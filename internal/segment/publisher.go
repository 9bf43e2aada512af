package segment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/bus"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/tts"
)

// ErrSynthesis marks a segment whose audio could not be produced
var ErrSynthesis = errors.New("segment synthesis failed")

// PublishStats summarizes one reply
type PublishStats struct {
	Published int
	Skipped   int // synthesis failures
	Failed    int // transport failures
	Final     bool
}

// Publisher synthesizes text segments and publishes them to voice/response/stream
type Publisher struct {
	bus         bus.Bus
	synthesizer tts.Synthesizer
	topic       string
	logger      zerolog.Logger
}

// NewPublisher creates a publisher writing to bus.TopicResponseStream
func NewPublisher(b bus.Bus, synthesizer tts.Synthesizer, logger zerolog.Logger) *Publisher {
	return &Publisher{
		bus:         b,
		synthesizer: synthesizer,
		topic:       bus.TopicResponseStream,
		logger:      logger,
	}
}

// Publish synthesizes one segment and publishes it. Synthesis failures wrap
// ErrSynthesis and nothing is published for the segment.
func (p *Publisher) Publish(ctx context.Context, turnID string, seg TextSegment) error {
	pcm, err := p.synthesizer.Synthesize(ctx, seg.Content)
	if err != nil {
		return fmt.Errorf("%w: segment %d: %v", ErrSynthesis, seg.SequenceID, err)
	}
	if len(pcm) == 0 {
		return fmt.Errorf("%w: segment %d: empty audio", ErrSynthesis, seg.SequenceID)
	}

	payload, err := AudioSegmentMessage{
		IsFinal:   seg.IsFinal,
		AudioData: pcm,
		Text:      seg.Content,
		SegmentID: seg.SequenceID,
		TurnID:    turnID,
	}.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode segment %d: %w", seg.SequenceID, err)
	}

	return p.bus.Publish(ctx, p.topic, payload)
}

// Run publishes segments in arrival order until segs is closed. A failed
// segment is logged and skipped; the rest of the reply still goes out. When
// the final segment is skipped an empty final message still ends the reply.
func (p *Publisher) Run(ctx context.Context, turnID string, segs <-chan TextSegment) PublishStats {
	var stats PublishStats
	for seg := range segs {
		log := p.logger.With().Int("segment_id", seg.SequenceID).Bool("is_final", seg.IsFinal).Logger()

		err := p.Publish(ctx, turnID, seg)
		switch {
		case err == nil:
			stats.Published++
			stats.Final = stats.Final || seg.IsFinal
			observability.SegmentPublished("published")
			log.Debug().Str("text", seg.Content).Msg("Segment published")
		case errors.Is(err, ErrSynthesis):
			stats.Skipped++
			observability.SegmentPublished("skipped")
			observability.RecordError("synthesis", "publisher")
			log.Warn().Err(err).Str("text", seg.Content).Msg("Skipping segment")
			if seg.IsFinal {
				if err := p.endReply(ctx, turnID, seg.SequenceID); err != nil {
					stats.Failed++
					observability.RecordError("transport", "publisher")
					log.Error().Err(err).Msg("Failed to publish end of reply")
					continue
				}
				stats.Final = true
			}
		default:
			stats.Failed++
			observability.SegmentPublished("failed")
			observability.RecordError("transport", "publisher")
			log.Error().Err(err).Msg("Failed to publish segment")
		}
	}
	return stats
}

// endReply closes a reply whose final segment has no audio. The marker
// carries the final id so listeners waiting on it can finish.
func (p *Publisher) endReply(ctx context.Context, turnID string, id int) error {
	payload, err := AudioSegmentMessage{IsFinal: true, SegmentID: id, TurnID: turnID}.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode end of reply: %w", err)
	}
	return p.bus.Publish(ctx, p.topic, payload)
}
