package playback

import (
	"fmt"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/segment"
)

// BufferConfig controls segment shaping and reordering
type BufferConfig struct {
	Format     audio.Format
	Fade       time.Duration // sine-squared fade at each segment edge
	PadFrames  int           // silence written before and after each segment
	GapTimeout time.Duration // how long a missing id may hold back later segments
}

// DefaultBufferConfig returns 25 ms fades, two 1024-frame pads and a 2 s gap timeout
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Format:     audio.DefaultFormat(),
		Fade:       25 * time.Millisecond,
		PadFrames:  2 * 1024,
		GapTimeout: 2 * time.Second,
	}
}

// BufferConfigFrom reads the playback settings from cfg
func BufferConfigFrom(cfg *config.Config) BufferConfig {
	return BufferConfig{
		Format:     audio.DefaultFormat(),
		Fade:       cfg.PlaybackFade(),
		PadFrames:  cfg.PlaybackPadChunks * cfg.AudioChunkFrames,
		GapTimeout: cfg.PlaybackGapTimeout(),
	}
}

const maxDoneTurns = 8

type pendingSegment struct {
	pcm     []byte
	text    string
	isFinal bool
}

// Buffer renders streamed reply segments in id order, each at most once.
// All methods are safe for concurrent use; device writes are serialized.
type Buffer struct {
	device Device
	cfg    BufferConfig
	logger zerolog.Logger

	mu        sync.Mutex
	delivered map[int]struct{}
	pending   map[int]pendingSegment
	seen      map[int]uint64 // fingerprints of accepted ids, pending or rendered
	next      int
	turnID    string

	// Recently finished replies, to recognize their late duplicates
	doneTurns []string
	doneIDs   map[int]uint64

	gapTimer *time.Timer
	gapGen   int
	gapFor   int

	onClosed func()
}

// NewBuffer creates a buffer writing to device
func NewBuffer(device Device, cfg BufferConfig, logger zerolog.Logger) *Buffer {
	b := &Buffer{
		device: device,
		cfg:    cfg,
		logger: logger,
	}
	b.resetLocked()
	return b
}

// SetCloseHandler registers fn to run after each reply has been closed
func (b *Buffer) SetCloseHandler(fn func()) {
	b.mu.Lock()
	b.onClosed = fn
	b.mu.Unlock()
}

// OnSegment accepts one message from voice/response/stream
func (b *Buffer) OnSegment(msg segment.AudioSegmentMessage) {
	b.mu.Lock()
	closed := b.onSegmentLocked(msg)
	onClosed := b.onClosed
	b.mu.Unlock()

	if closed && onClosed != nil {
		onClosed()
	}
}

// OnClose ends the current reply: the device is released and all reply state cleared
func (b *Buffer) OnClose() {
	b.mu.Lock()
	b.closeLocked()
	onClosed := b.onClosed
	b.mu.Unlock()

	if onClosed != nil {
		onClosed()
	}
}

func (b *Buffer) onSegmentLocked(msg segment.AudioSegmentMessage) bool {
	id := msg.SegmentID
	fp := fingerprint(msg)
	log := b.logger.With().Int("segment_id", id).Str("turn_id", msg.TurnID).Logger()

	if b.isLateDuplicate(msg, fp) {
		observability.PlaybackEvent("late_duplicate")
		log.Debug().Msg("Dropping segment of a finished reply")
		return false
	}
	if b.startsNewReply(msg, fp) {
		log.Info().Str("previous_turn", b.turnID).Msg("New reply started before the previous one finished")
		observability.PlaybackEvent("reply_superseded")
		b.stopGapLocked()
		b.rememberLocked()
		b.resetLocked()
	}
	if msg.TurnID != "" {
		b.turnID = msg.TurnID
	}

	if _, ok := b.delivered[id]; ok {
		observability.PlaybackEvent("duplicate")
		log.Debug().Msg("Duplicate segment ignored")
		return false
	}
	if _, ok := b.pending[id]; ok {
		observability.PlaybackEvent("duplicate")
		log.Debug().Msg("Duplicate pending segment ignored")
		return false
	}
	if id < b.next {
		observability.PlaybackEvent("late")
		log.Warn().Int("next", b.next).Msg("Segment arrived after its gap was skipped")
		return false
	}

	pcm, format, err := audio.DecodePayload(msg.AudioData)
	if err != nil {
		// Keep the slot so later segments are not held back by it
		log.Warn().Err(err).Msg("Undecodable segment audio, playing nothing for it")
		pcm = nil
	} else if format != b.cfg.Format {
		log.Warn().Interface("format", format).Msg("Segment format differs from the output device")
	}

	b.pending[id] = pendingSegment{pcm: pcm, text: msg.Text, isFinal: msg.IsFinal}
	b.seen[id] = fp

	return b.flushLocked()
}

// flushLocked renders consecutive pending segments. It reports whether the reply closed.
func (b *Buffer) flushLocked() bool {
	for {
		seg, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)

		b.render(b.next, seg)
		b.delivered[b.next] = struct{}{}

		if seg.isFinal {
			b.closeLocked()
			return true
		}
		b.next++
	}

	if len(b.pending) > 0 {
		b.armGapLocked()
	} else {
		b.stopGapLocked()
	}
	return false
}

func (b *Buffer) render(id int, seg pendingSegment) {
	log := b.logger.With().Int("segment_id", id).Logger()

	if len(seg.pcm) == 0 {
		observability.PlaybackEvent("empty")
		return
	}

	if !b.device.Active() {
		if err := b.device.Start(); err != nil {
			observability.PlaybackEvent("device_error")
			observability.RecordError("playback", "buffer")
			log.Error().Err(err).Msg("Failed to start output device, segment lost")
			return
		}
	}

	samples := audio.BytesToSamples(seg.pcm)
	audio.ApplyFade(samples, audio.FadeLength(b.cfg.Fade, b.cfg.Format.SampleRate, len(samples)))

	pad := audio.Silence(b.cfg.Format, b.cfg.PadFrames)
	out := make([]byte, 0, len(pad)*2+len(seg.pcm))
	out = append(out, pad...)
	out = append(out, audio.SamplesToBytes(samples)...)
	out = append(out, pad...)

	if err := b.device.Write(out); err != nil {
		observability.PlaybackEvent("device_error")
		observability.RecordError("playback", "buffer")
		log.Warn().Err(err).Msg("Output device failed, recreating stream")
		b.restartDevice()
		return
	}

	observability.PlaybackEvent("rendered")
	observability.RecordAudioBytes("played", int64(len(seg.pcm)))
	log.Debug().Str("text", seg.text).Dur("audio", b.cfg.Format.Duration(len(seg.pcm))).Msg("Segment rendered")
}

func (b *Buffer) restartDevice() {
	if err := b.device.Close(); err != nil {
		b.logger.Debug().Err(err).Msg("Closing failed output device")
	}
	if err := b.device.Start(); err != nil {
		b.logger.Error().Err(err).Msg("Failed to recreate output device")
		return
	}
	observability.PlaybackEvent("device_restart")
}

func (b *Buffer) closeLocked() {
	b.stopGapLocked()
	if b.device.Active() {
		if err := b.device.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to close output device")
		}
	}

	b.rememberLocked()
	b.logger.Debug().Str("turn_id", b.turnID).Int("segments", len(b.delivered)).Msg("Reply playback closed")
	observability.PlaybackEvent("closed")
	b.resetLocked()
}

func (b *Buffer) resetLocked() {
	b.delivered = make(map[int]struct{})
	b.pending = make(map[int]pendingSegment)
	b.seen = make(map[int]uint64)
	b.next = 1
	b.turnID = ""
}

// rememberLocked records the current reply as finished
func (b *Buffer) rememberLocked() {
	if len(b.seen) == 0 {
		return
	}
	b.doneIDs = b.seen
	if b.turnID != "" {
		b.doneTurns = append(b.doneTurns, b.turnID)
		if len(b.doneTurns) > maxDoneTurns {
			b.doneTurns = b.doneTurns[1:]
		}
	}
}

// isLateDuplicate recognizes a redelivered segment of a finished reply
func (b *Buffer) isLateDuplicate(msg segment.AudioSegmentMessage, fp uint64) bool {
	if msg.TurnID != "" {
		return slices.Contains(b.doneTurns, msg.TurnID)
	}
	prev, ok := b.doneIDs[msg.SegmentID]
	return ok && prev == fp
}

// startsNewReply detects a reply that begins while another is still open:
// a different turn id, or without turn ids a different segment 1.
func (b *Buffer) startsNewReply(msg segment.AudioSegmentMessage, fp uint64) bool {
	if len(b.seen) == 0 {
		return false
	}
	if msg.TurnID != "" && b.turnID != "" {
		return msg.TurnID != b.turnID
	}
	if msg.SegmentID != 1 {
		return false
	}
	prev, ok := b.seen[1]
	return ok && prev != fp
}

func (b *Buffer) armGapLocked() {
	if b.gapTimer != nil && b.gapFor == b.next {
		return
	}
	b.stopGapLocked()

	b.gapGen++
	gen := b.gapGen
	b.gapFor = b.next
	b.gapTimer = time.AfterFunc(b.cfg.GapTimeout, func() { b.skipGap(gen) })
}

func (b *Buffer) stopGapLocked() {
	if b.gapTimer != nil {
		b.gapTimer.Stop()
		b.gapTimer = nil
	}
	b.gapGen++
}

// skipGap gives up on the missing id once the gap timeout has passed
func (b *Buffer) skipGap(gen int) {
	b.mu.Lock()
	if gen != b.gapGen || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.gapTimer = nil

	ids := make([]int, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	b.logger.Warn().
		Int("missing_from", b.next).
		Int("missing_to", ids[0]-1).
		Dur("waited", b.cfg.GapTimeout).
		Msg("Skipping missing segments")
	observability.PlaybackEvent("gap_skipped")

	b.next = ids[0]
	closed := b.flushLocked()
	onClosed := b.onClosed
	b.mu.Unlock()

	if closed && onClosed != nil {
		onClosed()
	}
}

func fingerprint(msg segment.AudioSegmentMessage) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(msg.Text))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(msg.AudioData)
	return h.Sum64()
}

// String describes the reply position for logs
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("turn=%q next=%d pending=%d delivered=%d", b.turnID, b.next, len(b.pending), len(b.delivered))
}
