package segment

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
)

// SegmenterConfig holds the boundary thresholds, counted in characters (runes)
type SegmenterConfig struct {
	MinChars       int    // Shortest segment that may end at a terminator
	PreferredChars int    // Preferred length for a terminator cut
	MaxChars       int    // Hard cap, cut regardless of punctuation
	Terminators    string // Sentence-ending punctuation
}

// DefaultSegmenterConfig returns the 20/50/100 thresholds
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		MinChars:       20,
		PreferredChars: 50,
		MaxChars:       100,
		Terminators:    "。！？.!?",
	}
}

// ConfigFrom reads the segmentation settings from cfg
func ConfigFrom(cfg *config.Config) SegmenterConfig {
	return SegmenterConfig{
		MinChars:       cfg.SegmentMinChars,
		PreferredChars: cfg.SegmentPreferredChars,
		MaxChars:       cfg.SegmentMaxChars,
		Terminators:    cfg.SegmentTerminators,
	}
}

// TextSegment is one synthesizable slice of a reply
type TextSegment struct {
	SequenceID int
	Content    string
	IsFinal    bool
}

// Segmenter cuts a reply's text fragments into segments. It is single-pass
// and never looks past the buffered text. One Segmenter serves one reply at a
// time; Finish resets it for the next.
//
// A cut segment is held back until more text arrives so the final flag can be
// set on it when the reply turns out to end exactly at the cut.
type Segmenter struct {
	cfg    SegmenterConfig
	buf    strings.Builder
	chars  int
	nextID int
	held   *TextSegment
}

// NewSegmenter creates a segmenter for cfg
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg, nextID: 1}
}

// Push appends a fragment and returns the segments that are now ready
func (s *Segmenter) Push(fragment string) []TextSegment {
	if fragment == "" {
		return nil
	}

	s.buf.WriteString(fragment)
	s.chars += utf8.RuneCountInString(fragment)

	var out []TextSegment
	if s.held != nil {
		if strings.TrimSpace(s.buf.String()) == "" {
			return nil
		}
		out = append(out, *s.held)
		s.held = nil
	}

	if rule := s.boundary(); rule != "" {
		observability.SegmentCut(rule)
		s.held = &TextSegment{SequenceID: s.nextID, Content: s.buf.String()}
		s.nextID++
		s.buf.Reset()
		s.chars = 0
	}
	return out
}

// Finish ends the reply. The last returned segment carries IsFinal.
func (s *Segmenter) Finish() []TextSegment {
	defer s.reset()

	rest := s.buf.String()
	if strings.TrimSpace(rest) == "" {
		if s.held == nil {
			return nil
		}
		last := *s.held
		last.IsFinal = true
		return []TextSegment{last}
	}

	var out []TextSegment
	if s.held != nil {
		out = append(out, *s.held)
	}
	observability.SegmentCut("end_of_stream")
	return append(out, TextSegment{SequenceID: s.nextID, Content: rest, IsFinal: true})
}

func (s *Segmenter) reset() {
	s.buf.Reset()
	s.chars = 0
	s.nextID = 1
	s.held = nil
}

// boundary returns the name of the first rule that cuts the buffer, or ""
func (s *Segmenter) boundary() string {
	switch {
	case s.chars >= s.cfg.MaxChars:
		return "max_length"
	case s.chars >= s.cfg.PreferredChars && s.endsSentence():
		return "preferred_length"
	case s.chars >= s.cfg.MinChars && s.endsSentence():
		return "min_length"
	}
	return ""
}

// endsSentence ignores trailing whitespace so "好。 " still ends a sentence
func (s *Segmenter) endsSentence() bool {
	text := strings.TrimRightFunc(s.buf.String(), unicode.IsSpace)
	last, size := utf8.DecodeLastRuneInString(text)
	if size == 0 {
		return false
	}
	return strings.ContainsRune(s.cfg.Terminators, last)
}

// Segment runs a fresh reply over fragments. The output channel is closed
// after the final segment, or early if ctx is done.
func Segment(ctx context.Context, cfg SegmenterConfig, fragments <-chan string) <-chan TextSegment {
	out := make(chan TextSegment, 8)
	go func() {
		defer close(out)
		s := NewSegmenter(cfg)

		send := func(segs []TextSegment) bool {
			for _, seg := range segs {
				select {
				case out <- seg:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-fragments:
				if !ok {
					send(s.Finish())
					return
				}
				if !send(s.Push(fragment)) {
					return
				}
			}
		}
	}()
	return out
}
