package segment

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func run(fragments ...string) []TextSegment {
	s := NewSegmenter(DefaultSegmenterConfig())
	var out []TextSegment
	for _, f := range fragments {
		out = append(out, s.Push(f)...)
	}
	return append(out, s.Finish()...)
}

func chars(s string) []string {
	var out []string
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func TestSegmenter_ShortReplyFlushesOnlyAtEnd(t *testing.T) {
	s := NewSegmenter(DefaultSegmenterConfig())
	for _, f := range chars("hello there") {
		assert.Empty(t, s.Push(f))
	}

	out := s.Finish()
	require.Len(t, out, 1)
	assert.Equal(t, TextSegment{SequenceID: 1, Content: "hello there", IsFinal: true}, out[0])
}

func TestSegmenter_ShortSentenceNotCut(t *testing.T) {
	s := NewSegmenter(DefaultSegmenterConfig())
	assert.Empty(t, s.Push("今天天气很好。"))

	out := s.Finish()
	require.Len(t, out, 1)
	assert.Equal(t, "今天天气很好。", out[0].Content)
	assert.True(t, out[0].IsFinal)
}

func TestSegmenter_HardCapAtMaxChars(t *testing.T) {
	text := strings.Repeat("a", 120)
	out := run(chars(text)...)

	require.Len(t, out, 2)
	assert.Equal(t, strings.Repeat("a", 100), out[0].Content, "cut as soon as the buffer reaches 100")
	assert.False(t, out[0].IsFinal)
	assert.Equal(t, strings.Repeat("a", 20), out[1].Content)
	assert.True(t, out[1].IsFinal)
}

func TestSegmenter_HeldCutReleasedByNextFragment(t *testing.T) {
	s := NewSegmenter(DefaultSegmenterConfig())
	assert.Empty(t, s.Push(strings.Repeat("a", 100)))

	out := s.Push("b")
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].SequenceID)
	assert.Len(t, out[0].Content, 100)
}

func TestSegmenter_Rules(t *testing.T) {
	tests := []struct {
		name      string
		fragments []string
		want      []string
	}{
		{
			name:      "min length at terminator",
			fragments: []string{"Sure, turning it on", " now.", " Anything else?"},
			want:      []string{"Sure, turning it on now.", " Anything else?"},
		},
		{
			name:      "terminator too early",
			fragments: []string{"Hi.", " How can I help you today?"},
			want:      []string{"Hi. How can I help you today?"},
		},
		{
			name:      "chinese terminators",
			fragments: []string{"好的，我已经为你打开了客厅的灯，还有什么需要吗？", "没有了"},
			want:      []string{"好的，我已经为你打开了客厅的灯，还有什么需要吗？", "没有了"},
		},
		{
			name:      "trailing space after terminator",
			fragments: []string{"The weather today is sunny. ", "Enjoy"},
			want:      []string{"The weather today is sunny. ", "Enjoy"},
		},
		{
			name:      "whole reply in one fragment",
			fragments: []string{"One. Two. Three. Four. Five. Six."},
			want:      []string{"One. Two. Three. Four. Five. Six."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := run(tt.fragments...)
			var got []string
			for _, seg := range out {
				got = append(got, seg.Content)
			}
			assert.Equal(t, tt.want, got)
			assert.True(t, out[len(out)-1].IsFinal)
		})
	}
}

func TestSegmenter_PreferredBeforeMinimum(t *testing.T) {
	cfg := SegmenterConfig{MinChars: 5, PreferredChars: 10, MaxChars: 100, Terminators: "."}
	s := NewSegmenter(cfg)

	// Rules 2 and 3 both match here
	assert.Empty(t, s.Push("abcdefghij."))
	out := s.Finish()
	require.Len(t, out, 1)
	assert.Equal(t, "abcdefghij.", out[0].Content)
}

func TestSegmenter_ReplyEndingAtCutIsFinal(t *testing.T) {
	out := run("Sure, turning it on now.")
	require.Len(t, out, 1)
	assert.Equal(t, TextSegment{SequenceID: 1, Content: "Sure, turning it on now.", IsFinal: true}, out[0])
}

func TestSegmenter_EmptyAndWhitespaceReplies(t *testing.T) {
	assert.Empty(t, run())
	assert.Empty(t, run("", "  \n"))

	out := run("Sure, turning it on now.", " ")
	require.Len(t, out, 1)
	assert.True(t, out[0].IsFinal)
}

func TestSegmenter_IDsRestartPerReply(t *testing.T) {
	s := NewSegmenter(DefaultSegmenterConfig())
	s.Push(strings.Repeat("x", 100))
	s.Push("y")
	first := s.Finish()
	require.Len(t, first, 1)
	assert.Equal(t, 2, first[0].SequenceID)

	s.Push("again")
	second := s.Finish()
	require.Len(t, second, 1)
	assert.Equal(t, 1, second[0].SequenceID)
}

func TestSegmenter_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		alphabet := rapid.SampledFrom([]string{"a", "b", " ", "。", "！", ".", "?", "字", "ab", "cd.", "很好。"})
		fragments := rapid.SliceOfN(
			rapid.Custom(func(t *rapid.T) string {
				parts := rapid.SliceOfN(alphabet, 0, 40).Draw(t, "parts")
				return strings.Join(parts, "")
			}), 0, 30).Draw(rt, "fragments")

		out := run(fragments...)
		joined := strings.Join(fragments, "")

		if strings.TrimSpace(joined) == "" {
			if len(out) != 0 {
				rt.Fatalf("blank reply produced %d segments", len(out))
			}
			return
		}
		if len(out) == 0 {
			rt.Fatalf("non-empty reply produced no segments")
		}

		var rebuilt strings.Builder
		for i, seg := range out {
			if seg.SequenceID != i+1 {
				rt.Fatalf("segment %d has id %d", i, seg.SequenceID)
			}
			if seg.IsFinal != (i == len(out)-1) {
				rt.Fatalf("segment %d final=%v of %d", i, seg.IsFinal, len(out))
			}
			if !seg.IsFinal && utf8.RuneCountInString(seg.Content) < 20 {
				rt.Fatalf("non-final segment %q shorter than the minimum", seg.Content)
			}
			rebuilt.WriteString(seg.Content)
		}
		if !strings.HasPrefix(joined, rebuilt.String()) || strings.TrimSpace(joined[rebuilt.Len():]) != "" {
			rt.Fatalf("segments %q do not cover reply %q", rebuilt.String(), joined)
		}
	})
}

func TestSegment_Channel(t *testing.T) {
	fragments := make(chan string, 4)
	for _, f := range []string{strings.Repeat("好", 60), "。", "end"} {
		fragments <- f
	}
	close(fragments)

	var got []TextSegment
	for seg := range Segment(context.Background(), DefaultSegmenterConfig(), fragments) {
		got = append(got, seg)
	}

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].SequenceID)
	assert.Equal(t, 61, utf8.RuneCountInString(got[0].Content))
	assert.Equal(t, TextSegment{SequenceID: 2, Content: "end", IsFinal: true}, got[1])
}

func TestSegment_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fragments := make(chan string)
	out := Segment(ctx, DefaultSegmenterConfig(), fragments)

	cancel()
	for range out {
	}
}
