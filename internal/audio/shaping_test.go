package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func constantSamples(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestFadeLength(t *testing.T) {
	assert.Equal(t, 400, FadeLength(25*time.Millisecond, 16000, 16000))
	assert.Equal(t, 50, FadeLength(25*time.Millisecond, 16000, 100), "capped at half the clip")
	assert.Equal(t, 0, FadeLength(0, 16000, 16000))
}

func TestApplyFade_Shape(t *testing.T) {
	samples := constantSamples(2000, 10000)
	ApplyFade(samples, 400)

	assert.Equal(t, int16(0), samples[0], "fade-in starts from silence")
	assert.Equal(t, int16(0), samples[len(samples)-1], "fade-out ends in silence")
	assert.Equal(t, int16(5000), samples[200], "sin^2 at the midpoint is one half")
	assert.Equal(t, int16(10000), samples[1000], "middle is untouched")

	for i := 1; i < 400; i++ {
		assert.GreaterOrEqual(t, samples[i], samples[i-1], "fade-in is monotonic at %d", i)
	}
	assert.Equal(t, samples[10], samples[len(samples)-1-10], "fade-out mirrors fade-in")
}

func TestApplyFade_ShortClip(t *testing.T) {
	samples := constantSamples(3, 1000)
	ApplyFade(samples, 400)
	assert.Equal(t, int16(0), samples[0])
	assert.Equal(t, int16(1000), samples[1])
	assert.Equal(t, int16(0), samples[2])

	ApplyFade(nil, 10)
}

func TestApplyFade_NeverAmplifies(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		samples := rapid.SliceOfN(rapid.Int16(), 1, 2000).Draw(rt, "samples")
		n := rapid.IntRange(0, 1000).Draw(rt, "fade")

		faded := append([]int16(nil), samples...)
		ApplyFade(faded, n)

		for i := range samples {
			in, out := int(samples[i]), int(faded[i])
			if in < 0 {
				in, out = -in, -out
			}
			if out < 0 || out > in {
				rt.Fatalf("sample %d: %d faded to %d", i, samples[i], faded[i])
			}
		}
	})
}

func TestCalculateRMS(t *testing.T) {
	assert.InDelta(t, 1581.14, CalculateRMS([]int16{1000, -1000, 2000, -2000}), 0.01)
	assert.Zero(t, CalculateRMS(nil))
}
