package audio

import (
	"math"
	"time"
)

// FadeLength converts a fade duration into samples, capped at half the clip
// so the fade-in and fade-out never overlap.
func FadeLength(d time.Duration, sampleRate, totalSamples int) int {
	n := int(d * time.Duration(sampleRate) / time.Second)
	if n > totalSamples/2 {
		n = totalSamples / 2
	}
	if n < 0 {
		return 0
	}
	return n
}

// ApplyFade applies a sine-squared fade-in over the first n samples and a
// mirrored fade-out over the last n samples, in place.
func ApplyFade(samples []int16, n int) {
	if n <= 0 || len(samples) == 0 {
		return
	}
	if n > len(samples)/2 {
		n = len(samples) / 2
	}

	last := len(samples) - 1
	for i := 0; i < n; i++ {
		s := math.Sin(math.Pi / 2 * float64(i) / float64(n))
		gain := s * s
		samples[i] = int16(math.Round(float64(samples[i]) * gain))
		samples[last-i] = int16(math.Round(float64(samples[last-i]) * gain))
	}
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
