package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func chunkAt(level int16) []byte {
	s := make([]int16, 1024)
	for i := range s {
		if i%2 == 0 {
			s[i] = level
		} else {
			s[i] = -level
		}
	}
	return SamplesToBytes(s)
}

func TestVADDetector_SpeechThenSilence(t *testing.T) {
	vad := NewVADDetector(VADConfig{EnergyThreshold: 500, SilenceChunks: 3})

	assert.Equal(t, VADSpeechStarted, vad.Process(chunkAt(4000)))
	assert.Equal(t, VADNone, vad.Process(chunkAt(4000)))
	assert.True(t, vad.Speaking())

	assert.Equal(t, VADNone, vad.Process(chunkAt(0)))
	assert.Equal(t, VADNone, vad.Process(chunkAt(0)))
	assert.Equal(t, VADSpeechEnded, vad.Process(chunkAt(0)))
	assert.False(t, vad.Speaking())

	assert.Equal(t, VADNone, vad.Process(chunkAt(0)), "no second end without new speech")
}

func TestVADDetector_LeadingSilenceNeverEnds(t *testing.T) {
	vad := NewVADDetector(VADConfig{EnergyThreshold: 500, SilenceChunks: 2})
	for i := 0; i < 20; i++ {
		assert.Equal(t, VADNone, vad.Process(chunkAt(10)), "chunk %d", i)
	}
	assert.False(t, vad.Speaking())
}

func TestVADDetector_SpeechResetsSilenceCount(t *testing.T) {
	vad := NewVADDetector(VADConfig{EnergyThreshold: 500, SilenceChunks: 2})

	vad.Process(chunkAt(4000))
	assert.Equal(t, VADNone, vad.Process(chunkAt(0)))
	assert.Equal(t, VADNone, vad.Process(chunkAt(4000)), "a pause shorter than the window")
	assert.Equal(t, VADNone, vad.Process(chunkAt(0)))
	assert.Equal(t, VADSpeechEnded, vad.Process(chunkAt(0)))
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(VADConfig{EnergyThreshold: 500, SilenceChunks: 2})
	vad.Process(chunkAt(4000))
	vad.Reset()

	assert.False(t, vad.Speaking())
	assert.Equal(t, VADNone, vad.Process(chunkAt(0)))
	assert.Equal(t, VADSpeechStarted, vad.Process(chunkAt(4000)))
}

func TestNewVADDetector_ClampsWindow(t *testing.T) {
	vad := NewVADDetector(VADConfig{EnergyThreshold: 500})
	vad.Process(chunkAt(4000))
	assert.Equal(t, VADSpeechEnded, vad.Process(chunkAt(0)))
}

func TestDefaultVADConfig(t *testing.T) {
	cfg := DefaultVADConfig()
	assert.Equal(t, 500.0, cfg.EnergyThreshold)
	assert.Equal(t, 15, cfg.SilenceChunks)
}

func TestVADEvent_String(t *testing.T) {
	assert.Equal(t, "none", VADNone.String())
	assert.Equal(t, "speech_started", VADSpeechStarted.String())
	assert.Equal(t, "speech_ended", VADSpeechEnded.String())
}
