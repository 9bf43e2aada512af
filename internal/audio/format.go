package audio

import (
	"encoding/binary"
	"time"
)

// Fixed PCM profile shared by the client and the agent
const (
	SampleRate     = 16000
	Channels       = 1
	BitDepth       = 16
	BytesPerSample = BitDepth / 8
)

// Format describes raw PCM framing
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat returns the fixed mono 16-bit 16 kHz profile
func DefaultFormat() Format {
	return Format{SampleRate: SampleRate, Channels: Channels, BitDepth: BitDepth}
}

// FrameBytes is the size of one frame (one sample per channel)
func (f Format) FrameBytes() int {
	return f.Channels * f.BitDepth / 8
}

// ByteRate is the number of bytes per second of audio
func (f Format) ByteRate() int {
	return f.SampleRate * f.FrameBytes()
}

// Duration returns how long n bytes of audio play for
func (f Format) Duration(n int) time.Duration {
	if f.ByteRate() == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(f.ByteRate())
}

// Frames converts a duration into a whole number of frames
func (f Format) Frames(d time.Duration) int {
	return int(d * time.Duration(f.SampleRate) / time.Second)
}

// BytesToSamples converts little-endian 16-bit PCM into samples. A trailing odd byte is dropped.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes converts samples into little-endian 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// Silence returns frames frames of zeroed PCM in format f
func Silence(f Format, frames int) []byte {
	if frames <= 0 {
		return nil
	}
	return make([]byte, frames*f.FrameBytes())
}
