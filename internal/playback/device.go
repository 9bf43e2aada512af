package playback

import "errors"

// ErrDevice wraps output device failures
var ErrDevice = errors.New("playback device error")

// Device is an audio output stream for raw PCM in the fixed profile
type Device interface {
	// Start (re)creates the output stream
	Start() error
	// Write blocks until pcm has been handed to the stream
	Write(pcm []byte) error
	// Close drains queued audio and releases the stream
	Close() error
	// Active reports whether a started stream is open
	Active() bool
}
