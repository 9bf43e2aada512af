package playback

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/lexiqai/voice-assistant/internal/audio"
)

// OtoDevice plays PCM through the system speaker. Writes go into a ring
// buffer that the oto player drains from its own goroutine, so Write blocks
// only while the ring is full.
//
// Lock order: playerMu may be held while taking mu, never the reverse, and
// no player method is called with mu held since the player calls back into
// Read under its own lock.
type OtoDevice struct {
	otoCtx       *oto.Context
	drainTimeout time.Duration

	playerMu sync.Mutex
	player   *oto.Player

	mu   sync.Mutex
	cond *sync.Cond
	ring *audio.RingBuffer
	open bool
}

// NewOtoDevice opens the audio output. oto allows a single context per
// process, so create one device and restart it rather than making another.
func NewOtoDevice(format audio.Format, drainTimeout time.Duration) (*OtoDevice, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to init speaker: %v", ErrDevice, err)
	}
	<-ready

	d := &OtoDevice{
		otoCtx:       otoCtx,
		drainTimeout: drainTimeout,
		// Half a second of audio between writer and player
		ring: audio.NewRingBuffer(format.ByteRate() / 2),
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Start creates a fresh player reading from the ring buffer
func (d *OtoDevice) Start() error {
	d.playerMu.Lock()
	defer d.playerMu.Unlock()

	if d.player != nil {
		return nil
	}
	if err := d.otoCtx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}

	d.mu.Lock()
	d.ring.Clear()
	d.open = true
	d.mu.Unlock()

	d.player = d.otoCtx.NewPlayer(&ringReader{d: d})
	d.player.Play()
	return nil
}

// Write blocks until all of pcm is queued for the player
func (d *OtoDevice) Write(pcm []byte) error {
	for len(pcm) > 0 {
		if err := d.playerErr(); err != nil {
			return fmt.Errorf("%w: %v", ErrDevice, err)
		}

		d.mu.Lock()
		if !d.open {
			d.mu.Unlock()
			return fmt.Errorf("%w: stream not started", ErrDevice)
		}
		n := d.ring.Write(pcm)
		progressed := n > 0 || d.waitLocked(d.drainTimeout)
		d.mu.Unlock()

		if !progressed {
			return fmt.Errorf("%w: player stalled", ErrDevice)
		}
		pcm = pcm[n:]
	}
	return nil
}

// Close waits for queued audio to play out, bounded by the drain timeout, then releases the player
func (d *OtoDevice) Close() error {
	d.playerMu.Lock()
	defer d.playerMu.Unlock()

	p := d.player
	if p == nil {
		return nil
	}

	deadline := time.Now().Add(d.drainTimeout)
	for p.Err() == nil && time.Now().Before(deadline) {
		d.mu.Lock()
		empty := d.ring.IsEmpty()
		d.mu.Unlock()
		if empty && p.BufferedSize() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	d.mu.Lock()
	d.open = false
	d.ring.Clear()
	d.cond.Broadcast()
	d.mu.Unlock()

	d.player = nil
	if err := p.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}
	return nil
}

func (d *OtoDevice) Active() bool {
	d.playerMu.Lock()
	defer d.playerMu.Unlock()
	return d.player != nil
}

func (d *OtoDevice) playerErr() error {
	d.playerMu.Lock()
	defer d.playerMu.Unlock()
	if d.player == nil {
		return nil
	}
	return d.player.Err()
}

// waitLocked waits for the reader to take data from the ring. It reports
// false if nothing was read within timeout.
func (d *OtoDevice) waitLocked(timeout time.Duration) bool {
	before := d.ring.Available()
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer timer.Stop()

	for d.open && d.ring.Available() >= before {
		if !time.Now().Before(deadline) {
			return false
		}
		d.cond.Wait()
	}
	return d.open
}

// ringReader feeds the oto player. It never blocks: an empty ring plays as
// silence so the stream stays primed between segments.
type ringReader struct {
	d *OtoDevice
}

func (r *ringReader) Read(p []byte) (int, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()

	if !r.d.open {
		return 0, io.EOF
	}

	n := r.d.ring.Read(p)
	clear(p[n:])
	r.d.cond.Broadcast()
	return len(p), nil
}
