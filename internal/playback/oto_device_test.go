package playback

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-assistant/internal/audio"
)

// newRingOnlyDevice builds the ring side of an OtoDevice without a speaker
func newRingOnlyDevice(size int, drain time.Duration) *OtoDevice {
	d := &OtoDevice{ring: audio.NewRingBuffer(size), drainTimeout: drain, open: true}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func TestRingReader_PadsWithSilence(t *testing.T) {
	d := newRingOnlyDevice(16, time.Second)
	d.ring.Write([]byte{1, 2, 3})

	p := []byte{9, 9, 9, 9, 9, 9}
	n, err := (&ringReader{d: d}).Read(p)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0}, p)
}

func TestRingReader_EOFWhenClosed(t *testing.T) {
	d := newRingOnlyDevice(16, time.Second)
	d.open = false

	n, err := (&ringReader{d: d}).Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOtoDevice_WriteWaitsForReader(t *testing.T) {
	d := newRingOnlyDevice(4, time.Second)
	r := &ringReader{d: d}

	var got []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2)
		for len(got) < 10 {
			time.Sleep(time.Millisecond)
			d.mu.Lock()
			avail := d.ring.Available()
			d.mu.Unlock()
			if avail == 0 {
				continue
			}
			n, _ := r.Read(buf[:min(avail, 2)])
			got = append(got, buf[:n]...)
		}
	}()

	require.NoError(t, d.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}))
	<-done
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestOtoDevice_WriteStalls(t *testing.T) {
	d := newRingOnlyDevice(2, 30*time.Millisecond)
	err := d.Write([]byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrDevice)
}

func TestOtoDevice_WriteRequiresStart(t *testing.T) {
	d := newRingOnlyDevice(2, time.Second)
	d.open = false
	assert.ErrorIs(t, d.Write([]byte{1}), ErrDevice)
	assert.False(t, d.Active())
	assert.NoError(t, d.Close())
}
