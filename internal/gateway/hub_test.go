package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-assistant/internal/bus"
)

type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (r *recorder) handle(topic string, payload []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, payload)
	r.mu.Unlock()
}

func (r *recorder) list() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.msgs...)
}

func newTestHub(t *testing.T) (*Hub, *bus.MemoryBus, string) {
	t.Helper()
	b := bus.NewMemoryBus()
	hub := NewHub(b, zerolog.Nop())
	require.NoError(t, hub.Subscribe(context.Background()))

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_PublishesAudioAndEndOfStream(t *testing.T) {
	hub, b, url := newTestHub(t)
	var stream recorder
	require.NoError(t, b.Subscribe(context.Background(), bus.TopicStream, stream.handle))

	conn := dial(t, url)
	assert.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(bus.EndOfStream)))

	assert.Eventually(t, func() bool { return len(stream.list()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := stream.list()
	assert.Equal(t, []byte{1, 2, 3, 4}, msgs[0])
	assert.True(t, bus.IsEndOfStream(msgs[1]))
}

func TestHub_FansOutReplies(t *testing.T) {
	hub, b, url := newTestHub(t)
	first := dial(t, url)
	second := dial(t, url)
	assert.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	segment := []byte(`{"is_final":true,"audio_data":"AAE=","text":"hi","segment_id":1}`)
	require.NoError(t, b.Publish(context.Background(), bus.TopicResponseStream, segment))
	require.NoError(t, b.Publish(context.Background(), bus.TopicResponse, []byte("RIFF....WAVE")))

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.JSONEq(t, string(segment), string(data))

		kind, data, err = conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, kind)
		assert.Equal(t, []byte("RIFF....WAVE"), data)
	}
}

func TestHub_DisconnectMidCaptureEndsStream(t *testing.T) {
	hub, b, url := newTestHub(t)
	var stream recorder
	require.NoError(t, b.Subscribe(context.Background(), bus.TopicStream, stream.handle))

	conn := dial(t, url)
	assert.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return len(stream.list()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, bus.IsEndOfStream(stream.list()[1]))
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
