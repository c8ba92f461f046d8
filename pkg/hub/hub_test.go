package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteMessage(t int, data []byte) error {
	if t == websocket.TextMessage {
		f.frames <- data
	}
	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}
func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	require.Eventually(t, h.IsRunning, time.Second, time.Millisecond)
	t.Cleanup(cancel)
	return h, cancel
}

func TestHub_BroadcastEvent(t *testing.T) {
	h, _ := runHub(t)

	conn := newFakeConn()
	client := NewClient(h, conn)
	require.NotNil(t, client)
	go client.Run()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.BroadcastEvent(Event{Type: EventState, State: "listening", Prev: "idle"}))

	select {
	case data := <-conn.frames:
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, EventState, ev.Type)
		assert.Equal(t, "listening", ev.State)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestHub_Disconnect(t *testing.T) {
	h, _ := runHub(t)

	conn := newFakeConn()
	client := NewClient(h, conn)
	go client.Run()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
}

func TestHub_RunStops(t *testing.T) {
	h, cancel := runHub(t)

	conn := newFakeConn()
	client := NewClient(h, conn)
	go client.Run()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.False(t, h.IsRunning())

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("client connection not closed")
	}
	assert.Nil(t, NewClient(h, newFakeConn()))
}

func TestEncodeEvent(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, err := EncodeEvent(Event{Type: EventTranscript, Role: "user", Text: "hi", At: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"transcript","role":"user","text":"hi","at":"2024-01-02T03:04:05Z"}`, string(msg.Data))
}
