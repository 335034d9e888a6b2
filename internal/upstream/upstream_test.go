package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// wsURL converts an httptest server URL to a ws:// URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startEchoServer runs a WebSocket server that forwards every received JSON
// frame into received and writes every frame from send to the client.
func startEchoServer(t *testing.T) (*httptest.Server, chan map[string]any, chan map[string]any) {
	t.Helper()
	received := make(chan map[string]any, 16)
	send := make(chan map[string]any, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		go func() {
			for msg := range send {
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					return
				}
			}
			conn.Close(websocket.StatusNormalClosure, "server done")
		}()
		for {
			var msg map[string]any
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			received <- msg
		}
	}))
	t.Cleanup(srv.Close)
	return srv, received, send
}

func newTestConnection(t *testing.T, url string) *Connection {
	t.Helper()
	c := New(Config{
		Vendor: rtevent.VendorOpenAI,
		URL:    url,
	}, slog.Default())
	t.Cleanup(c.Cleanup)
	return c
}

func TestConnectFiresCallbackOnce(t *testing.T) {
	t.Parallel()
	srv, _, _ := startEchoServer(t)
	c := newTestConnection(t, wsURL(srv))

	var fired atomic.Int32
	c.OnConnected(func() { fired.Add(1) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := fired.Load(); got != 1 {
		t.Errorf("onConnected fired %d times; want 1", got)
	}
	if c.CurrentState() != StateOpen {
		t.Errorf("state = %d; want open", c.CurrentState())
	}
}

func TestOutboundWrite(t *testing.T) {
	t.Parallel()
	srv, received, _ := startEchoServer(t)
	c := newTestConnection(t, wsURL(srv))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev := rtevent.Event{Src: rtevent.VendorOpenAI, Payload: map[string]any{
		"type": "input_audio_buffer.append", "audio": "QUJD",
	}}
	if err := c.Receive(ev); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	select {
	case got := <-received:
		if got["type"] != "input_audio_buffer.append" {
			t.Errorf("server received %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the outbound event")
	}
}

func TestInboundEmit(t *testing.T) {
	t.Parallel()
	srv, _, send := startEchoServer(t)
	c := newTestConnection(t, wsURL(srv))

	events := make(chan rtevent.Event, 16)
	c.Subscribe(rtevent.NodeFunc(func(ev rtevent.Event) error {
		events <- ev
		return nil
	}))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	send <- map[string]any{"type": "response.audio.delta", "delta": "QUJD"}

	select {
	case ev := <-events:
		if ev.Src != rtevent.VendorOpenAI {
			t.Errorf("inbound Src = %v; want openai", ev.Src)
		}
		if ev.Payload["type"] != "response.audio.delta" {
			t.Errorf("inbound payload = %v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame never emitted")
	}
}

func TestReconnectRefiresCallback(t *testing.T) {
	t.Parallel()

	// The first accepted connection is dropped immediately; the second
	// behaves. The client must redial and refire onConnected.
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if accepts.Add(1) == 1 {
			conn.Close(websocket.StatusInternalError, "going away")
			return
		}
		var msg map[string]any
		for wsjson.Read(r.Context(), conn, &msg) == nil {
		}
	}))
	t.Cleanup(srv.Close)

	c := newTestConnection(t, wsURL(srv))
	connects := make(chan struct{}, 4)
	c.OnConnected(func() { connects <- struct{}{} })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-connects

	select {
	case <-connects:
	case <-time.After(10 * time.Second):
		t.Fatal("onConnected never refired after unsolicited close")
	}
	if got := accepts.Load(); got < 2 {
		t.Errorf("server accepted %d connections; want at least 2", got)
	}
}

func TestCleanupIsInert(t *testing.T) {
	t.Parallel()
	srv, received, _ := startEchoServer(t)
	c := newTestConnection(t, wsURL(srv))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Cleanup()
	c.Cleanup()
	if c.CurrentState() != StateClosed {
		t.Fatalf("state after cleanup = %d; want closed", c.CurrentState())
	}

	// Writes after cleanup are dropped without error.
	if err := c.Receive(rtevent.Event{Src: rtevent.VendorOpenAI, Payload: map[string]any{"type": "x"}}); err != nil {
		t.Fatalf("Receive after cleanup: %v", err)
	}
	select {
	case got := <-received:
		t.Errorf("server received %v after cleanup", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()
	c := New(Config{
		Vendor:         rtevent.VendorGemini,
		URL:            "ws://127.0.0.1:1", // nothing listens here
		ConnectTimeout: 500 * time.Millisecond,
	}, slog.Default())

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect to dead endpoint succeeded; want error")
	}
	if c.CurrentState() != StateClosed {
		t.Errorf("state = %d; want closed after failed connect", c.CurrentState())
	}
}
