package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// echoServer upgrades and echoes every frame back, recording the bearer token.
func echoServer(t *testing.T, gotToken *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotToken = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestDialSendReceive(t *testing.T) {
	var token string
	srv := echoServer(t, &token)
	defer srv.Close()

	ws := NewWS(wsURL(srv), time.Second, nil)
	defer ws.Close()

	if err := ws.Dial(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if token != "tok-1" {
		t.Errorf("server saw token %q, want tok-1", token)
	}

	f, err := NewFrame(EventTyping, TypingPayload{UserID: "u1", ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Send(f); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case got := <-ws.Frames():
		if got.Event != EventTyping {
			t.Errorf("echoed event = %q, want typing", got.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for echoed frame")
	}
}

func TestDialRefused(t *testing.T) {
	// Port from a server we immediately shut down.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ws := NewWS(url, time.Second, nil)
	err := ws.Dial(context.Background(), "tok")
	if !errors.Is(err, ErrConnectionRefused) && !errors.Is(err, ErrConnectionTimeout) {
		t.Errorf("Dial() error = %v, want refused or timeout", err)
	}
}

func TestSendBeforeDial(t *testing.T) {
	ws := NewWS("ws://localhost:0", time.Second, nil)
	if err := ws.Send(Frame{Event: EventTyping}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() before dial = %v, want ErrNotConnected", err)
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Garbage, then a valid frame: the reader must survive the garbage.
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{{{not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected"}`))
		// Keep open until client closes.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ws := NewWS(wsURL(srv), time.Second, nil)
	defer ws.Close()
	if err := ws.Dial(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-ws.Frames():
		if f.Event != EventConnected {
			t.Errorf("event = %q, want connected", f.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: malformed frame stalled the reader")
	}
}

func TestCloseIdempotent(t *testing.T) {
	var token string
	srv := echoServer(t, &token)
	defer srv.Close()

	ws := NewWS(wsURL(srv), time.Second, nil)
	if err := ws.Dial(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("first Close() = %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestServerDropSignalsErr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop straight away without a close handshake.
		_ = conn.Close()
	}))
	defer srv.Close()

	ws := NewWS(wsURL(srv), time.Second, nil)
	defer ws.Close()
	if err := ws.Dial(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-ws.Errs():
		if err == nil {
			t.Error("nil error from Errs()")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for drop signal")
	}
}
