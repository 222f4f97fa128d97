package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wtfteams/wtfsync/internal/logging"
)

var (
	// ErrConnectionTimeout is returned when the dial or handshake exceeds
	// its deadline. Handled by the reconnect machinery, never surfaced as
	// a per-call failure to UI collaborators.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrConnectionRefused is returned when the server is unreachable.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrNotConnected is returned by Send before Dial or after Close.
	ErrNotConnected = errors.New("transport not connected")
)

// Transport is one realtime connection's bidirectional event channel.
// A Transport is single-use: dial once, read frames until the Frames
// channel closes, then discard. The session creates a fresh one per
// connection attempt through a Dialer.
type Transport interface {
	// Dial opens the connection, attaching token as a bearer credential.
	Dial(ctx context.Context, token string) error
	// Send writes one frame, bounded by the configured write deadline.
	Send(f Frame) error
	// Frames yields inbound frames in receipt order. Closed when the
	// connection drops or Close is called.
	Frames() <-chan Frame
	// Errs yields the terminal read error, if the connection dropped
	// without a local Close.
	Errs() <-chan error
	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer creates a fresh Transport for one connection attempt.
type Dialer func() Transport

// WS is the gorilla/websocket Transport implementation.
type WS struct {
	url         string
	sendTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	frames chan Frame
	errs   chan error
	once   sync.Once
	closed bool
}

// NewWS creates an unconnected websocket transport for the given URL.
func NewWS(url string, sendTimeout time.Duration, logger *zap.Logger) *WS {
	return &WS{
		url:         url,
		sendTimeout: sendTimeout,
		logger:      logging.OrNop(logger),
		frames:      make(chan Frame, 256),
		errs:        make(chan error, 1),
	}
}

// NewDialer returns a Dialer producing NewWS transports.
func NewDialer(url string, sendTimeout time.Duration, logger *zap.Logger) Dialer {
	return func() Transport {
		return NewWS(url, sendTimeout, logger)
	}
}

// Dial opens the websocket with the token in the Authorization header.
func (w *WS) Dial(ctx context.Context, token string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, header)
	if err != nil {
		return classifyDialError(err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	w.conn = conn
	w.mu.Unlock()

	go w.readLoop(conn)
	return nil
}

func (w *WS) readLoop(conn *websocket.Conn) {
	defer close(w.frames)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closed := w.closed
			w.mu.Unlock()
			if !closed {
				select {
				case w.errs <- fmt.Errorf("read: %w", err):
				default:
				}
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			w.logger.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("data", data))
			continue
		}
		select {
		case w.frames <- f:
		default:
			w.logger.Warn("frame buffer full, dropping", zap.String("event", f.Event))
		}
	}
}

// Send writes one frame with the configured write deadline.
func (w *WS) Send(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil || w.closed {
		return ErrNotConnected
	}
	if w.sendTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.sendTimeout))
	}
	if err := w.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", f.Event, err)
	}
	return nil
}

// Frames yields inbound frames.
func (w *WS) Frames() <-chan Frame { return w.frames }

// Errs yields the terminal read error.
func (w *WS) Errs() <-chan error { return w.errs }

// Close tears down the connection. Idempotent.
func (w *WS) Close() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		conn := w.conn
		w.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = conn.Close()
		}
	})
	return err
}

func classifyDialError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("dial: %w", ErrConnectionTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("dial: %w", ErrConnectionTimeout)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("dial: %w", ErrConnectionRefused)
	}
	return fmt.Errorf("dial: %w: %v", ErrConnectionRefused, err)
}
