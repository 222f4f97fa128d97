// Package realtime owns the socket session: credential resolution, the
// authenticate handshake, reconnection with backoff, and fan-out of inbound
// frames to the presence registry and the event bus.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wtfteams/wtfsync/internal/bus"
	"github.com/wtfteams/wtfsync/internal/config"
	"github.com/wtfteams/wtfsync/internal/credstore"
	"github.com/wtfteams/wtfsync/internal/logging"
	"github.com/wtfteams/wtfsync/internal/presence"
	"github.com/wtfteams/wtfsync/internal/status"
	"github.com/wtfteams/wtfsync/internal/transport"
)

// ErrAuthRejected is returned when the server refuses the stored token, or
// when the token is already expired before dialing. The session does not
// reconnect past an auth rejection; it needs fresh credentials.
var ErrAuthRejected = errors.New("authentication rejected")

// Conn is the realtime session connection. It drives the state machine,
// owns the transport for the current attempt, and is the only writer of the
// presence registry. Inbound messages and typing signals are republished on
// the bus with typed payloads for their consumers.
type Conn struct {
	cfg      *config.Config
	creds    credstore.Store
	dialer   transport.Dialer
	registry *presence.Registry
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger

	mu        sync.Mutex
	transport transport.Transport
	cancel    context.CancelFunc
	done      chan struct{}
	userID    string
	lastErr   error
}

// New creates an unstarted session connection.
func New(cfg *config.Config, creds credstore.Store, dialer transport.Dialer,
	registry *presence.Registry, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Conn {
	return &Conn{
		cfg:      cfg,
		creds:    creds,
		dialer:   dialer,
		registry: registry,
		machine:  machine,
		bus:      b,
		logger:   logging.OrNop(logger),
	}
}

// Status returns the current connection state.
func (c *Conn) Status() status.State {
	return c.machine.Current()
}

// UserID returns the authenticated user's id, empty before the first Start.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// LastError returns the error behind the most recent Failed transition,
// nil while the session is healthy.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Conn) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Start resolves credentials and opens the session. A no-op unless the
// machine is Disconnected or Failed. Credential and token problems surface
// synchronously; connection-level failures are handled by the background
// reconnect machinery instead.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	prev := c.done
	c.mu.Unlock()

	switch c.machine.Current() {
	case status.Disconnected, status.Failed:
	default:
		return nil
	}
	if prev != nil {
		// The previous session goroutine lands in Failed just before it
		// exits; let it finish winding down before opening a new session.
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	rctx, rcancel := context.WithTimeout(ctx, c.cfg.Connection.CredentialTimeout())
	creds, err := credstore.Resolve(rctx, c.creds)
	rcancel()
	if err != nil {
		c.logger.Error("credential resolution failed", zap.Error(err))
		c.setLastError(err)
		_ = c.machine.Transition(status.Connecting)
		_ = c.machine.Transition(status.Failed)
		return err
	}
	if credstore.TokenExpired(creds.Token, time.Now()) {
		c.logger.Warn("stored token is expired")
		c.setLastError(ErrAuthRejected)
		c.publishAuthRejected()
		_ = c.machine.Transition(status.Connecting)
		_ = c.machine.Transition(status.Failed)
		return ErrAuthRejected
	}

	c.registry.SetSelf(creds.UserID)
	if err := c.machine.Transition(status.Connecting); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.userID = creds.UserID
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, creds, done)
	return nil
}

// Retry re-opens a session that ended in Failed. Same contract as Start.
func (c *Conn) Retry(ctx context.Context) error {
	return c.Start(ctx)
}

// Stop closes the session: cancels any pending reconnect, tears down the
// transport, clears presence and lands in Disconnected. Idempotent.
func (c *Conn) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	t := c.transport
	c.cancel = nil
	c.done = nil
	c.transport = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		if t != nil {
			_ = t.Close()
		}
		if done != nil {
			<-done
		}
	}

	c.registry.Clear()
	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
	c.logger.Info("session stopped")
}

// run is the session goroutine: connect, pump frames, reconnect on drop.
// It exits when the context is cancelled, on auth rejection, or when the
// reconnect schedule is exhausted.
func (c *Conn) run(ctx context.Context, creds credstore.Credentials, done chan struct{}) {
	defer func() {
		close(done)
		// Release the session slot when this goroutine exits on its own,
		// so a later Start or Retry is not refused. Stop clears it first
		// when it is the one tearing the session down.
		c.mu.Lock()
		if c.done == done {
			if c.cancel != nil {
				c.cancel()
			}
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
	}()

	t, err := c.connect(ctx, creds)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			c.setLastError(ErrAuthRejected)
			c.publishAuthRejected()
			_ = c.machine.Transition(status.Failed)
			return
		}
		c.logger.Warn("initial connect failed", zap.Error(err))
		c.setLastError(err)
		_ = c.machine.Transition(status.Reconnecting)
		t = c.reconnect(ctx, creds)
		if t == nil {
			return
		}
	}

	for {
		outcome := c.pump(ctx, t)
		c.setTransport(nil)
		_ = t.Close()

		switch outcome {
		case pumpStopped:
			return
		case pumpAuthRejected:
			c.registry.Clear()
			c.setLastError(ErrAuthRejected)
			c.publishAuthRejected()
			_ = c.machine.Transition(status.Failed)
			return
		case pumpDropped:
			c.registry.Clear()
			_ = c.machine.Transition(status.Reconnecting)
			t = c.reconnect(ctx, creds)
			if t == nil {
				return
			}
		}
	}
}

// connect runs one full attempt: dial, authenticate, await the server ack,
// all bounded by the handshake timeout. On success the machine is Connected,
// session.ready is published and a fresh presence snapshot is requested.
func (c *Conn) connect(ctx context.Context, creds credstore.Credentials) (transport.Transport, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.Connection.HandshakeTimeout())
	defer cancel()

	t := c.dialer()
	if err := t.Dial(hctx, creds.Token); err != nil {
		return nil, err
	}

	auth, err := transport.NewFrame(transport.EventAuthenticate, transport.AuthPayload{
		Token:  creds.Token,
		UserID: creds.UserID,
	})
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := t.Send(auth); err != nil {
		_ = t.Close()
		return nil, err
	}

	if err := c.awaitAck(hctx, t); err != nil {
		_ = t.Close()
		return nil, err
	}

	c.setTransport(t)
	if err := c.machine.Transition(status.Connected); err != nil {
		c.setTransport(nil)
		_ = t.Close()
		return nil, err
	}
	c.setLastError(nil)
	c.bus.Publish(bus.Event{Kind: bus.KindSessionReady, Timestamp: time.Now()})
	c.logger.Info("session established", zap.String("user", creds.UserID))

	// One snapshot request per successful connect. Deltas keep the registry
	// current until the next drop.
	req, _ := transport.NewFrame(transport.EventRequestPresence, nil)
	if err := t.Send(req); err != nil {
		c.logger.Warn("presence snapshot request failed", zap.Error(err))
	}

	return t, nil
}

// awaitAck waits for the server's connected ack. Frames arriving before the
// ack are dispatched normally; an auth disconnect ends the handshake.
func (c *Conn) awaitAck(ctx context.Context, t transport.Transport) error {
	for {
		select {
		case f, ok := <-t.Frames():
			if !ok {
				return fmt.Errorf("connection closed during handshake: %w", transport.ErrConnectionRefused)
			}
			if f.Event == transport.EventConnected {
				return nil
			}
			if f.Event == transport.EventDisconnected {
				if transport.DecodeDisconnect(f.Data).Reason == transport.ReasonAuth {
					return ErrAuthRejected
				}
				return fmt.Errorf("server disconnect during handshake: %w", transport.ErrConnectionRefused)
			}
			c.dispatch(f)
		case err := <-t.Errs():
			return fmt.Errorf("handshake read: %w", err)
		case <-ctx.Done():
			return fmt.Errorf("handshake: %w", transport.ErrConnectionTimeout)
		}
	}
}

// reconnect walks the backoff schedule. Returns the new transport, or nil
// when cancelled, auth-rejected, or exhausted. Attempts never overlap: each
// one completes (or times out) before the next delay starts.
func (c *Conn) reconnect(ctx context.Context, creds credstore.Credentials) transport.Transport {
	for attempt := 0; attempt < c.cfg.Backoff.MaxAttempts; attempt++ {
		delay := c.cfg.Backoff.Delay(attempt)
		c.logger.Info("reconnect scheduled",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.cfg.Backoff.MaxAttempts),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}

		if err := c.machine.Transition(status.Connecting); err != nil {
			return nil
		}
		t, err := c.connect(ctx, creds)
		if err == nil {
			return t
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			c.setLastError(ErrAuthRejected)
			c.publishAuthRejected()
			_ = c.machine.Transition(status.Failed)
			return nil
		}
		c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		c.setLastError(err)
		_ = c.machine.Transition(status.Reconnecting)
	}

	c.logger.Error("reconnect attempts exhausted")
	_ = c.machine.Transition(status.Failed)
	return nil
}

type pumpOutcome int

const (
	pumpStopped pumpOutcome = iota
	pumpDropped
	pumpAuthRejected
)

// pump reads frames until the connection drops, the server rejects the
// session, or the context is cancelled.
func (c *Conn) pump(ctx context.Context, t transport.Transport) pumpOutcome {
	for {
		select {
		case f, ok := <-t.Frames():
			if !ok {
				c.logger.Warn("connection dropped")
				return pumpDropped
			}
			if f.Event == transport.EventDisconnected {
				p := transport.DecodeDisconnect(f.Data)
				if p.Reason == transport.ReasonAuth {
					c.logger.Warn("server rejected session credentials")
					return pumpAuthRejected
				}
				c.logger.Warn("server closed session", zap.String("reason", p.Reason))
				return pumpDropped
			}
			c.dispatch(f)
		case err := <-t.Errs():
			c.logger.Warn("connection read error", zap.Error(err))
			return pumpDropped
		case <-ctx.Done():
			return pumpStopped
		}
	}
}

// dispatch routes one inbound frame. Presence mutations are applied here
// directly; message and typing frames are republished with typed payloads.
// Malformed payloads are logged and dropped, never fatal; a panicking
// handler must not take the session down.
func (c *Conn) dispatch(f transport.Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic handling frame", zap.String("event", f.Event), zap.Any("panic", r))
		}
	}()
	switch f.Event {
	case transport.EventPresenceSnapshot:
		ids, err := transport.DecodePresenceSnapshot(f.Data)
		if err != nil {
			c.logger.Warn("dropping presence snapshot", zap.Error(err))
			return
		}
		c.registry.ReplaceAll(ids)

	case transport.EventPresenceDelta:
		d, err := transport.DecodePresenceDelta(f.Data)
		if err != nil {
			c.logger.Warn("dropping presence delta", zap.Error(err))
			return
		}
		if d.Online {
			c.registry.MarkOnline(d.UserID)
		} else {
			c.registry.MarkOffline(d.UserID)
		}

	case transport.EventMessageReceived:
		m, err := transport.DecodeMessage(f.Data)
		if err != nil {
			c.logger.Warn("dropping inbound message", zap.Error(err))
			return
		}
		c.bus.Publish(bus.Event{Kind: bus.KindRemoteMessage, Timestamp: time.Now(), Payload: m})

	case transport.EventTyping, transport.EventStopTyping:
		p, err := transport.DecodeTyping(f.Data)
		if err != nil {
			c.logger.Warn("dropping typing signal", zap.Error(err))
			return
		}
		kind := bus.KindRemoteTypingStart
		if f.Event == transport.EventStopTyping {
			kind = bus.KindRemoteTypingStop
		}
		c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: p})

	case transport.EventConnected:
		// Duplicate ack, ignore.

	default:
		c.logger.Debug("ignoring unknown event", zap.String("event", f.Event))
	}
}

// SendTyping broadcasts the local user's typing state for a conversation.
func (c *Conn) SendTyping(conversationID string, typing bool) error {
	event := transport.EventTyping
	if !typing {
		event = transport.EventStopTyping
	}
	f, err := transport.NewFrame(event, transport.TypingPayload{
		UserID:         c.UserID(),
		ConversationID: conversationID,
	})
	if err != nil {
		return err
	}
	return c.send(f)
}

// JoinConversation subscribes the session to a conversation's room so its
// live messages and typing signals are delivered.
func (c *Conn) JoinConversation(conversationID string) error {
	f, err := transport.NewFrame(transport.EventJoinConversation, transport.JoinPayload{
		ConversationID: conversationID,
	})
	if err != nil {
		return err
	}
	return c.send(f)
}

// BroadcastMessage announces a server-confirmed message to the
// conversation's peers.
func (c *Conn) BroadcastMessage(conversationID, messageID, body string) error {
	f, err := transport.NewFrame(transport.EventSendMessage, transport.SendPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
		Content:        body,
	})
	if err != nil {
		return err
	}
	return c.send(f)
}

func (c *Conn) send(f transport.Frame) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return transport.ErrNotConnected
	}
	return t.Send(f)
}

func (c *Conn) setTransport(t transport.Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

func (c *Conn) publishAuthRejected() {
	c.bus.Publish(bus.Event{Kind: bus.KindAuthRejected, Timestamp: time.Now()})
}
