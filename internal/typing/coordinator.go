// Package typing coordinates typing indicators in both directions:
// debounced broadcast of the local user's typing state, and self-healing
// expiry of remote indicators so a lost stop event can never leave a
// stale "is typing" forever.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wtfteams/wtfsync/internal/bus"
	"github.com/wtfteams/wtfsync/internal/logging"
	"github.com/wtfteams/wtfsync/internal/transport"
)

// Sender emits typing state to the transport. Implemented by the realtime
// session; sends while disconnected fail and are logged, typing is
// best-effort.
type Sender interface {
	SendTyping(conversationID string, typing bool) error
}

type key struct {
	userID         string
	conversationID string
}

type localState struct {
	active   bool
	lastSent time.Time
	idle     *time.Timer
}

// Coordinator owns all typing state for the session.
type Coordinator struct {
	mu       sync.Mutex
	self     string
	debounce time.Duration
	expiry   time.Duration
	sender   Sender
	bus      *bus.Bus
	logger   *zap.Logger

	remote map[key]*time.Timer
	local  map[string]*localState
	cancel context.CancelFunc
	closed bool
}

// NewCoordinator creates a coordinator with the given debounce window for
// local broadcasts and expiry ceiling for remote signals.
func NewCoordinator(sender Sender, b *bus.Bus, debounce, expiry time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		debounce: debounce,
		expiry:   expiry,
		sender:   sender,
		bus:      b,
		logger:   logging.OrNop(logger),
		remote:   make(map[key]*time.Timer),
		local:    make(map[string]*localState),
	}
}

// SetSelf records the current user's id; remote signals bearing it are ignored.
func (c *Coordinator) SetSelf(id string) {
	c.mu.Lock()
	c.self = id
	c.mu.Unlock()
}

// Start subscribes to inbound typing events on the bus.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	ch, unsub := c.bus.Subscribe("remote.typing", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				p, ok := evt.Payload.(transport.TypingPayload)
				if !ok {
					continue
				}
				c.RemoteSignalReceived(p.UserID, p.ConversationID, evt.Kind == bus.KindRemoteTypingStart)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// LocalTypingChanged reports the local user's typing state for a
// conversation. While typing=true keeps arriving, at most one typing event
// per debounce window goes out; a full idle window with no further calls
// auto-emits stop. typing=false emits stop immediately.
func (c *Coordinator) LocalTypingChanged(conversationID string, typing bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.local[conversationID]
	if st == nil {
		st = &localState{}
		c.local[conversationID] = st
	}

	if !typing {
		wasActive := st.active
		st.active = false
		if st.idle != nil {
			st.idle.Stop()
			st.idle = nil
		}
		c.mu.Unlock()
		if wasActive {
			c.emit(conversationID, false)
		}
		return
	}

	now := time.Now()
	shouldEmit := !st.active || now.Sub(st.lastSent) >= c.debounce
	if shouldEmit {
		st.lastSent = now
	}
	st.active = true
	if st.idle != nil {
		st.idle.Stop()
	}
	st.idle = time.AfterFunc(c.debounce, func() { c.localIdle(conversationID) })
	c.mu.Unlock()

	if shouldEmit {
		c.emit(conversationID, true)
	}
}

func (c *Coordinator) localIdle(conversationID string) {
	c.mu.Lock()
	st := c.local[conversationID]
	if st == nil || !st.active || c.closed {
		c.mu.Unlock()
		return
	}
	st.active = false
	st.idle = nil
	c.mu.Unlock()

	c.emit(conversationID, false)
}

func (c *Coordinator) emit(conversationID string, typing bool) {
	if c.sender == nil {
		return
	}
	if err := c.sender.SendTyping(conversationID, typing); err != nil {
		c.logger.Warn("typing send failed",
			zap.String("conversation", conversationID),
			zap.Bool("typing", typing),
			zap.Error(err))
	}
}

// RemoteSignalReceived upserts or removes a peer's typing signal. Every
// received typing signal schedules its own expiry, superseding any earlier
// timer for the same (user, conversation) pair. A stop for an unknown pair
// is a no-op.
func (c *Coordinator) RemoteSignalReceived(userID, conversationID string, typing bool) {
	if userID == "" || conversationID == "" {
		return
	}

	c.mu.Lock()
	if c.closed || userID == c.self {
		c.mu.Unlock()
		return
	}
	k := key{userID: userID, conversationID: conversationID}

	if !typing {
		timer, ok := c.remote[k]
		if !ok {
			c.mu.Unlock()
			return
		}
		timer.Stop()
		delete(c.remote, k)
		c.mu.Unlock()
		c.publish(bus.KindTypingStopped, k)
		return
	}

	fresh := true
	if timer, ok := c.remote[k]; ok {
		timer.Stop()
		fresh = false
	}
	c.remote[k] = time.AfterFunc(c.expiry, func() { c.expire(k) })
	c.mu.Unlock()

	if fresh {
		c.publish(bus.KindTypingStarted, k)
	}
}

func (c *Coordinator) expire(k key) {
	c.mu.Lock()
	if _, ok := c.remote[k]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.remote, k)
	c.mu.Unlock()
	c.publish(bus.KindTypingStopped, k)
}

// IsAnyoneTyping reports whether any peer has an unexpired typing signal
// for the conversation.
func (c *Coordinator) IsAnyoneTyping(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.remote {
		if k.conversationID == conversationID {
			return true
		}
	}
	return false
}

// TypingUsers returns the peers currently typing in the conversation, sorted.
func (c *Coordinator) TypingUsers(conversationID string) []string {
	c.mu.Lock()
	var ids []string
	for k := range c.remote {
		if k.conversationID == conversationID {
			ids = append(ids, k.userID)
		}
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close stops all timers and the bus loop. Further calls are no-ops.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for k, timer := range c.remote {
		timer.Stop()
		delete(c.remote, k)
	}
	for _, st := range c.local {
		if st.idle != nil {
			st.idle.Stop()
		}
	}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) publish(kind string, k key) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload: transport.TypingPayload{
			UserID:         k.userID,
			ConversationID: k.conversationID,
		},
	})
}
