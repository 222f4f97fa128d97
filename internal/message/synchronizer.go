// Package message reconciles server-confirmed messages with locally
// optimistic ones, per conversation: instant local echo on send, idempotent
// ingestion of remote arrivals, and authoritative history reloads.
package message

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wtfteams/wtfsync/internal/bus"
	"github.com/wtfteams/wtfsync/internal/directory"
	"github.com/wtfteams/wtfsync/internal/logging"
	"github.com/wtfteams/wtfsync/internal/transport"
)

const previewLen = 100

// API is the REST surface the synchronizer needs. Implemented by the
// backend client.
type API interface {
	History(ctx context.Context, conversationID string) ([]Message, error)
	PostMessage(ctx context.Context, conversationID string, draft Draft) (Message, error)
}

// Emitter broadcasts a confirmed message to the conversation's peers over
// the socket. Implemented by the realtime session; nil disables broadcast.
type Emitter interface {
	BroadcastMessage(conversationID, messageID, body string) error
}

// SendError attaches a send failure to the optimistic entry it belongs to.
type SendError struct {
	LocalID string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s failed: %v", e.LocalID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Synchronizer owns the per-conversation ordered message lists.
type Synchronizer struct {
	mu      sync.RWMutex
	self    string
	convs   map[string][]*Message
	nextSeq uint64

	api     API
	dir     *directory.Directory
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewSynchronizer creates an empty synchronizer.
func NewSynchronizer(api API, dir *directory.Directory, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		convs:   make(map[string][]*Message),
		api:     api,
		dir:     dir,
		emitter: emitter,
		bus:     b,
		logger:  logging.OrNop(logger),
	}
}

// SetSelf records the current user's id, stamped on optimistic entries.
func (s *Synchronizer) SetSelf(id string) {
	s.mu.Lock()
	s.self = id
	s.mu.Unlock()
}

// Start subscribes to inbound message events on the bus.
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	ch, unsub := s.bus.Subscribe("remote.message", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				wire, ok := evt.Payload.(transport.InboundMessage)
				if !ok {
					continue
				}
				s.ReceiveRemote(ctx, FromWire(wire))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the bus loop.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LoadHistory replaces the conversation's list with the fetched snapshot.
// The fetch is authoritative: stale Pending entries for the conversation
// are discarded.
func (s *Synchronizer) LoadHistory(ctx context.Context, conversationID string) ([]Message, error) {
	fetched, err := s.api.History(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	s.mu.Lock()
	list := make([]*Message, 0, len(fetched))
	for i := range fetched {
		m := fetched[i]
		m.State = Confirmed
		m.seq = s.nextSeq
		s.nextSeq++
		list = append(list, &m)
	}
	sortList(list)
	s.convs[conversationID] = list
	s.mu.Unlock()

	s.publish(bus.KindHistoryLoaded, conversationID)
	return s.Messages(conversationID), nil
}

// SendOptimistic appends a Pending entry with a temporary id for instant
// UI feedback, then posts the draft in the background. The returned local
// id identifies the entry for confirmation, failure, and retry.
func (s *Synchronizer) SendOptimistic(ctx context.Context, conversationID string, draft Draft) string {
	localID := uuid.NewString()

	s.mu.Lock()
	m := &Message{
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       s.self,
		Body:           draft.Body,
		MediaRef:       draft.MediaRef,
		CreatedAt:      time.Now(),
		State:          Pending,
		seq:            s.nextSeq,
	}
	s.nextSeq++
	s.convs[conversationID] = append(s.convs[conversationID], m)
	sortList(s.convs[conversationID])
	s.mu.Unlock()

	s.publish(bus.KindMessagePending, localID)

	go s.post(ctx, conversationID, localID, draft)
	return localID
}

func (s *Synchronizer) post(ctx context.Context, conversationID, localID string, draft Draft) {
	confirmed, err := s.api.PostMessage(ctx, conversationID, draft)
	if err != nil {
		s.FailSend(localID, err)
		return
	}
	s.ConfirmSend(localID, confirmed)

	if s.emitter != nil {
		if err := s.emitter.BroadcastMessage(conversationID, confirmed.ID, confirmed.Body); err != nil {
			s.logger.Warn("message broadcast failed",
				zap.String("msg_id", confirmed.ID), zap.Error(err))
		}
	}
	if s.dir != nil {
		s.dir.ApplyNewMessageRef(ctx, conversationID, directory.MessageRef{
			MessageID: confirmed.ID,
			SenderID:  confirmed.SenderID,
			Preview:   truncate(confirmed.Body, previewLen),
			At:        confirmed.CreatedAt,
		})
	}
}

// ConfirmSend replaces the Pending entry matching localID with the
// confirmed record. If the confirmed id already arrived over the socket,
// the Pending entry is removed instead. If no match exists (a history
// reload raced ahead), the confirmed message is appended.
func (s *Synchronizer) ConfirmSend(localID string, confirmed Message) {
	confirmed.State = Confirmed

	s.mu.Lock()
	list := s.convs[confirmed.ConversationID]
	if containsID(list, confirmed.ID) {
		// The socket echo beat the POST response, so the confirmed record
		// is already in the list. Drop the optimistic entry rather than
		// rewriting it into a second copy of the same id.
		kept := list[:0]
		for _, m := range list {
			if m.LocalID == localID && m.State != Confirmed {
				continue
			}
			kept = append(kept, m)
		}
		s.convs[confirmed.ConversationID] = kept
		s.mu.Unlock()
		s.publish(bus.KindMessageConfirmed, confirmed.ID)
		return
	}
	replaced := false
	for _, m := range list {
		if m.LocalID == localID && m.State != Confirmed {
			seq := m.seq
			*m = confirmed
			m.LocalID = localID
			m.seq = seq
			replaced = true
			break
		}
	}
	if !replaced {
		confirmed.seq = s.nextSeq
		s.nextSeq++
		s.convs[confirmed.ConversationID] = append(list, &confirmed)
	}
	sortList(s.convs[confirmed.ConversationID])
	s.mu.Unlock()

	s.publish(bus.KindMessageConfirmed, confirmed.ID)
}

// ReceiveRemote appends an arriving message unless one with the same id
// already exists in the conversation. Duplicate delivery, e.g. from
// reconnect replay, must not double-insert.
func (s *Synchronizer) ReceiveRemote(ctx context.Context, m Message) {
	if m.ID == "" || m.ConversationID == "" {
		return
	}
	m.State = Confirmed

	s.mu.Lock()
	list := s.convs[m.ConversationID]
	if containsID(list, m.ID) {
		s.mu.Unlock()
		return
	}
	m.seq = s.nextSeq
	s.nextSeq++
	s.convs[m.ConversationID] = append(list, &m)
	sortList(s.convs[m.ConversationID])
	s.mu.Unlock()

	s.publish(bus.KindMessageReceived, m.ID)

	if s.dir != nil {
		s.dir.ApplyNewMessageRef(ctx, m.ConversationID, directory.MessageRef{
			MessageID: m.ID,
			SenderID:  m.SenderID,
			Preview:   truncate(m.Body, previewLen),
			At:        m.CreatedAt,
		})
	}
}

// FailSend marks the Pending entry as failed rather than dropping it; the
// draft content remains available for retry.
func (s *Synchronizer) FailSend(localID string, cause error) {
	s.mu.Lock()
	var found *Message
	for _, list := range s.convs {
		for _, m := range list {
			if m.LocalID == localID && m.State == Pending {
				found = m
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found != nil {
		found.State = Failed
		found.FailReason = cause.Error()
	}
	s.mu.Unlock()

	if found == nil {
		return
	}
	s.logger.Warn("message send failed", zap.String("local_id", localID), zap.Error(cause))
	s.publish(bus.KindMessageSendFailed, &SendError{LocalID: localID, Err: cause})
}

// RetrySend re-posts a failed entry. The entry returns to Pending while
// the retry is in flight.
func (s *Synchronizer) RetrySend(ctx context.Context, localID string) bool {
	s.mu.Lock()
	var draft Draft
	var conversationID string
	found := false
	for cid, list := range s.convs {
		for _, m := range list {
			if m.LocalID == localID && m.State == Failed {
				m.State = Pending
				m.FailReason = ""
				draft = Draft{Body: m.Body, MediaRef: m.MediaRef}
				conversationID = cid
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return false
	}
	go s.post(ctx, conversationID, localID, draft)
	return true
}

// Messages returns the conversation's ordered list as a copy.
func (s *Synchronizer) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.convs[conversationID]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

func sortList(list []*Message) {
	sort.Slice(list, func(i, j int) bool { return before(list[i], list[j]) })
}

func containsID(list []*Message, id string) bool {
	for _, m := range list {
		if m.State == Confirmed && m.ID == id {
			return true
		}
	}
	return false
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (s *Synchronizer) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
