// Package directory caches conversation metadata in memory, ordered by
// recency of activity. It mirrors the server: conversations are created
// and mutated by backend calls or message arrival, never deleted locally.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wtfteams/wtfsync/internal/bus"
	"github.com/wtfteams/wtfsync/internal/logging"
)

// Conversation is chat metadata as the UI consumes it.
type Conversation struct {
	ID                 string
	IsGroup            bool
	DisplayName        string
	MemberIDs          []string
	LastMessageID      string
	LastMessagePreview string
	UpdatedOrderKey    int64 // unix millis of last activity, sort key
	UnreadCount        int
}

// MessageRef is the summary of a newly arrived message used to re-sort
// the directory and update previews.
type MessageRef struct {
	MessageID string
	SenderID  string
	Preview   string
	At        time.Time
}

// Fetcher is the REST surface the directory needs. Implemented by the
// backend client.
type Fetcher interface {
	Conversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	AccessChat(ctx context.Context, userID string) (Conversation, error)
	CreateGroup(ctx context.Context, name string, memberIDs []string) (Conversation, error)
	RenameGroup(ctx context.Context, id, name string) (Conversation, error)
	AddToGroup(ctx context.Context, id, userID string) (Conversation, error)
	RemoveFromGroup(ctx context.Context, id, userID string) (Conversation, error)
	MarkRead(ctx context.Context, id string) error
}

// Directory is the in-memory conversation cache.
type Directory struct {
	mu      sync.RWMutex
	self    string
	convs   map[string]*Conversation
	fetcher Fetcher
	bus     *bus.Bus
	logger  *zap.Logger
}

// New creates an empty directory.
func New(fetcher Fetcher, b *bus.Bus, logger *zap.Logger) *Directory {
	return &Directory{
		convs:   make(map[string]*Conversation),
		fetcher: fetcher,
		bus:     b,
		logger:  logging.OrNop(logger),
	}
}

// SetSelf records the current user's id, used to keep own messages out of
// unread counts.
func (d *Directory) SetSelf(id string) {
	d.mu.Lock()
	d.self = id
	d.mu.Unlock()
}

// Upsert inserts or replaces a conversation by id.
func (d *Directory) Upsert(conv Conversation) {
	d.mu.Lock()
	if existing, ok := d.convs[conv.ID]; ok && conv.UpdatedOrderKey == 0 {
		conv.UpdatedOrderKey = existing.UpdatedOrderKey
	}
	d.convs[conv.ID] = &conv
	d.mu.Unlock()

	d.publish(bus.KindDirectoryUpserted, conv.ID)
}

// Get returns a conversation by id.
func (d *Directory) Get(id string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conv, ok := d.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// List returns all conversations, most recently active first.
func (d *Directory) List() []Conversation {
	d.mu.RLock()
	out := make([]Conversation, 0, len(d.convs))
	for _, conv := range d.convs {
		out = append(out, *conv)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedOrderKey != out[j].UpdatedOrderKey {
			return out[i].UpdatedOrderKey > out[j].UpdatedOrderKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ApplyNewMessageRef records a new message against its conversation:
// updates the last-message reference, bumps the sort key, and counts
// peers' messages as unread. An unknown conversation id is fetched from
// the backend rather than dropped.
func (d *Directory) ApplyNewMessageRef(ctx context.Context, conversationID string, ref MessageRef) {
	d.mu.Lock()
	conv, ok := d.convs[conversationID]
	d.mu.Unlock()

	if !ok {
		fetched, err := d.fetch(ctx, conversationID)
		if err != nil {
			d.logger.Warn("conversation fetch failed",
				zap.String("conversation", conversationID), zap.Error(err))
			// Keep a placeholder so the message is not orphaned in the UI.
			fetched = Conversation{ID: conversationID}
		}
		d.mu.Lock()
		if existing, again := d.convs[conversationID]; again {
			conv = existing
		} else {
			d.convs[conversationID] = &fetched
			conv = &fetched
		}
		d.mu.Unlock()
	}

	d.mu.Lock()
	conv.LastMessageID = ref.MessageID
	conv.LastMessagePreview = ref.Preview
	conv.UpdatedOrderKey = ref.At.UnixMilli()
	if ref.SenderID != "" && ref.SenderID != d.self {
		conv.UnreadCount++
	}
	d.mu.Unlock()

	d.publish(bus.KindDirectoryReordered, conversationID)
}

// Refresh replaces the cache from the backend conversation list.
func (d *Directory) Refresh(ctx context.Context) error {
	convs, err := d.fetcher.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh directory: %w", err)
	}

	d.mu.Lock()
	d.convs = make(map[string]*Conversation, len(convs))
	for i := range convs {
		conv := convs[i]
		d.convs[conv.ID] = &conv
	}
	d.mu.Unlock()

	d.publish(bus.KindDirectoryUpserted, "")
	return nil
}

// AccessDirect returns the one-on-one conversation with userID, creating
// it server-side if needed.
func (d *Directory) AccessDirect(ctx context.Context, userID string) (Conversation, error) {
	conv, err := d.fetcher.AccessChat(ctx, userID)
	if err != nil {
		return Conversation{}, fmt.Errorf("access chat: %w", err)
	}
	d.Upsert(conv)
	return conv, nil
}

// CreateGroup creates a group conversation server-side and caches it.
func (d *Directory) CreateGroup(ctx context.Context, name string, memberIDs []string) (Conversation, error) {
	conv, err := d.fetcher.CreateGroup(ctx, name, memberIDs)
	if err != nil {
		return Conversation{}, fmt.Errorf("create group: %w", err)
	}
	d.Upsert(conv)
	return conv, nil
}

// Rename renames a group server-side and applies the result by id.
func (d *Directory) Rename(ctx context.Context, id, name string) error {
	conv, err := d.fetcher.RenameGroup(ctx, id, name)
	if err != nil {
		return fmt.Errorf("rename group: %w", err)
	}
	d.Upsert(conv)
	return nil
}

// AddMember adds a user to a group server-side and applies the result.
func (d *Directory) AddMember(ctx context.Context, id, userID string) error {
	conv, err := d.fetcher.AddToGroup(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	d.Upsert(conv)
	return nil
}

// RemoveMember removes a user from a group server-side and applies the result.
func (d *Directory) RemoveMember(ctx context.Context, id, userID string) error {
	conv, err := d.fetcher.RemoveFromGroup(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	d.Upsert(conv)
	return nil
}

// MarkRead zeroes the unread count locally and tells the backend.
func (d *Directory) MarkRead(ctx context.Context, id string) error {
	d.mu.Lock()
	if conv, ok := d.convs[id]; ok {
		conv.UnreadCount = 0
	}
	d.mu.Unlock()
	d.publish(bus.KindDirectoryRead, id)

	if err := d.fetcher.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (d *Directory) fetch(ctx context.Context, id string) (Conversation, error) {
	if d.fetcher == nil {
		return Conversation{}, fmt.Errorf("no fetcher configured")
	}
	return d.fetcher.Conversation(ctx, id)
}

func (d *Directory) publish(kind, conversationID string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: conversationID})
}
