package backend

import (
	"encoding/json"
	"time"

	"github.com/wtfteams/wtfsync/internal/directory"
	"github.com/wtfteams/wtfsync/internal/message"
)

// Wire shapes as the backend serves them (Mongo-style documents).

type wireUser struct {
	ID string `json:"_id"`
}

type wireChat struct {
	ID            string         `json:"_id"`
	ChatName      string         `json:"chatName"`
	IsGroupChat   bool           `json:"isGroupChat"`
	Users         []wireUser     `json:"users"`
	LatestMessage *wireLatestRef `json:"latestMessage"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type wireLatestRef struct {
	ID        string    `json:"_id"`
	Content   string    `json:"content"`
	Sender    wireUser  `json:"sender"`
	CreatedAt time.Time `json:"createdAt"`
}

type wireMessage struct {
	ID        string    `json:"_id"`
	Sender    wireUser  `json:"sender"`
	Content   string    `json:"content"`
	MediaRef  string    `json:"media,omitempty"`
	Chat      wireRef   `json:"chat"`
	CreatedAt time.Time `json:"createdAt"`
}

// wireRef tolerates both serializations the backend uses for the chat
// field: a plain id string or an embedded document.
type wireRef struct {
	ID string
}

func (r *wireRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.ID = s
		return nil
	}
	var doc struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	r.ID = doc.ID
	return nil
}

func (w wireChat) toConversation() directory.Conversation {
	conv := directory.Conversation{
		ID:              w.ID,
		IsGroup:         w.IsGroupChat,
		DisplayName:     w.ChatName,
		UpdatedOrderKey: w.UpdatedAt.UnixMilli(),
	}
	for _, u := range w.Users {
		conv.MemberIDs = append(conv.MemberIDs, u.ID)
	}
	if w.LatestMessage != nil {
		conv.LastMessageID = w.LatestMessage.ID
		conv.LastMessagePreview = w.LatestMessage.Content
		if key := w.LatestMessage.CreatedAt.UnixMilli(); key > conv.UpdatedOrderKey {
			conv.UpdatedOrderKey = key
		}
	}
	return conv
}

func (w wireMessage) toMessage() message.Message {
	return message.Message{
		ID:             w.ID,
		ConversationID: w.Chat.ID,
		SenderID:       w.Sender.ID,
		Body:           w.Content,
		MediaRef:       w.MediaRef,
		CreatedAt:      w.CreatedAt,
		State:          message.Confirmed,
	}
}
