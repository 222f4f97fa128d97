package message

import (
	"time"

	"github.com/wtfteams/wtfsync/internal/transport"
)

// State is the delivery state of a message in the local list.
type State string

const (
	// Pending messages are client-generated optimistic entries awaiting
	// the server's confirmation. They carry a temporary local id.
	Pending State = "pending"
	// Confirmed messages bear a server-assigned id.
	Confirmed State = "confirmed"
	// Failed messages are optimistic entries whose send failed. The body
	// stays available for retry.
	Failed State = "failed"
)

// Message is one entry in a conversation's ordered list.
type Message struct {
	ID             string // server id, empty until confirmed
	LocalID        string // temporary id, set for client-generated entries
	ConversationID string
	SenderID       string
	Body           string
	MediaRef       string
	CreatedAt      time.Time
	State          State
	FailReason     string

	seq uint64 // arrival order, final ordering tiebreak
}

// Draft is the content of a message about to be sent.
type Draft struct {
	Body     string
	MediaRef string
}

// FromWire converts an inbound transport message into a confirmed entry.
func FromWire(m transport.InboundMessage) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.Sender.ID,
		Body:           m.Content,
		MediaRef:       m.MediaRef,
		CreatedAt:      m.CreatedAt,
		State:          Confirmed,
	}
}

// before reports whether a sorts ahead of b: createdAt ascending, Pending
// after Confirmed on equal timestamps, arrival order as the final tiebreak.
func before(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	aPending := a.State != Confirmed
	bPending := b.State != Confirmed
	if aPending != bPending {
		return bPending
	}
	return a.seq < b.seq
}
