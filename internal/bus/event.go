package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the realtime session and the state stores.
// Subscribers filter by namespace prefix, e.g. "presence." or "remote.typing".
const (
	// Session lifecycle (published by realtime.Conn).
	KindStatusChanged = "session.status_changed"
	KindSessionReady  = "session.ready"
	KindAuthRejected  = "session.auth_rejected"

	// Raw inbound transport events, republished with typed payloads for the
	// typing coordinator and message synchronizer to consume.
	KindRemoteMessage     = "remote.message"
	KindRemoteTypingStart = "remote.typing_start"
	KindRemoteTypingStop  = "remote.typing_stop"

	// Presence registry changes.
	KindPresenceReplaced = "presence.replaced"
	KindPresenceOnline   = "presence.online"
	KindPresenceOffline  = "presence.offline"

	// Typing indicator changes, after expiry/debounce handling.
	KindTypingStarted = "typing.started"
	KindTypingStopped = "typing.stopped"

	// Message lifecycle.
	KindMessagePending    = "message.pending"
	KindMessageConfirmed  = "message.confirmed"
	KindMessageReceived   = "message.received"
	KindMessageSendFailed = "message.send_failed"
	KindHistoryLoaded     = "message.history_loaded"

	// Conversation directory changes.
	KindDirectoryUpserted  = "directory.upserted"
	KindDirectoryReordered = "directory.reordered"
	KindDirectoryRead      = "directory.read"
)
