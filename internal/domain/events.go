package domain

import "github.com/Parley-Chat/parley/pkg/wire"

// Bus topic names. Every event published by a write endpoint travels on
// exactly one of these.
const (
	TopicNewMessage   = "chat.message"
	TopicPresence     = "chat.presence"
	TopicNotification = "user.notification"
	TopicCallSignal   = "call.signal"
)

// NewMessageEvent announces a persisted chat message. ChatID is the
// routing key; Message carries the persisted row including its generated
// ID, which downstream consumers use for deduplication.
type NewMessageEvent struct {
	ChatID  string       `json:"chatId"`
	Message wire.Message `json:"message"`
}

// PresenceEvent announces a typing or online-status change within a chat.
type PresenceEvent struct {
	ChatID   string        `json:"chatId"`
	Presence wire.Presence `json:"presence"`
}

// NotificationEvent targets a single user's notification stream.
type NotificationEvent struct {
	UserID       string            `json:"userId"`
	Notification wire.Notification `json:"notification"`
}

// CallSignalEvent is the bus envelope for a call signal. ToUserID
// addresses the relay slot; the embedded signal is what the recipient's
// client sees. Immutable once published.
type CallSignalEvent struct {
	ToUserID string          `json:"toUserId"`
	Signal   wire.CallSignal `json:"signal"`
}
