// Package domain holds the interfaces the delivery fabric is written
// against. Concrete implementations live in internal/bus, internal/storage
// and internal/realtime; keeping the contracts here breaks the import
// cycles between them.
package domain

import (
	"context"
	"time"
)

// Bus is the at-least-once publish/subscribe collaborator. Duplicate and
// reordered delivery is possible; subscribers must be idempotent.
type Bus interface {
	// Publish enqueues event on topic. It returns once the event is
	// accepted for delivery, not once it is delivered.
	Publish(ctx context.Context, topic string, event any) error

	// Subscribe registers handler for topic. The handler receives the
	// JSON encoding of the published event. Returning an error requests
	// redelivery.
	Subscribe(topic string, handler func(ctx context.Context, payload []byte) error)
}

// Store is the relational collaborator, narrowed to the lookups and
// writes the fabric needs.
type Store interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	Participants(ctx context.Context, chatID string) ([]string, error)
	UserChats(ctx context.Context, userID string) ([]string, error)

	AppendMessage(ctx context.Context, m *MessageRecord) error
	InsertNotification(ctx context.Context, userID string, n *NotificationRecord) error

	CreateCall(ctx context.Context, callerID, recipientID string, callType string) (callID string, initiatedAt time.Time, err error)
	AnswerCall(ctx context.Context, callID, recipientID string) error
	// FinishCall moves a ringing or active call to a terminal status
	// (ended, rejected, missed) and reports both participants so the
	// caller can signal the other party. ok is false when the call was
	// not in a finishable state for userID.
	FinishCall(ctx context.Context, callID, userID, status string) (callerID, recipientID string, ok bool, err error)
}

// MessageRecord is the persisted form of a chat message. ID, CreatedAt
// and ExpiresAt are filled by the store on append.
type MessageRecord struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	FileURL   string
	ReplyToID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NotificationRecord is the persisted form of a user notification.
type NotificationRecord struct {
	ID        string
	Type      string
	Title     string
	Body      string
	Metadata  []byte
	CreatedAt time.Time
}

// Terminal call statuses as stored in the calls table.
const (
	CallStatusRinging  = "ringing"
	CallStatusActive   = "active"
	CallStatusEnded    = "ended"
	CallStatusRejected = "rejected"
	CallStatusMissed   = "missed"
)
