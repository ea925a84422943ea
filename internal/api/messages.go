package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/auth"
	"github.com/Parley-Chat/parley/internal/domain"
	"github.com/Parley-Chat/parley/internal/errors"
	"github.com/Parley-Chat/parley/internal/metrics"
	"github.com/Parley-Chat/parley/pkg/wire"
)

type sendMessageRequest struct {
	ChatID    string `json:"chatId" validate:"required,uuid4"`
	Content   string `json:"content" validate:"required_without=FileURL,max=10000"`
	FileURL   string `json:"fileUrl,omitempty" validate:"omitempty,url"`
	ReplyToID string `json:"replyToMessageId,omitempty" validate:"omitempty,uuid4"`
}

// HandleSendMessage serves POST /messages: persist the message, then
// deliver it twice, once directly for local subscribers and once via
// the bus.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.HandleHTTP(w, r, err)
		return
	}

	userID, err := h.requireParticipant(r, req.ChatID)
	if err != nil {
		errors.HandleHTTP(w, r, err)
		return
	}

	if !h.limiter.Allow(userID) {
		errors.HandleHTTP(w, r, errors.SendRateLimitError(userID))
		return
	}

	record := &domain.MessageRecord{
		ChatID:    req.ChatID,
		SenderID:  userID,
		Content:   req.Content,
		FileURL:   req.FileURL,
		ReplyToID: req.ReplyToID,
	}
	if err := h.store.AppendMessage(r.Context(), record); err != nil {
		errors.HandleHTTP(w, r, errors.StorageError("append message", err))
		return
	}

	msg := wire.Message{
		ID:        record.ID,
		ChatID:    record.ChatID,
		SenderID:  record.SenderID,
		Content:   record.Content,
		FileURL:   record.FileURL,
		ReplyToID: record.ReplyToID,
		CreatedAt: record.CreatedAt,
	}
	event := domain.NewMessageEvent{ChatID: req.ChatID, Message: msg}

	h.dispatcher.DispatchMessage(event)
	h.publish(r, domain.TopicNewMessage, event)

	h.notifyRecipients(r, req.ChatID, userID, record)

	metrics.IncrementMessagesSent()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusCreated, msg)
}

// notifyRecipients creates a notification for every other participant.
// Failures here never fail the send; the message itself is already
// stored and dispatched.
func (h *Handlers) notifyRecipients(r *http.Request, chatID, senderID string, record *domain.MessageRecord) {
	participants, err := h.store.Participants(r.Context(), chatID)
	if err != nil {
		h.log.Warn("Failed to load participants for notifications",
			zap.String("chat_id", chatID),
			zap.Error(err))
		return
	}

	for _, recipientID := range participants {
		if recipientID == senderID {
			continue
		}

		n := &domain.NotificationRecord{
			Type:     "new_message",
			Title:    "New message",
			Body:     record.Content,
			Metadata: wire.MustData(map[string]string{"chatId": chatID, "messageId": record.ID}),
		}
		if err := h.store.InsertNotification(r.Context(), recipientID, n); err != nil {
			h.log.Warn("Failed to persist notification",
				zap.String("user_id", recipientID),
				zap.Error(err))
			continue
		}

		event := domain.NotificationEvent{
			UserID: recipientID,
			Notification: wire.Notification{
				ID:        n.ID,
				Type:      n.Type,
				Title:     n.Title,
				Body:      n.Body,
				Metadata:  n.Metadata,
				CreatedAt: n.CreatedAt,
			},
		}
		h.dispatcher.DispatchNotification(event)
		h.publish(r, domain.TopicNotification, event)
	}
}

type typingRequest struct {
	ChatID   string `json:"chatId" validate:"required,uuid4"`
	IsTyping bool   `json:"isTyping"`
}

// HandleTyping serves POST /presence/typing. Typing state is ephemeral:
// dispatched but never persisted.
func (h *Handlers) HandleTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.HandleHTTP(w, r, err)
		return
	}

	userID, err := h.requireParticipant(r, req.ChatID)
	if err != nil {
		errors.HandleHTTP(w, r, err)
		return
	}

	event := domain.PresenceEvent{
		ChatID: req.ChatID,
		Presence: wire.Presence{
			Kind:     wire.PresenceTyping,
			UserID:   userID,
			IsTyping: req.IsTyping,
		},
	}
	h.dispatcher.DispatchPresence(event)
	h.publish(r, domain.TopicPresence, event)

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type onlineRequest struct {
	IsOnline bool `json:"isOnline"`
}

// HandleOnline serves POST /presence/online, fanning the change out to
// every chat the user belongs to.
func (h *Handlers) HandleOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.HandleHTTP(w, r, err)
		return
	}

	userID := auth.UserFromContext(r.Context())

	chats, err := h.store.UserChats(r.Context(), userID)
	if err != nil {
		errors.HandleHTTP(w, r, errors.StorageError("user chats", err))
		return
	}

	for _, chatID := range chats {
		event := domain.PresenceEvent{
			ChatID: chatID,
			Presence: wire.Presence{
				Kind:     wire.PresenceOnline,
				UserID:   userID,
				IsOnline: req.IsOnline,
			},
		}
		h.dispatcher.DispatchPresence(event)
		h.publish(r, domain.TopicPresence, event)
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "chats": len(chats)})
}
