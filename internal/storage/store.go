package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/domain"
	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/metrics"
)

// MessageRetention is how long a message stays readable before the
// cleaner removes it.
const MessageRetention = 10 * 24 * time.Hour

// IsParticipant reports whether userID is a member of chatID.
func (db *DB) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID).Scan(&exists)
	if err != nil {
		metrics.DBErrors.WithLabelValues("participant_check_failed").Inc()
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return exists, nil
}

// Participants returns the user IDs of every member of chatID.
func (db *DB) Participants(ctx context.Context, chatID string) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			logger.Warn("Row scan failed", zap.Error(err))
			continue
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// UserChats returns the chat IDs userID is a member of.
func (db *DB) UserChats(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT chat_id FROM chat_participants WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user chats: %w", err)
	}
	defer rows.Close()

	var chats []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			logger.Warn("Row scan failed", zap.Error(err))
			continue
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// AppendMessage persists a message, assigning its ID, creation time and
// expiry. The record is updated in place so the caller can fan out the
// stored form.
func (db *DB) AppendMessage(ctx context.Context, m *domain.MessageRecord) error {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	m.ExpiresAt = m.CreatedAt.Add(MessageRetention)

	var replyTo any
	if m.ReplyToID != "" {
		replyTo = m.ReplyToID
	}

	_, err := db.Pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, file_url, reply_to_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.FileURL, replyTo, m.CreatedAt, m.ExpiresAt)
	if err != nil {
		metrics.DBErrors.WithLabelValues("message_insert_failed").Inc()
		return fmt.Errorf("failed to insert message: %w", err)
	}

	metrics.DBOperations.WithLabelValues("message_insert").Inc()
	return nil
}

// RecentMessages returns up to limit non-expired messages for a chat,
// oldest first.
func (db *DB) RecentMessages(ctx context.Context, chatID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT id, chat_id, sender_id, content, file_url, COALESCE(reply_to_id::text, ''), created_at, expires_at
		 FROM messages
		 WHERE chat_id = $1 AND expires_at > now()
		 ORDER BY created_at DESC
		 LIMIT $2`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.MessageRecord, 0, limit)
	for rows.Next() {
		var m domain.MessageRecord
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.FileURL,
			&m.ReplyToID, &m.CreatedAt, &m.ExpiresAt); err != nil {
			logger.Warn("Row scan failed", zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// InsertNotification persists a notification, assigning its ID and
// creation time.
func (db *DB) InsertNotification(ctx context.Context, userID string, n *domain.NotificationRecord) error {
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now().UTC()

	_, err := db.Pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, body, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, userID, n.Type, n.Title, n.Body, n.Metadata, n.CreatedAt)
	if err != nil {
		metrics.DBErrors.WithLabelValues("notification_insert_failed").Inc()
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	metrics.DBOperations.WithLabelValues("notification_insert").Inc()
	return nil
}

// CreateCall records a new ringing call between two users.
func (db *DB) CreateCall(ctx context.Context, callerID, recipientID, callType string) (string, time.Time, error) {
	callID := uuid.NewString()
	initiatedAt := time.Now().UTC()

	_, err := db.Pool.Exec(ctx,
		`INSERT INTO calls (id, caller_id, recipient_id, call_type, status, initiated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		callID, callerID, recipientID, callType, domain.CallStatusRinging, initiatedAt)
	if err != nil {
		metrics.DBErrors.WithLabelValues("call_insert_failed").Inc()
		return "", time.Time{}, fmt.Errorf("failed to insert call: %w", err)
	}

	metrics.DBOperations.WithLabelValues("call_insert").Inc()
	return callID, initiatedAt, nil
}

// AnswerCall marks a ringing call as active. Only the recipient can
// answer, and only while the call is still ringing.
func (db *DB) AnswerCall(ctx context.Context, callID, recipientID string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE calls
		 SET status = $1, answered_at = now()
		 WHERE id = $2 AND recipient_id = $3 AND status = $4`,
		domain.CallStatusActive, callID, recipientID, domain.CallStatusRinging)
	if err != nil {
		metrics.DBErrors.WithLabelValues("call_answer_failed").Inc()
		return fmt.Errorf("failed to answer call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	metrics.DBOperations.WithLabelValues("call_answer").Inc()
	return nil
}

// FinishCall moves a ringing or active call to a terminal status. Only
// a participant can finish a call; ok reports whether a transition
// happened.
func (db *DB) FinishCall(ctx context.Context, callID, userID, status string) (string, string, bool, error) {
	var callerID, recipientID string
	err := db.Pool.QueryRow(ctx,
		`UPDATE calls
		 SET status = $1, finished_at = now()
		 WHERE id = $2
		   AND (caller_id = $3 OR recipient_id = $3)
		   AND status IN ($4, $5)
		 RETURNING caller_id, recipient_id`,
		status, callID, userID, domain.CallStatusRinging, domain.CallStatusActive).
		Scan(&callerID, &recipientID)
	if err == pgx.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		metrics.DBErrors.WithLabelValues("call_finish_failed").Inc()
		return "", "", false, fmt.Errorf("failed to finish call: %w", err)
	}

	metrics.DBOperations.WithLabelValues("call_finish").Inc()
	return callerID, recipientID, true, nil
}

// CleanExpiredMessages removes messages past their expiry.
func (db *DB) CleanExpiredMessages(ctx context.Context) (int, error) {
	if !db.isConnected() {
		return 0, fmt.Errorf("database is not connected")
	}

	result, err := db.Pool.Exec(ctx,
		`DELETE FROM messages WHERE expires_at <= now()`)
	if err != nil {
		metrics.DBErrors.WithLabelValues("message_cleanup_failed").Inc()
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}

	count := result.RowsAffected()
	logger.Debug("Expired messages deleted", zap.Int64("count", count))
	return int(count), nil
}

// StartExpiredMessagesCleaner runs the expiry cleaner periodically until
// the context is cancelled.
func (db *DB) StartExpiredMessagesCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := db.CleanExpiredMessages(ctx)
				if err != nil {
					logger.Error("Failed to clean expired messages", zap.Error(err))
				} else if count > 0 {
					logger.Info("Cleaned expired messages", zap.Int("count", count))
				}
			}
		}
	}()
}
