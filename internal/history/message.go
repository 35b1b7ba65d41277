package history

import (
	"time"

	"github.com/matborges/lojachat/internal/store"
)

// SaveMessage inserts or updates a cached message.
func (db *DB) SaveMessage(m store.Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, sent_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender_id = excluded.sender_id,
			receiver_id = excluded.receiver_id,
			content = excluded.content,
			sent_at = excluded.sent_at,
			status = excluded.status`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content,
		m.SentAt.UnixMilli(), string(m.Status))
	return err
}

// LoadMessages returns the most recent messages of a conversation in
// ascending sentAt order.
func (db *DB) LoadMessages(conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, receiver_id, content, sent_at, status
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ?
			ORDER BY sent_at DESC
			LIMIT ?
		)
		ORDER BY sent_at ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.Message
	for rows.Next() {
		var (
			m      store.Message
			sentAt int64
			status string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &sentAt, &status); err != nil {
			return nil, err
		}
		m.SentAt = time.UnixMilli(sentAt)
		m.Status = store.Status(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LoadAllMessages returns the cached pages for every conversation, keyed by
// conversation id, for seeding the in-memory store at startup.
func (db *DB) LoadAllMessages(limit int) (map[string][]store.Message, error) {
	rows, err := db.Query(`SELECT DISTINCT conversation_id FROM messages`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := make(map[string][]store.Message, len(ids))
	for _, id := range ids {
		msgs, err := db.LoadMessages(id, limit)
		if err != nil {
			return nil, err
		}
		out[id] = msgs
	}
	return out, nil
}
