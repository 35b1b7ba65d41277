package history

import (
	"encoding/json"
	"time"

	"github.com/matborges/lojachat/internal/store"
)

// SaveConversation inserts or updates a conversation summary. The unread
// counter is cached too so a cold start shows badges immediately.
func (db *DB) SaveConversation(c store.Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			unread_count = excluded.unread_count,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.UnreadCount, c.CreatedAt.UnixMilli(), now)
	return err
}

// DeleteConversation removes a conversation and its cached messages.
func (db *DB) DeleteConversation(id string) error {
	if _, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// LoadConversations returns all cached summaries, most recently created
// first. The last message per conversation is resolved from the messages
// table.
func (db *DB) LoadConversations() ([]store.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, participants, unread_count, created_at
		FROM conversations
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []store.Conversation
	for rows.Next() {
		var (
			c            store.Conversation
			participants string
			createdAt    int64
		)
		if err := rows.Scan(&c.ID, &participants, &c.UnreadCount, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			c.Participants = nil
		}
		c.CreatedAt = time.UnixMilli(createdAt)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		last, err := db.lastMessage(convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].LastMessage = last
	}
	return convs, nil
}

func (db *DB) lastMessage(conversationID string) (*store.Message, error) {
	msgs, err := db.LoadMessages(conversationID, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	last := msgs[len(msgs)-1]
	return &last, nil
}
