// Package store is the single source of truth for conversation and message
// state. All mutation paths funnel through it: local intents (send, open,
// refresh) and remote confirmations (inbound frames, acks) are serialized
// under one lock, so ordering is deterministic regardless of which arrives
// first.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matborges/lojachat/internal/bus"
	"github.com/matborges/lojachat/internal/presence"
	"github.com/matborges/lojachat/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrNoIdentity is returned when sending without an authenticated user.
	ErrNoIdentity = errors.New("no authenticated identity")
	// ErrEmptyContent is returned when the trimmed message body is empty.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrNoRecipient is returned when neither a conversation nor a
	// receiver was given.
	ErrNoRecipient = errors.New("no conversation or recipient")
)

// Sender publishes a message-send request on the streaming transport. It
// must fail immediately (not queue) when the transport is not connected.
type Sender interface {
	Send(req SendRequest) error
}

// API is the REST collaborator surface the store consumes.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Cache persists conversation state locally so the next start renders
// instantly. All cache writes are best-effort.
type Cache interface {
	SaveConversation(c Conversation) error
	SaveMessage(m Message) error
	DeleteConversation(id string) error
}

// Config carries the store's collaborators. Cache may be nil.
type Config struct {
	SelfID   string
	PageSize int
	Sender   Sender
	API      API
	Cache    Cache
	Presence *presence.Tracker
	Bus      *bus.Bus
	Logger   *zap.Logger
	Now      func() time.Time
}

// Store holds the in-memory conversation and message maps. Every operation
// completes its map mutation while holding the lock; mutations performed
// after an asynchronous fetch are keyed by ids captured at call time, so a
// stale response lands harmlessly in its own slot.
type Store struct {
	selfID   string
	pageSize int
	sender   Sender
	api      API
	cache    Cache
	presence *presence.Tracker
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time

	mu            sync.Mutex
	messages      map[string][]Message
	conversations map[string]*Conversation
	// loaded marks conversations whose history page was fetched from the
	// server. A map entry in messages alone is not enough: inbound frames
	// create entries for conversations that were never opened.
	loaded   map[string]bool
	activeID string

	cancel context.CancelFunc
}

// New creates a store for one authenticated session.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.NewTracker()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Store{
		selfID:        cfg.SelfID,
		pageSize:      cfg.PageSize,
		sender:        cfg.Sender,
		api:           cfg.API,
		cache:         cfg.Cache,
		presence:      cfg.Presence,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		now:           cfg.Now,
		messages:      make(map[string][]Message),
		conversations: make(map[string]*Conversation),
		loaded:        make(map[string]bool),
	}
}

// Presence returns the tracker fed by this store.
func (s *Store) Presence() *presence.Tracker {
	return s.presence
}

// SelfID returns the authenticated identity.
func (s *Store) SelfID() string {
	return s.selfID
}

// Start subscribes to inbound transport events on the bus. Remote
// confirmations flow through the same store entry points as local intents.
func (s *Store) Start(ctx context.Context) {
	if s.bus == nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	chatCh, unsubChat := s.bus.Subscribe("chat.", 256)
	connCh, unsubConn := s.bus.Subscribe("conn.", 16)

	go func() {
		defer unsubChat()
		defer unsubConn()
		for {
			select {
			case evt := <-chatCh:
				s.handleEvent(evt)
			case evt := <-connCh:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					// The local identity's own connection state is a
					// presence signal for "self".
					s.presence.Update(s.selfID, change.To == status.Connected)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the event subscription.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Store) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "chat.message":
		msg, ok := evt.Payload.(Message)
		if !ok {
			return
		}
		s.ApplyMessage(msg)
	case "chat.ack":
		ack, ok := evt.Payload.(Ack)
		if !ok {
			return
		}
		s.ApplyAck(ack)
	case "chat.presence":
		p, ok := evt.Payload.(PresenceEvent)
		if !ok {
			return
		}
		s.presence.Observe(p.UserID, p.Online, p.LastActiveAt)
		s.publish("store.presence", p.UserID)
	}
}

// LoadConversations replaces the summary list with the server's view.
// On failure the previous state is kept untouched. If nothing is active
// yet, the first returned conversation becomes active and its messages are
// loaded.
func (s *Store) LoadConversations(ctx context.Context) error {
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	s.mu.Lock()
	// Temp-keyed placeholders are local-only; the server cannot return
	// them, so they survive the replace.
	for id := range s.conversations {
		if !IsTempKey(id) {
			delete(s.conversations, id)
		}
	}
	for i := range convs {
		c := convs[i]
		s.conversations[c.ID] = &c
	}
	var activate string
	if s.activeID == "" && len(convs) > 0 {
		s.activeID = convs[0].ID
		activate = convs[0].ID
	}
	s.mu.Unlock()

	for i := range convs {
		s.cacheConversation(convs[i])
	}
	s.publish("store.updated", "")

	if activate != "" {
		return s.LoadMessages(ctx, activate)
	}
	return nil
}

// SetActive makes id the active conversation. A real conversation whose
// history page was never fetched is loaded, even when inbound frames have
// already created a message list for it. Switching away never clears the
// previous conversation's cached messages.
func (s *Store) SetActive(ctx context.Context, id string) error {
	s.mu.Lock()
	s.activeID = id
	fetched := s.loaded[id]
	s.mu.Unlock()
	s.publish("store.updated", id)

	if id != "" && !IsTempKey(id) && !fetched {
		return s.LoadMessages(ctx, id)
	}
	return nil
}

// ActiveID returns the currently active conversation id ("" for none).
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// LoadMessages fetches the most recent page for a conversation, replaces
// its cached list, clears its unread counter and tells the server the
// conversation was read. The read receipt is best-effort: a failure is
// logged and never retried.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) error {
	msgs, err := s.fetchMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.messages[conversationID] = msgs
	s.loaded[conversationID] = true
	if c, ok := s.conversations[conversationID]; ok {
		c.UnreadCount = 0
	}
	s.mu.Unlock()

	for i := range msgs {
		s.cacheMessage(msgs[i])
	}
	s.publish("store.updated", conversationID)

	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		s.logger.Debug("mark read failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	return nil
}

// RefreshMessages is the background variant of LoadMessages used by the
// polling fallback: it replaces the cached page without touching the
// unread counter and without issuing a read receipt.
func (s *Store) RefreshMessages(ctx context.Context, conversationID string) error {
	msgs, err := s.fetchMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.messages[conversationID] = msgs
	s.mu.Unlock()

	s.publish("store.updated", conversationID)
	return nil
}

func (s *Store) fetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	msgs, err := s.api.ListMessages(ctx, conversationID, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", conversationID, err)
	}
	sortBySentAt(msgs)
	return msgs, nil
}

// SendMessage appends an optimistic PENDING message, makes its conversation
// active and publishes the send request. If the transport rejects the send
// the optimistic message is rolled back, so the UI never shows a pending
// bubble for a message that never left the client.
func (s *Store) SendMessage(req SendRequest) (Message, error) {
	if s.selfID == "" {
		return Message{}, ErrNoIdentity
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	key := req.ConversationID
	if key == "" {
		if req.ReceiverID == "" {
			return Message{}, ErrNoRecipient
		}
		key = TempKey(req.ReceiverID)
	}

	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: key,
		SenderID:       s.selfID,
		ReceiverID:     req.ReceiverID,
		Content:        content,
		SentAt:         s.now(),
		Status:         StatusPending,
	}

	s.mu.Lock()
	s.messages[key] = append(s.messages[key], msg)
	created := s.upsertSummaryLocked(key, msg)
	prevActive := s.activeID
	s.activeID = key
	s.mu.Unlock()
	s.publish("store.updated", key)

	if err := s.sender.Send(SendRequest{
		ConversationID: req.ConversationID,
		ReceiverID:     req.ReceiverID,
		Content:        content,
	}); err != nil {
		s.rollback(key, msg.ID, created, prevActive)
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// rollback removes an optimistic message that never made it onto the wire.
// When the rollback deletes the conversation itself, the previously active
// conversation is restored so the UI is not left pointing at a ghost.
func (s *Store) rollback(key, messageID string, dropSummary bool, prevActive string) {
	s.mu.Lock()
	list := s.messages[key]
	for i := range list {
		if list[i].ID == messageID {
			s.messages[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.messages[key]) == 0 {
		delete(s.messages, key)
		if dropSummary {
			delete(s.conversations, key)
			if s.activeID == key {
				s.activeID = prevActive
			}
		}
	} else if c, ok := s.conversations[key]; ok && c.LastMessage != nil && c.LastMessage.ID == messageID {
		last := s.messages[key][len(s.messages[key])-1]
		c.LastMessage = &last
	}
	s.mu.Unlock()
	s.publish("store.updated", key)
}

// ApplyMessage merges an inbound message frame into its conversation,
// marks the sender online and bumps the unread counter when the message
// landed outside the active conversation.
func (s *Store) ApplyMessage(raw Message) {
	msg := normalize(raw)
	if msg.ConversationID == "" {
		s.logger.Warn("dropping message without conversation id", zap.String("sender", msg.SenderID))
		return
	}

	s.mu.Lock()
	s.mergeLocked(msg.ConversationID, msg)
	s.upsertSummaryLocked(msg.ConversationID, msg)
	if msg.ConversationID != s.activeID && msg.SenderID != s.selfID {
		s.conversations[msg.ConversationID].UnreadCount++
	}
	s.mu.Unlock()

	if msg.SenderID != s.selfID {
		// Receiving a message implies the sender was online a moment ago.
		s.presence.Update(msg.SenderID, true)
	}
	s.cacheMessage(msg)
	s.publish("store.updated", msg.ConversationID)
}

// ApplyAck reconciles a server acknowledgment with the optimistic state:
// the matching PENDING message is replaced by the persisted one, and a
// temp-keyed conversation is promoted (renamed) to its real id exactly
// once.
func (s *Store) ApplyAck(ack Ack) {
	p := normalize(ack.Message)
	if p.ConversationID == "" {
		s.logger.Warn("dropping ack without conversation id")
		return
	}
	tempKey := TempKey(p.ReceiverID)

	s.mu.Lock()
	// The optimistic copy never had the server id, so it is matched by
	// sender and content rather than id. It may live under the temp key
	// (new conversation) or under the real id (established conversation).
	s.removePendingLocked(tempKey, p.SenderID, p.Content)
	s.removePendingLocked(p.ConversationID, p.SenderID, p.Content)

	// Promotion is a rename: anything still under the temp key moves to
	// the real conversation.
	if rest := s.messages[tempKey]; len(rest) > 0 {
		for _, m := range rest {
			m.ConversationID = p.ConversationID
			s.mergeLocked(p.ConversationID, m)
		}
	}
	delete(s.messages, tempKey)
	delete(s.conversations, tempKey)

	s.mergeLocked(p.ConversationID, p)
	s.upsertSummaryLocked(p.ConversationID, p)
	if s.activeID == tempKey {
		s.activeID = p.ConversationID
	}
	s.mu.Unlock()

	s.presence.Update(p.ReceiverID, ack.ReceiverOnline)
	s.cacheMessage(p)
	s.publish("store.updated", p.ConversationID)
}

// Seed pre-populates the store from the local cache before any network
// traffic. It never overwrites state that already exists.
func (s *Store) Seed(convs []Conversation, messages map[string][]Message) {
	s.mu.Lock()
	for i := range convs {
		c := convs[i]
		if _, ok := s.conversations[c.ID]; !ok {
			s.conversations[c.ID] = &c
		}
	}
	for id, msgs := range messages {
		if _, ok := s.messages[id]; !ok {
			sorted := append([]Message(nil), msgs...)
			sortBySentAt(sorted)
			s.messages[id] = sorted
		}
	}
	s.mu.Unlock()
	s.publish("store.updated", "")
}

// Conversations returns the summaries ordered by most recent activity.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	return out
}

// Conversation returns one summary by id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Messages returns a copy of the cached message list for a conversation.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[conversationID]...)
}

// UnreadTotal returns the sum of unread counters across conversations.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

// mergeLocked merges msg into a conversation's list: replace if an entry
// with the same id exists, else append, then restore sentAt order. Applying
// the same message twice yields the same list as applying it once.
func (s *Store) mergeLocked(key string, msg Message) {
	list := s.messages[key]
	for i := range list {
		if list[i].ID == msg.ID {
			list[i] = msg
			sortBySentAt(list)
			return
		}
	}
	list = append(list, msg)
	sortBySentAt(list)
	s.messages[key] = list
}

// removePendingLocked drops the earliest PENDING message matching the
// sender/content reconciliation key. Earliest-first keeps behavior sane
// when identical content was sent twice before the first ack returned.
func (s *Store) removePendingLocked(key, senderID, content string) {
	list := s.messages[key]
	for i := range list {
		if list[i].Status == StatusPending && list[i].SenderID == senderID && list[i].Content == content {
			s.messages[key] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// upsertSummaryLocked creates or refreshes a conversation summary from a
// message, synthesizing a placeholder when the server has not returned one
// yet. Reports whether the summary was created by this call.
func (s *Store) upsertSummaryLocked(key string, msg Message) bool {
	c, ok := s.conversations[key]
	if !ok {
		c = &Conversation{
			ID:        key,
			CreatedAt: msg.SentAt,
			Participants: []Participant{
				{ID: msg.SenderID},
				{ID: msg.ReceiverID},
			},
		}
		s.conversations[key] = c
	}
	if c.LastMessage == nil || !msg.SentAt.Before(c.LastMessage.SentAt) {
		m := msg
		c.LastMessage = &m
	}
	return !ok
}

func (s *Store) publish(kind, conversationID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: s.now(),
		Payload:   conversationID,
	})
}

func (s *Store) cacheConversation(c Conversation) {
	if s.cache == nil || IsTempKey(c.ID) {
		return
	}
	if err := s.cache.SaveConversation(c); err != nil {
		s.logger.Warn("cache conversation failed", zap.String("conversation", c.ID), zap.Error(err))
	}
}

func (s *Store) cacheMessage(m Message) {
	if s.cache == nil || IsTempKey(m.ConversationID) || m.Status == StatusPending {
		return
	}
	if err := s.cache.SaveMessage(m); err != nil {
		s.logger.Warn("cache message failed", zap.String("message", m.ID), zap.Error(err))
	}
}

func normalize(raw Message) Message {
	msg := raw
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = StatusDelivered
	}
	return msg
}

func sortBySentAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}

func lastActivity(c Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.SentAt
	}
	return c.CreatedAt
}
