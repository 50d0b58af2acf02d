package store

import (
	"context"
)

// Message is one append-only entry of a conversation. Seq is assigned by the
// store, strictly increasing and gap-free per conversation.
type Message struct {
	ConversationID string `json:"conversation_id" bson:"conversation_id"`
	Seq            int64  `json:"seq" bson:"seq"`
	SenderID       string `json:"sender_id" bson:"sender_id"`
	Content        string `json:"content" bson:"content"`
	// Token is the client-supplied idempotency token, unique per sender per
	// conversation. A retry with the same token returns the original message.
	Token       string `json:"token" bson:"token"`
	ServerMsgID string `json:"server_msg_id" bson:"server_msg_id"`
	CreatedAtMS int64  `json:"created_at_ms" bson:"created_at_ms"`
}

type Conversation struct {
	ID           string   `json:"id" bson:"_id"`
	Participants []string `json:"participants" bson:"participants"`
	CreatedAtMS  int64    `json:"created_at_ms" bson:"created_at_ms"`
	MaxSeq       int64    `json:"max_seq" bson:"max_seq"`
}

// ConversationStore is the persistence boundary. Every implementation
// serializes concurrent Append calls to the same conversation itself, so
// assigned sequence numbers are gap-free even with several gateway nodes
// on one backend.
type ConversationStore interface {
	// EnsureConversation creates the conversation if absent. Existing
	// participant sets are left untouched.
	EnsureConversation(ctx context.Context, id string, participants []string) error
	Participants(ctx context.Context, id string) ([]string, error)

	// Append assigns the next sequence number and stores the message. When a
	// message with the same (sender, token) already exists in the
	// conversation it is returned unchanged and nothing is written.
	Append(ctx context.Context, conversationID, sender, content, token string) (*Message, error)

	// AdvanceReadCursor moves identity's read cursor up to seq. Monotone: a
	// lower value is a no-op. Returns the cursor before and after the call.
	AdvanceReadCursor(ctx context.Context, conversationID, identity string, seq int64) (prev, cur int64, err error)
	ReadCursor(ctx context.Context, conversationID, identity string) (int64, error)

	// History returns up to limit messages with seq < beforeSeq, in ascending
	// seq order. beforeSeq <= 0 means "from the latest".
	History(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]Message, error)
	MaxSeq(ctx context.Context, conversationID string) (int64, error)
}

// ReplaySince pages History backwards until it has every message with
// seq > after, returned ascending. Used for the reconnect replay contract.
func ReplaySince(ctx context.Context, s ConversationStore, conversationID string, after int64, pageSize int) ([]Message, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	var pages [][]Message
	before := int64(0)
	for {
		page, err := s.History(ctx, conversationID, before, pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
		first := page[0].Seq
		if first <= after+1 {
			break
		}
		before = first
	}
	var out []Message
	for i := len(pages) - 1; i >= 0; i-- {
		for _, m := range pages[i] {
			if m.Seq > after {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// SendersInRange collects the distinct senders of messages with
// after < seq <= upTo; used to target read-receipt fan-out.
func SendersInRange(ctx context.Context, s ConversationStore, conversationID string, after, upTo int64) ([]string, error) {
	if upTo <= after {
		return nil, nil
	}
	msgs, err := ReplaySince(ctx, s, conversationID, after, 100)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, m := range msgs {
		if m.Seq > upTo {
			break
		}
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			out = append(out, m.SenderID)
		}
	}
	return out, nil
}
