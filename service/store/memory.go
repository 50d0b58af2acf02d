package store

import (
	"context"
	"sync"
	"time"

	"relaychat/tools/errs"
	"relaychat/tools/ids"
)

// MemoryStore is the reference implementation. A per-conversation mutex is
// the critical section that makes sequence assignment gap-free under
// concurrent senders.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*memConv
}

type memConv struct {
	mu           sync.Mutex
	participants []string
	createdAtMS  int64
	maxSeq       int64
	msgs         []Message        // index seq-1
	byToken      map[string]int64 // sender|token -> seq
	cursors      map[string]int64 // identity -> read seq
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*memConv)}
}

func tokenKey(sender, token string) string { return sender + "|" + token }

func (s *MemoryStore) conv(id string) (*memConv, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	return c, ok
}

func (s *MemoryStore) EnsureConversation(_ context.Context, id string, participants []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; ok {
		return nil
	}
	s.convs[id] = &memConv{
		participants: append([]string(nil), participants...),
		createdAtMS:  time.Now().UnixMilli(),
		byToken:      make(map[string]int64),
		cursors:      make(map[string]int64),
	}
	return nil
}

func (s *MemoryStore) Participants(_ context.Context, id string) ([]string, error) {
	c, ok := s.conv(id)
	if !ok {
		return nil, errs.ErrNotParticipant.WithDetail("unknown conversation " + id)
	}
	return append([]string(nil), c.participants...), nil
}

func (s *MemoryStore) Append(ctx context.Context, conversationID, sender, content, token string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("append cancelled", "conv", conversationID)
	}
	c, ok := s.conv(conversationID)
	if !ok {
		return nil, errs.ErrNotParticipant.WithDetail("unknown conversation " + conversationID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if seq, dup := c.byToken[tokenKey(sender, token)]; dup {
		m := c.msgs[seq-1]
		return &m, nil
	}

	c.maxSeq++
	m := Message{
		ConversationID: conversationID,
		Seq:            c.maxSeq,
		SenderID:       sender,
		Content:        content,
		Token:          token,
		ServerMsgID:    ids.GenerateString(),
		CreatedAtMS:    time.Now().UnixMilli(),
	}
	c.msgs = append(c.msgs, m)
	c.byToken[tokenKey(sender, token)] = m.Seq
	return &m, nil
}

func (s *MemoryStore) AdvanceReadCursor(_ context.Context, conversationID, identity string, seq int64) (int64, int64, error) {
	c, ok := s.conv(conversationID)
	if !ok {
		return 0, 0, errs.ErrNotParticipant.WithDetail("unknown conversation " + conversationID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.cursors[identity]
	if seq > prev {
		c.cursors[identity] = seq
		return prev, seq, nil
	}
	return prev, prev, nil
}

func (s *MemoryStore) ReadCursor(_ context.Context, conversationID, identity string) (int64, error) {
	c, ok := s.conv(conversationID)
	if !ok {
		return 0, errs.ErrNotParticipant.WithDetail("unknown conversation " + conversationID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[identity], nil
}

func (s *MemoryStore) History(_ context.Context, conversationID string, beforeSeq int64, limit int) ([]Message, error) {
	c, ok := s.conv(conversationID)
	if !ok {
		return nil, errs.ErrNotParticipant.WithDetail("unknown conversation " + conversationID)
	}
	if limit <= 0 {
		limit = 50
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	end := c.maxSeq
	if beforeSeq > 0 && beforeSeq-1 < end {
		end = beforeSeq - 1
	}
	if end <= 0 {
		return nil, nil
	}
	start := end - int64(limit) + 1
	if start < 1 {
		start = 1
	}
	out := make([]Message, 0, end-start+1)
	for seq := start; seq <= end; seq++ {
		out = append(out, c.msgs[seq-1])
	}
	return out, nil
}

func (s *MemoryStore) MaxSeq(_ context.Context, conversationID string) (int64, error) {
	c, ok := s.conv(conversationID)
	if !ok {
		return 0, errs.ErrNotParticipant.WithDetail("unknown conversation " + conversationID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSeq, nil
}
