package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaychat/tools/errs"
	"relaychat/tools/ids"
)

// PostgresStore serializes appends with a row lock on the conversation row,
// so sequence numbers are gap-free even across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT PRIMARY KEY,
    participants  TEXT[] NOT NULL,
    created_at_ms BIGINT NOT NULL,
    max_seq       BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
    conversation_id TEXT   NOT NULL REFERENCES conversations(id),
    seq             BIGINT NOT NULL,
    sender_id       TEXT   NOT NULL,
    content         TEXT   NOT NULL,
    token           TEXT   NOT NULL,
    server_msg_id   TEXT   NOT NULL,
    created_at_ms   BIGINT NOT NULL,
    PRIMARY KEY (conversation_id, seq),
    UNIQUE (conversation_id, sender_id, token)
);
CREATE TABLE IF NOT EXISTS read_cursors (
    conversation_id TEXT   NOT NULL,
    identity        TEXT   NOT NULL,
    read_seq        BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (conversation_id, identity)
);`

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("pg connect")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("pg ping")
	}
	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("pg schema")
	}
	return s, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) EnsureConversation(ctx context.Context, id string, participants []string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, participants, created_at_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		id, participants, time.Now().UnixMilli())
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("ensure conversation", "conv", id)
	}
	return nil
}

func (s *PostgresStore) Participants(ctx context.Context, id string) ([]string, error) {
	var parts []string
	err := s.pool.QueryRow(ctx,
		`SELECT participants FROM conversations WHERE id = $1`, id).Scan(&parts)
	if err == pgx.ErrNoRows {
		return nil, errs.ErrNotParticipant.WithDetail("unknown conversation " + id)
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("load conversation", "conv", id)
	}
	return parts, nil
}

func (s *PostgresStore) Append(ctx context.Context, conversationID, sender, content, token string) (*Message, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("begin append", "conv", conversationID)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock is the per-conversation critical section.
	var maxSeq int64
	err = tx.QueryRow(ctx,
		`SELECT max_seq FROM conversations WHERE id = $1 FOR UPDATE`,
		conversationID).Scan(&maxSeq)
	if err == pgx.ErrNoRows {
		return nil, errs.ErrNotParticipant.WithDetail("unknown conversation " + conversationID)
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("lock conversation", "conv", conversationID)
	}

	// Retry with the same token hands back the original row, no new seq.
	var existing Message
	err = tx.QueryRow(ctx, `
		SELECT conversation_id, seq, sender_id, content, token, server_msg_id, created_at_ms
		FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND token = $3`,
		conversationID, sender, token).Scan(
		&existing.ConversationID, &existing.Seq, &existing.SenderID,
		&existing.Content, &existing.Token, &existing.ServerMsgID, &existing.CreatedAtMS)
	if err == nil {
		return &existing, nil
	}
	if err != pgx.ErrNoRows {
		return nil, errs.ErrStoreUnavailable.WrapMsg("token lookup", "conv", conversationID)
	}

	m := &Message{
		ConversationID: conversationID,
		Seq:            maxSeq + 1,
		SenderID:       sender,
		Content:        content,
		Token:          token,
		ServerMsgID:    ids.GenerateString(),
		CreatedAtMS:    time.Now().UnixMilli(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (conversation_id, seq, sender_id, content, token, server_msg_id, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ConversationID, m.Seq, m.SenderID, m.Content, m.Token, m.ServerMsgID, m.CreatedAtMS); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("insert message", "conv", conversationID)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET max_seq = $2 WHERE id = $1`,
		conversationID, m.Seq); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("bump seq", "conv", conversationID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("commit append", "conv", conversationID)
	}
	return m, nil
}

func (s *PostgresStore) AdvanceReadCursor(ctx context.Context, conversationID, identity string, seq int64) (int64, int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, errs.ErrStoreUnavailable.WrapMsg("begin cursor", "conv", conversationID)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO read_cursors (conversation_id, identity, read_seq)
		VALUES ($1, $2, 0)
		ON CONFLICT (conversation_id, identity) DO NOTHING`,
		conversationID, identity); err != nil {
		return 0, 0, errs.ErrStoreUnavailable.WrapMsg("seed cursor", "conv", conversationID)
	}

	// Row lock makes prev and cur one atomic observation; concurrent
	// mark_reads serialize here so receipt fan-out never double-targets.
	var prev int64
	if err := tx.QueryRow(ctx, `
		SELECT read_seq FROM read_cursors
		WHERE conversation_id = $1 AND identity = $2 FOR UPDATE`,
		conversationID, identity).Scan(&prev); err != nil {
		return 0, 0, errs.ErrStoreUnavailable.WrapMsg("lock cursor", "conv", conversationID)
	}

	cur := prev
	if seq > prev {
		if _, err := tx.Exec(ctx, `
			UPDATE read_cursors SET read_seq = $3
			WHERE conversation_id = $1 AND identity = $2`,
			conversationID, identity, seq); err != nil {
			return 0, 0, errs.ErrStoreUnavailable.WrapMsg("advance cursor", "conv", conversationID)
		}
		cur = seq
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, errs.ErrStoreUnavailable.WrapMsg("commit cursor", "conv", conversationID)
	}
	return prev, cur, nil
}

func (s *PostgresStore) ReadCursor(ctx context.Context, conversationID, identity string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		SELECT read_seq FROM read_cursors WHERE conversation_id = $1 AND identity = $2`,
		conversationID, identity).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("read cursor", "conv", conversationID)
	}
	return v, nil
}

func (s *PostgresStore) History(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeSeq <= 0 {
		beforeSeq = 1<<62 - 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, seq, sender_id, content, token, server_msg_id, created_at_ms
		FROM messages
		WHERE conversation_id = $1 AND seq < $2
		ORDER BY seq DESC
		LIMIT $3`,
		conversationID, beforeSeq, limit)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("history", "conv", conversationID)
	}
	defer rows.Close()

	var page []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.SenderID, &m.Content,
			&m.Token, &m.ServerMsgID, &m.CreatedAtMS); err != nil {
			return nil, errs.ErrStoreUnavailable.WrapMsg("history scan", "conv", conversationID)
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("history rows", "conv", conversationID)
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (s *PostgresStore) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx,
		`SELECT max_seq FROM conversations WHERE id = $1`, conversationID).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, errs.ErrNotParticipant.WithDetail("unknown conversation " + conversationID)
	}
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("max seq", "conv", conversationID)
	}
	return v, nil
}
