package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/tools/errs"
)

func newConv(t *testing.T, s *MemoryStore, id string, parts ...string) {
	t.Helper()
	require.NoError(t, s.EnsureConversation(context.Background(), id, parts))
}

func TestAppendAssignsGapFreeSequences(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newConv(t, s, "c1", "alice", "bob")

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, "c1", "alice", "hello", fmt.Sprintf("tok-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	max, err := s.MaxSeq(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, n, max)

	msgs, err := ReplaySince(ctx, s, "c1", 0, 33)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.EqualValues(t, i+1, m.Seq, "sequence must be gap-free and ascending")
	}
}

func TestAppendIdempotentOnToken(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newConv(t, s, "c1", "alice", "bob")

	first, err := s.Append(ctx, "c1", "alice", "hi", "t1")
	require.NoError(t, err)
	require.EqualValues(t, 1, first.Seq)

	// retry with the same token and different content returns the original
	retry, err := s.Append(ctx, "c1", "alice", "hi (edited)", "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, retry.Seq)
	assert.Equal(t, "hi", retry.Content)
	assert.Equal(t, first.ServerMsgID, retry.ServerMsgID)

	max, err := s.MaxSeq(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, max)

	// same token from another sender is a distinct message
	other, err := s.Append(ctx, "c1", "bob", "yo", "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, other.Seq)
}

func TestHistoryPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newConv(t, s, "c1", "alice", "bob")
	for i := 1; i <= 10; i++ {
		_, err := s.Append(ctx, "c1", "alice", fmt.Sprintf("m%d", i), fmt.Sprintf("t%d", i))
		require.NoError(t, err)
	}

	// latest page
	page, err := s.History(ctx, "c1", 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.EqualValues(t, 8, page[0].Seq)
	assert.EqualValues(t, 10, page[2].Seq)

	// page before seq 8
	page, err = s.History(ctx, "c1", 8, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.EqualValues(t, 5, page[0].Seq)
	assert.EqualValues(t, 7, page[2].Seq)

	// before the first message
	page, err = s.History(ctx, "c1", 1, 3)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestReplaySince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newConv(t, s, "c1", "alice", "bob")
	for i := 1; i <= 25; i++ {
		_, err := s.Append(ctx, "c1", "alice", fmt.Sprintf("m%d", i), fmt.Sprintf("t%d", i))
		require.NoError(t, err)
	}

	msgs, err := ReplaySince(ctx, s, "c1", 10, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 15)
	for i, m := range msgs {
		assert.EqualValues(t, 11+i, m.Seq)
	}

	msgs, err = ReplaySince(ctx, s, "c1", 25, 4)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReadCursorMonotone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newConv(t, s, "c1", "alice", "bob")

	prev, cur, err := s.AdvanceReadCursor(ctx, "c1", "bob", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 0, prev)
	assert.EqualValues(t, 5, cur)

	// lower value never regresses
	prev, cur, err = s.AdvanceReadCursor(ctx, "c1", "bob", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 5, prev)
	assert.EqualValues(t, 5, cur)

	got, err := s.ReadCursor(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got)
}

func TestSendersInRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newConv(t, s, "c1", "alice", "bob", "carol")
	senders := []string{"alice", "bob", "alice", "carol", "bob"}
	for i, who := range senders {
		_, err := s.Append(ctx, "c1", who, "m", fmt.Sprintf("t%d", i))
		require.NoError(t, err)
	}

	got, err := SendersInRange(ctx, s, "c1", 1, 4)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "alice", "carol"}, got)

	got, err = SendersInRange(ctx, s, "c1", 4, 4)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUnknownConversation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Append(ctx, "nope", "alice", "hi", "t1")
	assert.EqualValues(t, errs.CodeNotParticipant, errs.Code(err))
}
