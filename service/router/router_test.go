package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/service/notify"
	"relaychat/service/registry"
	"relaychat/service/store"
	"relaychat/service/wire"
	"relaychat/tools/errs"
)

// fakeDeliverer records fan-out synchronously so tests can assert on exact
// delivery order without racing worker goroutines.
type fakeDeliverer struct {
	mu     sync.Mutex
	online map[string][]*registry.Conn
	sent   []broadcastCall
}

type broadcastCall struct {
	key        string
	identities []string
	except     string
	payload    []byte
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{online: make(map[string][]*registry.Conn)}
}

func (d *fakeDeliverer) setOnline(identity string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online[identity] = nil
	for i := 0; i < n; i++ {
		d.online[identity] = append(d.online[identity],
			registry.NewConn(fmt.Sprintf("%s-%d", identity, i), identity, 8))
	}
}

func (d *fakeDeliverer) Broadcast(identities []string, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, broadcastCall{identities: identities, payload: payload})
}

func (d *fakeDeliverer) BroadcastOrdered(key string, identities []string, except string, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, broadcastCall{key: key, identities: identities, except: except, payload: payload})
}

func (d *fakeDeliverer) ConnectionsFor(identity string) []*registry.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online[identity]
}

func (d *fakeDeliverer) calls() []broadcastCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]broadcastCall(nil), d.sent...)
}

func (d *fakeDeliverer) framesOfType(ft string) []map[string]any {
	var out []map[string]any
	for _, call := range d.calls() {
		var m map[string]any
		if err := json.Unmarshal(call.payload, &m); err == nil && m["type"] == ft {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	store   *store.MemoryStore
	deliver *fakeDeliverer
	notif   *notify.MemoryDispatcher
	router  *Router
}

func newFixture(t *testing.T, participants ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		deliver: newFakeDeliverer(),
		notif:   notify.NewMemoryDispatcher(),
	}
	require.NoError(t, f.store.EnsureConversation(context.Background(), "c1", participants))
	f.router = New(f.store, f.deliver, f.notif, Config{
		AppendTimeout: time.Second,
		TypingTTL:     6 * time.Second,
	})
	t.Cleanup(f.router.Close)
	for _, p := range participants {
		f.deliver.setOnline(p, 1)
	}
	return f
}

func TestHandleSendSequencesAndFansOut(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	msg, err := f.router.HandleSend(ctx, "alice", "c1", "hi", "t1", "alice-0")
	require.NoError(t, err)
	assert.EqualValues(t, 1, msg.Seq)

	calls := f.deliver.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].key)
	assert.ElementsMatch(t, []string{"alice", "bob"}, calls[0].identities)
	assert.Equal(t, "alice-0", calls[0].except, "origin device must not get the echo")

	frames := f.deliver.framesOfType(wire.TypeMessage)
	require.Len(t, frames, 1)
	assert.EqualValues(t, 1, frames[0]["sequence"])
	assert.Equal(t, "alice", frames[0]["sender"])

	// everyone was online, nothing queued
	assert.Empty(t, f.notif.Drain())
}

func TestHandleSendConcurrentOrderingMatchesSequences(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.router.HandleSend(ctx, "alice", "c1", "m", fmt.Sprintf("t%d", i), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// fan-out submission order must equal assigned sequence order: this is
	// what every participant observes
	frames := f.deliver.framesOfType(wire.TypeMessage)
	require.Len(t, frames, n)
	for i, fr := range frames {
		assert.EqualValues(t, i+1, fr["sequence"])
	}
}

func TestHandleSendIdempotentRetry(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	first, err := f.router.HandleSend(ctx, "alice", "c1", "hi", "t1", "")
	require.NoError(t, err)
	second, err := f.router.HandleSend(ctx, "alice", "c1", "hi again", "t1", "")
	require.NoError(t, err)

	assert.EqualValues(t, 1, first.Seq)
	assert.EqualValues(t, 1, second.Seq, "retry returns the original sequence, not 2")
	assert.Equal(t, "hi", second.Content)

	max, err := f.store.MaxSeq(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, max, "store contains exactly one message")
}

func TestHandleSendRejectsNonParticipant(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	_, err := f.router.HandleSend(context.Background(), "mallory", "c1", "hi", "t1", "")
	assert.EqualValues(t, errs.CodeNotParticipant, errs.Code(err))
	assert.Empty(t, f.deliver.calls(), "no fan-out on a rejected send")
}

func TestHandleSendRequiresToken(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	_, err := f.router.HandleSend(context.Background(), "alice", "c1", "hi", "", "")
	assert.EqualValues(t, errs.CodeProtocol, errs.Code(err))
}

func TestOfflineParticipantGetsNotification(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.router.HandleSend(ctx, "alice", "c1", "hi", "t1", "")
	require.NoError(t, err)
	require.Empty(t, f.notif.Pending("bob"))

	// B goes offline, A sends again
	f.deliver.setOnline("bob", 0)
	msg, err := f.router.HandleSend(ctx, "alice", "c1", "still there?", "t2", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, msg.Seq)

	pending := f.notif.Pending("bob")
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].ConversationID)
	assert.EqualValues(t, 2, pending[0].Seq)

	// a retry of the same send must not enqueue a second record
	_, err = f.router.HandleSend(ctx, "alice", "c1", "still there?", "t2", "")
	require.NoError(t, err)
	assert.Len(t, f.notif.Pending("bob"), 1)
}

// flakyStore fails Append on demand; everything else is the real memory
// store.
type flakyStore struct {
	*store.MemoryStore
	failing bool
}

func (s *flakyStore) Append(ctx context.Context, conv, sender, content, token string) (*store.Message, error) {
	if s.failing {
		return nil, fmt.Errorf("write timeout")
	}
	return s.MemoryStore.Append(ctx, conv, sender, content, token)
}

func TestAppendFailureNoAckNoFanout(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failing: true}
	require.NoError(t, fs.EnsureConversation(ctx, "c1", []string{"alice", "bob"}))

	deliver := newFakeDeliverer()
	notif := notify.NewMemoryDispatcher()
	rt := New(fs, deliver, notif, Config{AppendTimeout: time.Second, TypingTTL: 6 * time.Second})
	t.Cleanup(rt.Close)
	deliver.setOnline("alice", 1)
	deliver.setOnline("bob", 0)

	_, err := rt.HandleSend(ctx, "alice", "c1", "hi", "t1", "")
	require.Error(t, err)
	assert.EqualValues(t, errs.CodeStoreUnavailable, errs.Code(err))
	assert.True(t, errs.Retryable(err), "the client retries with the same token")
	assert.Empty(t, deliver.calls(), "no fan-out on a failed append")
	assert.Empty(t, notif.Drain(), "no notification on a failed append")

	// the store recovers and the retry lands as the first message
	fs.failing = false
	msg, err := rt.HandleSend(ctx, "alice", "c1", "hi", "t1", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, msg.Seq)
	assert.Len(t, deliver.framesOfType(wire.TypeMessage), 1)
}

// stubCluster plays the redis presence mirror for the cross-node check.
type stubCluster struct {
	mu     sync.Mutex
	online map[string]bool
}

func (s *stubCluster) Lookup(_ context.Context, identity string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "gw-2", s.online[identity], nil
}

func (s *stubCluster) set(identity string, online bool) {
	s.mu.Lock()
	s.online[identity] = online
	s.mu.Unlock()
}

func TestRemoteOnlineRecipientSkipsNotification(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	f.deliver.setOnline("bob", 0)

	cluster := &stubCluster{online: map[string]bool{"bob": true}}
	f.router.SetClusterPresence(cluster)

	// bob has no local connection but is online on another node
	_, err := f.router.HandleSend(ctx, "alice", "c1", "hi", "t1", "")
	require.NoError(t, err)
	assert.Empty(t, f.notif.Pending("bob"), "backplane delivers live, no notification")

	cluster.set("bob", false)
	_, err = f.router.HandleSend(ctx, "alice", "c1", "still there?", "t2", "")
	require.NoError(t, err)
	assert.Len(t, f.notif.Pending("bob"), 1)
}

func TestReplayAfterReconnect(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		_, err := f.router.HandleSend(ctx, "alice", "c1", fmt.Sprintf("m%d", i), fmt.Sprintf("t%d", i), "")
		require.NoError(t, err)
	}

	msgs, err := f.router.Replay(ctx, "bob", "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "exactly the gap, no duplicates")
	assert.EqualValues(t, 11, msgs[0].Seq)
	assert.EqualValues(t, 12, msgs[1].Seq)

	_, err = f.router.Replay(ctx, "mallory", "c1", 0)
	assert.EqualValues(t, errs.CodeNotParticipant, errs.Code(err))
}

func TestMarkReadFansReceiptToSenders(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	_, err := f.router.HandleSend(ctx, "alice", "c1", "m1", "t1", "")
	require.NoError(t, err)
	_, err = f.router.HandleSend(ctx, "carol", "c1", "m2", "t2", "")
	require.NoError(t, err)

	require.NoError(t, f.router.HandleMarkRead(ctx, "bob", "c1", 2))

	receipts := f.deliver.framesOfType(wire.TypeReadReceipt)
	require.Len(t, receipts, 1)
	assert.Equal(t, "bob", receipts[0]["reader"])
	assert.EqualValues(t, 2, receipts[0]["up_to"])

	var target broadcastCall
	for _, call := range f.deliver.calls() {
		var m map[string]any
		_ = json.Unmarshal(call.payload, &m)
		if m["type"] == wire.TypeReadReceipt {
			target = call
		}
	}
	assert.ElementsMatch(t, []string{"alice", "carol"}, target.identities,
		"receipt goes to the covered senders only")

	// regression is a no-op and fans nothing
	require.NoError(t, f.router.HandleMarkRead(ctx, "bob", "c1", 1))
	assert.Len(t, f.deliver.framesOfType(wire.TypeReadReceipt), 1)
}

func TestTypingFanOutAndTTL(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, f.router.HandleTyping(ctx, "alice", "c1", true))
	assert.True(t, f.router.Typing().Active("c1", "alice"))

	frames := f.deliver.framesOfType(wire.TypeTyping)
	require.Len(t, frames, 1)
	assert.Equal(t, true, frames[0]["active"])

	// the reaper expires the entry and announces the stop
	f.router.Typing().SweepOnce(time.Now().Add(time.Minute))
	assert.False(t, f.router.Typing().Active("c1", "alice"))
	frames = f.deliver.framesOfType(wire.TypeTyping)
	require.Len(t, frames, 2)
	assert.Equal(t, false, frames[1]["active"])

	// an idle stop announces nothing
	require.NoError(t, f.router.HandleTyping(ctx, "alice", "c1", false))
	assert.Len(t, f.deliver.framesOfType(wire.TypeTyping), 2)
}

func TestSendClearsTypingState(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, f.router.HandleTyping(ctx, "alice", "c1", true))
	_, err := f.router.HandleSend(ctx, "alice", "c1", "done typing", "t1", "")
	require.NoError(t, err)
	assert.False(t, f.router.Typing().Active("c1", "alice"))
}
