package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one queued offline notification. Consumed by the external
// delivery collaborator (email/push); the engine's contract ends at durable
// enqueue.
type Record struct {
	ID             string `json:"id"`
	Recipient      string `json:"recipient"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	EnqueuedAtMS   int64  `json:"enqueued_at_ms"`
}

// Dispatcher enqueues notifications for participants with no live
// connection. Enqueue is idempotent on (recipient, conversation, seq).
type Dispatcher interface {
	Enqueue(ctx context.Context, recipient, conversationID string, seq int64) error
}

// MemoryDispatcher is the in-process reference queue.
type MemoryDispatcher struct {
	mu   sync.Mutex
	seen map[recordKey]struct{}
	q    []Record
}

type recordKey struct {
	recipient string
	conv      string
	seq       int64
}

func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{seen: make(map[recordKey]struct{})}
}

func (d *MemoryDispatcher) Enqueue(_ context.Context, recipient, conversationID string, seq int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := recordKey{recipient, conversationID, seq}
	if _, dup := d.seen[k]; dup {
		return nil
	}
	d.seen[k] = struct{}{}
	d.q = append(d.q, Record{
		ID:             uuid.NewString(),
		Recipient:      recipient,
		ConversationID: conversationID,
		Seq:            seq,
		EnqueuedAtMS:   time.Now().UnixMilli(),
	})
	return nil
}

// Drain hands the queued records to a delivery collaborator and empties the
// queue. Dedup state is kept so re-enqueues stay no-ops.
func (d *MemoryDispatcher) Drain() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.q
	d.q = nil
	return out
}

// Pending returns queued records for one recipient without consuming them.
func (d *MemoryDispatcher) Pending(recipient string) []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Record
	for _, r := range d.q {
		if r.Recipient == recipient {
			out = append(out, r)
		}
	}
	return out
}
