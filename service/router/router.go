package router

import (
	"context"
	"sync"
	"time"

	"relaychat/logger"
	"relaychat/metrics"
	"relaychat/service/notify"
	"relaychat/service/registry"
	"relaychat/service/store"
	"relaychat/service/wire"
	"relaychat/tools/errs"
)

// Deliverer is the slice of the connection registry the router needs.
type Deliverer interface {
	Broadcast(identities []string, payload []byte)
	BroadcastOrdered(key string, identities []string, exceptConnID string, payload []byte)
	ConnectionsFor(identity string) []*registry.Conn
}

// ClusterPresence answers whether an identity is connected to any gateway
// node. Backed by the redis presence mirror; nil means single-node and only
// local connections count.
type ClusterPresence interface {
	Lookup(ctx context.Context, identity string) (nodeID string, online bool, err error)
}

type Config struct {
	AppendTimeout time.Duration // store append deadline before failing retryable
	TypingTTL     time.Duration
	Clock         func() time.Time
}

// Router validates and sequences inbound events and decides delivery
// targets.
type Router struct {
	store    store.ConversationStore
	deliver  Deliverer
	notifier notify.Dispatcher
	typing   *TypingTable
	cluster  ClusterPresence

	// sendMu keeps append and fan-out submission in the same order per
	// conversation so recipients observe messages in sequence order. The
	// store additionally serializes its own appends (required for
	// multi-process backends); that overlap is deliberate, not assumed.
	sendMu   sync.Mutex
	convLock map[string]*sync.Mutex

	appendTimeout time.Duration
	clock         func() time.Time
}

func (r *Router) lockConv(conv string) *sync.Mutex {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	mu := r.convLock[conv]
	if mu == nil {
		mu = &sync.Mutex{}
		r.convLock[conv] = mu
	}
	return mu
}

func New(s store.ConversationStore, d Deliverer, n notify.Dispatcher, conf Config) *Router {
	if conf.AppendTimeout <= 0 {
		conf.AppendTimeout = 5 * time.Second
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	r := &Router{
		store:         s,
		deliver:       d,
		notifier:      n,
		convLock:      make(map[string]*sync.Mutex),
		appendTimeout: conf.AppendTimeout,
		clock:         conf.Clock,
	}
	r.typing = NewTypingTable(TypingConfig{
		TTL:   conf.TypingTTL,
		Clock: conf.Clock,
		OnExpire: func(conv, identity string) {
			r.fanTyping(context.Background(), conv, identity, false)
		},
	})
	return r
}

func (r *Router) Close() { r.typing.Close() }

// SetClusterPresence installs the cross-node presence check; call before
// serving.
func (r *Router) SetClusterPresence(c ClusterPresence) { r.cluster = c }

// Typing exposes the table for tests and the gateway's cleanup path.
func (r *Router) Typing() *TypingTable { return r.typing }

func (r *Router) participants(ctx context.Context, conv, identity string) ([]string, error) {
	parts, err := r.store.Participants(ctx, conv)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		if p == identity {
			return parts, nil
		}
	}
	return nil, errs.ErrNotParticipant.WithDetail("identity " + identity + " conv " + conv)
}

func others(parts []string, identity string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != identity {
			out = append(out, p)
		}
	}
	return out
}

// HandleSend appends the message and fans it out. originConnID names the
// sender's own connection so its other devices still get the message while
// the origin only receives the ack.
func (r *Router) HandleSend(ctx context.Context, sender, conv, content, token, originConnID string) (*store.Message, error) {
	if token == "" {
		return nil, errs.ErrProtocol.WithDetail("missing idempotency token")
	}
	parts, err := r.participants(ctx, conv, sender)
	if err != nil {
		return nil, err
	}

	mu := r.lockConv(conv)
	mu.Lock()
	appendCtx, cancel := context.WithTimeout(ctx, r.appendTimeout)
	msg, err := r.store.Append(appendCtx, conv, sender, content, token)
	cancel()
	if err != nil {
		mu.Unlock()
		if errs.Code(err) == 0 {
			// store surfaced a raw failure; retryable by contract, the token
			// makes the retry safe
			err = errs.ErrStoreUnavailable.WrapMsg(err.Error(), "conv", conv)
		}
		return nil, err
	}
	frame := wire.Encode(wire.NewMessageFrame(conv, msg.Seq, msg.SenderID, msg.Content, msg.CreatedAtMS, false))
	r.deliver.BroadcastOrdered(conv, parts, originConnID, frame)
	mu.Unlock()

	metrics.MessagesAppended.Inc()

	// A message implies the sender stopped typing; no separate stop event.
	r.typing.Stop(conv, sender)

	for _, recipient := range others(parts, sender) {
		if len(r.deliver.ConnectionsFor(recipient)) > 0 {
			continue
		}
		if r.cluster != nil {
			if _, online, err := r.cluster.Lookup(ctx, recipient); err == nil && online {
				// connected to another node, the backplane delivers live
				continue
			}
		}
		if err := r.notifier.Enqueue(ctx, recipient, conv, msg.Seq); err != nil {
			// enqueue failure never fails the sender's operation
			logger.Errorf("notify enqueue failed recipient=%s conv=%s seq=%d err=%v",
				recipient, conv, msg.Seq, err)
			continue
		}
		metrics.NotificationsEnqueued.Inc()
	}
	return msg, nil
}

// HandleTyping updates the ephemeral typing state and fans a lossy typing
// event to the other participants.
func (r *Router) HandleTyping(ctx context.Context, identity, conv string, start bool) error {
	if _, err := r.participants(ctx, conv, identity); err != nil {
		return err
	}
	if start {
		r.typing.Start(conv, identity)
	} else if !r.typing.Stop(conv, identity) {
		return nil // idle stop, nothing to announce
	}
	r.fanTyping(ctx, conv, identity, start)
	return nil
}

func (r *Router) fanTyping(ctx context.Context, conv, identity string, active bool) {
	parts, err := r.store.Participants(ctx, conv)
	if err != nil {
		return
	}
	frame := wire.Encode(wire.NewTypingFrame(conv, identity, active))
	r.deliver.Broadcast(others(parts, identity), frame)
}

// HandleMarkRead advances the reader's cursor (monotone) and fans a read
// receipt to the senders of the newly covered messages.
func (r *Router) HandleMarkRead(ctx context.Context, identity, conv string, upTo int64) error {
	if _, err := r.participants(ctx, conv, identity); err != nil {
		return err
	}
	prev, cur, err := r.store.AdvanceReadCursor(ctx, conv, identity, upTo)
	if err != nil {
		return err
	}
	if cur <= prev {
		return nil // regression attempt, no-op
	}
	senders, err := store.SendersInRange(ctx, r.store, conv, prev, cur)
	if err != nil {
		logger.Warnf("read receipt range lookup failed conv=%s err=%v", conv, err)
		return nil
	}
	frame := wire.Encode(wire.NewReadReceiptFrame(conv, identity, cur))
	targets := senders[:0]
	for _, s := range senders {
		if s != identity {
			targets = append(targets, s)
		}
	}
	if len(targets) > 0 {
		r.deliver.Broadcast(targets, frame)
	}
	return nil
}

// Replay returns every message the client missed after its declared last
// seen sequence, ascending. Backs the reconnect at-least-once contract.
func (r *Router) Replay(ctx context.Context, identity, conv string, lastSeen int64) ([]store.Message, error) {
	if _, err := r.participants(ctx, conv, identity); err != nil {
		return nil, err
	}
	return store.ReplaySince(ctx, r.store, conv, lastSeen, 100)
}

// HistoryPage is the participant-checked history fetch for the wire-level
// history operation.
func (r *Router) HistoryPage(ctx context.Context, identity, conv string, before int64, limit int) ([]store.Message, error) {
	if _, err := r.participants(ctx, conv, identity); err != nil {
		return nil, err
	}
	return r.store.History(ctx, conv, before, limit)
}
