package presence

import (
	"context"
	"sync"
	"time"

	"relaychat/logger"
	"relaychat/metrics"
	"relaychat/tools/safe"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Record is the externally visible presence of one identity.
type Record struct {
	Identity string
	Status   Status
	LastSeen time.Time
}

// Mirror replicates presence transitions to an external store (redis) so
// other nodes can answer StatusOf. Optional.
type Mirror interface {
	Online(ctx context.Context, identity string) error
	Offline(ctx context.Context, identity string) error
}

type Config struct {
	Debounce   time.Duration    // offline is announced this long after the last disconnect
	SweepEvery time.Duration    // reaper period
	Clock      func() time.Time // injectable for tests; nil => time.Now
}

func (c *Config) norm() {
	if c.Debounce <= 0 {
		c.Debounce = 5 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type state struct {
	status           Status
	lastSeen         time.Time
	pendingOfflineAt time.Time // zero when no debounce armed
}

// Tracker owns the per-identity presence state machine:
// offline -> online on first connection, online -> offline once the debounce
// window expires with zero connections. The registry is the only writer.
type Tracker struct {
	mu      sync.Mutex
	recs    map[string]*state
	subs    map[int64]*Subscription
	nextSub int64

	conf     Config
	mirror   Mirror
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewTracker(conf Config) *Tracker {
	conf.norm()
	t := &Tracker{
		recs:   make(map[string]*state),
		subs:   make(map[int64]*Subscription),
		conf:   conf,
		stopCh: make(chan struct{}),
	}
	safe.Go(t.sweeper)
	return t
}

// SetMirror installs the external replica; call before serving.
func (t *Tracker) SetMirror(m Mirror) { t.mirror = m }

func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// MarkOnline is called by the registry on an identity's zero-to-one
// connection transition. A reconnect inside the debounce window cancels the
// pending offline without announcing anything.
func (t *Tracker) MarkOnline(identity string) {
	now := t.conf.Clock()

	t.mu.Lock()
	st := t.recs[identity]
	if st == nil {
		st = &state{status: StatusOffline}
		t.recs[identity] = st
	}
	st.pendingOfflineAt = time.Time{}
	announce := st.status != StatusOnline
	st.status = StatusOnline
	st.lastSeen = now
	t.mu.Unlock()

	if !announce {
		return
	}
	metrics.PresenceTransitions.WithLabelValues(string(StatusOnline)).Inc()
	t.emit(Record{Identity: identity, Status: StatusOnline, LastSeen: now})
	// Replication is best-effort and must not block the registry; the key
	// TTL bounds any staleness from a lost or reordered write.
	safe.Go(func() { t.mirrorOnline(identity) })
}

// MarkOffline arms the offline debounce; called by the registry when the
// identity's last connection went away.
func (t *Tracker) MarkOffline(identity string) {
	now := t.conf.Clock()

	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.recs[identity]
	if st == nil || st.status != StatusOnline {
		return
	}
	st.pendingOfflineAt = now.Add(t.conf.Debounce)
}

func (t *Tracker) StatusOf(identity string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.recs[identity]
	if st == nil {
		return Record{Identity: identity, Status: StatusOffline}
	}
	return Record{Identity: identity, Status: st.status, LastSeen: st.lastSeen}
}

func (t *Tracker) sweeper() {
	ticker := time.NewTicker(t.conf.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.SweepOnce(t.conf.Clock())
		}
	}
}

// SweepOnce fires every expired offline debounce. Exported for tests that
// drive the clock by hand.
func (t *Tracker) SweepOnce(now time.Time) {
	var expired []Record

	t.mu.Lock()
	for id, st := range t.recs {
		if st.pendingOfflineAt.IsZero() || now.Before(st.pendingOfflineAt) {
			continue
		}
		st.status = StatusOffline
		st.lastSeen = now
		st.pendingOfflineAt = time.Time{}
		expired = append(expired, Record{Identity: id, Status: StatusOffline, LastSeen: now})
	}
	t.mu.Unlock()

	for _, rec := range expired {
		metrics.PresenceTransitions.WithLabelValues(string(StatusOffline)).Inc()
		t.emit(rec)
		identity := rec.Identity
		safe.Go(func() { t.mirrorOffline(identity) })
	}
}

func (t *Tracker) mirrorOnline(identity string) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.mirror.Online(ctx, identity); err != nil {
		logger.Warnf("presence mirror online failed identity=%s err=%v", identity, err)
	}
}

func (t *Tracker) mirrorOffline(identity string) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.mirror.Offline(ctx, identity); err != nil {
		logger.Warnf("presence mirror offline failed identity=%s err=%v", identity, err)
	}
}
