package router

import (
	"sync"
	"time"

	"relaychat/tools/safe"
)

type typingKey struct {
	conv     string
	identity string
}

// TypingTable holds ephemeral (conversation, identity) -> expiry state.
// Never persisted; a reaper clears expired entries and notifies via the
// expire hook so peers see the indicator go away even without an explicit
// stop event.
type TypingTable struct {
	mu sync.Mutex
	m  map[typingKey]time.Time

	ttl      time.Duration
	clock    func() time.Time
	onExpire func(conv, identity string)

	stopCh   chan struct{}
	stopOnce sync.Once
}

type TypingConfig struct {
	TTL        time.Duration
	SweepEvery time.Duration
	Clock      func() time.Time
	OnExpire   func(conv, identity string)
}

func NewTypingTable(conf TypingConfig) *TypingTable {
	if conf.TTL <= 0 {
		conf.TTL = 6 * time.Second
	}
	if conf.SweepEvery <= 0 {
		conf.SweepEvery = time.Second
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	t := &TypingTable{
		m:        make(map[typingKey]time.Time),
		ttl:      conf.TTL,
		clock:    conf.Clock,
		onExpire: conf.OnExpire,
		stopCh:   make(chan struct{}),
	}
	safe.Go(func() { t.reaper(conf.SweepEvery) })
	return t
}

func (t *TypingTable) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *TypingTable) Start(conv, identity string) {
	t.mu.Lock()
	t.m[typingKey{conv, identity}] = t.clock().Add(t.ttl)
	t.mu.Unlock()
}

// Stop removes the entry; returns false when there was none (no stop event
// needs fanning out then).
func (t *TypingTable) Stop(conv, identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := typingKey{conv, identity}
	if _, ok := t.m[k]; !ok {
		return false
	}
	delete(t.m, k)
	return true
}

func (t *TypingTable) Active(conv, identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.m[typingKey{conv, identity}]
	return ok && t.clock().Before(exp)
}

func (t *TypingTable) reaper(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.SweepOnce(t.clock())
		}
	}
}

// SweepOnce expires stale entries. Exported for clock-driven tests.
func (t *TypingTable) SweepOnce(now time.Time) {
	var expired []typingKey
	t.mu.Lock()
	for k, exp := range t.m {
		if !now.Before(exp) {
			delete(t.m, k)
			expired = append(expired, k)
		}
	}
	t.mu.Unlock()

	if t.onExpire == nil {
		return
	}
	for _, k := range expired {
		t.onExpire(k.conv, k.identity)
	}
}
