package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the tracker by hand; the background sweeper keeps running
// but only ever sees the frozen time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(clk *fakeClock) *Tracker {
	return NewTracker(Config{
		Debounce:   5 * time.Second,
		SweepEvery: time.Hour, // tests call SweepOnce directly
		Clock:      clk.Now,
	})
}

func collect(sub *Subscription) []Record {
	var out []Record
	for {
		select {
		case rec := <-sub.C:
			out = append(out, rec)
		default:
			return out
		}
	}
}

func TestOnlineOfflineTransitions(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	defer tr.Close()

	assert.Equal(t, StatusOffline, tr.StatusOf("alice").Status)

	tr.MarkOnline("alice")
	assert.Equal(t, StatusOnline, tr.StatusOf("alice").Status)

	tr.MarkOffline("alice")
	// still online inside the debounce window
	clk.Advance(2 * time.Second)
	tr.SweepOnce(clk.Now())
	assert.Equal(t, StatusOnline, tr.StatusOf("alice").Status)

	clk.Advance(4 * time.Second)
	tr.SweepOnce(clk.Now())
	rec := tr.StatusOf("alice")
	assert.Equal(t, StatusOffline, rec.Status)
	assert.Equal(t, clk.Now(), rec.LastSeen)
}

func TestDebounceAbsorbsReconnect(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	defer tr.Close()

	tr.MarkOnline("alice")
	sub := tr.Subscribe([]string{"alice"})
	defer sub.Close()
	collect(sub) // drain snapshot

	// disconnect then reconnect inside the window
	tr.MarkOffline("alice")
	clk.Advance(2 * time.Second)
	tr.MarkOnline("alice")
	clk.Advance(10 * time.Second)
	tr.SweepOnce(clk.Now())

	assert.Equal(t, StatusOnline, tr.StatusOf("alice").Status)
	assert.Empty(t, collect(sub), "peers must observe zero offline/online pairs")
}

func TestSecondDeviceDoesNotReannounce(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	defer tr.Close()

	sub := tr.Subscribe([]string{"alice"})
	defer sub.Close()
	collect(sub)

	// the registry only calls MarkOnline on the zero-to-one transition, but
	// a redundant call must not re-announce either
	tr.MarkOnline("alice")
	tr.MarkOnline("alice")

	events := collect(sub)
	require.Len(t, events, 1)
	assert.Equal(t, StatusOnline, events[0].Status)
}

func TestSubscribeSnapshotAndFiltering(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	defer tr.Close()

	tr.MarkOnline("alice")

	sub := tr.Subscribe([]string{"alice", "bob"})
	defer sub.Close()

	snapshot := collect(sub)
	require.Len(t, snapshot, 2)
	byID := map[string]Status{}
	for _, rec := range snapshot {
		byID[rec.Identity] = rec.Status
	}
	assert.Equal(t, StatusOnline, byID["alice"])
	assert.Equal(t, StatusOffline, byID["bob"])

	// churn from an unwatched identity is invisible
	tr.MarkOnline("carol")
	assert.Empty(t, collect(sub))

	tr.MarkOnline("bob")
	events := collect(sub)
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].Identity)
}
