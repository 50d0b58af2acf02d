package presence

// Subscription is a bounded stream of presence changes for a fixed identity
// set. Delivery is best-effort: a full channel drops the update, clients are
// expected to tolerate stale presence.
type Subscription struct {
	C chan Record

	id       int64
	tracker  *Tracker
	interest map[string]struct{}
}

// Subscribe returns a stream that first replays a snapshot of the current
// state of every watched identity, then live transitions. Scoping the stream
// to conversation participants bounds fan-out cost.
func (t *Tracker) Subscribe(identities []string) *Subscription {
	sub := &Subscription{
		C:        make(chan Record, 16),
		tracker:  t,
		interest: make(map[string]struct{}, len(identities)),
	}
	for _, id := range identities {
		sub.interest[id] = struct{}{}
	}

	t.mu.Lock()
	t.nextSub++
	sub.id = t.nextSub
	t.subs[sub.id] = sub

	snapshot := make([]Record, 0, len(identities))
	for _, id := range identities {
		if st := t.recs[id]; st != nil {
			snapshot = append(snapshot, Record{Identity: id, Status: st.status, LastSeen: st.lastSeen})
		} else {
			snapshot = append(snapshot, Record{Identity: id, Status: StatusOffline})
		}
	}
	t.mu.Unlock()

	for _, rec := range snapshot {
		sub.push(rec)
	}
	return sub
}

func (s *Subscription) push(rec Record) {
	select {
	case s.C <- rec:
	default:
	}
}

func (s *Subscription) Close() {
	s.tracker.mu.Lock()
	delete(s.tracker.subs, s.id)
	s.tracker.mu.Unlock()
}

func (t *Tracker) emit(rec Record) {
	t.mu.Lock()
	targets := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		if _, ok := sub.interest[rec.Identity]; ok {
			targets = append(targets, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range targets {
		sub.push(rec)
	}
}
