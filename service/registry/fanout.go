package registry

import (
	"hash/fnv"

	"relaychat/tools/safe"
)

type fanoutJob struct {
	conns   []*Conn
	payload []byte
}

// Fanout decouples delivery from the caller. Jobs are sharded onto workers
// by key, so two broadcasts with the same key (one conversation) pass
// through the same worker in submission order. Delivery order then matches
// sequence order per conversation.
type Fanout struct {
	jobs []chan fanoutJob
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 256
	}
	f := &Fanout{jobs: make([]chan fanoutJob, workers)}
	for i := range f.jobs {
		ch := make(chan fanoutJob, queue)
		f.jobs[i] = ch
		safe.Go(func() {
			for job := range ch {
				for _, c := range job.conns {
					c.Enqueue(job.payload)
				}
			}
		})
	}
	return f
}

func (f *Fanout) Broadcast(key string, conns []*Conn, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	f.jobs[f.shard(key)] <- fanoutJob{conns: conns, payload: payload}
}

func (f *Fanout) shard(key string) int {
	if len(f.jobs) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(f.jobs)))
}

func (f *Fanout) Close() {
	for _, ch := range f.jobs {
		close(ch)
	}
}
