package registry

import (
	"sync"

	"relaychat/metrics"
)

// Conn is one live connection of an identity. Out is the bounded outbound
// queue consumed by the gateway's single writer goroutine; Enqueue never
// blocks, a full queue drops the event (drop-new).
type Conn struct {
	ID       string
	Identity string
	Out      chan []byte

	closeOnce sync.Once
}

func NewConn(id, identity string, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Conn{ID: id, Identity: identity, Out: make(chan []byte, queueSize)}
}

// Enqueue queues payload for delivery. Returns false when dropped.
func (c *Conn) Enqueue(payload []byte) bool {
	defer func() {
		// Send on a closed Out races with disconnect; a dropped event on a
		// dying connection is within the best-effort contract.
		_ = recover()
	}()
	select {
	case c.Out <- payload:
		metrics.FanoutDelivered.Inc()
		return true
	default:
		metrics.FanoutDropped.Inc()
		return false
	}
}

// CloseOut closes the outbound queue exactly once; called by the owner
// (gateway) after deregistration.
func (c *Conn) CloseOut() {
	c.closeOnce.Do(func() { close(c.Out) })
}
