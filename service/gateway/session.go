package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/logger"
	"relaychat/metrics"
	"relaychat/service/presence"
	"relaychat/service/registry"
	"relaychat/service/store"
	"relaychat/service/wire"
	"relaychat/tools/errs"
	"relaychat/tools/safe"
)

// session drives one connection: a read loop owned by the handler goroutine
// and a single writer goroutine draining the bounded outbound queue.
type session struct {
	srv  *Server
	ws   *websocket.Conn
	conn *registry.Conn

	done     chan struct{}
	doneOnce sync.Once

	presMu  sync.Mutex
	presSub *presence.Subscription
}

func newSession(s *Server, ws *websocket.Conn, conn *registry.Conn) *session {
	return &session{srv: s, ws: ws, conn: conn, done: make(chan struct{})}
}

// writePump is the only goroutine writing to the socket. A write failure
// kills the connection but never propagates past it.
func (s *session) writePump() {
	for payload := range s.conn.Out {
		_ = s.ws.SetWriteDeadline(time.Now().Add(s.srv.conf.WriteTimeout))
		if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Infof("[ws] write failed conn=%s err=%v", s.conn.ID, err)
			_ = s.ws.Close() // unblocks the read loop
			return
		}
	}
	_ = s.ws.Close()
}

func (s *session) resetIdleDeadline() {
	_ = s.ws.SetReadDeadline(time.Now().Add(s.srv.conf.IdleTimeout))
}

func (s *session) readLoop() {
	s.resetIdleDeadline()
	s.ws.SetPongHandler(func(string) error {
		s.resetIdleDeadline()
		return nil
	})

	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s", s.conn.ID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] idle timeout conn=%s", s.conn.ID)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", s.conn.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.resetIdleDeadline()

		frame, err := wire.ParseFrame(data)
		if err != nil {
			// connection-scoped protocol error, peers never see it
			s.sendError(err, "")
			continue
		}
		s.dispatch(frame)
	}
}

func (s *session) dispatch(f *wire.Frame) {
	ctx := context.Background()
	identity := s.conn.Identity

	switch f.Type {
	case wire.TypeHeartbeat:
		// deadline already extended by the read itself

	case wire.TypeSend:
		p, err := wire.DecodePayload[wire.SendPayload](f)
		if err != nil {
			s.sendError(err, "")
			return
		}
		msg, err := s.srv.router.HandleSend(ctx, identity, f.ConversationID, p.Content, p.Token, s.conn.ID)
		if err != nil {
			s.sendError(err, p.Token)
			return
		}
		s.conn.Enqueue(wire.Encode(wire.NewAckFrame(f.ConversationID, p.Token, msg.Seq)))

	case wire.TypeTypingStart, wire.TypeTypingStop:
		if err := s.srv.router.HandleTyping(ctx, identity, f.ConversationID, f.Type == wire.TypeTypingStart); err != nil {
			s.sendError(err, "")
		}

	case wire.TypeMarkRead:
		p, err := wire.DecodePayload[wire.MarkReadPayload](f)
		if err != nil {
			s.sendError(err, "")
			return
		}
		if err := s.srv.router.HandleMarkRead(ctx, identity, f.ConversationID, p.Sequence); err != nil {
			s.sendError(err, "")
		}

	case wire.TypeResume:
		p, err := wire.DecodePayload[wire.ResumePayload](f)
		if err != nil {
			s.sendError(err, "")
			return
		}
		msgs, err := s.srv.router.Replay(ctx, identity, f.ConversationID, p.LastSequence)
		if err != nil {
			s.sendError(err, "")
			return
		}
		s.replayMessages(msgs)

	case wire.TypeHistory:
		p, err := wire.DecodePayload[wire.HistoryPayload](f)
		if err != nil {
			s.sendError(err, "")
			return
		}
		msgs, err := s.srv.router.HistoryPage(ctx, identity, f.ConversationID, p.Before, p.Limit)
		if err != nil {
			s.sendError(err, "")
			return
		}
		s.replayMessages(msgs)

	case wire.TypePresenceSub:
		p, err := wire.DecodePayload[wire.PresenceSubPayload](f)
		if err != nil {
			s.sendError(err, "")
			return
		}
		s.subscribePresence(p.Identities)

	default:
		s.sendError(errs.ErrProtocol.WithDetail("unknown type "+f.Type), "")
	}
}

// replayMessages streams a replay/history page to this connection. A full
// queue aborts the stream with a queue-full error so the client re-resumes
// from its cursor instead of silently losing the tail.
func (s *session) replayMessages(msgs []store.Message) {
	for _, m := range msgs {
		ok := s.conn.Enqueue(wire.Encode(wire.NewMessageFrame(
			m.ConversationID, m.Seq, m.SenderID, m.Content, m.CreatedAtMS, true)))
		if !ok {
			s.sendError(errs.ErrQueueFull.WithDetail("replay truncated, resume again"), "")
			return
		}
	}
}

// subscribePresence replaces the session's watched identity set. The stream
// snapshots current state first, then forwards live transitions.
func (s *session) subscribePresence(identities []string) {
	sub := s.srv.tracker.Subscribe(identities)

	s.presMu.Lock()
	old := s.presSub
	s.presSub = sub
	s.presMu.Unlock()
	if old != nil {
		old.Close()
	}

	safe.Go(func() {
		for {
			select {
			case <-s.done:
				return
			case rec, ok := <-sub.C:
				if !ok {
					return
				}
				s.conn.Enqueue(wire.Encode(wire.NewPresenceFrame(
					rec.Identity, string(rec.Status), rec.LastSeen.UnixMilli())))
			}
		}
	})
}

func (s *session) sendError(err error, token string) {
	code := errs.Code(err)
	if code == 0 {
		code = errs.CodeProtocol
	}
	s.conn.Enqueue(wire.Encode(wire.NewErrorFrame(code, err.Error(), token, errs.Retryable(err))))
}

func (s *session) cleanup() {
	s.doneOnce.Do(func() { close(s.done) })

	s.presMu.Lock()
	if s.presSub != nil {
		s.presSub.Close()
		s.presSub = nil
	}
	s.presMu.Unlock()

	last := s.srv.reg.Deregister(s.conn.ID)
	s.conn.CloseOut() // ends writePump, which closes the socket
	metrics.OnlineConns.Dec()
	logger.Infof("[ws] disconnected identity=%s conn=%s last=%v", s.conn.Identity, s.conn.ID, last)
}
