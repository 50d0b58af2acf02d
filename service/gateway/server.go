package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"relaychat/auth"
	"relaychat/logger"
	"relaychat/metrics"
	"relaychat/service/presence"
	"relaychat/service/registry"
	"relaychat/service/router"
	"relaychat/tools/errs"
	"relaychat/tools/ids"
	"relaychat/tools/safe"
)

type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendQueueSize   int
	IdleTimeout     time.Duration // forcibly disconnect without a heartbeat
	WriteTimeout    time.Duration
}

func (c *Config) norm() {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Server is the protocol-facing component: it authenticates the upgrade,
// registers the connection, and translates wire frames to router calls.
type Server struct {
	conf     Config
	auth     auth.Authenticator
	reg      *registry.Registry
	tracker  *presence.Tracker
	router   *router.Router
	upgrader websocket.Upgrader
}

func NewServer(conf Config, a auth.Authenticator, reg *registry.Registry, tracker *presence.Tracker, rt *router.Router) *Server {
	conf.norm()
	return &Server{
		conf:    conf,
		auth:    a,
		reg:     reg,
		tracker: tracker,
		router:  rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  conf.ReadBufferSize,
			WriteBufferSize: conf.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS is the /ws endpoint. Auth happens on the HTTP request before the
// upgrade: a rejected handshake never registers a connection.
func (s *Server) HandleWS(c *gin.Context) {
	identity, err := s.auth.Authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": errs.CodeAuth, "msg": err.Error()})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed identity=%s err=%v", identity, err)
		return
	}

	conn := registry.NewConn(ids.GenerateString(), identity, s.conf.SendQueueSize)
	first := s.reg.Register(conn)
	metrics.OnlineConns.Inc()
	logger.Infof("[ws] connected identity=%s conn=%s first=%v", identity, conn.ID, first)

	sess := newSession(s, ws, conn)
	safe.Go(sess.writePump)
	sess.readLoop()
	sess.cleanup()
}
