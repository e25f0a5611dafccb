package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/eventbus"
	"github.com/mahmoudfa97/apexcam-platforms/internal/media"
	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeTimeout = 10 * time.Second
)

const (
	tapBuffer       = 256
	shutdownTimeout = 5 * time.Second
)

// SessionLister lists active media sessions.
type SessionLister interface {
	List() []media.Info
}

// CommandSender delivers downlink commands.
type CommandSender interface {
	Send(ctx context.Context, req model.SendCommandRequest) (*model.CommandResponse, error)
}

// HTTPServer is the gateway management API.
type HTTPServer struct {
	addr      string
	gatewayID string
	signaling *SignalingServer
	sessions  SessionLister
	commands  CommandSender
	tap       *eventbus.Tap
	log       *zap.Logger
	router    *gin.Engine
}

// NewHTTPServer wires the management routes. tap may be nil, which disables /ws/events.
func NewHTTPServer(addr, gatewayID string, signaling *SignalingServer, sessions SessionLister, commands CommandSender, tap *eventbus.Tap, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &HTTPServer{
		addr:      addr,
		gatewayID: gatewayID,
		signaling: signaling,
		sessions:  sessions,
		commands:  commands,
		tap:       tap,
		log:       log.With(zap.String("component", "http")),
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/sessions", s.handleSessions)
	s.router.GET("/media/sessions", s.handleMediaSessions)
	s.router.POST("/send-command", s.handleSendCommand)
	if tap != nil {
		s.router.GET("/ws/events", s.handleEvents)
	}
	return s
}

// Handler returns the router.
func (s *HTTPServer) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is done.
func (s *HTTPServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *HTTPServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":      "ok",
		"gateway_id":  s.gatewayID,
		"connections": s.signaling.Registry().Len(),
	}
	if s.sessions != nil {
		health["media_sessions"] = len(s.sessions.List())
	}
	if s.tap != nil {
		health["event_viewers"] = s.tap.Subscribers()
	}
	c.JSON(http.StatusOK, health)
}

func (s *HTTPServer) handleSessions(c *gin.Context) {
	sessions := s.signaling.Registry().List()
	if sessions == nil {
		sessions = []ConnInfo{}
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *HTTPServer) handleMediaSessions(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusOK, []media.Info{})
		return
	}
	c.JSON(http.StatusOK, s.sessions.List())
}

func (s *HTTPServer) handleSendCommand(c *gin.Context) {
	var req model.SendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.commands.Send(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, ErrNotConnected):
		c.JSON(http.StatusNotFound, resp)
	case errors.Is(err, ErrEmptyCommand):
		c.JSON(http.StatusBadRequest, resp)
	default:
		c.JSON(http.StatusInternalServerError, resp)
	}
}

// handleEvents streams every published event to a websocket client. The
// optional "topic" query parameter keeps only topics with that prefix.
func (s *HTTPServer) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	prefix := c.Query("topic")

	events, cancel := s.tap.Subscribe(tapBuffer)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			if prefix != "" && !strings.HasPrefix(env.Topic, prefix) {
				continue
			}
			data, err := json.Marshal(env)
			if err != nil {
				s.log.Error("marshal event failed", zap.String("topic", env.Topic), zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
