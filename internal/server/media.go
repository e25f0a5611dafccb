package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/adapter"
	"github.com/mahmoudfa97/apexcam-platforms/internal/media"
	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

// DefaultReceiveReportEvery is the video frame interval between receive reports.
const DefaultReceiveReportEvery = 10

// mediaReadBufferSize fits a typical video frame in one read.
const mediaReadBufferSize = 64 * 1024

// SessionManager is the media session registry used by media connections.
type SessionManager interface {
	CreateSession(ctx context.Context, reg *protocol.MediaRegistration) (*media.Session, error)
	AppendFrame(ctx context.Context, sessionID string, pkt *protocol.MediaPacket) error
	EndSession(ctx context.Context, sessionID string) error
}

// MediaConfig configures a MediaServer.
type MediaConfig struct {
	GatewayID          string
	Addr               string
	IdleTimeout        time.Duration
	WriteTimeout       time.Duration
	BufferLimit        int
	ReceiveReportEvery int
}

// MediaServer accepts media connections.
type MediaServer struct {
	cfg      MediaConfig
	sessions SessionManager
	log      *zap.Logger

	conns  sync.Map // conn id -> *MediaConn
	wg     sync.WaitGroup
	mu     sync.Mutex
	listen net.Listener
}

// NewMediaServer creates a media server backed by sessions.
func NewMediaServer(cfg MediaConfig, sessions SessionManager, log *zap.Logger) *MediaServer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReceiveReportEvery <= 0 {
		cfg.ReceiveReportEvery = DefaultReceiveReportEvery
	}
	return &MediaServer{
		cfg:      cfg,
		sessions: sessions,
		log:      log.With(zap.String("component", "media")),
	}
}

// Addr returns the bound listener address, or nil before Serve.
func (s *MediaServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listen == nil {
		return nil
	}
	return s.listen.Addr()
}

// ListenAndServe listens on cfg.Addr and serves until ctx is done.
func (s *MediaServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts media connections until ctx is done.
func (s *MediaServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listen = ln
	s.mu.Unlock()
	s.log.Info("media server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var err error
	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = fmt.Errorf("accept: %w", aerr)
			}
			break
		}
		s.ServeConn(ctx, conn)
	}

	s.conns.Range(func(_, v interface{}) bool {
		v.(*MediaConn).Close()
		return true
	})
	s.wg.Wait()
	s.log.Info("media server stopped")
	return err
}

// ServeConn serves an accepted media connection on its own goroutine.
func (s *MediaServer) ServeConn(ctx context.Context, conn net.Conn) *MediaConn {
	id := fmt.Sprintf("%s-m-%s", s.cfg.GatewayID, uuid.NewString())
	c := newMediaConn(id, conn, s.sessions, s.cfg, s.log)
	s.conns.Store(id, c)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.conns.Delete(id)
		c.serve(ctx)
	}()
	return c
}

// Connections returns the number of live media connections.
func (s *MediaServer) Connections() int {
	n := 0
	s.conns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// MediaConn is one media socket: Idle until a registration handshake binds
// it to a session, then forwarding frames to that session.
type MediaConn struct {
	id       string
	conn     net.Conn
	log      *zap.Logger
	codec    protocol.MediaDecoder
	sessions SessionManager
	cfg      MediaConfig

	sessionID   string
	videoFrames uint64

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newMediaConn(id string, conn net.Conn, sessions SessionManager, cfg MediaConfig, log *zap.Logger) *MediaConn {
	l := log.With(zap.String("conn_id", id), zap.String("remote_addr", conn.RemoteAddr().String()))
	return &MediaConn{
		id:       id,
		conn:     conn,
		log:      l,
		codec:    adapter.NewMediaCodec(cfg.BufferLimit, l),
		sessions: sessions,
		cfg:      cfg,
	}
}

// Close closes the socket; the read loop then ends the session.
func (c *MediaConn) Close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

func (c *MediaConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *MediaConn) serve(ctx context.Context) {
	c.log.Info("new media connection")
	defer func() {
		c.Close()
		c.endSession()
	}()

	buf := make([]byte, mediaReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		n, err := c.conn.Read(buf)
		if n > 0 {
			for _, pkt := range c.codec.Feed(buf[:n]) {
				c.handlePacket(ctx, pkt)
			}
		}
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &ne) && ne.Timeout():
				c.log.Info("media connection idle timeout")
			default:
				c.log.Warn("media read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *MediaConn) handlePacket(ctx context.Context, pkt *protocol.MediaPacket) {
	switch {
	case pkt.Kind == protocol.MediaKindRegistration:
		c.register(ctx, pkt.Registration)
	case pkt.Kind == protocol.MediaControl:
		if pkt.Command == protocol.MediaCmdRequestIDR {
			c.log.Info("device requested key frame", zap.String("session_id", c.sessionID))
			return
		}
		c.log.Debug("control packet", zap.Uint16("command", pkt.Command))
	default:
		c.forward(ctx, pkt)
	}
}

func (c *MediaConn) register(ctx context.Context, reg *protocol.MediaRegistration) {
	if c.sessionID != "" && c.sessionID == reg.SessionID {
		// repeated handshake on the same socket keeps its single bind
		if err := c.write(adapter.RegistrationAck()); err != nil {
			c.log.Warn("write registration ack failed", zap.Error(err))
		}
		return
	}
	if c.sessionID != "" {
		c.endSession()
	}
	s, err := c.sessions.CreateSession(ctx, reg)
	if err != nil {
		c.log.Error("create media session failed", zap.String("session_id", reg.SessionID), zap.Error(err))
		return
	}
	c.sessionID = s.ID()
	c.videoFrames = 0
	if err := c.write(adapter.RegistrationAck()); err != nil {
		c.log.Warn("write registration ack failed", zap.Error(err))
	}
	c.log.Info("media session bound",
		zap.String("session_id", c.sessionID),
		zap.String("device_serial", reg.DeviceSerial),
		zap.Stringer("mode", reg.Mode))
}

func (c *MediaConn) forward(ctx context.Context, pkt *protocol.MediaPacket) {
	if c.sessionID == "" {
		c.log.Warn("media frame before registration dropped", zap.Stringer("packet", pkt))
		return
	}
	if err := c.sessions.AppendFrame(ctx, c.sessionID, pkt); err != nil {
		c.log.Error("append frame failed", zap.String("session_id", c.sessionID), zap.Error(err))
		return
	}
	if !pkt.Kind.IsVideo() {
		return
	}
	c.videoFrames++
	if c.videoFrames%uint64(c.cfg.ReceiveReportEvery) == 0 {
		if err := c.write(adapter.ReceiveReport(pkt.Timestamp)); err != nil {
			c.log.Warn("write receive report failed", zap.Error(err))
		}
	}
}

func (c *MediaConn) endSession() {
	if c.sessionID == "" {
		return
	}
	id := c.sessionID
	c.sessionID = ""
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.sessions.EndSession(ctx, id); err != nil {
		c.log.Error("end media session failed", zap.String("session_id", id), zap.Error(err))
	}
}
