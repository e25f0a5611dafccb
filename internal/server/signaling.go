// Package server runs the signaling and media TCP listeners, the management
// HTTP API and the downlink consumer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/event"
	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

// DefaultIdleTimeout closes connections that send nothing for this long.
const DefaultIdleTimeout = 5 * time.Minute

// DefaultWriteTimeout bounds a single write to a device socket.
const DefaultWriteTimeout = 10 * time.Second

const (
	lifecycleBuffer = 64
	teardownTimeout = 5 * time.Second
)

// ErrNotConnected is returned when no registered connection exists for a device.
var ErrNotConnected = errors.New("device not connected")

// Presence is the shared device-to-gateway session map.
type Presence interface {
	Register(ctx context.Context, serial, connID, remoteAddr string) error
	Touch(ctx context.Context, serial string) error
	UpdateShadow(ctx context.Context, s model.DeviceShadow) error
	Remove(ctx context.Context, serial string) error
}

// StatusStore records device connection state.
type StatusStore interface {
	SetDeviceStatus(ctx context.Context, serial string, status model.DeviceStatus) error
}

// SignalingConfig configures a SignalingServer.
type SignalingConfig struct {
	GatewayID    string
	Addr         string
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	BufferLimit  int
}

// SignalingServer accepts device signaling connections. It owns the
// connection registry and consumes connection lifecycle events.
type SignalingServer struct {
	cfg      SignalingConfig
	handler  CommandHandler
	bus      event.Publisher
	presence Presence
	status   StatusStore
	log      *zap.Logger

	registry Registry
	events   chan LifecycleEvent
	conns    sync.WaitGroup

	// offlineAt is owned by the lifecycle goroutine.
	offlineAt map[string]time.Time

	mu       sync.Mutex
	listener net.Listener
}

// SignalingOption configures optional collaborators.
type SignalingOption func(*SignalingServer)

// WithPresence mirrors registrations into the shared presence map.
func WithPresence(p Presence) SignalingOption {
	return func(s *SignalingServer) { s.presence = p }
}

// WithStatusStore records online/offline transitions on the device row.
func WithStatusStore(st StatusStore) SignalingOption {
	return func(s *SignalingServer) { s.status = st }
}

// NewSignalingServer creates a server; bus receives device.status offline events.
func NewSignalingServer(cfg SignalingConfig, h CommandHandler, bus event.Publisher, log *zap.Logger, opts ...SignalingOption) *SignalingServer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	s := &SignalingServer{
		cfg:     cfg,
		handler: h,
		bus:     bus,
		log:     log.With(zap.String("component", "signaling")),
		events:  make(chan LifecycleEvent, lifecycleBuffer),

		offlineAt: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the live connections.
func (s *SignalingServer) Registry() *Registry { return &s.registry }

// Addr returns the bound listener address, or nil before Serve.
func (s *SignalingServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on cfg.Addr and serves until ctx is done.
func (s *SignalingServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// connection and waits for their teardown.
func (s *SignalingServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("signaling server listening", zap.String("addr", ln.Addr().String()))

	lifecycleDone := make(chan struct{})
	go func() {
		defer close(lifecycleDone)
		s.runLifecycle()
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	err := s.acceptLoop(ctx, ln)

	s.registry.each(func(c *DeviceConn) { c.Close(ReasonShutdown) })
	s.conns.Wait()
	close(s.events)
	<-lifecycleDone

	s.log.Info("signaling server stopped")
	return err
}

func (s *SignalingServer) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("accept error", zap.Error(err))
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.ServeConn(ctx, conn)
	}
}

// ServeConn serves an accepted connection on its own goroutine.
func (s *SignalingServer) ServeConn(ctx context.Context, conn net.Conn) *DeviceConn {
	id := fmt.Sprintf("%s-%s", s.cfg.GatewayID, uuid.NewString())
	c := newDeviceConn(id, conn, s.handler, s.events, s.cfg.IdleTimeout, s.cfg.BufferLimit, s.log)
	c.onMessage = s.track
	c.writeWait = s.cfg.WriteTimeout
	s.registry.add(c)

	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		c.serve(ctx)
	}()
	return c
}

// runLifecycle consumes connection events until the channel is closed.
func (s *SignalingServer) runLifecycle() {
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		switch ev.Kind {
		case Registered:
			s.onRegistered(ctx, ev)
		case Disconnected:
			s.onDisconnected(ctx, ev)
		case Errored:
			s.log.Warn("connection error", zap.String("conn_id", ev.Conn.ID()), zap.String("device_serial", ev.DeviceSerial), zap.Error(ev.Err))
		}
		cancel()
	}
}

func (s *SignalingServer) onRegistered(ctx context.Context, ev LifecycleEvent) {
	c := ev.Conn
	if old := s.registry.bind(ev.DeviceSerial, c); old != nil {
		s.log.Info("device reconnected, closing previous connection",
			zap.String("device_serial", ev.DeviceSerial),
			zap.String("old_conn_id", old.ID()),
			zap.String("conn_id", c.ID()))
		go old.Close(ReasonReplaced)
	}
	if c.State() == StateClosed {
		s.registry.remove(c)
		return
	}
	if at, ok := s.offlineAt[ev.DeviceSerial]; ok {
		delete(s.offlineAt, ev.DeviceSerial)
		if !at.Before(c.connectedAt) {
			// an older connection's teardown overtook this registration
			s.restoreOnline(ctx, c, ev.DeviceSerial)
		}
	}
	if s.presence != nil {
		if err := s.presence.Register(ctx, ev.DeviceSerial, c.ID(), c.RemoteAddr()); err != nil {
			s.log.Error("failed to register session", zap.String("device_serial", ev.DeviceSerial), zap.Error(err))
		}
	}
	s.log.Info("session registered", zap.String("device_serial", ev.DeviceSerial), zap.String("conn_id", c.ID()))
}

// onDisconnected performs the single teardown of a connection.
func (s *SignalingServer) onDisconnected(ctx context.Context, ev LifecycleEvent) {
	c := ev.Conn
	s.registry.remove(c)
	if ev.DeviceSerial == "" {
		return
	}
	if current, ok := s.registry.Lookup(ev.DeviceSerial); ok && current != c {
		// the device already reconnected elsewhere
		return
	}
	if live := s.registry.registered(ev.DeviceSerial, c); live != nil {
		s.log.Info("device registered on another connection, skipping offline",
			zap.String("device_serial", ev.DeviceSerial),
			zap.String("conn_id", live.ID()))
		return
	}

	if s.presence != nil {
		if err := s.presence.Remove(ctx, ev.DeviceSerial); err != nil {
			s.log.Error("failed to remove session", zap.String("device_serial", ev.DeviceSerial), zap.Error(err))
		}
	}
	if s.status != nil {
		if err := s.status.SetDeviceStatus(ctx, ev.DeviceSerial, model.DeviceOffline); err != nil {
			s.log.Error("failed to mark device offline", zap.String("device_serial", ev.DeviceSerial), zap.Error(err))
		}
	}
	if s.bus != nil {
		err := s.bus.Publish(ctx, event.TopicDeviceStatus, event.DeviceStatus{
			DeviceSerial: ev.DeviceSerial,
			GatewayID:    s.cfg.GatewayID,
			Status:       event.StatusOffline,
			Reason:       ev.Reason,
			Timestamp:    time.Now().UTC(),
		})
		if err != nil {
			s.log.Error("publish offline failed", zap.String("device_serial", ev.DeviceSerial), zap.Error(err))
		}
	}
	s.offlineAt[ev.DeviceSerial] = time.Now()
	s.log.Info("device offline", zap.String("device_serial", ev.DeviceSerial), zap.String("reason", ev.Reason))
}

func (s *SignalingServer) restoreOnline(ctx context.Context, c *DeviceConn, serial string) {
	if s.status != nil {
		if err := s.status.SetDeviceStatus(ctx, serial, model.DeviceOnline); err != nil {
			s.log.Error("failed to mark device online", zap.String("device_serial", serial), zap.Error(err))
		}
	}
	if s.bus != nil {
		err := s.bus.Publish(ctx, event.TopicDeviceStatus, event.DeviceStatus{
			DeviceSerial: serial,
			GatewayID:    s.cfg.GatewayID,
			Status:       event.StatusOnline,
			Timestamp:    time.Now().UTC(),
		})
		if err != nil {
			s.log.Error("publish online failed", zap.String("device_serial", serial), zap.Error(err))
		}
	}
	s.log.Info("device online restored", zap.String("device_serial", serial), zap.String("conn_id", c.ID()))
}

// track refreshes presence after a message from a registered device.
func (s *SignalingServer) track(ctx context.Context, c *DeviceConn, msg *protocol.Message) {
	if s.presence == nil || c.State() != StateRegistered {
		return
	}
	serial := c.DeviceSerial()
	switch msg.Command {
	case protocol.CmdHeartbeat:
		if err := s.presence.Touch(ctx, serial); err != nil {
			s.log.Warn("session ttl refresh failed", zap.String("device_serial", serial), zap.Error(err))
		}
	case protocol.CmdLocationReport:
		f, ok := msg.Fields.(*protocol.LocationFields)
		if !ok || !f.Location.HasPosition() {
			return
		}
		loc := f.Location
		shadow := model.DeviceShadow{
			DeviceSerial: serial,
			Lat:          loc.Latitude,
			Lon:          loc.Longitude,
			Speed:        loc.SpeedKmh,
			Direction:    loc.CourseDeg,
			GPSValid:     loc.GPSValid,
			Timestamp:    time.Now().Unix(),
		}
		if err := s.presence.UpdateShadow(ctx, shadow); err != nil {
			s.log.Warn("shadow update failed", zap.String("device_serial", serial), zap.Error(err))
		}
	}
}

// Send writes a frame to the registered connection of serial.
func (s *SignalingServer) Send(serial string, frame []byte) error {
	c, ok := s.registry.Lookup(serial)
	if !ok {
		return fmt.Errorf("%s: %w", serial, ErrNotConnected)
	}
	return c.Write(frame)
}
