package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/adapter"
	"github.com/mahmoudfa97/apexcam-platforms/internal/handler"
	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

const readBufferSize = 4096

// CommandHandler handles decoded signaling messages.
type CommandHandler interface {
	Handle(ctx context.Context, msg *protocol.Message) (handler.Reply, error)
}

// ConnInfo describes a signaling connection.
type ConnInfo struct {
	ConnID       string    `json:"conn_id"`
	DeviceSerial string    `json:"device_serial,omitempty"`
	RemoteAddr   string    `json:"remote_addr"`
	State        string    `json:"state"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActive   time.Time `json:"last_active"`
	Messages     uint64    `json:"messages"`
}

// DeviceConn is one signaling connection. Messages are handled one at a
// time in arrival order; writes are serialized.
type DeviceConn struct {
	id          string
	conn        net.Conn
	remote      string
	log         *zap.Logger
	codec       protocol.SignalingDecoder
	handler     CommandHandler
	events      chan<- LifecycleEvent
	onMessage   func(ctx context.Context, c *DeviceConn, msg *protocol.Message)
	idleTimeout time.Duration
	writeWait   time.Duration
	connectedAt time.Time

	state      atomic.Int32
	messages   atomic.Uint64
	lastActive atomic.Int64

	mu     sync.RWMutex
	serial string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newDeviceConn(id string, conn net.Conn, h CommandHandler, events chan<- LifecycleEvent, idle time.Duration, bufferLimit int, log *zap.Logger) *DeviceConn {
	remote := conn.RemoteAddr().String()
	l := log.With(zap.String("conn_id", id), zap.String("remote_addr", remote))
	c := &DeviceConn{
		id:          id,
		conn:        conn,
		remote:      remote,
		log:         l,
		codec:       adapter.NewSignalingCodec(bufferLimit, l),
		handler:     h,
		events:      events,
		idleTimeout: idle,
		writeWait:   DefaultWriteTimeout,
		connectedAt: time.Now(),
	}
	c.lastActive.Store(c.connectedAt.UnixNano())
	return c
}

func (c *DeviceConn) ID() string         { return c.id }
func (c *DeviceConn) RemoteAddr() string { return c.remote }
func (c *DeviceConn) State() ConnState   { return ConnState(c.state.Load()) }

// DeviceSerial is empty until the device registers.
func (c *DeviceConn) DeviceSerial() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serial
}

// Info returns a snapshot for the management API.
func (c *DeviceConn) Info() ConnInfo {
	return ConnInfo{
		ConnID:       c.id,
		DeviceSerial: c.DeviceSerial(),
		RemoteAddr:   c.remote,
		State:        c.State().String(),
		ConnectedAt:  c.connectedAt,
		LastActive:   time.Unix(0, c.lastActive.Load()),
		Messages:     c.messages.Load(),
	}
}

// Write sends one frame to the device.
func (c *DeviceConn) Write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() == StateClosed {
		return net.ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

// Close tears the connection down. Only the first call has any effect and
// emits the Disconnected event.
func (c *DeviceConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.conn.Close()
		c.log.Info("connection closed", zap.String("reason", reason), zap.String("device_serial", c.DeviceSerial()))
		c.emit(LifecycleEvent{Kind: Disconnected, Conn: c, DeviceSerial: c.DeviceSerial(), Reason: reason})
	})
}

func (c *DeviceConn) emit(ev LifecycleEvent) {
	if c.events != nil {
		c.events <- ev
	}
}

// serve runs the read loop until the connection closes or ctx is done.
func (c *DeviceConn) serve(ctx context.Context) {
	c.log.Info("new connection")
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			c.Close(ReasonShutdown)
			return
		}
		if c.idleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.lastActive.Store(time.Now().UnixNano())
			for _, msg := range c.codec.Feed(buf[:n]) {
				c.dispatch(ctx, msg)
			}
		}
		if err != nil {
			c.Close(c.closeReason(ctx, err))
			return
		}
	}
}

func (c *DeviceConn) closeReason(ctx context.Context, err error) string {
	var ne net.Error
	switch {
	case c.State() == StateClosed, ctx.Err() != nil:
		return ReasonShutdown
	case errors.Is(err, io.EOF):
		return ReasonEOF
	case errors.As(err, &ne) && ne.Timeout():
		return ReasonTimeout
	default:
		c.log.Warn("read error", zap.Error(err))
		c.emit(LifecycleEvent{Kind: Errored, Conn: c, DeviceSerial: c.DeviceSerial(), Err: err})
		return ReasonError
	}
}

func (c *DeviceConn) dispatch(ctx context.Context, msg *protocol.Message) {
	c.messages.Add(1)
	log := c.log.With(zap.String("command", string(msg.Command)), zap.String("device_serial", msg.DeviceSerial))

	reply, err := c.handler.Handle(ctx, msg)
	if err != nil {
		log.Error("handle message failed", zap.Error(err))
	}
	if reply.Frame != nil {
		if werr := c.Write(reply.Frame); werr != nil {
			log.Warn("write reply failed", zap.Error(werr))
		}
	}
	if reply.Registered {
		c.register(msg.DeviceSerial)
	}
	if c.onMessage != nil {
		c.onMessage(ctx, c, msg)
	}
}

// register moves the connection to Registered on the first successful V101.
func (c *DeviceConn) register(serial string) {
	c.mu.Lock()
	if c.serial != "" {
		prev := c.serial
		c.mu.Unlock()
		if prev != serial {
			c.log.Warn("registration under a different serial ignored", zap.String("bound_serial", prev), zap.String("device_serial", serial))
		}
		return
	}
	c.serial = serial
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateUnregistered), int32(StateRegistered)) {
		return
	}
	c.log.Info("device registered", zap.String("device_serial", serial))
	c.emit(LifecycleEvent{Kind: Registered, Conn: c, DeviceSerial: serial})
}
