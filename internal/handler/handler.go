// Package handler implements the signaling command table: each device
// command is persisted, published and optionally answered.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/adapter"
	"github.com/mahmoudfa97/apexcam-platforms/internal/event"
	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

// ErrUnknownDevice is returned when a command requires a registered device.
var ErrUnknownDevice = errors.New("device not registered")

// Store is the storage the command table depends on.
type Store interface {
	UpsertDevice(ctx context.Context, d *model.Device) error
	FindDevice(ctx context.Context, serial string) (*model.Device, error)
	TouchDevice(ctx context.Context, serial string, at time.Time) error
	InsertTelemetry(ctx context.Context, t *model.Telemetry) error
	InsertAlarm(ctx context.Context, a *model.Alarm) error
	EndAlarm(ctx context.Context, uid string, endedAt time.Time) (int64, error)
	FindAlarm(ctx context.Context, deviceID uint, uid string) (*model.Alarm, error)
	InsertMediaFile(ctx context.Context, f *model.MediaFile) error
	AckCommand(ctx context.Context, deviceID uint, cmdType string, status model.CommandStatus, response model.JSONMap) (int64, error)
}

// Reply is the outcome of one handled message. A nil Frame means nothing
// is written back; Registered marks a successful V101.
type Reply struct {
	Frame      []byte
	Registered bool
}

type handleFunc func(ctx context.Context, msg *protocol.Message) (Reply, error)

// Handler dispatches decoded signaling messages.
type Handler struct {
	store     Store
	bus       event.Publisher
	enc       *adapter.Encoder
	log       *zap.Logger
	gatewayID string
	now       func() time.Time

	routes map[protocol.Command]handleFunc
}

// Option configures a Handler.
type Option func(*Handler)

// WithGatewayID stamps published status events with the gateway id.
func WithGatewayID(id string) Option {
	return func(h *Handler) { h.gatewayID = id }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a handler.
func New(store Store, bus event.Publisher, enc *adapter.Encoder, log *zap.Logger, opts ...Option) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		store: store,
		bus:   bus,
		enc:   enc,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.routes = map[protocol.Command]handleFunc{
		protocol.CmdRegister:        h.register,
		protocol.CmdHeartbeat:       h.heartbeat,
		protocol.CmdLocationReport:  h.locationReport,
		protocol.CmdAlarmStart:      h.alarmStart,
		protocol.CmdAlarmEnd:        h.alarmEnd,
		protocol.CmdAlarmFileNotify: h.alarmFileNotify,
		protocol.CmdDownloadList:    h.downloadList,
		protocol.CmdDeviceAck:       h.deviceAck,
	}
	return h
}

// Handle processes one message. Errors are per message; the caller logs them
// and keeps the connection open.
func (h *Handler) Handle(ctx context.Context, msg *protocol.Message) (Reply, error) {
	fn, ok := h.routes[msg.Command]
	if !ok {
		h.log.Warn("unhandled command",
			zap.String("command", string(msg.Command)),
			zap.String("device_serial", msg.DeviceSerial))
		return Reply{}, nil
	}
	return fn(ctx, msg)
}

// publish sends an event and logs failures; event loss never fails a command.
func (h *Handler) publish(ctx context.Context, topic string, v interface{}) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, topic, v); err != nil {
		h.log.Error("publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// PublishStatus publishes a device.status event for serial.
func (h *Handler) PublishStatus(ctx context.Context, serial, status, reason string) {
	h.publish(ctx, event.TopicDeviceStatus, event.DeviceStatus{
		DeviceSerial: serial,
		GatewayID:    h.gatewayID,
		Status:       status,
		Reason:       reason,
		Timestamp:    h.now().UTC(),
	})
}

func fieldsAs[T protocol.Fields](msg *protocol.Message) (T, error) {
	f, ok := msg.Fields.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected fields %T", msg.Command, msg.Fields)
	}
	return f, nil
}

// eventTime parses a device timestamp, falling back to the message time and then now.
func (h *Handler) eventTime(msg *protocol.Message, ts string) time.Time {
	if t, ok := protocol.ParseTimestamp(ts); ok {
		return t
	}
	if t, ok := protocol.ParseTimestamp(msg.Timestamp); ok {
		return t
	}
	return h.now().UTC()
}

func (h *Handler) lookupDevice(ctx context.Context, msg *protocol.Message) (*model.Device, error) {
	d, err := h.store.FindDevice(ctx, msg.DeviceSerial)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%s from %s: %w", msg.Command, msg.DeviceSerial, ErrUnknownDevice)
	}
	if err != nil {
		return nil, fmt.Errorf("%s lookup %s: %w", msg.Command, msg.DeviceSerial, err)
	}
	return d, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
