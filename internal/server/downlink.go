package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/adapter"
	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrEmptyCommand is returned for a downlink request without a command.
var ErrEmptyCommand = errors.New("empty command")

const downlinkTimeout = 10 * time.Second

// DownlinkSubject is the NATS subject carrying downlink requests for a gateway.
func DownlinkSubject(gatewayID string) string {
	return fmt.Sprintf("gateway.downlink.%s", gatewayID)
}

// FrameSender writes a frame to a connected device.
type FrameSender interface {
	Send(serial string, frame []byte) error
}

// CommandStore records downlink commands for later V100 matching.
type CommandStore interface {
	FindDevice(ctx context.Context, serial string) (*model.Device, error)
	InsertCommand(ctx context.Context, c *model.DeviceCommand) error
}

// Subscriber is the subscribe side of a NATS connection.
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Downlink encodes server commands and writes them to device connections.
type Downlink struct {
	sender FrameSender
	enc    *adapter.Encoder
	store  CommandStore
	log    *zap.Logger
}

// NewDownlink creates a downlink; store may be nil.
func NewDownlink(sender FrameSender, enc *adapter.Encoder, store CommandStore, log *zap.Logger) *Downlink {
	if log == nil {
		log = zap.NewNop()
	}
	return &Downlink{sender: sender, enc: enc, store: store, log: log.With(zap.String("component", "downlink"))}
}

// Send builds the frame for req, writes it to the device and records it.
// The response is filled in even when an error is returned.
func (d *Downlink) Send(ctx context.Context, req model.SendCommandRequest) (*model.CommandResponse, error) {
	resp := &model.CommandResponse{Device: req.DeviceSerial}
	if req.Command == "" {
		resp.Error = ErrEmptyCommand.Error()
		return resp, ErrEmptyCommand
	}

	cmd := protocol.Command(req.Command)
	frame, err := d.enc.Build(cmd, req.DeviceSerial, "", d.enc.Now(), req.Fields...)
	if err != nil {
		resp.Error = err.Error()
		return resp, fmt.Errorf("encode %s: %w", req.Command, err)
	}
	resp.Frame = string(frame)

	sendErr := d.sender.Send(req.DeviceSerial, frame)
	if sendErr != nil {
		resp.Error = sendErr.Error()
	}
	resp.Success = sendErr == nil

	if d.store != nil {
		id, err := d.record(ctx, req, frame, sendErr)
		if err != nil {
			d.log.Error("record command failed", zap.String("device_serial", req.DeviceSerial), zap.String("command", req.Command), zap.Error(err))
		}
		resp.CommandID = id
	}

	if sendErr != nil {
		return resp, fmt.Errorf("send %s to %s: %w", req.Command, req.DeviceSerial, sendErr)
	}
	d.log.Info("command sent", zap.String("device_serial", req.DeviceSerial), zap.String("command", req.Command))
	return resp, nil
}

func (d *Downlink) record(ctx context.Context, req model.SendCommandRequest, frame []byte, sendErr error) (uint, error) {
	dev, err := d.store.FindDevice(ctx, req.DeviceSerial)
	if err != nil {
		return 0, err
	}
	c := &model.DeviceCommand{
		DeviceID:    dev.ID,
		CommandType: req.Command,
		Params:      model.JSONMap{"fields": req.Fields},
		Frame:       string(frame),
		Status:      model.CommandSent,
	}
	if sendErr != nil {
		c.Status = model.CommandFailed
		c.ResponseData = model.JSONMap{"error": sendErr.Error()}
	} else {
		now := time.Now()
		c.SentAt = &now
	}
	if err := d.store.InsertCommand(ctx, c); err != nil {
		return 0, err
	}
	return c.ID, nil
}

// Subscribe consumes downlink requests on DownlinkSubject(gatewayID).
func (d *Downlink) Subscribe(nc Subscriber, gatewayID string) (*nats.Subscription, error) {
	subject := DownlinkSubject(gatewayID)
	sub, err := nc.Subscribe(subject, d.handleMsg)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	d.log.Info("downlink consumer started", zap.String("subject", subject))
	return sub, nil
}

func (d *Downlink) handleMsg(msg *nats.Msg) {
	var req model.SendCommandRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		d.log.Warn("failed to unmarshal command", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), downlinkTimeout)
	defer cancel()

	resp, err := d.Send(ctx, req)
	if err != nil {
		d.log.Warn("downlink command failed", zap.String("device_serial", req.DeviceSerial), zap.Error(err))
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		d.log.Error("marshal command response failed", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		d.log.Warn("respond failed", zap.Error(err))
	}
}
