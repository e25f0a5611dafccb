package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/event"
	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

const defaultProtocolVersion = "V1.0.0.1"

// register handles V101. Storage failures are answered with a failure
// status and returned.
func (h *Handler) register(ctx context.Context, msg *protocol.Message) (Reply, error) {
	f, err := fieldsAs[*protocol.RegisterFields](msg)
	if err != nil {
		return Reply{}, err
	}

	d := &model.Device{
		DeviceSerial:     msg.DeviceSerial,
		IMEI:             nullIfEmpty(f.IMEI),
		LicensePlate:     nullIfEmpty(f.LicensePlate),
		DeviceType:       strconv.Itoa(f.DeviceType),
		FirmwareVersion:  nullIfEmpty(f.HostVersion),
		ProtocolVersion:  f.ProtocolVersion,
		NumChannels:      model.ChannelCount(f.DeviceType),
		RegistrationData: model.ToJSONMap(f),
	}
	if d.ProtocolVersion == "" {
		d.ProtocolVersion = defaultProtocolVersion
	}

	if err := h.store.UpsertDevice(ctx, d); err != nil {
		frame, ferr := h.enc.RegisterReply(msg, false)
		if ferr != nil {
			return Reply{}, errors.Join(err, ferr)
		}
		return Reply{Frame: frame}, err
	}

	if f.Location.GPSValid {
		h.storeTelemetry(ctx, d.ID, msg, f.Location)
	}

	h.publish(ctx, event.TopicDeviceStatus, event.DeviceStatus{
		DeviceSerial: msg.DeviceSerial,
		DeviceID:     d.ID,
		GatewayID:    h.gatewayID,
		Status:       event.StatusOnline,
		Timestamp:    h.now().UTC(),
	})

	h.log.Info("device registered",
		zap.String("device_serial", msg.DeviceSerial),
		zap.Uint("device_id", d.ID),
		zap.String("protocol_version", d.ProtocolVersion))

	frame, err := h.enc.RegisterReply(msg, true)
	if err != nil {
		return Reply{Registered: true}, fmt.Errorf("build V101 reply: %w", err)
	}
	return Reply{Frame: frame, Registered: true}, nil
}

// heartbeat handles V109.
func (h *Handler) heartbeat(ctx context.Context, msg *protocol.Message) (Reply, error) {
	if err := h.store.TouchDevice(ctx, msg.DeviceSerial, h.now()); err != nil {
		h.log.Error("heartbeat touch failed", zap.String("device_serial", msg.DeviceSerial), zap.Error(err))
	}
	frame, err := h.enc.HeartbeatAck(msg)
	if err != nil {
		return Reply{}, fmt.Errorf("build C501: %w", err)
	}
	return Reply{Frame: frame}, nil
}

// locationReport handles V114. Unknown devices are ignored; nothing is answered.
func (h *Handler) locationReport(ctx context.Context, msg *protocol.Message) (Reply, error) {
	f, err := fieldsAs[*protocol.LocationFields](msg)
	if err != nil {
		return Reply{}, err
	}
	d, err := h.lookupDevice(ctx, msg)
	if err != nil {
		h.log.Warn("location report dropped", zap.String("device_serial", msg.DeviceSerial), zap.Error(err))
		return Reply{}, nil
	}

	h.storeTelemetry(ctx, d.ID, msg, f.Location)
	if err := h.store.TouchDevice(ctx, msg.DeviceSerial, h.now()); err != nil {
		h.log.Error("touch device failed", zap.String("device_serial", msg.DeviceSerial), zap.Error(err))
	}

	loc := f.Location
	h.publish(ctx, event.TopicDevicePosition, event.DevicePosition{
		DeviceSerial: msg.DeviceSerial,
		DeviceID:     d.ID,
		Latitude:     loc.Latitude,
		Longitude:    loc.Longitude,
		Speed:        loc.SpeedKmh,
		Course:       loc.CourseDeg,
		GPSValid:     loc.GPSValid,
		Satellites:   loc.Satellites,
		Timestamp:    h.now().UTC(),
	})
	return Reply{}, nil
}

// storeTelemetry appends a sample when the fix carries a position. Failures are logged.
func (h *Handler) storeTelemetry(ctx context.Context, deviceID uint, msg *protocol.Message, loc protocol.LocationStatus) {
	if !loc.HasPosition() {
		return
	}
	t := &model.Telemetry{
		DeviceID:    deviceID,
		Timestamp:   h.now().UTC(),
		Latitude:    loc.Latitude,
		Longitude:   loc.Longitude,
		Speed:       loc.SpeedKmh,
		Course:      loc.CourseDeg,
		Satellites:  loc.Satellites,
		GPSValid:    loc.GPSValid,
		Odometer:    loc.OdometerMeters,
		FuelLevel:   loc.FuelConsumption,
		Temperature: loc.DeviceTemp,
		EngineTemp:  loc.EngineTemp,
		RPM:         loc.RPM(),
		Metadata:    model.ToJSONMap(loc),
	}
	if err := h.store.InsertTelemetry(ctx, t); err != nil {
		h.log.Error("store telemetry failed",
			zap.String("device_serial", msg.DeviceSerial),
			zap.String("command", string(msg.Command)),
			zap.Error(err))
	}
}

// downloadList handles V141 with an empty list.
func (h *Handler) downloadList(ctx context.Context, msg *protocol.Message) (Reply, error) {
	frame, err := h.enc.DownloadListReply(msg)
	if err != nil {
		return Reply{}, fmt.Errorf("build V141 reply: %w", err)
	}
	return Reply{Frame: frame}, nil
}

// deviceAck handles V100 by settling the newest outstanding command of the
// named type. Nothing is answered.
func (h *Handler) deviceAck(ctx context.Context, msg *protocol.Message) (Reply, error) {
	f, err := fieldsAs[*protocol.DeviceAckFields](msg)
	if err != nil {
		return Reply{}, err
	}
	d, err := h.lookupDevice(ctx, msg)
	if err != nil {
		h.log.Warn("device ack dropped", zap.String("device_serial", msg.DeviceSerial), zap.Error(err))
		return Reply{}, nil
	}

	status := model.CommandFailed
	if f.Acknowledged() {
		status = model.CommandAcknowledged
	}
	n, err := h.store.AckCommand(ctx, d.ID, f.RespondingCommand, status, model.ToJSONMap(f))
	if err != nil {
		h.log.Error("ack command failed", zap.String("device_serial", msg.DeviceSerial), zap.Error(err))
		return Reply{}, nil
	}
	h.log.Info("device response processed",
		zap.String("device_serial", msg.DeviceSerial),
		zap.String("responding_command", f.RespondingCommand),
		zap.Int("status", f.Status),
		zap.Int64("matched", n))
	return Reply{}, nil
}
