package handler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/event"
	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

// jpegFileType is the V232 file type announcing a snapshot.
const jpegFileType = 1

// alarmStart handles V201. Duplicate uids are stored as separate rows.
func (h *Handler) alarmStart(ctx context.Context, msg *protocol.Message) (Reply, error) {
	f, err := fieldsAs[*protocol.AlarmFields](msg)
	if err != nil {
		return Reply{}, err
	}
	d, err := h.lookupDevice(ctx, msg)
	if err != nil {
		return Reply{}, err
	}

	started := h.eventTime(msg, f.AlarmTime)
	loc := f.Location
	a := &model.Alarm{
		DeviceID:       d.ID,
		AlarmUID:       f.AlarmUID,
		AlarmType:      model.AlarmTypeCustom,
		AlarmNumber:    f.CustomAlarmNumber,
		AlarmSource:    f.AlarmSource,
		AlarmName:      f.AlarmName,
		StartedAt:      &started,
		SnapshotCount:  f.PictureShot,
		RecordingCount: f.AlarmRecording,
		Metadata:       model.ToJSONMap(f),
	}
	if loc.HasPosition() {
		lat, lon, speed := loc.Latitude, loc.Longitude, loc.SpeedKmh
		a.Latitude, a.Longitude, a.Speed = &lat, &lon, &speed
	}
	if err := h.store.InsertAlarm(ctx, a); err != nil {
		return Reply{}, err
	}

	h.publish(ctx, event.TopicDeviceAlarm, event.DeviceAlarm{
		DeviceSerial: msg.DeviceSerial,
		DeviceID:     d.ID,
		AlarmID:      a.ID,
		AlarmUID:     f.AlarmUID,
		AlarmType:    a.AlarmType,
		AlarmNumber:  f.CustomAlarmNumber,
		AlarmName:    f.AlarmName,
		Latitude:     loc.Latitude,
		Longitude:    loc.Longitude,
		Timestamp:    h.now().UTC(),
	})
	h.log.Info("alarm started", zap.String("device_serial", msg.DeviceSerial), zap.String("alarm_uid", f.AlarmUID))

	return h.alarmReply(msg, f.AlarmUID)
}

// alarmEnd handles V251. The end time is applied to every alarm carrying the
// uid; no match is a no-op and the device is always answered.
func (h *Handler) alarmEnd(ctx context.Context, msg *protocol.Message) (Reply, error) {
	f, err := fieldsAs[*protocol.AlarmFields](msg)
	if err != nil {
		return Reply{}, err
	}
	n, err := h.store.EndAlarm(ctx, f.AlarmUID, h.eventTime(msg, f.AlarmTime))
	switch {
	case err != nil:
		h.log.Error("end alarm failed", zap.String("device_serial", msg.DeviceSerial), zap.String("alarm_uid", f.AlarmUID), zap.Error(err))
	case n == 0:
		h.log.Warn("alarm end without start", zap.String("device_serial", msg.DeviceSerial), zap.String("alarm_uid", f.AlarmUID))
	default:
		h.log.Info("alarm ended", zap.String("device_serial", msg.DeviceSerial), zap.String("alarm_uid", f.AlarmUID), zap.Int64("rows", n))
	}
	return h.alarmReply(msg, f.AlarmUID)
}

// alarmFileNotify handles V232: it records a placeholder for the announced
// file and publishes media.file_ready. The device is always answered.
func (h *Handler) alarmFileNotify(ctx context.Context, msg *protocol.Message) (Reply, error) {
	f, err := fieldsAs[*protocol.AlarmFileFields](msg)
	if err != nil {
		return Reply{}, err
	}
	d, err := h.lookupDevice(ctx, msg)
	if err != nil {
		h.log.Warn("alarm file notify without device", zap.String("device_serial", msg.DeviceSerial), zap.Error(err))
		return h.alarmReply(msg, f.AlarmUID)
	}

	var alarmID *uint
	if f.AlarmUID != "" {
		a, err := h.store.FindAlarm(ctx, d.ID, f.AlarmUID)
		switch {
		case err == nil:
			alarmID = &a.ID
		case !errors.Is(err, model.ErrNotFound):
			h.log.Error("find alarm failed", zap.String("alarm_uid", f.AlarmUID), zap.Error(err))
		}
	}

	mf := &model.MediaFile{
		DeviceID:        d.ID,
		AlarmID:         alarmID,
		FileType:        model.MediaFileH264,
		FilePath:        f.FilePath,
		FileSize:        f.FileSize,
		S3Bucket:        model.DefaultMediaBucket,
		ChannelNumber:   f.ChannelNumber,
		IsAlarmFile:     true,
		DurationSeconds: f.FileLength,
		Metadata:        model.ToJSONMap(f),
	}
	if f.FileType == jpegFileType {
		mf.FileType = model.MediaFileJPEG
	}
	if t, ok := protocol.ParseTimestamp(f.FileStartTime); ok {
		mf.StartTime = &t
	}
	if err := h.store.InsertMediaFile(ctx, mf); err != nil {
		h.log.Error("store media file failed", zap.String("device_serial", msg.DeviceSerial), zap.String("file_path", f.FilePath), zap.Error(err))
		return h.alarmReply(msg, f.AlarmUID)
	}

	h.publish(ctx, event.TopicFileReady, event.FileReady{
		DeviceSerial: msg.DeviceSerial,
		DeviceID:     d.ID,
		AlarmID:      alarmID,
		MediaFileID:  mf.ID,
		AlarmUID:     f.AlarmUID,
		FilePath:     f.FilePath,
		FileSize:     f.FileSize,
		FileType:     f.FileType,
		Timestamp:    h.now().UTC(),
	})
	h.log.Info("alarm file announced", zap.String("device_serial", msg.DeviceSerial), zap.String("file_path", f.FilePath))

	return h.alarmReply(msg, f.AlarmUID)
}

func (h *Handler) alarmReply(msg *protocol.Message, uid string) (Reply, error) {
	frame, err := h.enc.AlarmReply(msg, uid)
	if err != nil {
		return Reply{}, fmt.Errorf("build %s reply: %w", msg.Command, err)
	}
	return Reply{Frame: frame}, nil
}
