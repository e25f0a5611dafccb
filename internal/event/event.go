package event

import (
	"context"
	"time"
)

// Topics published by the gateway
const (
	TopicDeviceStatus   = "device.status"
	TopicDevicePosition = "device.position"
	TopicDeviceAlarm    = "device.alarm"
	TopicFileReady      = "media.file_ready"
	TopicMediaFrame     = "media.frame"
	TopicTranscodeQueue = "media.transcode_queue"
)

// Topics lists every topic the gateway publishes.
var Topics = []string{
	TopicDeviceStatus,
	TopicDevicePosition,
	TopicDeviceAlarm,
	TopicFileReady,
	TopicMediaFrame,
	TopicTranscodeQueue,
}

// Publisher is the publish-only side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, v interface{}) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, v interface{}) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, v interface{}) error {
	return f(ctx, topic, v)
}

// Status values of DeviceStatus
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DeviceStatus is published on device.status
type DeviceStatus struct {
	DeviceSerial string    `json:"device_serial"`
	DeviceID     uint      `json:"device_id,omitempty"`
	GatewayID    string    `json:"gateway_id,omitempty"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DevicePosition is published on device.position
type DevicePosition struct {
	DeviceSerial string    `json:"device_serial"`
	DeviceID     uint      `json:"device_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Speed        float32   `json:"speed"`
	Course       float32   `json:"course"`
	GPSValid     bool      `json:"gps_valid"`
	Satellites   int       `json:"satellites"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeviceAlarm is published on device.alarm
type DeviceAlarm struct {
	DeviceSerial string    `json:"device_serial"`
	DeviceID     uint      `json:"device_id"`
	AlarmID      uint      `json:"alarm_id"`
	AlarmUID     string    `json:"alarm_uid"`
	AlarmType    string    `json:"alarm_type"`
	AlarmNumber  int       `json:"alarm_number"`
	AlarmName    string    `json:"alarm_name,omitempty"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Timestamp    time.Time `json:"timestamp"`
}

// FileReady is published on media.file_ready
type FileReady struct {
	DeviceSerial string    `json:"device_serial"`
	DeviceID     uint      `json:"device_id"`
	AlarmID      *uint     `json:"alarm_id,omitempty"`
	MediaFileID  uint      `json:"media_file_id"`
	AlarmUID     string    `json:"alarm_uid"`
	FilePath     string    `json:"file_path"`
	FileSize     int64     `json:"file_size"`
	FileType     int       `json:"file_type"`
	Timestamp    time.Time `json:"timestamp"`
}

// MediaFrame is published on media.frame for every video frame (metadata only)
type MediaFrame struct {
	SessionID     string    `json:"session_id"`
	DeviceSerial  string    `json:"device_serial"`
	DeviceID      uint      `json:"device_id,omitempty"`
	ChannelNumber int       `json:"channel_number"`
	FrameType     string    `json:"frame_type"` // I or P
	Size          int       `json:"size"`
	Timestamp     time.Time `json:"timestamp"`
}

// Transcode job kinds
const (
	JobSegment = "segment"
	JobFile    = "file"
)

// TranscodeJob is published on media.transcode_queue when a sink is handed off
type TranscodeJob struct {
	JobID         string    `json:"job_id"`
	Kind          string    `json:"kind"`
	SessionID     string    `json:"session_id"`
	DeviceSerial  string    `json:"device_serial"`
	DeviceID      uint      `json:"device_id,omitempty"`
	ChannelNumber int       `json:"channel_number"`
	StreamType    int       `json:"stream_type"`
	SegmentID     uint64    `json:"segment_id"`
	FilePath      string    `json:"file_path"`
	AudioPath     string    `json:"audio_path,omitempty"`
	Frames        int       `json:"frames"`
	Bytes         int64     `json:"bytes"`
	Timestamp     time.Time `json:"timestamp"`
}
