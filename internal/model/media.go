package model

import (
	"time"
)

// Media file types
const (
	MediaFileJPEG = "jpeg"
	MediaFileH264 = "h264"
)

// DefaultMediaBucket is the object-store bucket recorded on placeholders.
const DefaultMediaBucket = "mdvr-media"

// MediaFile describes a file a device announced (V232) and will upload over the media port
type MediaFile struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	DeviceID        uint       `json:"device_id" gorm:"column:device_id;not null;index"`
	AlarmID         *uint      `json:"alarm_id,omitempty" gorm:"column:alarm_id;index"`
	FileType        string     `json:"file_type" gorm:"column:file_type;size:16"`
	FilePath        string     `json:"file_path" gorm:"column:file_path;size:255"`
	FileSize        int64      `json:"file_size" gorm:"column:file_size"`
	S3Key           string     `json:"s3_key" gorm:"column:s3_key;size:255"`
	S3Bucket        string     `json:"s3_bucket" gorm:"column:s3_bucket;size:64"`
	ChannelNumber   int        `json:"channel_number" gorm:"column:channel_number"`
	IsAlarmFile     bool       `json:"is_alarm_file" gorm:"column:is_alarm_file"`
	DurationSeconds int        `json:"duration_seconds" gorm:"column:duration_seconds"`
	StartTime       *time.Time `json:"start_time,omitempty" gorm:"column:start_time"`
	Metadata        JSONMap    `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (MediaFile) TableName() string {
	return "media_files"
}

// MediaSession records a live stream carried on the media port
type MediaSession struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	SessionID     string     `json:"session_id" gorm:"column:session_id;size:64;not null;index"`
	DeviceID      uint       `json:"device_id" gorm:"column:device_id;not null;index"`
	ChannelNumber int        `json:"channel_number" gorm:"column:channel_number"`
	StreamType    int        `json:"stream_type" gorm:"column:stream_type"`
	StartedAt     time.Time  `json:"started_at" gorm:"column:started_at;not null"`
	EndedAt       *time.Time `json:"ended_at,omitempty" gorm:"column:ended_at"`
}

func (MediaSession) TableName() string {
	return "media_sessions"
}
