package model

import (
	"time"
)

// AlarmTypeCustom is the type recorded for device-raised V201 alarms.
const AlarmTypeCustom = "custom"

// Alarm is a device-raised alarm. AlarmUID is the device-generated token;
// it is not unique across devices.
type Alarm struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	DeviceID       uint       `json:"device_id" gorm:"column:device_id;not null;index"`
	AlarmUID       string     `json:"alarm_uid" gorm:"column:alarm_uid;size:64;not null;index"`
	AlarmType      string     `json:"alarm_type" gorm:"column:alarm_type;size:32;not null;default:'custom'"`
	AlarmNumber    int        `json:"alarm_number" gorm:"column:alarm_number"`
	AlarmSource    int        `json:"alarm_source" gorm:"column:alarm_source"`
	AlarmName      string     `json:"alarm_name" gorm:"column:alarm_name;size:100"`
	StartedAt      *time.Time `json:"started_at,omitempty" gorm:"column:started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" gorm:"column:ended_at"`
	Latitude       *float64   `json:"latitude,omitempty" gorm:"type:double precision"`
	Longitude      *float64   `json:"longitude,omitempty" gorm:"type:double precision"`
	Speed          *float32   `json:"speed,omitempty"`
	SnapshotCount  int        `json:"snapshot_count" gorm:"column:snapshot_count"`
	RecordingCount int        `json:"recording_count" gorm:"column:recording_count"`
	Metadata       JSONMap    `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (Alarm) TableName() string {
	return "alarms"
}
