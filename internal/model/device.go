package model

import (
	"time"
)

// DeviceStatus is the connection state recorded on a device row.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// DefaultChannelCount is used when the device type does not encode a channel count.
const DefaultChannelCount = 4

// Device represents an MDVR unit identified by its device serial
type Device struct {
	ID               uint         `json:"id" gorm:"primaryKey"`
	DeviceSerial     string       `json:"device_serial" gorm:"column:device_serial;uniqueIndex;size:32;not null"`
	IMEI             *string      `json:"imei,omitempty" gorm:"column:imei;size:32"`
	LicensePlate     *string      `json:"license_plate,omitempty" gorm:"column:license_plate;size:20"`
	DeviceType       string       `json:"device_type" gorm:"column:device_type;size:20"`
	FirmwareVersion  *string      `json:"firmware_version,omitempty" gorm:"column:firmware_version;size:64"`
	ProtocolVersion  string       `json:"protocol_version" gorm:"column:protocol_version;size:20"`
	NumChannels      int          `json:"num_channels" gorm:"column:num_channels;default:4"`
	Status           DeviceStatus `json:"status" gorm:"size:16;not null;default:'offline'"`
	LastSeenAt       *time.Time   `json:"last_seen_at,omitempty" gorm:"column:last_seen_at"`
	RegistrationData JSONMap      `json:"registration_data,omitempty" gorm:"column:registration_data;type:jsonb"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (Device) TableName() string {
	return "devices"
}

// ChannelCount derives the camera channel count from the V101 device type
// (low byte), falling back to DefaultChannelCount.
func ChannelCount(deviceType int) int {
	if deviceType == 0 {
		return DefaultChannelCount
	}
	return deviceType & 0xff
}

// DeviceShadow represents the real-time state of a device (stored in Redis)
type DeviceShadow struct {
	DeviceSerial string  `json:"device_serial"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	Speed        float32 `json:"spd"`
	Direction    float32 `json:"dir"`
	GPSValid     bool    `json:"gps"`
	Timestamp    int64   `json:"ts"`
}

// Telemetry is one stored GPS/vehicle status sample
type Telemetry struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	DeviceID    uint      `json:"device_id" gorm:"column:device_id;not null;index:idx_telemetry_device_time,priority:1"`
	Timestamp   time.Time `json:"timestamp" gorm:"not null;index:idx_telemetry_device_time,priority:2"`
	Latitude    float64   `json:"latitude" gorm:"type:double precision"`
	Longitude   float64   `json:"longitude" gorm:"type:double precision"`
	Speed       float32   `json:"speed"`
	Course      float32   `json:"course"`
	Satellites  int       `json:"satellites"`
	GPSValid    bool      `json:"gps_valid" gorm:"column:gps_valid"`
	Odometer    int64     `json:"odometer"`
	FuelLevel   float32   `json:"fuel_level" gorm:"column:fuel_level"`
	Temperature float32   `json:"temperature"`
	EngineTemp  float32   `json:"engine_temp" gorm:"column:engine_temp"`
	RPM         int       `json:"rpm" gorm:"column:rpm"`
	Metadata    JSONMap   `json:"metadata,omitempty" gorm:"type:jsonb"`
}

func (Telemetry) TableName() string {
	return "telemetry"
}
