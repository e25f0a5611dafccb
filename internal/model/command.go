package model

import (
	"time"
)

// CommandStatus tracks a downlink command through its device acknowledgement.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
)

// DeviceCommand is a server-originated command written to a device
type DeviceCommand struct {
	ID             uint          `json:"id" gorm:"primaryKey"`
	DeviceID       uint          `json:"device_id" gorm:"column:device_id;not null;index"`
	CommandType    string        `json:"command_type" gorm:"column:command_type;size:16;not null;index"`
	Params         JSONMap       `json:"params,omitempty" gorm:"type:jsonb"`
	Frame          string        `json:"frame" gorm:"type:text"`
	Status         CommandStatus `json:"status" gorm:"size:20;not null;default:'pending'"`
	SentAt         *time.Time    `json:"sent_at,omitempty" gorm:"column:sent_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty" gorm:"column:acknowledged_at"`
	ResponseData   JSONMap       `json:"response_data,omitempty" gorm:"column:response_data;type:jsonb"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (DeviceCommand) TableName() string {
	return "device_commands"
}

// SendCommandRequest is the downlink request accepted over HTTP and NATS
type SendCommandRequest struct {
	DeviceSerial string   `json:"device_serial" binding:"required"`
	Command      string   `json:"command" binding:"required"`
	Fields       []string `json:"fields"`
}

// CommandResponse reports the outcome of a downlink request
type CommandResponse struct {
	CommandID uint   `json:"command_id,omitempty"`
	Device    string `json:"device_serial"`
	Success   bool   `json:"success"`
	Frame     string `json:"frame,omitempty"`
	Error     string `json:"error,omitempty"`
}
