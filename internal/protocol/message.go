package protocol

import "time"

// Command identifies a signaling message type, e.g. "V101".
type Command string

// Device-originated signaling commands
const (
	CmdDeviceAck       Command = "V100"
	CmdRegister        Command = "V101"
	CmdHeartbeat       Command = "V109"
	CmdLocationReport  Command = "V114"
	CmdDownloadList    Command = "V141"
	CmdAlarmStart      Command = "V201"
	CmdAlarmFileNotify Command = "V232"
	CmdAlarmEnd        Command = "V251"
)

// Server-originated signaling commands
const (
	CmdServerReply     Command = "C100"
	CmdHeartbeatReply  Command = "C501"
	CmdMediaLive       Command = "V102"
	CmdMediaFileUpload Command = "V103"
)

// Known reports whether c is one of the device commands with a field table.
func (c Command) Known() bool {
	switch c {
	case CmdDeviceAck, CmdRegister, CmdHeartbeat, CmdLocationReport,
		CmdDownloadList, CmdAlarmStart, CmdAlarmFileNotify, CmdAlarmEnd:
		return true
	}
	return false
}

// TimestampLayout is the device-local "YYMMDD hhmmss" format.
const TimestampLayout = "060102 150405"

// Message is one fully decoded $$dc frame.
//
// DeclaredLength is advisory only; devices under-report it and framing never uses it.
type Message struct {
	Command           Command
	DeclaredLength    int
	Serial            int
	DeviceSerial      string
	WorkstationSerial string
	Timestamp         string
	Tokens            []string // command-specific tokens after the timestamp
	Fields            Fields
	Raw               string
}

// Time parses the device-local timestamp; the zero time is returned when it is absent or invalid.
func (m *Message) Time() time.Time {
	t, _ := ParseTimestamp(m.Timestamp)
	return t
}

// ParseTimestamp parses a "YYMMDD hhmmss" device timestamp as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatTimestamp renders t in the device timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Fields is the command-specific payload of a Message. The concrete type
// depends on Command; unknown commands decode to *UnknownFields.
type Fields interface {
	fields()
}

// RegisterFields is the V101 payload.
type RegisterFields struct {
	Location               LocationStatus
	NumPeople              string
	ProtocolVersion        string
	DeviceType             int
	LoginServerAddress     string
	Port                   int
	PowerUps               int
	Connections            int
	LicensePlate           string
	NetworkType            int
	NetworkName            string
	AudioType              int
	HardDiskType           int
	ManufacturerType       string
	ManufacturerDeviceType string
	IMEI                   string
	HostVersion            string
	NetworkLibVersion      string
}

// HeartbeatFields is the (empty) V109 payload.
type HeartbeatFields struct{}

// LocationFields is the V114 payload.
type LocationFields struct {
	Location  LocationStatus
	DriveFlag int
}

// AlarmFields is the V201 and V251 payload.
type AlarmFields struct {
	Location          LocationStatus
	AlarmType         string
	AlarmTime         string
	AlarmUID          string
	PictureShot       int
	PictureAddress    string
	AlarmRecording    int
	RecordingAddress  string
	CustomAlarmNumber int
	AlarmSource       int
	AlarmName         string
}

// AlarmFileFields is the V232 payload announcing a file the device will upload.
type AlarmFileFields struct {
	Location         LocationStatus
	AlarmTime        string
	AlarmUID         string
	PictureShot      int
	PictureAddress   string
	AlarmRecording   int
	RecordingAddress string
	FileType         int
	FilePath         string
	FileSize         int64
	FileTypeFlag     int
	FileStartTime    string
	FileLength       int
	ChannelNumber    int
}

// DownloadListFields is the V141 payload; its tokens are not interpreted.
type DownloadListFields struct {
	Raw []string
}

// DeviceAckFields is the V100 payload: the device's answer to a server command.
type DeviceAckFields struct {
	Location            LocationStatus
	RespondingCommand   string
	RespondingTimestamp string
	Status              int
	Extra               []string
}

// Acknowledged reports whether the device accepted the command.
func (f *DeviceAckFields) Acknowledged() bool { return f.Status == 0 }

// UnknownFields carries the raw tokens of a command without a field table.
type UnknownFields struct {
	Raw []string
}

func (*RegisterFields) fields()     {}
func (*HeartbeatFields) fields()    {}
func (*LocationFields) fields()     {}
func (*AlarmFields) fields()        {}
func (*AlarmFileFields) fields()    {}
func (*DownloadListFields) fields() {}
func (*DeviceAckFields) fields()    {}
func (*UnknownFields) fields()      {}
