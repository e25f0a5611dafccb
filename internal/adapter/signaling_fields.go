package adapter

import (
	"github.com/juju/errors"

	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

type fieldDecoder func(tokens []string) (protocol.Fields, error)

// per-command field tables
var fieldDecoders = map[protocol.Command]fieldDecoder{
	protocol.CmdDeviceAck:       decodeDeviceAck,
	protocol.CmdRegister:        decodeRegister,
	protocol.CmdHeartbeat:       decodeHeartbeat,
	protocol.CmdLocationReport:  decodeLocationReport,
	protocol.CmdDownloadList:    decodeDownloadList,
	protocol.CmdAlarmStart:      decodeAlarm,
	protocol.CmdAlarmFileNotify: decodeAlarmFile,
	protocol.CmdAlarmEnd:        decodeAlarm,
}

func decodeFields(cmd protocol.Command, tokens []string) (protocol.Fields, error) {
	decode, ok := fieldDecoders[cmd]
	if !ok {
		return &protocol.UnknownFields{Raw: tokens}, nil
	}
	fields, err := decode(tokens)
	if err != nil {
		return nil, errors.Annotatef(err, "decode %s", cmd)
	}
	return fields, nil
}

func annotateMalformed(format string, args ...interface{}) error {
	return errors.Annotatef(protocol.ErrMalformed, format, args...)
}

// withLocation decodes the leading location block and returns a reader over
// the tokens that follow it.
func withLocation(tokens []string) (protocol.LocationStatus, *protocol.FieldReader, error) {
	loc, n, err := protocol.DecodeLocation(tokens)
	if err != nil {
		return loc, nil, err
	}
	return loc, protocol.NewFieldReader(tokens[n:]), nil
}

func decodeRegister(tokens []string) (protocol.Fields, error) {
	loc, r, err := withLocation(tokens)
	if err != nil {
		return nil, err
	}
	f := &protocol.RegisterFields{
		Location:               loc,
		NumPeople:              r.String(),
		ProtocolVersion:        r.String(),
		DeviceType:             r.Int(),
		LoginServerAddress:     r.String(),
		Port:                   r.Int(),
		PowerUps:               r.Int(),
		Connections:            r.Int(),
		LicensePlate:           r.String(),
		NetworkType:            r.Int(),
		NetworkName:            r.String(),
		AudioType:              r.IntOr(1),
		HardDiskType:           r.IntOr(1),
		ManufacturerType:       r.String(),
		ManufacturerDeviceType: r.String(),
		IMEI:                   r.String(),
		HostVersion:            r.String(),
		NetworkLibVersion:      r.String(),
	}
	return f, r.Err()
}

func decodeHeartbeat([]string) (protocol.Fields, error) {
	return &protocol.HeartbeatFields{}, nil
}

func decodeLocationReport(tokens []string) (protocol.Fields, error) {
	loc, r, err := withLocation(tokens)
	if err != nil {
		return nil, err
	}
	f := &protocol.LocationFields{
		Location:  loc,
		DriveFlag: r.Int(),
	}
	return f, r.Err()
}

func decodeAlarm(tokens []string) (protocol.Fields, error) {
	loc, r, err := withLocation(tokens)
	if err != nil {
		return nil, err
	}
	f := &protocol.AlarmFields{
		Location:          loc,
		AlarmType:         r.String(),
		AlarmTime:         r.String(),
		AlarmUID:          r.String(),
		PictureShot:       r.Int(),
		PictureAddress:    r.String(),
		AlarmRecording:    r.Int(),
		RecordingAddress:  r.String(),
		CustomAlarmNumber: r.Int(),
		AlarmSource:       r.Int(),
		AlarmName:         r.String(),
	}
	return f, r.Err()
}

func decodeAlarmFile(tokens []string) (protocol.Fields, error) {
	loc, r, err := withLocation(tokens)
	if err != nil {
		return nil, err
	}
	f := &protocol.AlarmFileFields{
		Location:         loc,
		AlarmTime:        r.String(),
		AlarmUID:         r.String(),
		PictureShot:      r.Int(),
		PictureAddress:   r.String(),
		AlarmRecording:   r.Int(),
		RecordingAddress: r.String(),
		FileType:         r.IntOr(1),
		FilePath:         r.String(),
		FileSize:         r.Int64(),
		FileTypeFlag:     r.IntOr(1),
		FileStartTime:    r.String(),
		FileLength:       r.Int(),
		ChannelNumber:    r.Int(),
	}
	return f, r.Err()
}

func decodeDownloadList(tokens []string) (protocol.Fields, error) {
	return &protocol.DownloadListFields{Raw: tokens}, nil
}

func decodeDeviceAck(tokens []string) (protocol.Fields, error) {
	loc, r, err := withLocation(tokens)
	if err != nil {
		return nil, err
	}
	f := &protocol.DeviceAckFields{
		Location:            loc,
		RespondingCommand:   r.String(),
		RespondingTimestamp: r.String(),
		Status:              r.Int(),
	}
	f.Extra = r.Remaining()
	return f, r.Err()
}
