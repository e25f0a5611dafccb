package adapter

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

// ErrReservedChar is returned when a field would break framing.
var ErrReservedChar = errors.New("field contains reserved character")

// lengthOverhead is the length prefix width ("0227") counted in the declared length.
const lengthOverhead = 4

// StatusOK is the C100 status code for a processed command.
const StatusOK = "0"

// heartbeatAckLength is the fixed length field of the C501 keepalive frame.
const heartbeatAckLength = "0028"

// Encoder builds server-originated $$dc frames. Serials come from a local
// counter and may collide across connections; devices tolerate that.
type Encoder struct {
	serial atomic.Uint32
	now    func() time.Time
}

// NewEncoder returns an encoder stamped with the wall clock.
func NewEncoder() *Encoder {
	return &Encoder{now: time.Now}
}

// NewEncoderWithClock returns an encoder using now for reply timestamps.
func NewEncoderWithClock(now func() time.Time) *Encoder {
	return &Encoder{now: now}
}

// NextSerial returns the next frame serial.
func (e *Encoder) NextSerial() uint32 {
	return e.serial.Add(1)
}

// Now returns the encoder's current time in device timestamp format.
func (e *Encoder) Now() string {
	return protocol.FormatTimestamp(e.now())
}

// Build encodes cmd with the envelope fields and the given payload fields as
// "$$dc<len>,<serial>,<cmd>,<dev>,<ws>,<ts>,<fields...>#".
func (e *Encoder) Build(cmd protocol.Command, dev, ws, ts string, fields ...string) ([]byte, error) {
	parts := make([]string, 0, len(fields)+4)
	parts = append(parts, string(cmd), dev, ws, ts)
	parts = append(parts, fields...)
	for i, p := range parts {
		if strings.ContainsAny(p, ",#") {
			return nil, errors.Annotatef(ErrReservedChar, "field %d %q", i, p)
		}
	}
	content := strings.Join(parts, ",")
	return []byte(fmt.Sprintf("%s%04d,%d,%s%c", SignalingStart, len(content)+lengthOverhead, e.NextSerial(), content, SignalingEnd)), nil
}

// Reply builds a C100 answer to msg: "C100,dev,ws,now,<cmd>,<msg ts>,<status>,<extra...>".
func (e *Encoder) Reply(msg *protocol.Message, status string, extra ...string) ([]byte, error) {
	fields := make([]string, 0, len(extra)+3)
	fields = append(fields, string(msg.Command), msg.Timestamp, status)
	fields = append(fields, extra...)
	return e.Build(protocol.CmdServerReply, msg.DeviceSerial, msg.WorkstationSerial, e.Now(), fields...)
}

// RegisterReply answers V101. Stored registrations carry result code 1,
// storage failures 2.
func (e *Encoder) RegisterReply(msg *protocol.Message, stored bool) ([]byte, error) {
	result := "2"
	if stored {
		result = "1"
	}
	return e.Reply(msg, StatusOK, "1", result)
}

// AlarmReply answers V201/V251/V232 with the alarm uid.
func (e *Encoder) AlarmReply(msg *protocol.Message, alarmUID string) ([]byte, error) {
	return e.Reply(msg, StatusOK, alarmUID)
}

// DownloadListReply answers V141 with an empty list.
func (e *Encoder) DownloadListReply(msg *protocol.Message) ([]byte, error) {
	return e.Reply(msg, StatusOK, "0", "0", "0", "", "", "", "", "0", "", "0")
}

// HeartbeatAck builds the C501 keepalive frame. Its length field is a fixed
// literal that devices match on, not the computed content length.
func (e *Encoder) HeartbeatAck(msg *protocol.Message) ([]byte, error) {
	if strings.ContainsAny(msg.DeviceSerial, ",#") {
		return nil, errors.Annotatef(ErrReservedChar, "device serial %q", msg.DeviceSerial)
	}
	frame := fmt.Sprintf("%s%s,%d,%s,%s,,%s%c", SignalingStart, heartbeatAckLength, e.NextSerial(),
		protocol.CmdHeartbeatReply, msg.DeviceSerial, e.Now(), SignalingEnd)
	return []byte(frame), nil
}
