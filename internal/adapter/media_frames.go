package adapter

import (
	"encoding/binary"

	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

const (
	registrationAckSize = 16
	receiveReportSize   = 24

	registrationAccepted uint32 = 1
)

// EncodeMediaFrame writes the 8-byte header followed by body.
func EncodeMediaFrame(cmd uint16, body []byte) []byte {
	buf := make([]byte, protocol.MediaHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:], protocol.MediaMagic)
	binary.BigEndian.PutUint16(buf[2:], cmd)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(buf)))
	copy(buf[protocol.MediaHeaderSize:], body)
	return buf
}

// RegistrationAck is the 0x6000 answer to a V102/V103 handshake.
func RegistrationAck() []byte {
	body := make([]byte, registrationAckSize-protocol.MediaHeaderSize)
	binary.BigEndian.PutUint32(body[0:], registrationAccepted)
	return EncodeMediaFrame(protocol.MediaCmdRegisterAck, body)
}

// ReceiveReport is the 0x6403 flow-control frame echoing a video timestamp.
func ReceiveReport(timestamp uint32) []byte {
	body := make([]byte, receiveReportSize-protocol.MediaHeaderSize)
	binary.BigEndian.PutUint32(body[4:], timestamp) // frame offset 12
	return EncodeMediaFrame(protocol.MediaCmdRecvReport, body)
}
