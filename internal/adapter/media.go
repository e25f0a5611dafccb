package adapter

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

// DefaultMediaBufferLimit caps unconsumed bytes on a media socket.
const DefaultMediaBufferLimit = 10 * 1024 * 1024

// handshake field positions, counted after the timestamp
const (
	hsSessionID  = 10
	hsFileSize   = 11
	hsFileName   = 12
	hsChannel    = 12
	hsStreamType = 13
)

// MediaCodec reassembles the hybrid media stream: @@$$dc registration
// handshakes followed by 0x4040 binary frames. One codec per connection.
type MediaCodec struct {
	log     *zap.Logger
	limit   int
	pending []byte

	// Overflows counts buffer resets caused by the size guard.
	Overflows int
	// Resyncs counts bytes skipped while hunting for the binary magic.
	Resyncs int
}

// NewMediaCodec creates a codec; limit <= 0 selects DefaultMediaBufferLimit.
func NewMediaCodec(limit int, log *zap.Logger) *MediaCodec {
	if limit <= 0 {
		limit = DefaultMediaBufferLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MediaCodec{log: log, limit: limit}
}

var _ protocol.MediaDecoder = (*MediaCodec)(nil)

// Buffered returns the number of unconsumed bytes.
func (c *MediaCodec) Buffered() int { return len(c.pending) }

// Feed appends data and returns all packets completed so far.
func (c *MediaCodec) Feed(data []byte) []*protocol.MediaPacket {
	c.pending = append(c.pending, data...)

	var packets []*protocol.MediaPacket
	for len(c.pending) > 0 {
		pkt, n, err := c.next(c.pending)
		if protocol.IsIncomplete(err) {
			break
		}
		if n == 0 && protocol.IsMalformed(err) {
			// resync one byte at a time
			c.pending = c.pending[1:]
			c.Resyncs++
			continue
		}
		c.pending = c.pending[n:]
		if err != nil {
			c.log.Warn("media packet dropped", zap.Error(err))
			continue
		}
		if pkt != nil {
			packets = append(packets, pkt)
		}
	}

	if len(c.pending) > c.limit {
		c.log.Warn("media buffer overflow, resetting", zap.Int("buffered", len(c.pending)), zap.Int("limit", c.limit))
		c.pending = nil
		c.Overflows++
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return packets
}

// next decodes one unit from the head of buf and returns the bytes it spans.
// ErrIncomplete asks for more data and ErrMalformed with n == 0 asks for a
// one-byte resync. Any other error consumes n bytes without a packet.
func (c *MediaCodec) next(buf []byte) (*protocol.MediaPacket, int, error) {
	if bytes.HasPrefix(buf, []byte(protocol.HandshakePrefix)) {
		return c.handshake(buf)
	}
	if len(buf) < len(protocol.HandshakePrefix) && bytes.HasPrefix([]byte(protocol.HandshakePrefix), buf) {
		return nil, 0, errors.Annotate(protocol.ErrIncomplete, "handshake prefix")
	}
	return c.binary(buf)
}

func (c *MediaCodec) handshake(buf []byte) (*protocol.MediaPacket, int, error) {
	end := bytes.IndexByte(buf, SignalingEnd)
	if end == -1 {
		return nil, 0, errors.Annotate(protocol.ErrIncomplete, "handshake terminator")
	}
	n := end + 1
	reg, err := DecodeMediaRegistration(buf[:n])
	if err != nil {
		return nil, n, err
	}
	return &protocol.MediaPacket{
		Kind:         protocol.MediaKindRegistration,
		Length:       n,
		Registration: reg,
	}, n, nil
}

func (c *MediaCodec) binary(buf []byte) (*protocol.MediaPacket, int, error) {
	cur := protocol.NewCursor(buf)
	magic, err := cur.Uint16()
	if err != nil {
		return nil, 0, err
	}
	if magic != protocol.MediaMagic {
		return nil, 0, errors.Annotatef(protocol.ErrMalformed, "bad magic %04x", magic)
	}
	cmd, err := cur.Uint16()
	if err != nil {
		return nil, 0, err
	}
	total, err := cur.Uint32()
	if err != nil {
		return nil, 0, err
	}
	if total < protocol.MediaHeaderSize || int64(total) > int64(c.limit) {
		return nil, 0, errors.Annotatef(protocol.ErrMalformed, "bad length %d", total)
	}
	length := int(total)
	if len(buf) < length {
		return nil, 0, errors.Annotatef(protocol.ErrIncomplete, "need %d bytes, have %d", length, len(buf))
	}

	pkt, err := DecodeMediaFrame(cmd, buf[:length])
	if err != nil {
		return nil, length, err
	}
	return pkt, length, nil
}

// DecodeMediaFrame decodes one complete binary frame including its header.
func DecodeMediaFrame(cmd uint16, frame []byte) (*protocol.MediaPacket, error) {
	pkt := &protocol.MediaPacket{Command: cmd, Length: len(frame)}
	switch cmd {
	case protocol.MediaCmdVideoIFrame:
		pkt.Kind = protocol.MediaVideoIFrame
	case protocol.MediaCmdVideoPFrame:
		pkt.Kind = protocol.MediaVideoPFrame
	case protocol.MediaCmdAudioFrame:
		pkt.Kind = protocol.MediaAudioFrame
	case protocol.MediaCmdFileData:
		pkt.Kind = protocol.MediaFileData
	case protocol.MediaCmdRegisterAck, protocol.MediaCmdRequestIDR, protocol.MediaCmdRecvReport:
		pkt.Kind = protocol.MediaControl
		pkt.Payload = frame[protocol.MediaHeaderSize:]
		return pkt, nil
	default:
		return nil, errors.Errorf("unknown media command %04x", cmd)
	}

	cur := protocol.NewCursor(frame)
	if err := cur.Skip(protocol.MediaHeaderSize); err != nil {
		return nil, err
	}
	// short frames keep zero timestamp/sequence and an empty payload
	first, err := cur.Uint32()
	if err != nil {
		return pkt, nil
	}
	if pkt.Kind == protocol.MediaFileData {
		pkt.Offset = first
	} else {
		pkt.Timestamp = first
	}
	second, err := cur.Uint32()
	if err != nil {
		return pkt, nil
	}
	if pkt.Kind.IsVideo() {
		pkt.Sequence = second
	}
	pkt.Payload = cur.Rest()
	return pkt, nil
}

// DecodeMediaRegistration decodes an "@@$$dc...#" V102/V103 handshake.
func DecodeMediaRegistration(frame []byte) (*protocol.MediaRegistration, error) {
	raw := strings.TrimPrefix(string(frame), "@@")
	if !strings.HasPrefix(raw, SignalingStart) || !strings.HasSuffix(raw, string(SignalingEnd)) {
		return nil, annotateMalformed("handshake markers")
	}
	parts := strings.Split(raw[len(SignalingStart):len(raw)-1], ",")
	if len(parts) < 7 {
		return nil, annotateMalformed("handshake has %d tokens", len(parts))
	}

	reg := &protocol.MediaRegistration{
		Command:      protocol.Command(parts[2]),
		DeviceSerial: parts[3],
		Timestamp:    parts[5],
	}
	reg.Serial, _ = strconv.Atoi(parts[1])
	fields := parts[6:]
	at := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	atoi := func(i, def int) int {
		v, err := strconv.Atoi(at(i))
		if err != nil {
			return def
		}
		return v
	}

	switch reg.Command {
	case protocol.CmdMediaLive:
		reg.Mode = protocol.ModeLive
		reg.SessionID = at(hsSessionID)
		reg.ChannelNumber = atoi(hsChannel, 0)
		reg.StreamType = atoi(hsStreamType, 1)
	case protocol.CmdMediaFileUpload:
		reg.Mode = protocol.ModeFile
		reg.SessionID = at(hsSessionID)
		reg.FileSize, _ = strconv.ParseInt(at(hsFileSize), 10, 64)
		reg.FileName = at(hsFileName)
	default:
		return nil, errors.Errorf("unexpected handshake command %q", reg.Command)
	}
	if reg.SessionID == "" {
		return nil, errors.Errorf("%s handshake without session id", reg.Command)
	}
	return reg, nil
}
