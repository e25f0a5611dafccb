package adapter

import (
	"bytes"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
)

const (
	// SignalingStart and SignalingEnd delimit one $$dc frame
	SignalingStart = "$$dc"
	SignalingEnd   = '#'

	// DefaultSignalingBufferLimit caps unconsumed bytes when no frame completes
	DefaultSignalingBufferLimit = 64 * 1024

	envelopeTokens = 4 // length, serial, command, device serial
)

// SignalingCodec reassembles and decodes $$dc signaling frames. One codec
// belongs to one connection; it is not safe for concurrent use.
type SignalingCodec struct {
	log     *zap.Logger
	limit   int
	pending []byte

	// Overflows counts buffer resets caused by the size guard.
	Overflows int
}

// NewSignalingCodec creates a codec; limit <= 0 selects DefaultSignalingBufferLimit.
func NewSignalingCodec(limit int, log *zap.Logger) *SignalingCodec {
	if limit <= 0 {
		limit = DefaultSignalingBufferLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SignalingCodec{log: log, limit: limit}
}

var _ protocol.SignalingDecoder = (*SignalingCodec)(nil)

// Buffered returns the number of unconsumed bytes.
func (c *SignalingCodec) Buffered() int { return len(c.pending) }

// Feed appends data and returns all messages completed so far.
func (c *SignalingCodec) Feed(data []byte) []*protocol.Message {
	c.pending = append(c.pending, data...)

	var messages []*protocol.Message
	for {
		frame, rest, ok := c.extractFrame(c.pending)
		if !ok {
			break
		}
		c.pending = rest

		msg, err := DecodeSignaling(frame)
		if err != nil {
			c.log.Warn("signaling frame dropped", zap.Error(err), zap.ByteString("frame", frame))
			continue
		}
		messages = append(messages, msg)
	}

	if len(c.pending) > c.limit {
		c.log.Warn("signaling buffer overflow, resetting", zap.Int("buffered", len(c.pending)), zap.Int("limit", c.limit))
		c.pending = nil
		c.Overflows++
	}
	// release consumed prefix once drained
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return messages
}

// extractFrame finds the first "$$dc ... #" span. Bytes before the start
// marker are garbage and are consumed with the frame.
func (c *SignalingCodec) extractFrame(data []byte) (frame, rest []byte, ok bool) {
	startIdx := bytes.Index(data, []byte(SignalingStart))
	if startIdx == -1 {
		return nil, data, false
	}
	endIdx := bytes.IndexByte(data[startIdx+len(SignalingStart):], SignalingEnd)
	if endIdx == -1 {
		// Incomplete packet, wait for more data
		return nil, data, false
	}
	endIdx += startIdx + len(SignalingStart)
	frame = data[startIdx : endIdx+1]
	rest = data[endIdx+1:]
	return frame, rest, true
}

// DecodeSignaling decodes one complete "$$dc...#" frame. Unknown commands
// decode to *protocol.UnknownFields; a field list that fails its command's
// table is reported as protocol.ErrMalformed.
func DecodeSignaling(frame []byte) (*protocol.Message, error) {
	raw := string(frame)
	if !strings.HasPrefix(raw, SignalingStart) || !strings.HasSuffix(raw, string(SignalingEnd)) {
		return nil, annotateMalformed("missing frame markers")
	}
	content := raw[len(SignalingStart) : len(raw)-1]
	parts := strings.Split(content, ",")
	if len(parts) < envelopeTokens {
		return nil, annotateMalformed("envelope has %d tokens", len(parts))
	}

	msg := &protocol.Message{
		Command:      protocol.Command(parts[2]),
		DeviceSerial: parts[3],
		Raw:          raw,
	}
	// advisory values, devices get them wrong
	msg.DeclaredLength, _ = strconv.Atoi(parts[0])
	msg.Serial, _ = strconv.Atoi(parts[1])
	if len(parts) > 4 {
		msg.WorkstationSerial = parts[4]
	}
	if len(parts) > 5 {
		msg.Timestamp = parts[5]
	}
	if len(parts) > 6 {
		msg.Tokens = parts[6:]
	}

	fields, err := decodeFields(msg.Command, msg.Tokens)
	if err != nil {
		return msg, err
	}
	msg.Fields = fields
	return msg, nil
}
