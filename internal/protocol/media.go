package protocol

import "fmt"

// Media protocol constants
const (
	MediaMagic      uint16 = 0x4040
	MediaHeaderSize        = 8 // magic(2) + command(2) + total length(4)

	// Video/audio/file payload starts after timestamp(4) + sequence/reserved(4)
	MediaPayloadOffset = 16

	MediaCmdRegisterAck uint16 = 0x6000
	MediaCmdRequestIDR  uint16 = 0x6002
	MediaCmdVideoIFrame uint16 = 0x6011
	MediaCmdVideoPFrame uint16 = 0x6012
	MediaCmdAudioFrame  uint16 = 0x6013
	MediaCmdFileData    uint16 = 0x6102
	MediaCmdRecvReport  uint16 = 0x6403
)

// HandshakePrefix starts the ASCII registration frame on a media socket.
const HandshakePrefix = "@@$$dc"

// MediaKind classifies a decoded media packet.
type MediaKind int

const (
	MediaKindRegistration MediaKind = iota + 1
	MediaVideoIFrame
	MediaVideoPFrame
	MediaAudioFrame
	MediaFileData
	MediaControl
)

func (k MediaKind) String() string {
	switch k {
	case MediaKindRegistration:
		return "registration"
	case MediaVideoIFrame:
		return "video_i_frame"
	case MediaVideoPFrame:
		return "video_p_frame"
	case MediaAudioFrame:
		return "audio_frame"
	case MediaFileData:
		return "file_data"
	case MediaControl:
		return "control"
	default:
		return fmt.Sprintf("media_kind_%d", int(k))
	}
}

// IsVideo reports whether k is an I or P frame.
func (k MediaKind) IsVideo() bool {
	return k == MediaVideoIFrame || k == MediaVideoPFrame
}

// StreamMode distinguishes live streaming (V102) from file upload (V103) registrations.
type StreamMode int

const (
	ModeLive StreamMode = iota + 1
	ModeFile
)

func (m StreamMode) String() string {
	if m == ModeFile {
		return "file"
	}
	return "live"
}

// MediaRegistration is the decoded @@$$dc V102/V103 handshake.
type MediaRegistration struct {
	Command       Command
	Mode          StreamMode
	Serial        int
	DeviceSerial  string
	Timestamp     string
	SessionID     string
	ChannelNumber int
	StreamType    int // 0 main, 1 sub
	FileSize      int64
	FileName      string
}

// MediaPacket is one decoded media-protocol unit. Payload aliases the codec
// buffer only until the next Feed call; consumers that retain it must copy.
type MediaPacket struct {
	Kind         MediaKind
	Command      uint16
	Length       int
	Timestamp    uint32
	Sequence     uint32
	Offset       uint32 // file data only
	Payload      []byte
	Registration *MediaRegistration
}

func (p *MediaPacket) String() string {
	if p.Registration != nil {
		return fmt.Sprintf("(%s %s session=%s dev=%s)", p.Kind, p.Registration.Command, p.Registration.SessionID, p.Registration.DeviceSerial)
	}
	return fmt.Sprintf("(%s cmd=%04x ts=%d seq=%d payload=%d)", p.Kind, p.Command, p.Timestamp, p.Sequence, len(p.Payload))
}
