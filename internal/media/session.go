package media

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
	"github.com/mahmoudfa97/apexcam-platforms/internal/sink"
)

const defaultUploadName = "upload.bin"

// Session is one media stream or file transfer. It is driven by the
// connection that created it; Info may be read concurrently.
type Session struct {
	mu sync.Mutex

	id           string
	deviceSerial string
	deviceID     uint
	mode         protocol.StreamMode
	channel      int
	streamType   int
	fileSize     int64
	fileName     string
	startedAt    time.Time

	// binders counts connections sharing the session; guarded by Manager.mu.
	binders int

	segment         uint64
	frameCount      int
	bytesSinceFlush int64
	totalFrames     uint64
	totalBytes      int64
	audioBytes      int64
	completed       bool

	video sink.Sink
	audio sink.Sink
}

// Info is a point-in-time view of a session.
type Info struct {
	SessionID     string    `json:"session_id"`
	DeviceSerial  string    `json:"device_serial"`
	DeviceID      uint      `json:"device_id,omitempty"`
	Mode          string    `json:"mode"`
	ChannelNumber int       `json:"channel_number"`
	StreamType    int       `json:"stream_type"`
	FileName      string    `json:"file_name,omitempty"`
	FileSize      int64     `json:"file_size,omitempty"`
	Segment       uint64    `json:"segment"`
	FrameCount    int       `json:"frame_count"`
	PendingBytes  int64     `json:"pending_bytes"`
	TotalFrames   uint64    `json:"total_frames"`
	TotalBytes    int64     `json:"total_bytes"`
	AudioBytes    int64     `json:"audio_bytes"`
	Completed     bool      `json:"completed"`
	StartedAt     time.Time `json:"started_at"`
}

func (s *Session) ID() string                { return s.id }
func (s *Session) DeviceSerial() string      { return s.deviceSerial }
func (s *Session) Mode() protocol.StreamMode { return s.mode }

// Info returns a snapshot of the session counters.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:     s.id,
		DeviceSerial:  s.deviceSerial,
		DeviceID:      s.deviceID,
		Mode:          s.mode.String(),
		ChannelNumber: s.channel,
		StreamType:    s.streamType,
		FileName:      s.fileName,
		FileSize:      s.fileSize,
		Segment:       s.segment,
		FrameCount:    s.frameCount,
		PendingBytes:  s.bytesSinceFlush,
		TotalFrames:   s.totalFrames,
		TotalBytes:    s.totalBytes,
		AudioBytes:    s.audioBytes,
		Completed:     s.completed,
		StartedAt:     s.startedAt,
	}
}

// videoPath is the sink path of the current segment.
func (s *Session) videoPath() string {
	if s.mode == protocol.ModeFile {
		name := path.Base(s.fileName)
		if name == "" || name == "." || name == "/" {
			name = defaultUploadName
		}
		return path.Join(s.id, name)
	}
	return path.Join(s.id, fmt.Sprintf("ch%d_stream%d_%d.h264", s.channel, s.streamType, s.segment))
}

// audioPath is the sibling of the current video segment.
func (s *Session) audioPath() string {
	p := s.videoPath()
	return p[:len(p)-len(path.Ext(p))] + ".audio"
}
