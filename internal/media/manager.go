// Package media owns media sessions: it appends stream payloads to sinks,
// cuts them into bounded segments and hands finished segments off for
// transcoding.
package media

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/event"
	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
	"github.com/mahmoudfa97/apexcam-platforms/internal/sink"
)

// Segment thresholds
const (
	DefaultMaxFrames = 100
	DefaultMaxBytes  = 5 * 1024 * 1024
)

var (
	// ErrUnknownSession is returned for frames addressed to a session that was never created or already ended.
	ErrUnknownSession = errors.New("unknown media session")
	// ErrNotMedia is returned when a packet carries no appendable payload.
	ErrNotMedia = errors.New("packet is not a media frame")
)

// SessionStore records live sessions. It is optional.
type SessionStore interface {
	FindDevice(ctx context.Context, serial string) (*model.Device, error)
	InsertMediaSession(ctx context.Context, m *model.MediaSession) error
	EndMediaSession(ctx context.Context, sessionID string, at time.Time) error
}

// Config holds the segmentation policy.
type Config struct {
	MaxFrames int
	MaxBytes  int64
}

// Manager is the session-id to Session registry.
type Manager struct {
	cfg    Config
	opener sink.Opener
	store  SessionStore
	bus    event.Publisher
	log    *zap.Logger
	now    func() time.Time
	newID  func() string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore records live sessions in store.
func WithStore(store SessionStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithConfig overrides the segment thresholds; zero values keep the defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		if cfg.MaxFrames > 0 {
			m.cfg.MaxFrames = cfg.MaxFrames
		}
		if cfg.MaxBytes > 0 {
			m.cfg.MaxBytes = cfg.MaxBytes
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager writing through opener and publishing on bus.
func NewManager(opener sink.Opener, bus event.Publisher, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:      Config{MaxFrames: DefaultMaxFrames, MaxBytes: DefaultMaxBytes},
		opener:   opener,
		bus:      bus,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession registers the session announced by reg. A session id that is
// already active is re-bound and returned as is; each bind must be matched by
// one EndSession.
func (m *Manager) CreateSession(ctx context.Context, reg *protocol.MediaRegistration) (*Session, error) {
	if reg == nil || reg.SessionID == "" {
		return nil, fmt.Errorf("create session: empty session id")
	}

	m.mu.Lock()
	if s, ok := m.sessions[reg.SessionID]; ok {
		s.binders++
		binders := s.binders
		m.mu.Unlock()
		m.log.Info("media session re-bound", zap.String("session_id", reg.SessionID), zap.Int("binders", binders))
		return s, nil
	}
	s := &Session{
		id:           reg.SessionID,
		deviceSerial: reg.DeviceSerial,
		mode:         reg.Mode,
		channel:      reg.ChannelNumber,
		streamType:   reg.StreamType,
		fileSize:     reg.FileSize,
		fileName:     reg.FileName,
		startedAt:    m.now().UTC(),
		binders:      1,
		segment:      1,
	}
	m.sessions[reg.SessionID] = s
	m.mu.Unlock()

	if m.store != nil {
		m.bindDevice(ctx, s)
	}

	m.log.Info("media session created",
		zap.String("session_id", s.id),
		zap.String("device_serial", s.deviceSerial),
		zap.Stringer("mode", s.mode),
		zap.Int("channel", s.channel),
		zap.Int("stream_type", s.streamType))
	return s, nil
}

// bindDevice resolves the device and records live sessions. Failures are logged.
func (m *Manager) bindDevice(ctx context.Context, s *Session) {
	d, err := m.store.FindDevice(ctx, s.deviceSerial)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			m.log.Error("media session device lookup failed", zap.String("session_id", s.id), zap.Error(err))
		}
		return
	}
	s.mu.Lock()
	s.deviceID = d.ID
	s.mu.Unlock()

	if s.mode != protocol.ModeLive {
		return
	}
	row := &model.MediaSession{
		SessionID:     s.id,
		DeviceID:      d.ID,
		ChannelNumber: s.channel,
		StreamType:    s.streamType,
		StartedAt:     s.startedAt,
	}
	if err := m.store.InsertMediaSession(ctx, row); err != nil {
		m.log.Error("record media session failed", zap.String("session_id", s.id), zap.Error(err))
	}
}

// Session returns the active session with id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns a snapshot of all active sessions ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AppendFrame appends the payload of a video, audio or file-data packet to
// the session's sinks, cutting a segment when a threshold is reached.
func (m *Manager) AppendFrame(ctx context.Context, sessionID string, pkt *protocol.MediaPacket) error {
	s, ok := m.Session(sessionID)
	if !ok {
		return fmt.Errorf("append to %s: %w", sessionID, ErrUnknownSession)
	}

	var jobs []event.TranscodeJob
	var err error
	switch {
	case pkt.Kind.IsVideo():
		jobs, err = m.appendVideo(s, pkt)
		if err == nil {
			m.publishFrame(ctx, s, pkt)
		}
	case pkt.Kind == protocol.MediaAudioFrame:
		err = m.appendAudio(s, pkt)
	case pkt.Kind == protocol.MediaFileData:
		jobs, err = m.appendFileData(s, pkt)
	default:
		return fmt.Errorf("append %s to %s: %w", pkt.Kind, sessionID, ErrNotMedia)
	}
	for _, job := range jobs {
		m.publishJob(ctx, job)
	}
	return err
}

func (m *Manager) appendVideo(s *Session, pkt *protocol.MediaPacket) ([]event.TranscodeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.video == nil {
		v, err := m.opener.Open(s.videoPath())
		if err != nil {
			return nil, fmt.Errorf("open segment %d of %s: %w", s.segment, s.id, err)
		}
		s.video = v
	}
	n, err := s.video.Write(pkt.Payload)
	s.bytesSinceFlush += int64(n)
	s.totalBytes += int64(n)
	if err != nil {
		return nil, fmt.Errorf("write segment %d of %s: %w", s.segment, s.id, err)
	}
	s.frameCount++
	s.totalFrames++

	if s.frameCount < m.cfg.MaxFrames && s.bytesSinceFlush < m.cfg.MaxBytes {
		return nil, nil
	}
	job, err := m.cutSegment(s, event.JobSegment)
	if err != nil {
		return nil, err
	}
	return []event.TranscodeJob{job}, nil
}

func (m *Manager) appendAudio(s *Session, pkt *protocol.MediaPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.audio == nil {
		a, err := m.opener.Open(s.audioPath())
		if err != nil {
			return fmt.Errorf("open audio of %s: %w", s.id, err)
		}
		s.audio = a
	}
	n, err := s.audio.Write(pkt.Payload)
	s.audioBytes += int64(n)
	if err != nil {
		return fmt.Errorf("write audio of %s: %w", s.id, err)
	}
	return nil
}

// appendFileData appends an upload chunk; the file is handed off once the
// announced size has arrived.
func (m *Manager) appendFileData(s *Session, pkt *protocol.MediaPacket) ([]event.TranscodeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		m.log.Warn("file data after completion", zap.String("session_id", s.id), zap.Int("bytes", len(pkt.Payload)))
		return nil, nil
	}
	if s.video == nil {
		v, err := m.opener.Open(s.videoPath())
		if err != nil {
			return nil, fmt.Errorf("open upload of %s: %w", s.id, err)
		}
		s.video = v
	}
	n, err := s.video.Write(pkt.Payload)
	s.bytesSinceFlush += int64(n)
	s.totalBytes += int64(n)
	if err != nil {
		return nil, fmt.Errorf("write upload of %s: %w", s.id, err)
	}
	s.frameCount++
	s.totalFrames++

	if s.fileSize <= 0 || s.totalBytes < s.fileSize {
		return nil, nil
	}
	s.completed = true
	job, err := m.cutSegment(s, event.JobFile)
	if err != nil {
		return nil, err
	}
	m.log.Info("file upload complete", zap.String("session_id", s.id), zap.Int64("bytes", s.totalBytes))
	return []event.TranscodeJob{job}, nil
}

// cutSegment closes the open sinks, builds the hand-off job and advances to
// the next segment. s.mu must be held.
func (m *Manager) cutSegment(s *Session, kind string) (event.TranscodeJob, error) {
	job := event.TranscodeJob{
		JobID:         m.newID(),
		Kind:          kind,
		SessionID:     s.id,
		DeviceSerial:  s.deviceSerial,
		DeviceID:      s.deviceID,
		ChannelNumber: s.channel,
		StreamType:    s.streamType,
		SegmentID:     s.segment,
		Frames:        s.frameCount,
		Bytes:         s.bytesSinceFlush,
		Timestamp:     m.now().UTC(),
	}

	var errs []error
	if s.video != nil {
		job.FilePath = s.video.Path()
		errs = append(errs, s.video.Close())
		s.video = nil
	}
	if s.audio != nil {
		job.AudioPath = s.audio.Path()
		errs = append(errs, s.audio.Close())
		s.audio = nil
	}

	s.segment++
	s.frameCount = 0
	s.bytesSinceFlush = 0

	if err := errors.Join(errs...); err != nil {
		return job, fmt.Errorf("close segment %d of %s: %w", job.SegmentID, s.id, err)
	}
	return job, nil
}

// EndSession releases one bind of the session. When the last binder leaves
// it flushes any partial segment, releases the sinks and forgets the
// session. Ending an unknown session is a no-op.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	return m.endSession(ctx, sessionID, false)
}

func (m *Manager) endSession(ctx context.Context, sessionID string, force bool) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if s.binders > 1 && !force {
		s.binders--
		binders := s.binders
		m.mu.Unlock()
		m.log.Info("media session released", zap.String("session_id", sessionID), zap.Int("binders", binders))
		return nil
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	s.mu.Lock()
	var (
		job     event.TranscodeJob
		err     error
		publish bool
	)
	if s.frameCount > 0 || s.audio != nil {
		kind := event.JobSegment
		if s.mode == protocol.ModeFile {
			kind = event.JobFile
		}
		job, err = m.cutSegment(s, kind)
		publish = true
	} else {
		_, err = m.cutSegment(s, event.JobSegment)
	}
	deviceID, mode, totalFrames := s.deviceID, s.mode, s.totalFrames
	s.mu.Unlock()

	if publish {
		m.publishJob(ctx, job)
	}
	if m.store != nil && deviceID != 0 && mode == protocol.ModeLive {
		if serr := m.store.EndMediaSession(ctx, sessionID, m.now().UTC()); serr != nil {
			m.log.Error("end media session record failed", zap.String("session_id", sessionID), zap.Error(serr))
		}
	}

	m.log.Info("media session ended", zap.String("session_id", sessionID), zap.Uint64("frames", totalFrames))
	return err
}

// Close ends every active session regardless of how many connections share it.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, m.endSession(ctx, id, true))
	}
	return errors.Join(errs...)
}

func (m *Manager) publishFrame(ctx context.Context, s *Session, pkt *protocol.MediaPacket) {
	frameType := "P"
	if pkt.Kind == protocol.MediaVideoIFrame {
		frameType = "I"
	}
	s.mu.Lock()
	deviceID := s.deviceID
	s.mu.Unlock()
	m.publish(ctx, event.TopicMediaFrame, event.MediaFrame{
		SessionID:     s.id,
		DeviceSerial:  s.deviceSerial,
		DeviceID:      deviceID,
		ChannelNumber: s.channel,
		FrameType:     frameType,
		Size:          len(pkt.Payload),
		Timestamp:     m.now().UTC(),
	})
}

func (m *Manager) publishJob(ctx context.Context, job event.TranscodeJob) {
	m.publish(ctx, event.TopicTranscodeQueue, job)
	m.log.Info("queued for transcoding",
		zap.String("session_id", job.SessionID),
		zap.String("kind", job.Kind),
		zap.Uint64("segment", job.SegmentID),
		zap.String("file_path", job.FilePath))
}

func (m *Manager) publish(ctx context.Context, topic string, v interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, topic, v); err != nil {
		m.log.Error("publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
