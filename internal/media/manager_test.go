package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahmoudfa97/apexcam-platforms/internal/event"
	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
	"github.com/mahmoudfa97/apexcam-platforms/internal/sink"
)

type memSink struct {
	path   string
	buf    bytes.Buffer
	closed bool
}

func (s *memSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write on closed sink")
	}
	return s.buf.Write(p)
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

func (s *memSink) Path() string { return s.path }
func (s *memSink) Size() int64  { return int64(s.buf.Len()) }

type memOpener struct {
	mu     sync.Mutex
	opened []*memSink
	err    error
}

func (o *memOpener) Open(path string) (sink.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	s := &memSink{path: path}
	o.opened = append(o.opened, s)
	return s, nil
}

func (o *memOpener) paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, s := range o.opened {
		out = append(out, s.path)
	}
	return out
}

type busRecorder struct {
	mu     sync.Mutex
	events map[string][]interface{}
}

func newBusRecorder() *busRecorder {
	return &busRecorder{events: map[string][]interface{}{}}
}

func (b *busRecorder) Publish(ctx context.Context, topic string, v interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[topic] = append(b.events[topic], v)
	return nil
}

func (b *busRecorder) jobs() []event.TranscodeJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []event.TranscodeJob
	for _, v := range b.events[event.TopicTranscodeQueue] {
		out = append(out, v.(event.TranscodeJob))
	}
	return out
}

type fakeSessionStore struct {
	devices map[string]*model.Device
	rows    []*model.MediaSession
	ended   []string
}

func (f *fakeSessionStore) FindDevice(ctx context.Context, serial string) (*model.Device, error) {
	if d, ok := f.devices[serial]; ok {
		return d, nil
	}
	return nil, model.ErrNotFound
}

func (f *fakeSessionStore) InsertMediaSession(ctx context.Context, m *model.MediaSession) error {
	f.rows = append(f.rows, m)
	return nil
}

func (f *fakeSessionStore) EndMediaSession(ctx context.Context, sessionID string, at time.Time) error {
	f.ended = append(f.ended, sessionID)
	return nil
}

func liveRegistration(id string) *protocol.MediaRegistration {
	return &protocol.MediaRegistration{
		Command:       protocol.CmdMediaLive,
		Mode:          protocol.ModeLive,
		DeviceSerial:  "00007",
		SessionID:     id,
		ChannelNumber: 1,
		StreamType:    0,
	}
}

func videoFrame(kind protocol.MediaKind, size int) *protocol.MediaPacket {
	return &protocol.MediaPacket{Kind: kind, Payload: bytes.Repeat([]byte{0xAB}, size)}
}

func newTestManager(opts ...Option) (*Manager, *memOpener, *busRecorder) {
	opener := &memOpener{}
	bus := newBusRecorder()
	m := NewManager(opener, bus, nil, opts...)
	n := 0
	m.newID = func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	}
	return m, opener, bus
}

func TestSegmentSwapAfterMaxFrames(t *testing.T) {
	m, opener, bus := newTestManager()
	ctx := context.Background()

	s, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)

	for i := 0; i < DefaultMaxFrames-1; i++ {
		require.NoError(t, m.AppendFrame(ctx, "sess-1", videoFrame(protocol.MediaVideoPFrame, 10)))
	}
	assert.Equal(t, DefaultMaxFrames-1, s.Info().FrameCount)
	assert.Empty(t, bus.jobs())

	require.NoError(t, m.AppendFrame(ctx, "sess-1", videoFrame(protocol.MediaVideoIFrame, 10)))
	info := s.Info()
	assert.Equal(t, 0, info.FrameCount)
	assert.Equal(t, int64(0), info.PendingBytes)
	assert.Equal(t, uint64(2), info.Segment)

	jobs := bus.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].JobID)
	assert.Equal(t, event.JobSegment, jobs[0].Kind)
	assert.Equal(t, uint64(1), jobs[0].SegmentID)
	assert.Equal(t, DefaultMaxFrames, jobs[0].Frames)
	assert.Equal(t, int64(DefaultMaxFrames*10), jobs[0].Bytes)
	assert.Equal(t, "sess-1/ch1_stream0_1.h264", jobs[0].FilePath)
	require.Len(t, opener.opened, 1)
	assert.True(t, opener.opened[0].closed)

	require.NoError(t, m.AppendFrame(ctx, "sess-1", videoFrame(protocol.MediaVideoPFrame, 10)))
	assert.Equal(t, []string{"sess-1/ch1_stream0_1.h264", "sess-1/ch1_stream0_2.h264"}, opener.paths())
	assert.Len(t, bus.events[event.TopicMediaFrame], DefaultMaxFrames+1)
}

func TestSegmentSwapAfterMaxBytes(t *testing.T) {
	m, _, bus := newTestManager(WithConfig(Config{MaxBytes: 100}))
	ctx := context.Background()
	_, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)

	require.NoError(t, m.AppendFrame(ctx, "sess-1", videoFrame(protocol.MediaVideoIFrame, 60)))
	assert.Empty(t, bus.jobs())
	require.NoError(t, m.AppendFrame(ctx, "sess-1", videoFrame(protocol.MediaVideoPFrame, 60)))

	jobs := bus.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Frames)
	assert.Equal(t, int64(120), jobs[0].Bytes)
}

func TestEndSessionFlushesPartialSegment(t *testing.T) {
	m, opener, bus := newTestManager()
	ctx := context.Background()
	_, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		require.NoError(t, m.AppendFrame(ctx, "sess-1", videoFrame(protocol.MediaVideoPFrame, 4)))
	}
	require.NoError(t, m.AppendFrame(ctx, "sess-1", &protocol.MediaPacket{Kind: protocol.MediaAudioFrame, Payload: []byte{1, 2}}))
	assert.Empty(t, bus.jobs())

	require.NoError(t, m.EndSession(ctx, "sess-1"))
	jobs := bus.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 7, jobs[0].Frames)
	assert.Equal(t, "sess-1/ch1_stream0_1.h264", jobs[0].FilePath)
	assert.Equal(t, "sess-1/ch1_stream0_1.audio", jobs[0].AudioPath)
	for _, s := range opener.opened {
		assert.True(t, s.closed, s.path)
	}

	_, ok := m.Session("sess-1")
	assert.False(t, ok)
	assert.ErrorIs(t, m.AppendFrame(ctx, "sess-1", videoFrame(protocol.MediaVideoPFrame, 1)), ErrUnknownSession)
	assert.NoError(t, m.EndSession(ctx, "sess-1"))
}

func TestEndSessionWithoutFrames(t *testing.T) {
	m, _, bus := newTestManager()
	ctx := context.Background()
	_, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)

	require.NoError(t, m.EndSession(ctx, "sess-1"))
	assert.Empty(t, bus.jobs())
	assert.Equal(t, 0, m.Len())
}

func TestAudioGoesToSiblingSink(t *testing.T) {
	m, opener, _ := newTestManager()
	ctx := context.Background()
	_, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)

	require.NoError(t, m.AppendFrame(ctx, "sess-1", &protocol.MediaPacket{Kind: protocol.MediaAudioFrame, Payload: []byte("aud")}))
	require.NoError(t, m.AppendFrame(ctx, "sess-1", &protocol.MediaPacket{Kind: protocol.MediaVideoIFrame, Payload: []byte("vid")}))

	require.Len(t, opener.opened, 2)
	assert.Equal(t, "sess-1/ch1_stream0_1.audio", opener.opened[0].path)
	assert.Equal(t, "aud", opener.opened[0].buf.String())
	assert.Equal(t, "sess-1/ch1_stream0_1.h264", opener.opened[1].path)
	assert.Equal(t, "vid", opener.opened[1].buf.String())
}

func TestFileUploadCompletes(t *testing.T) {
	m, opener, bus := newTestManager()
	ctx := context.Background()
	_, err := m.CreateSession(ctx, &protocol.MediaRegistration{
		Command:      protocol.CmdMediaFileUpload,
		Mode:         protocol.ModeFile,
		DeviceSerial: "00007",
		SessionID:    "up-1",
		FileSize:     10,
		FileName:     "/mnt/sd/alarm.h264",
	})
	require.NoError(t, err)

	require.NoError(t, m.AppendFrame(ctx, "up-1", &protocol.MediaPacket{Kind: protocol.MediaFileData, Payload: []byte("01234")}))
	assert.Empty(t, bus.jobs())
	require.NoError(t, m.AppendFrame(ctx, "up-1", &protocol.MediaPacket{Kind: protocol.MediaFileData, Offset: 5, Payload: []byte("56789")}))

	jobs := bus.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, event.JobFile, jobs[0].Kind)
	assert.Equal(t, "up-1/alarm.h264", jobs[0].FilePath)
	assert.Equal(t, int64(10), jobs[0].Bytes)
	assert.Equal(t, "0123456789", opener.opened[0].buf.String())

	require.NoError(t, m.AppendFrame(ctx, "up-1", &protocol.MediaPacket{Kind: protocol.MediaFileData, Payload: []byte("x")}))
	assert.True(t, m.List()[0].Completed)

	require.NoError(t, m.EndSession(ctx, "up-1"))
	assert.Len(t, bus.jobs(), 1)
}

func TestCreateSessionRecordsLiveSession(t *testing.T) {
	store := &fakeSessionStore{devices: map[string]*model.Device{"00007": {ID: 42, DeviceSerial: "00007"}}}
	m, _, _ := newTestManager(WithStore(store))
	ctx := context.Background()

	s, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, uint(42), s.Info().DeviceID)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "sess-1", store.rows[0].SessionID)
	assert.Equal(t, 1, store.rows[0].ChannelNumber)

	again, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Len(t, store.rows, 1)

	require.NoError(t, m.EndSession(ctx, "sess-1"))
	assert.Empty(t, store.ended, "one binder remains")
	require.NoError(t, m.EndSession(ctx, "sess-1"))
	assert.Equal(t, []string{"sess-1"}, store.ended)
}

func TestReboundSessionOutlivesFirstConnection(t *testing.T) {
	m, _, bus := newTestManager()
	ctx := context.Background()
	_, err := m.CreateSession(ctx, liveRegistration("S1"))
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, liveRegistration("S1"))
	require.NoError(t, err)

	require.NoError(t, m.AppendFrame(ctx, "S1", videoFrame(protocol.MediaVideoIFrame, 3)))
	require.NoError(t, m.EndSession(ctx, "S1"))
	assert.Empty(t, bus.jobs(), "segment stays open for the remaining connection")

	require.NoError(t, m.AppendFrame(ctx, "S1", videoFrame(protocol.MediaVideoPFrame, 3)))
	assert.Equal(t, 2, m.List()[0].FrameCount)

	require.NoError(t, m.EndSession(ctx, "S1"))
	jobs := bus.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Frames)
	assert.Equal(t, 0, m.Len())
	assert.ErrorIs(t, m.AppendFrame(ctx, "S1", videoFrame(protocol.MediaVideoPFrame, 1)), ErrUnknownSession)
}

func TestCloseEndsSharedSessions(t *testing.T) {
	m, _, bus := newTestManager()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.CreateSession(ctx, liveRegistration("S1"))
		require.NoError(t, err)
	}
	require.NoError(t, m.AppendFrame(ctx, "S1", videoFrame(protocol.MediaVideoIFrame, 3)))

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 0, m.Len())
	assert.Len(t, bus.jobs(), 1)
}

func TestEndSessionFlushesAudioOnlySegment(t *testing.T) {
	m, opener, bus := newTestManager()
	ctx := context.Background()
	_, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)

	require.NoError(t, m.AppendFrame(ctx, "sess-1", &protocol.MediaPacket{Kind: protocol.MediaAudioFrame, Payload: []byte("pcm")}))
	require.NoError(t, m.EndSession(ctx, "sess-1"))

	jobs := bus.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, event.JobSegment, jobs[0].Kind)
	assert.Equal(t, 0, jobs[0].Frames)
	assert.Empty(t, jobs[0].FilePath)
	assert.Equal(t, "sess-1/ch1_stream0_1.audio", jobs[0].AudioPath)
	require.Len(t, opener.opened, 1)
	assert.True(t, opener.opened[0].closed)
}

func TestEndSessionFlushesAudioAfterSegmentCut(t *testing.T) {
	m, _, bus := newTestManager(WithConfig(Config{MaxFrames: 2}))
	ctx := context.Background()
	_, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)

	require.NoError(t, m.AppendFrame(ctx, "sess-1", videoFrame(protocol.MediaVideoIFrame, 1)))
	require.NoError(t, m.AppendFrame(ctx, "sess-1", videoFrame(protocol.MediaVideoPFrame, 1)))
	require.Len(t, bus.jobs(), 1)

	require.NoError(t, m.AppendFrame(ctx, "sess-1", &protocol.MediaPacket{Kind: protocol.MediaAudioFrame, Payload: []byte("pcm")}))
	require.NoError(t, m.EndSession(ctx, "sess-1"))

	jobs := bus.jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, uint64(2), jobs[1].SegmentID)
	assert.Equal(t, "sess-1/ch1_stream0_2.audio", jobs[1].AudioPath)
}

func TestCreateSessionUnknownDevice(t *testing.T) {
	store := &fakeSessionStore{devices: map[string]*model.Device{}}
	m, _, _ := newTestManager(WithStore(store))
	ctx := context.Background()

	_, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)
	assert.Empty(t, store.rows)
	require.NoError(t, m.EndSession(ctx, "sess-1"))
	assert.Empty(t, store.ended)
}

func TestAppendRejectsControlPackets(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	_, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)

	err = m.AppendFrame(ctx, "sess-1", &protocol.MediaPacket{Kind: protocol.MediaControl, Command: protocol.MediaCmdRequestIDR})
	assert.ErrorIs(t, err, ErrNotMedia)
}

func TestOpenFailure(t *testing.T) {
	m, opener, _ := newTestManager()
	opener.err = errors.New("disk full")
	ctx := context.Background()
	_, err := m.CreateSession(ctx, liveRegistration("sess-1"))
	require.NoError(t, err)

	assert.Error(t, m.AppendFrame(ctx, "sess-1", videoFrame(protocol.MediaVideoIFrame, 1)))
	assert.Equal(t, 0, m.List()[0].FrameCount)
}

func TestListAndClose(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		_, err := m.CreateSession(ctx, liveRegistration(id))
		require.NoError(t, err)
	}
	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].SessionID)
	assert.Equal(t, "live", list[0].Mode)

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 0, m.Len())
}
