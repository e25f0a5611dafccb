package server

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahmoudfa97/apexcam-platforms/internal/adapter"
	"github.com/mahmoudfa97/apexcam-platforms/internal/event"
	"github.com/mahmoudfa97/apexcam-platforms/internal/media"
	"github.com/mahmoudfa97/apexcam-platforms/internal/protocol"
	"github.com/mahmoudfa97/apexcam-platforms/internal/sink"
)

const handshakeLive = "@@$$dc0100,1,V102,00007,,180903 110250,f0,f1,f2,f3,f4,f5,f6,f7,f8,f9,SESS01,x,2,0#"

func mediaFrame(cmd uint16, ts, seq uint32, payload []byte) []byte {
	body := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(body[0:], ts)
	binary.BigEndian.PutUint32(body[4:], seq)
	copy(body[8:], payload)
	return adapter.EncodeMediaFrame(cmd, body)
}

func readExactly(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func serveMedia(t *testing.T, srv *MediaServer) *pipeListener {
	t.Helper()
	ln := newPipeListener()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
		}
	})
	return ln
}

func TestMediaConnSession(t *testing.T) {
	dir := t.TempDir()
	bus := &recordingBus{}
	mgr := media.NewManager(sink.NewDir(dir), bus, nil)
	srv := NewMediaServer(MediaConfig{GatewayID: "node-01", IdleTimeout: time.Minute}, mgr, nil)
	ln := serveMedia(t, srv)

	client := ln.dial(t)
	send(t, client, handshakeLive)
	assert.Equal(t, adapter.RegistrationAck(), readExactly(t, client, 16))

	eventually(t, func() bool { return mgr.Len() == 1 }, "session created")

	for i := 1; i <= 10; i++ {
		cmd := protocol.MediaCmdVideoPFrame
		if i == 1 {
			cmd = protocol.MediaCmdVideoIFrame
		}
		send(t, client, string(mediaFrame(cmd, uint32(1000+i), uint32(i), []byte{0, 0, 0, 1, byte(i)})))
	}
	report := readExactly(t, client, 24)
	assert.Equal(t, protocol.MediaCmdRecvReport, binary.BigEndian.Uint16(report[2:]))
	assert.Equal(t, uint32(1010), binary.BigEndian.Uint32(report[12:]))

	send(t, client, string(mediaFrame(protocol.MediaCmdAudioFrame, 2000, 0, []byte("pcm"))))
	eventually(t, func() bool { return mgr.List()[0].AudioBytes == 3 }, "audio appended")
	assert.Equal(t, uint64(10), mgr.List()[0].TotalFrames)
	assert.Len(t, bus.byTopic(event.TopicMediaFrame), 10)

	require.NoError(t, client.Close())
	eventually(t, func() bool { return mgr.Len() == 0 }, "session ended")

	jobs := bus.byTopic(event.TopicTranscodeQueue)
	require.Len(t, jobs, 1)
	job := jobs[0].(event.TranscodeJob)
	assert.Equal(t, 10, job.Frames)
	assert.Equal(t, "SESS01", job.SessionID)

	data, err := os.ReadFile(filepath.Join(dir, "SESS01", "ch2_stream0_1.h264"))
	require.NoError(t, err)
	assert.Len(t, data, 50)
	audio, err := os.ReadFile(filepath.Join(dir, "SESS01", "ch2_stream0_1.audio"))
	require.NoError(t, err)
	assert.Equal(t, "pcm", string(audio))
}

func TestMediaConnFramesBeforeRegistration(t *testing.T) {
	bus := &recordingBus{}
	mgr := media.NewManager(sink.NewDir(t.TempDir()), bus, nil)
	srv := NewMediaServer(MediaConfig{IdleTimeout: time.Minute}, mgr, nil)
	ln := serveMedia(t, srv)

	client := ln.dial(t)
	send(t, client, string(mediaFrame(protocol.MediaCmdVideoIFrame, 1, 1, []byte{1})))
	send(t, client, handshakeLive)
	readExactly(t, client, 16)

	eventually(t, func() bool { return mgr.Len() == 1 }, "session created")
	assert.Equal(t, uint64(0), mgr.List()[0].TotalFrames)
	assert.Empty(t, bus.byTopic(event.TopicMediaFrame))
}

func TestMediaConnIdleTimeoutEndsSession(t *testing.T) {
	bus := &recordingBus{}
	mgr := media.NewManager(sink.NewDir(t.TempDir()), bus, nil)
	srv := NewMediaServer(MediaConfig{IdleTimeout: 100 * time.Millisecond}, mgr, nil)
	ln := serveMedia(t, srv)

	client := ln.dial(t)
	send(t, client, handshakeLive)
	readExactly(t, client, 16)
	send(t, client, string(mediaFrame(protocol.MediaCmdVideoIFrame, 1, 1, []byte{1, 2})))

	eventually(t, func() bool { return mgr.Len() == 0 && srv.Connections() == 0 }, "idle connection closed")
	assert.Len(t, bus.byTopic(event.TopicTranscodeQueue), 1)
}

func TestMediaSessionSharedAcrossSockets(t *testing.T) {
	bus := &recordingBus{}
	mgr := media.NewManager(sink.NewDir(t.TempDir()), bus, nil)
	srv := NewMediaServer(MediaConfig{IdleTimeout: time.Minute}, mgr, nil)
	ln := serveMedia(t, srv)

	first := ln.dial(t)
	send(t, first, handshakeLive)
	readExactly(t, first, 16)
	second := ln.dial(t)
	send(t, second, handshakeLive)
	readExactly(t, second, 16)

	require.NoError(t, first.Close())
	eventually(t, func() bool { return srv.Connections() == 1 }, "first socket released")
	require.Equal(t, 1, mgr.Len())

	send(t, second, string(mediaFrame(protocol.MediaCmdVideoIFrame, 1, 1, []byte{1, 2})))
	eventually(t, func() bool { return mgr.List()[0].TotalFrames == 1 }, "frame appended after first socket closed")

	require.NoError(t, second.Close())
	eventually(t, func() bool { return mgr.Len() == 0 }, "session ended with last socket")
	assert.Len(t, bus.byTopic(event.TopicTranscodeQueue), 1)
}

func TestMediaRepeatedHandshakeSameSocket(t *testing.T) {
	mgr := media.NewManager(sink.NewDir(t.TempDir()), &recordingBus{}, nil)
	srv := NewMediaServer(MediaConfig{IdleTimeout: time.Minute}, mgr, nil)
	ln := serveMedia(t, srv)

	client := ln.dial(t)
	send(t, client, handshakeLive)
	readExactly(t, client, 16)
	send(t, client, handshakeLive)
	assert.Equal(t, adapter.RegistrationAck(), readExactly(t, client, 16))

	require.NoError(t, client.Close())
	eventually(t, func() bool { return mgr.Len() == 0 }, "single bind released on close")
}

func TestMediaConnWriteDeadline(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := newMediaConn("m1", server, nil, MediaConfig{WriteTimeout: 50 * time.Millisecond}, zap.NewNop())

	err := c.write(adapter.RegistrationAck())
	require.Error(t, err)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
}
