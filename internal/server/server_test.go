package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahmoudfa97/apexcam-platforms/internal/event"
	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
)

// pipeListener hands out the server ends of net.Pipe connections.
type pipeListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn), closed: make(chan struct{})}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }

func (l *pipeListener) dial(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	select {
	case l.conns <- server:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not accept")
	}
	t.Cleanup(func() { client.Close() })
	return client
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

type recordingBus struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	topic string
	v     interface{}
}

func (b *recordingBus) Publish(ctx context.Context, topic string, v interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recorded{topic, v})
	return nil
}

func (b *recordingBus) byTopic(topic string) []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []interface{}
	for _, e := range b.events {
		if e.topic == topic {
			out = append(out, e.v)
		}
	}
	return out
}

func (b *recordingBus) offline() []event.DeviceStatus {
	var out []event.DeviceStatus
	for _, v := range b.byTopic(event.TopicDeviceStatus) {
		if st := v.(event.DeviceStatus); st.Status == event.StatusOffline {
			out = append(out, st)
		}
	}
	return out
}

type fakePresence struct {
	mu         sync.Mutex
	registered []string
	touched    []string
	shadows    []model.DeviceShadow
	removed    []string
}

func (p *fakePresence) Register(ctx context.Context, serial, connID, remote string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = append(p.registered, serial)
	return nil
}

func (p *fakePresence) Touch(ctx context.Context, serial string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touched = append(p.touched, serial)
	return nil
}

func (p *fakePresence) UpdateShadow(ctx context.Context, s model.DeviceShadow) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shadows = append(p.shadows, s)
	return nil
}

func (p *fakePresence) Remove(ctx context.Context, serial string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, serial)
	return nil
}

func (p *fakePresence) counts() (registered, touched, shadows, removed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registered), len(p.touched), len(p.shadows), len(p.removed)
}

type fakeStatusStore struct {
	mu       sync.Mutex
	statuses []model.DeviceStatus
}

func (s *fakeStatusStore) SetDeviceStatus(ctx context.Context, serial string, status model.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStatusStore) list() []model.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DeviceStatus(nil), s.statuses...)
}

// serve runs srv on a pipe listener until the test ends.
func serveSignaling(t *testing.T, srv *SignalingServer) (*pipeListener, context.CancelFunc, <-chan error) {
	t.Helper()
	ln := newPipeListener()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errCh <- srv.Serve(ctx, ln)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
		}
	})
	return ln, cancel, errCh
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
