package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahmoudfa97/apexcam-platforms/internal/adapter"
	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
)

type fakeSender struct {
	frames map[string][][]byte
	err    error
}

func (s *fakeSender) Send(serial string, frame []byte) error {
	if s.err != nil {
		return s.err
	}
	if s.frames == nil {
		s.frames = map[string][][]byte{}
	}
	s.frames[serial] = append(s.frames[serial], frame)
	return nil
}

type fakeCommandStore struct {
	commands []*model.DeviceCommand
}

func (s *fakeCommandStore) FindDevice(ctx context.Context, serial string) (*model.Device, error) {
	if serial != "00007" {
		return nil, model.ErrNotFound
	}
	return &model.Device{ID: 7, DeviceSerial: serial}, nil
}

func (s *fakeCommandStore) InsertCommand(ctx context.Context, c *model.DeviceCommand) error {
	c.ID = uint(len(s.commands) + 1)
	s.commands = append(s.commands, c)
	return nil
}

func downlinkClock() time.Time {
	return time.Date(2018, 9, 3, 11, 2, 50, 0, time.UTC)
}

func TestDownlinkSend(t *testing.T) {
	sender := &fakeSender{}
	store := &fakeCommandStore{}
	d := NewDownlink(sender, adapter.NewEncoderWithClock(downlinkClock), store, nil)

	resp, err := d.Send(context.Background(), model.SendCommandRequest{DeviceSerial: "00007", Command: "C103", Fields: []string{"1", "2"}})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, uint(1), resp.CommandID)
	assert.True(t, strings.HasPrefix(resp.Frame, "$$dc"))
	assert.True(t, strings.HasSuffix(resp.Frame, ",1,C103,00007,,180903 110250,1,2#"), resp.Frame)

	require.Len(t, sender.frames["00007"], 1)
	assert.Equal(t, resp.Frame, string(sender.frames["00007"][0]))

	require.Len(t, store.commands, 1)
	cmd := store.commands[0]
	assert.Equal(t, uint(7), cmd.DeviceID)
	assert.Equal(t, "C103", cmd.CommandType)
	assert.Equal(t, model.CommandSent, cmd.Status)
	assert.NotNil(t, cmd.SentAt)
}

func TestDownlinkSendNotConnected(t *testing.T) {
	sender := &fakeSender{err: ErrNotConnected}
	store := &fakeCommandStore{}
	d := NewDownlink(sender, adapter.NewEncoderWithClock(downlinkClock), store, nil)

	resp, err := d.Send(context.Background(), model.SendCommandRequest{DeviceSerial: "00007", Command: "C103"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	require.Len(t, store.commands, 1)
	assert.Equal(t, model.CommandFailed, store.commands[0].Status)
	assert.Nil(t, store.commands[0].SentAt)
}

func TestDownlinkSendInvalid(t *testing.T) {
	d := NewDownlink(&fakeSender{}, adapter.NewEncoder(), nil, nil)

	_, err := d.Send(context.Background(), model.SendCommandRequest{DeviceSerial: "00007"})
	assert.ErrorIs(t, err, ErrEmptyCommand)

	resp, err := d.Send(context.Background(), model.SendCommandRequest{DeviceSerial: "00007", Command: "C103", Fields: []string{"a#b"}})
	assert.Error(t, err)
	assert.False(t, resp.Success)
}

func TestDownlinkUnknownDeviceStillSends(t *testing.T) {
	sender := &fakeSender{}
	store := &fakeCommandStore{}
	d := NewDownlink(sender, adapter.NewEncoder(), store, nil)

	resp, err := d.Send(context.Background(), model.SendCommandRequest{DeviceSerial: "99999", Command: "C103"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Zero(t, resp.CommandID)
	assert.Empty(t, store.commands)
}

func TestDownlinkHandleMsg(t *testing.T) {
	sender := &fakeSender{}
	d := NewDownlink(sender, adapter.NewEncoder(), nil, nil)

	d.handleMsg(&nats.Msg{Data: []byte(`{"device_serial":"00007","command":"C103","fields":["1"]}`)})
	assert.Len(t, sender.frames["00007"], 1)

	d.handleMsg(&nats.Msg{Data: []byte(`not json`)})
	assert.Len(t, sender.frames["00007"], 1)
}

type fakeSubscriber struct {
	subject string
	err     error
}

func (f *fakeSubscriber) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.subject = subj
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Subscription{Subject: subj}, nil
}

func TestDownlinkSubscribe(t *testing.T) {
	d := NewDownlink(&fakeSender{}, adapter.NewEncoder(), nil, nil)

	sub := &fakeSubscriber{}
	_, err := d.Subscribe(sub, "node-01")
	require.NoError(t, err)
	assert.Equal(t, "gateway.downlink.node-01", sub.subject)

	_, err = d.Subscribe(&fakeSubscriber{err: errors.New("no conn")}, "node-01")
	assert.Error(t, err)
}
