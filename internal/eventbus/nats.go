package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConn is the subset of *nats.Conn used for core publishing.
type NATSConn interface {
	Publish(subj string, data []byte) error
}

// NATS publishes events as core NATS messages; the topic is the subject.
type NATS struct {
	nc     NATSConn
	prefix string
}

// NewNATS creates a core NATS publisher. A non-empty prefix is prepended as "<prefix>.<topic>".
func NewNATS(nc NATSConn, prefix string) *NATS {
	return &NATS{nc: nc, prefix: prefix}
}

func (n *NATS) subject(topic string) string {
	if n.prefix == "" {
		return topic
	}
	return n.prefix + "." + topic
}

// Publish implements event.Publisher.
func (n *NATS) Publish(ctx context.Context, topic string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := Encode(v)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject(topic), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// JetStreamAPI is the subset of nats.JetStreamContext used here.
type JetStreamAPI interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Stream names
const (
	StreamDevice = "MDVR_DEVICE"
	StreamMedia  = "MDVR_MEDIA"
)

// Streams returns the stream layout covering every gateway topic.
func Streams() []nats.StreamConfig {
	return []nats.StreamConfig{
		{
			Name:      StreamDevice,
			Subjects:  []string{"device.>"},
			Retention: nats.LimitsPolicy,
			MaxMsgs:   -1,
			MaxBytes:  5 * 1024 * 1024 * 1024, // 5GB
			MaxAge:    30 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      StreamMedia,
			Subjects:  []string{"media.>"},
			Retention: nats.LimitsPolicy,
			MaxMsgs:   -1,
			MaxBytes:  2 * 1024 * 1024 * 1024, // 2GB
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}
}

// JetStream publishes events into persistent streams.
type JetStream struct {
	js JetStreamAPI
}

// NewJetStream ensures the gateway streams exist and returns a publisher.
func NewJetStream(js JetStreamAPI) (*JetStream, error) {
	s := &JetStream{js: js}
	if err := s.initStreams(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JetStream) initStreams() error {
	for _, cfg := range Streams() {
		cfg := cfg
		_, err := s.js.AddStream(&cfg)
		if err == nil {
			continue
		}
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		// Stream exists, update its config
		if _, err := s.js.UpdateStream(&cfg); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Publish implements event.Publisher.
func (s *JetStream) Publish(ctx context.Context, topic string, v interface{}) error {
	payload, err := Encode(v)
	if err != nil {
		return err
	}
	if _, err := s.js.Publish(topic, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", topic, err)
	}
	return nil
}
