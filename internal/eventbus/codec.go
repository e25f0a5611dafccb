// Package eventbus implements event.Publisher over NATS, JetStream, Redis
// pub/sub, MQTT and an in-process tap.
package eventbus

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/mahmoudfa97/apexcam-platforms/internal/event"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode renders an event payload. Raw byte slices are passed through.
func Encode(v interface{}) ([]byte, error) {
	switch p := v.(type) {
	case []byte:
		return p, nil
	case jsoniter.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// Fanout publishes every event to all backends and joins their errors.
type Fanout []event.Publisher

func (f Fanout) Publish(ctx context.Context, topic string, v interface{}) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, topic, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) error { return nil }
