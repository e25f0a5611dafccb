package eventbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttPublishTimeout = 5 * time.Second

// MQTTPublisher is the subset of mqtt.Client used for publishing.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes events to an MQTT broker. Dots in topics become slashes.
type MQTT struct {
	client MQTTPublisher
	qos    byte
}

// DialMQTT connects an auto-reconnecting client to broker.
func DialMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// NewMQTT creates an MQTT publisher.
func NewMQTT(client MQTTPublisher, qos byte) *MQTT {
	return &MQTT{client: client, qos: qos}
}

// MQTTTopic maps a dotted event topic to an MQTT topic.
func MQTTTopic(topic string) string {
	return strings.ReplaceAll(topic, ".", "/")
}

// Publish implements event.Publisher.
func (m *MQTT) Publish(ctx context.Context, topic string, v interface{}) error {
	payload, err := Encode(v)
	if err != nil {
		return err
	}
	token := m.client.Publish(MQTTTopic(topic), m.qos, false, payload)

	timeout := mqttPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}
