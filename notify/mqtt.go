package notify

import (
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MQTTBroadcaster publishes page messages to an MQTT topic. Open pages
// subscribe to the topic to receive notification-shown and reload events.
type MQTTBroadcaster struct {
	client mqtt.Client
	topic  string
	log    zerolog.Logger
}

// NewMQTTBroadcaster connects to the broker and returns a broadcaster
// publishing to the given topic.
func NewMQTTBroadcaster(brokerURL, topic string, logger *zerolog.Logger) (*MQTTBroadcaster, error) {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	l = l.With().Str("broker", brokerURL).Str("topic", topic).Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID("minaret-" + uuid.NewString())
	opts.OnConnect = func(client mqtt.Client) {
		l.Info().Msg("Connected to MQTT broker")
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		l.Warn().Err(err).Msg("MQTT connection lost")
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}
	return &MQTTBroadcaster{client: client, topic: topic, log: l}, nil
}

func (b *MQTTBroadcaster) Publish(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	token := b.client.Publish(b.topic, 1, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, token.Error())
	}
	b.log.Debug().Str("type", msg.Type).Str("id", msg.ID).Msg("Message published to pages")
	return nil
}

// Close disconnects from the broker.
func (b *MQTTBroadcaster) Close() {
	b.client.Disconnect(250)
}
