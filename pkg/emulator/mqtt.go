package emulator

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const mqttTimeout = 1 * time.Second

// MQTTSink publishes command events as JSON to a broker topic, so external
// monitors can subscribe to emulator traffic without polling the dashboard.
type MQTTSink struct {
	client mqtt.Client
	topic  string
}

func NewMQTTSink(broker, clientID, topic string) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, errors.Errorf("connect to mqtt broker %s timed out", broker)
	}
	if token.Error() != nil {
		return nil, errors.Wrapf(token.Error(), "connect to mqtt broker %s", broker)
	}
	return &MQTTSink{client: client, topic: topic}, nil
}

func (s *MQTTSink) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		klog.V(2).InfoS("Failed to marshal event", "err", err)
		return
	}
	token := s.client.Publish(s.topic, 1, false, payload)
	if !token.WaitTimeout(mqttTimeout) || token.Error() != nil {
		klog.V(1).InfoS("Failed to publish MQTT", "topic", s.topic, "err", token.Error())
	}
}

func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
