package procam

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes acquisition status to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          []byte
	mu            sync.Mutex
}

// NewPublisher creates a status publisher. MQTT_PUBLISH_PREFIX overrides prefix.
// If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "procam"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true, // late subscribers see the current state
	}
}

// StatusTopic returns the topic status is published on
func (p *Publisher) StatusTopic() string {
	return p.publishPrefix + "/status"
}

// PublishStatus publishes the status if it changed since the last publish.
// Frame counters and timestamps do not count as a change.
func (p *Publisher) PublishStatus(st Status) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	key := st
	key.Frames = 0
	key.Updated = time.Time{}
	fingerprint, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}

	p.mu.Lock()
	unchanged := bytes.Equal(fingerprint, p.last)
	p.mu.Unlock()
	if unchanged {
		return nil
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}

	topic := p.StatusTopic()
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	p.mu.Lock()
	p.last = fingerprint
	p.mu.Unlock()

	log.Printf("[MQTT] Published status: %s, camera %d, projector %d",
		st.State, st.Camera.Samples, st.Projector.Samples)
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
