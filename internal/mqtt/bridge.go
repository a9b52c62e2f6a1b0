//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"node-provisioner/internal/firmware"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Discovery   bool // publish Home Assistant discovery
}

// Bridge publishes firmware reports to MQTT.
type Bridge struct {
	client    pahomqtt.Client
	prefix    string
	discovery bool
	logger    *slog.Logger

	mu        sync.Mutex
	announced map[string]bool // report keys with discovery published
	pending   sync.WaitGroup
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		prefix:    cfg.TopicPrefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[string]bool),
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "node-provisioner"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// PublishReport publishes info under the node's serial number, or under the
// node name when the node has none.
func (b *Bridge) PublishReport(nodeName string, info *firmware.Info) error {
	key := reportKey(nodeName, info)
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	if b.discovery {
		b.mu.Lock()
		first := !b.announced[key]
		b.announced[key] = true
		b.mu.Unlock()
		if first {
			for _, msg := range buildDiscovery(key, nodeName, info.InstalledVersion(), b.prefix) {
				b.publish(msg.Topic, msg.Payload, true)
			}
		}
	}

	b.publish(reportTopic(b.prefix, key), payload, true)
	b.publish(verdictTopic(b.prefix, key), []byte(info.Verdict().String()), true)
	b.logger.Info("published report", "key", key, "verdict", info.Verdict())
	return nil
}

// RemoveNode clears the retained discovery entries and reports of a node.
func (b *Bridge) RemoveNode(key string) {
	for _, msg := range buildRemoveDiscovery(key) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(reportTopic(b.prefix, key), nil, true)
	b.publish(verdictTopic(b.prefix, key), nil, true)
	b.mu.Lock()
	delete(b.announced, topicName(key))
	b.mu.Unlock()
	b.logger.Info("removed node", "key", key)
}

// Stop publishes offline state, waits for in-flight publishes and
// disconnects.
func (b *Bridge) Stop() {
	b.publishBridgeState("offline")
	b.pending.Wait()
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func reportKey(nodeName string, info *firmware.Info) string {
	if info.Conclusive() {
		return topicName(info.SerialNumber())
	}
	return topicName(nodeName)
}

func reportTopic(prefix, key string) string {
	return prefix + "/" + topicName(key) + "/firmware"
}

func verdictTopic(prefix, key string) string {
	return reportTopic(prefix, key) + "/verdict"
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
