//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "node-provisioner/internal/mqtt"

	"node-provisioner/internal/firmware"
)

type reportPublisher struct {
	bridge *mqttbridge.Bridge
	logger *slog.Logger
}

func (p *reportPublisher) Publish(node string, info *firmware.Info) {
	if p.bridge == nil {
		return
	}
	if err := p.bridge.PublishReport(node, info); err != nil {
		p.logger.Warn("publish report", "node", node, "err", err)
	}
}

// Remove clears the retained discovery entries of an instrument.
func (p *reportPublisher) Remove(serial string) {
	if p.bridge != nil {
		p.bridge.RemoveNode(serial)
	}
}

func (p *reportPublisher) Stop() {
	if p.bridge != nil {
		p.bridge.Stop()
	}
}

func initMQTT(cfg *Config, logger *slog.Logger) *reportPublisher {
	if !cfg.MQTT.Enabled {
		return &reportPublisher{}
	}
	bridge, err := mqttbridge.NewBridge(mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Discovery:   cfg.MQTT.Discovery,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &reportPublisher{}
	}
	return &reportPublisher{bridge: bridge, logger: logger}
}
