//go:build no_mqtt

package main

import (
	"log/slog"

	"node-provisioner/internal/firmware"
)

type reportPublisher struct{}

func (p *reportPublisher) Publish(_ string, _ *firmware.Info) {}

func (p *reportPublisher) Remove(_ string) {}

func (p *reportPublisher) Stop() {}

func initMQTT(_ *Config, _ *slog.Logger) *reportPublisher {
	return &reportPublisher{}
}
