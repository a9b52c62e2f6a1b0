//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/provisioner_4471234/firmware/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Model       string   `json:"model,omitempty"`
	Name        string   `json:"name"`
	SWVersion   string   `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	Device              haDevice `json:"device"`
}

// topicName sanitizes a serial number or node name for use in topics.
func topicName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// nodeIdentifier returns the unique identifier for the HA device registry.
func nodeIdentifier(key string) string {
	return "provisioner_" + topicName(key)
}

// buildDiscovery generates HA discovery messages for one instrument: a
// verdict sensor and an update-needed binary sensor.
func buildDiscovery(key, displayName, installed, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := reportTopic(prefix, key)
	nodeID := nodeIdentifier(key)

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Name:        displayName,
		SWVersion:   installed,
	}

	return []discoveryMsg{
		buildSensor(nodeID, displayName, stateTopic, avail, haDev),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev),
	}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/sensor/%s/firmware/config", nodeID)
	payload := haDiscovery{
		Name:                displayName + " Firmware",
		UniqueID:            nodeID + "_firmware",
		StateTopic:          stateTopic,
		AvailabilityTopic:   avail,
		JSONAttributesTopic: stateTopic,
		ValueTemplate:       "{{ value_json.verdict }}",
		Device:              haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/update/config", nodeID)
	payload := haDiscovery{
		Name:              displayName + " Update Needed",
		UniqueID:          nodeID + "_update",
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ 'ON' if value_json.verdict in ['update_required', 'load_firmware'] else 'OFF' }}",
		DeviceClass:       "update",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove an
// instrument from HA.
func buildRemoveDiscovery(key string) []discoveryMsg {
	nodeID := nodeIdentifier(key)
	return []discoveryMsg{
		{Topic: fmt.Sprintf("homeassistant/sensor/%s/firmware/config", nodeID)},
		{Topic: fmt.Sprintf("homeassistant/binary_sensor/%s/update/config", nodeID)},
	}
}
