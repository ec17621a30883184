package mqtt

import (
	"strings"

	"github.com/nugget/inteno-tracker/internal/buildinfo"
	"github.com/nugget/inteno-tracker/internal/inteno"
)

// Manufacturer is reported for the router device.
const Manufacturer = "Inteno"

// DeviceInfo holds the Home Assistant device registry fields shared
// across discovery payloads. At least one of Identifiers or
// Connections must be set for HA to register the device.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers,omitempty"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	SWVersion    string      `json:"sw_version,omitempty"`
	SerialNumber string      `json:"serial_number,omitempty"`
	ViaDevice    string      `json:"via_device,omitempty"`
}

// DeviceTrackerConfig is the JSON payload for an HA MQTT device_tracker
// discovery message. It is published (retained) to the discovery topic
// on every broker (re-)connect.
type DeviceTrackerConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadHome         string     `json:"payload_home,omitempty"`
	PayloadNotHome      string     `json:"payload_not_home,omitempty"`
	SourceType          string     `json:"source_type"`
	Icon                string     `json:"icon,omitempty"`
	Device              DeviceInfo `json:"device"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. The publisher uses it for the router's diagnostic sensors.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewRouterDeviceInfo builds the router's device block from its system
// info. The serial number is the primary identifier; fallbackID is
// used when the router does not report one.
func NewRouterDeviceInfo(info inteno.SystemInfo, fallbackID string) DeviceInfo {
	id := info.SerialNo
	if id == "" {
		id = fallbackID
	}

	d := DeviceInfo{
		Identifiers:  []string{id},
		Name:         info.Name,
		Manufacturer: Manufacturer,
		Model:        info.Model,
		SWVersion:    info.Firmware,
		SerialNumber: info.SerialNo,
	}
	if d.Name == "" {
		d.Name = Manufacturer + " " + info.Model
	}
	if mac := strings.ToLower(info.BaseMAC); mac != "" {
		d.Connections = [][2]string{{"mac", mac}}
	}
	return d
}

// NewBridgeDeviceInfo describes this process when no router info is
// available yet, so discovery payloads still carry a valid device.
func NewBridgeDeviceInfo(instanceID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         "Inteno Tracker",
		Manufacturer: Manufacturer,
		Model:        "inteno-tracker",
		SWVersion:    buildinfo.Info()["version"],
	}
}

// clientDeviceInfo describes a tracked network client, linked to the
// router through via_device.
func clientDeviceInfo(mac, name, viaDevice string) DeviceInfo {
	return DeviceInfo{
		Connections: [][2]string{{"mac", mac}},
		Name:        name,
		ViaDevice:   viaDevice,
	}
}

// macSlug renders a MAC address for use in topics and unique IDs.
func macSlug(mac string) string {
	return strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.ToLower(mac))
}
