//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"github.com/robol/tecnosystemi/internal/proair"
	"github.com/robol/tecnosystemi/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/climate/proair_7_CU001_1/climate/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery. Zones attach to their
// control unit's device entry so HA groups them together.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload covering the entity types
// the bridge publishes.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`

	// Climate-specific fields.
	Modes                   []string `json:"modes,omitempty"`
	ModeStateTopic          string   `json:"mode_state_topic,omitempty"`
	ModeStateTemplate       string   `json:"mode_state_template,omitempty"`
	ModeCommandTopic        string   `json:"mode_command_topic,omitempty"`
	FanModes                []string `json:"fan_modes,omitempty"`
	FanModeStateTopic       string   `json:"fan_mode_state_topic,omitempty"`
	FanModeStateTemplate    string   `json:"fan_mode_state_template,omitempty"`
	FanModeCommandTopic     string   `json:"fan_mode_command_topic,omitempty"`
	CurrentTemperatureTopic string   `json:"current_temperature_topic,omitempty"`
	CurrentTemperatureTmpl  string   `json:"current_temperature_template,omitempty"`
	CurrentHumidityTopic    string   `json:"current_humidity_topic,omitempty"`
	CurrentHumidityTmpl     string   `json:"current_humidity_template,omitempty"`
	TemperatureStateTopic   string   `json:"temperature_state_topic,omitempty"`
	TemperatureStateTmpl    string   `json:"temperature_state_template,omitempty"`
	TemperatureCommandTopic string   `json:"temperature_command_topic,omitempty"`
	MinTemp                 float64  `json:"min_temp,omitempty"`
	MaxTemp                 float64  `json:"max_temp,omitempty"`
	TempStep                float64  `json:"temp_step,omitempty"`

	Device haDevice `json:"device"`
}

// zoneTopic returns the stable state topic for a zone. Topics key on the
// zone key, not the friendly name, so renames never orphan retained
// messages.
func zoneTopic(prefix, key string) string {
	return prefix + "/zone/" + key
}

// unitTopic returns the stable state topic for a control unit.
func unitTopic(prefix, serial string) string {
	return prefix + "/unit/" + serial
}

func zoneNodeID(key string) string {
	return "proair_" + key
}

func unitNodeID(serial string) string {
	return "proair_" + serial
}

// unitDevice builds the HA device registry block for a control unit.
func unitDevice(ctl *store.Controller) haDevice {
	name := ctl.Name
	if name == "" {
		name = ctl.Serial
	}
	return haDevice{
		Identifiers:  []string{unitNodeID(ctl.Serial)},
		Manufacturer: "Tecnosystemi",
		Model:        "ProAir",
		Name:         name,
		SWVersion:    ctl.FWVer,
	}
}

func climateModes() []string {
	modes := []string{"off"}
	for _, m := range []proair.SystemMode{proair.ModeHeat, proair.ModeCool, proair.ModeDry, proair.ModeFanOnly} {
		modes = append(modes, string(m))
	}
	return modes
}

func fanModes() []string {
	var modes []string
	for _, m := range proair.FanModes() {
		modes = append(modes, string(m))
	}
	return modes
}

// buildZoneDiscovery generates HA discovery messages for one zone: a
// climate entity plus temperature, humidity and shutter sensors.
func buildZoneDiscovery(z *store.Zone, ctl *store.Controller, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := zoneTopic(prefix, z.Key)
	nodeID := zoneNodeID(z.Key)
	displayName := z.DisplayName()
	haDev := unitDevice(ctl)

	climate := haDiscovery{
		Name:                    displayName,
		UniqueID:                nodeID + "_climate",
		AvailabilityTopic:       avail,
		Modes:                   climateModes(),
		ModeStateTopic:          stateTopic,
		ModeStateTemplate:       "{{ value_json.mode }}",
		ModeCommandTopic:        stateTopic + "/set/mode",
		FanModes:                fanModes(),
		FanModeStateTopic:       stateTopic,
		FanModeStateTemplate:    "{{ value_json.fan_mode }}",
		FanModeCommandTopic:     stateTopic + "/set/fan_mode",
		CurrentTemperatureTopic: stateTopic,
		CurrentTemperatureTmpl:  "{{ value_json.temperature }}",
		CurrentHumidityTopic:    stateTopic,
		CurrentHumidityTmpl:     "{{ value_json.humidity }}",
		TemperatureStateTopic:   stateTopic,
		TemperatureStateTmpl:    "{{ value_json.target_temperature }}",
		TemperatureCommandTopic: stateTopic + "/set/temperature",
		MinTemp:                 proair.MinTemp,
		MaxTemp:                 proair.MaxTemp,
		TempStep:                0.5,
		Device:                  haDev,
	}
	msgs := []discoveryMsg{{
		Topic:   fmt.Sprintf("homeassistant/climate/%s/climate/config", nodeID),
		Payload: mustJSON(climate),
	}}

	msgs = append(msgs,
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"temperature", "Temperature", "temperature", "°C",
			"{{ value_json.temperature }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"humidity", "Humidity", "humidity", "%",
			"{{ value_json.humidity }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"shutter", "Shutter", "", "%",
			"{{ value_json.shutter }}"),
	)
	return msgs
}

// buildUnitDiscovery generates HA discovery messages for a control unit: a
// climate entity for the duct setpoint, a power switch and an error count
// sensor.
func buildUnitDiscovery(ctl *store.Controller, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := unitTopic(prefix, ctl.Serial)
	nodeID := unitNodeID(ctl.Serial)
	displayName := ctl.Name
	if displayName == "" {
		displayName = ctl.Serial
	}
	haDev := unitDevice(ctl)

	climate := haDiscovery{
		Name:                    displayName,
		UniqueID:                nodeID + "_climate",
		AvailabilityTopic:       avail,
		Modes:                   climateModes(),
		ModeStateTopic:          stateTopic,
		ModeStateTemplate:       "{{ value_json.mode }}",
		ModeCommandTopic:        stateTopic + "/set/mode",
		CurrentTemperatureTopic: stateTopic,
		CurrentTemperatureTmpl:  "{{ value_json.duct_temperature }}",
		TemperatureStateTopic:   stateTopic,
		TemperatureStateTmpl:    "{{ value_json.duct_temperature }}",
		TemperatureCommandTopic: stateTopic + "/set/temperature",
		MinTemp:                 proair.MinTemp,
		MaxTemp:                 proair.MaxTemp,
		TempStep:                1.0,
		Device:                  haDev,
	}
	msgs := []discoveryMsg{{
		Topic:   fmt.Sprintf("homeassistant/climate/%s/climate/config", nodeID),
		Payload: mustJSON(climate),
	}}

	power := haDiscovery{
		Name:              displayName + " Power",
		UniqueID:          nodeID + "_power",
		StateTopic:        stateTopic,
		CommandTopic:      stateTopic + "/set/power",
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.power }}",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	msgs = append(msgs, discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/switch/%s/power/config", nodeID),
		Payload: mustJSON(power),
	})

	msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"errors", "Errors", "", "",
		"{{ value_json.errors }}"))
	return msgs
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        "measurement",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveZoneDiscovery generates empty retained messages to remove a
// zone's entities from HA.
func buildRemoveZoneDiscovery(key string) []discoveryMsg {
	nodeID := zoneNodeID(key)
	components := []struct{ comp, obj string }{
		{"climate", "climate"},
		{"sensor", "temperature"},
		{"sensor", "humidity"},
		{"sensor", "shutter"},
	}
	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
