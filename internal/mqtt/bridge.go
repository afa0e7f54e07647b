//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/robol/tecnosystemi/internal/coordinator"
	"github.com/robol/tecnosystemi/internal/proair"
	"github.com/robol/tecnosystemi/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge publishes zone and unit state to MQTT with HA autodiscovery and
// turns command topic messages into coordinator commands.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		coord:  coord,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("proair-bridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventZoneUpdate:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		if key, _ := data["key"].(string); key != "" {
			b.publishZoneState(key)
		}
	case coordinator.EventControllerUpdate:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		serial, _ := data["serial"].(string)
		if serial == "" {
			return
		}
		b.publishUnitState(serial)
		// The unit mode folds into every zone's climate state.
		if prop, _ := data["property"].(string); prop == "mode" || prop == "power" {
			b.publishUnitZoneStates(serial)
		}
	case coordinator.EventZoneRenamed:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		if key, _ := data["key"].(string); key != "" {
			b.publishZoneDiscovery(key)
		}
	case coordinator.EventZoneDeleted:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		if key, _ := data["key"].(string); key != "" {
			b.RemoveZone(key)
		}
	}
}

// zoneState is the retained per-zone state document.
type zoneState struct {
	Temperature float64 `json:"temperature"`
	TargetTemp  float64 `json:"target_temperature"`
	Humidity    float64 `json:"humidity"`
	Shutter     float64 `json:"shutter"`
	ShutterAuto bool    `json:"shutter_auto"`
	FanMode     string  `json:"fan_mode"`
	Mode        string  `json:"mode"`
	Power       string  `json:"power"`
	LastSeen    string  `json:"last_seen"`
}

// unitState is the retained per-unit state document.
type unitState struct {
	Mode     string  `json:"mode"`
	Power    string  `json:"power"`
	DuctTemp float64 `json:"duct_temperature"`
	Errors   int     `json:"errors"`
	IP       string  `json:"ip,omitempty"`
	FWVer    string  `json:"fw_version,omitempty"`
	LastSeen string  `json:"last_seen"`
}

// zoneMode folds zone and unit power into one HA climate mode. A zone on
// an off unit is off no matter its own flag.
func zoneMode(z *store.Zone, ctl *store.Controller) string {
	if z.IsOff || ctl.IsOff {
		return "off"
	}
	if ctl.Mode == "" {
		return string(proair.ModeCool)
	}
	return ctl.Mode
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func (b *Bridge) publishZoneState(key string) {
	z, err := b.coord.Store().GetZone(key)
	if err != nil {
		b.logger.Warn("zone state for unknown zone", "key", key)
		return
	}
	ctl, err := b.coord.Store().GetController(z.Serial)
	if err != nil {
		return
	}
	state := zoneState{
		Temperature: z.Temperature,
		TargetTemp:  z.SetTemp,
		Humidity:    z.Humidity,
		Shutter:     z.Shutter,
		ShutterAuto: z.ShutterAuto,
		FanMode:     z.FanMode,
		Mode:        zoneMode(z, ctl),
		Power:       onOff(!z.IsOff),
		LastSeen:    z.LastSeen.Format(time.RFC3339),
	}
	b.publish(zoneTopic(b.prefix, key), mustJSON(state), true)
}

func (b *Bridge) publishUnitState(serial string) {
	ctl, err := b.coord.Store().GetController(serial)
	if err != nil {
		b.logger.Warn("unit state for unknown serial", "serial", serial)
		return
	}
	mode := ctl.Mode
	if ctl.IsOff || mode == "" {
		mode = "off"
	}
	state := unitState{
		Mode:     mode,
		Power:    onOff(!ctl.IsOff),
		DuctTemp: ctl.DuctTemp,
		Errors:   ctl.NumErrors,
		IP:       ctl.IP,
		FWVer:    ctl.FWVer,
		LastSeen: ctl.LastSeen.Format(time.RFC3339),
	}
	b.publish(unitTopic(b.prefix, serial), mustJSON(state), true)
}

func (b *Bridge) publishUnitZoneStates(serial string) {
	zones, err := b.coord.Store().ListZones()
	if err != nil {
		return
	}
	for _, z := range zones {
		if z.Serial == serial {
			b.publishZoneState(z.Key)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	controllers, err := b.coord.Store().ListControllers()
	if err != nil {
		b.logger.Error("list controllers for discovery", "err", err)
		return
	}
	for _, ctl := range controllers {
		for _, msg := range buildUnitDiscovery(ctl, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	zones, err := b.coord.Store().ListZones()
	if err != nil {
		b.logger.Error("list zones for discovery", "err", err)
		return
	}
	for _, z := range zones {
		b.publishZoneDiscovery(z.Key)
	}
	b.logger.Info("published HA discovery", "units", len(controllers), "zones", len(zones))
}

func (b *Bridge) publishZoneDiscovery(key string) {
	z, err := b.coord.Store().GetZone(key)
	if err != nil {
		return
	}
	ctl, err := b.coord.Store().GetController(z.Serial)
	if err != nil {
		return
	}
	for _, msg := range buildZoneDiscovery(z, ctl, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) publishAllStates() {
	controllers, _ := b.coord.Store().ListControllers()
	for _, ctl := range controllers {
		b.publishUnitState(ctl.Serial)
	}
	zones, _ := b.coord.Store().ListZones()
	for _, z := range zones {
		b.publishZoneState(z.Key)
	}
}

// RemoveZone clears a zone's retained discovery and state topics.
func (b *Bridge) RemoveZone(key string) {
	for _, msg := range buildRemoveZoneDiscovery(key) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(zoneTopic(b.prefix, key), nil, true)
}

// subscribeCommands installs wildcard subscriptions for zone and unit
// command topics. Topic shape: <prefix>/zone/<key>/set/<action>.
func (b *Bridge) subscribeCommands() {
	zoneFilter := b.prefix + "/zone/+/set/+"
	b.client.Subscribe(zoneFilter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		target, action, ok := parseCommandTopic(b.prefix, "zone", msg.Topic())
		if !ok {
			return
		}
		b.handleZoneCommand(target, action, string(msg.Payload()))
	})
	unitFilter := b.prefix + "/unit/+/set/+"
	b.client.Subscribe(unitFilter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		target, action, ok := parseCommandTopic(b.prefix, "unit", msg.Topic())
		if !ok {
			return
		}
		b.handleUnitCommand(target, action, string(msg.Payload()))
	})
}

// parseCommandTopic extracts the target id and action from a command
// topic like "<prefix>/zone/<key>/set/<action>".
func parseCommandTopic(prefix, kind, topic string) (target, action string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/"+kind+"/")
	if !found {
		return "", "", false
	}
	target, rest, found = strings.Cut(rest, "/set/")
	if !found || target == "" || rest == "" || strings.Contains(rest, "/") {
		return "", "", false
	}
	return target, rest, true
}

func (b *Bridge) handleZoneCommand(key, action, payload string) {
	b.logger.Debug("zone command", "key", key, "action", action, "payload", payload)
	var err error
	switch action {
	case "temperature":
		var t float64
		t, err = strconv.ParseFloat(strings.TrimSpace(payload), 64)
		if err == nil {
			err = b.coord.SetZoneTemperature(key, t)
		}
	case "mode":
		err = b.setZoneMode(key, strings.ToLower(strings.TrimSpace(payload)))
	case "fan_mode":
		err = b.coord.SetZoneFanMode(key, proair.FanMode(strings.ToLower(strings.TrimSpace(payload))))
	case "power":
		err = b.coord.SetZonePower(key, strings.EqualFold(strings.TrimSpace(payload), "ON"))
	default:
		b.logger.Warn("unknown zone command", "key", key, "action", action)
		return
	}
	if err != nil {
		b.logger.Warn("zone command failed", "key", key, "action", action, "err", err)
	}
}

// setZoneMode implements the HA climate mode contract for a zone: "off"
// turns the zone off, any other mode turns it on and switches the whole
// unit, since the mode is shared across zones.
func (b *Bridge) setZoneMode(key, mode string) error {
	if mode == "off" {
		return b.coord.SetZonePower(key, false)
	}
	z, err := b.coord.Store().GetZone(key)
	if err != nil {
		return err
	}
	if z.IsOff {
		if err := b.coord.SetZonePower(key, true); err != nil {
			return err
		}
	}
	return b.coord.SetUnitMode(z.Serial, proair.SystemMode(mode))
}

func (b *Bridge) handleUnitCommand(serial, action, payload string) {
	b.logger.Debug("unit command", "serial", serial, "action", action, "payload", payload)
	var err error
	switch action {
	case "temperature":
		var t float64
		t, err = strconv.ParseFloat(strings.TrimSpace(payload), 64)
		if err == nil {
			err = b.coord.SetUnitTemperature(serial, t)
		}
	case "mode":
		err = b.setUnitMode(serial, strings.ToLower(strings.TrimSpace(payload)))
	case "power":
		err = b.coord.SetUnitPower(serial, strings.EqualFold(strings.TrimSpace(payload), "ON"))
	default:
		b.logger.Warn("unknown unit command", "serial", serial, "action", action)
		return
	}
	if err != nil {
		b.logger.Warn("unit command failed", "serial", serial, "action", action, "err", err)
	}
}

func (b *Bridge) setUnitMode(serial, mode string) error {
	if mode == "off" {
		return b.coord.SetUnitPower(serial, false)
	}
	ctl, err := b.coord.Store().GetController(serial)
	if err != nil {
		return err
	}
	if ctl.IsOff {
		if err := b.coord.SetUnitPower(serial, true); err != nil {
			return err
		}
	}
	return b.coord.SetUnitMode(serial, proair.SystemMode(mode))
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
