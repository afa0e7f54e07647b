package coordinator

import (
	"errors"
	"fmt"

	"github.com/robol/tecnosystemi/internal/proair"
	"github.com/robol/tecnosystemi/internal/store"
)

// ErrUnknownZone is returned for commands addressing a zone that was never
// discovered.
var ErrUnknownZone = errors.New("unknown zone")

// ErrUnknownUnit is returned for commands addressing an unknown serial.
var ErrUnknownUnit = errors.New("unknown control unit")

// zoneTarget resolves a zone key to its unit and current cloud state. Zone
// commands must carry the zone's current values for every field they do
// not change, so a command without a prior poll cannot be built.
func (c *Coordinator) zoneTarget(key string) (proair.ControlUnit, *proair.ZoneState, error) {
	z, err := c.store.GetZone(key)
	if errors.Is(err, store.ErrNotFound) {
		return proair.ControlUnit{}, nil, fmt.Errorf("%w: %s", ErrUnknownZone, key)
	}
	if err != nil {
		return proair.ControlUnit{}, nil, err
	}
	u, ok := c.unit(z.Serial)
	if !ok {
		return proair.ControlUnit{}, nil, fmt.Errorf("%w: %s", ErrUnknownUnit, z.Serial)
	}
	state := c.UnitSnapshot(z.Serial)
	zs := prevZone(state, z.ZoneID)
	if zs == nil {
		return proair.ControlUnit{}, nil, fmt.Errorf("zone %s: no state polled yet", key)
	}
	return u, zs, nil
}

// sendZone pushes a zone command and schedules a refresh so the change is
// reflected quickly.
func (c *Coordinator) sendZone(u proair.ControlUnit, zoneID int, key, action string, cmd proair.ZoneCommand) error {
	if err := c.client.UpdateZone(c.ctx, u, c.pin(u.Serial), zoneID, cmd); err != nil {
		return err
	}
	c.logger.Info("zone command sent", "key", key, "action", action)
	c.events.Emit(Event{Type: EventCommandSent, Data: map[string]interface{}{
		"target": key,
		"action": action,
	}})
	c.RequestRefresh()
	return nil
}

// SetZoneTemperature sets a zone's target temperature in celsius. The
// value is clamped to the controller's supported range.
func (c *Coordinator) SetZoneTemperature(key string, celsius float64) error {
	u, zs, err := c.zoneTarget(key)
	if err != nil {
		return err
	}
	cmd := proair.ZoneCommand{
		Off:     zs.IsOff,
		SetTemp: proair.Decidegrees(proair.ClampTemp(celsius)),
		Name:    zs.Name,
	}
	return c.sendZone(u, zs.ZoneID, key, "set_temperature", cmd)
}

// SetZonePower turns a zone on or off, preserving its setpoint and damper.
func (c *Coordinator) SetZonePower(key string, on bool) error {
	u, zs, err := c.zoneTarget(key)
	if err != nil {
		return err
	}
	cmd := proair.ZoneCommand{
		Off:     !on,
		SetTemp: zs.SetTemp,
		Name:    zs.Name,
		Shutter: zs.ShutterSet,
	}
	action := "turn_off"
	if on {
		action = "turn_on"
	}
	return c.sendZone(u, zs.ZoneID, key, action, cmd)
}

// SetZoneFanMode sets a zone's fan/damper mode.
func (c *Coordinator) SetZoneFanMode(key string, mode proair.FanMode) error {
	u, zs, err := c.zoneTarget(key)
	if err != nil {
		return err
	}
	cmd := proair.ZoneCommand{
		Off:     zs.IsOff,
		SetTemp: zs.SetTemp,
		Name:    zs.Name,
		Shutter: proair.ShutterFromFanMode(mode),
	}
	return c.sendZone(u, zs.ZoneID, key, "set_fan_mode", cmd)
}

// RenameZone stores a local friendly name for a zone. The cloud-side zone
// name is left untouched so the vendor app stays consistent.
func (c *Coordinator) RenameZone(key, name string) error {
	err := c.store.UpdateZone(key, func(z *store.Zone) error {
		z.FriendlyName = name
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownZone, key)
	}
	if err != nil {
		return err
	}
	c.events.Emit(Event{Type: EventZoneRenamed, Data: map[string]interface{}{
		"key":  key,
		"name": name,
	}})
	return nil
}

// DeleteZone drops a zone record and announces the removal so downstream
// consumers can clear their retained state. The next poll re-creates the
// zone if it still exists on the control unit.
func (c *Coordinator) DeleteZone(key string) error {
	if _, err := c.store.GetZone(key); errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownZone, key)
	} else if err != nil {
		return err
	}
	if err := c.store.DeleteZone(key); err != nil {
		return err
	}
	c.events.Emit(Event{Type: EventZoneDeleted, Data: map[string]interface{}{
		"key": key,
	}})
	return nil
}

// DeleteController drops a controller record together with all its zones.
// Units still on the account come back on the next discovery.
func (c *Coordinator) DeleteController(serial string) error {
	if _, err := c.store.GetController(serial); errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, serial)
	} else if err != nil {
		return err
	}
	zones, err := c.store.ListZones()
	if err != nil {
		return err
	}
	for _, z := range zones {
		if z.Serial != serial {
			continue
		}
		if err := c.DeleteZone(z.Key); err != nil {
			return err
		}
	}
	return c.store.DeleteController(serial)
}

// unitTarget resolves a serial to its unit and current cloud state.
func (c *Coordinator) unitTarget(serial string) (proair.ControlUnit, *proair.ControlUnitState, error) {
	u, ok := c.unit(serial)
	if !ok {
		return proair.ControlUnit{}, nil, fmt.Errorf("%w: %s", ErrUnknownUnit, serial)
	}
	state := c.UnitSnapshot(serial)
	if state == nil {
		return proair.ControlUnit{}, nil, fmt.Errorf("unit %s: no state polled yet", serial)
	}
	return u, state, nil
}

func (c *Coordinator) sendUnit(u proair.ControlUnit, action string, cmd proair.UnitCommand) error {
	if err := c.client.UpdateUnit(c.ctx, u, c.pin(u.Serial), cmd); err != nil {
		return err
	}
	c.logger.Info("unit command sent", "serial", u.Serial, "action", action)
	c.events.Emit(Event{Type: EventCommandSent, Data: map[string]interface{}{
		"target": u.Serial,
		"action": action,
	}})
	c.RequestRefresh()
	return nil
}

// SetUnitMode switches a control unit's operating mode.
func (c *Coordinator) SetUnitMode(serial string, mode proair.SystemMode) error {
	u, state, err := c.unitTarget(serial)
	if err != nil {
		return err
	}
	return c.sendUnit(u, "set_mode", proair.UnitCommandForMode(state, mode))
}

// SetUnitTemperature sets the whole-unit duct setpoint in celsius.
func (c *Coordinator) SetUnitTemperature(serial string, celsius float64) error {
	u, state, err := c.unitTarget(serial)
	if err != nil {
		return err
	}
	cmd := proair.UnitCommand{
		Off:         state.IsOff,
		Cooling:     state.IsCooling,
		CoolingMode: state.CoolingMode,
		DuctTemp:    proair.Decidegrees(proair.ClampTemp(celsius)),
	}
	return c.sendUnit(u, "set_temperature", cmd)
}

// SetUnitPower turns a whole control unit on or off.
func (c *Coordinator) SetUnitPower(serial string, on bool) error {
	u, state, err := c.unitTarget(serial)
	if err != nil {
		return err
	}
	cmd := proair.UnitCommand{
		Off:         !on,
		Cooling:     state.IsCooling,
		CoolingMode: state.CoolingMode,
		DuctTemp:    state.DuctTemp,
	}
	action := "turn_off"
	if on {
		action = "turn_on"
	}
	return c.sendUnit(u, action, cmd)
}
