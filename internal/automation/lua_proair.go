//go:build !no_automation

package automation

import (
	"strings"
	"time"

	"github.com/robol/tecnosystemi/internal/proair"
	"github.com/robol/tecnosystemi/internal/store"

	lua "github.com/yuin/gopher-lua"
)

// registerProAirModule registers the `proair` global table in a Lua state.
func registerProAirModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return proairOn(L, vm)
	}))

	mod.RawSetString("zones", L.NewFunction(func(L *lua.LState) int {
		return proairZones(L, e)
	}))

	mod.RawSetString("units", L.NewFunction(func(L *lua.LState) int {
		return proairUnits(L, e)
	}))

	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return proairGet(L, e)
	}))

	mod.RawSetString("set_temperature", L.NewFunction(func(L *lua.LState) int {
		return proairSetTemperature(L, e)
	}))

	mod.RawSetString("set_fan_mode", L.NewFunction(func(L *lua.LState) int {
		return proairSetFanMode(L, e)
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return proairSetPower(L, e, true)
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return proairSetPower(L, e, false)
	}))

	mod.RawSetString("set_mode", L.NewFunction(func(L *lua.LState) int {
		return proairSetMode(L, e)
	}))

	mod.RawSetString("refresh", L.NewFunction(func(L *lua.LState) int {
		e.coord.RequestRefresh()
		return 0
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return proairAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return proairLog(L, e)
	}))

	L.SetGlobal("proair", mod)
}

const maxHandlersPerScript = 100

// proair.on(type, filter, callback)
// Filter keys: zone (key), serial, property. All optional.
func proairOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("zone"); v != lua.LNil {
		h.zone = v.String()
	}
	if v := filterTable.RawGetString("serial"); v != lua.LNil {
		h.serial = v.String()
	}
	if v := filterTable.RawGetString("property"); v != lua.LNil {
		h.property = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

func zoneToLua(L *lua.LState, z *store.Zone) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("key", lua.LString(z.Key))
	t.RawSetString("name", lua.LString(z.DisplayName()))
	t.RawSetString("serial", lua.LString(z.Serial))
	t.RawSetString("zone_id", lua.LNumber(z.ZoneID))
	t.RawSetString("temperature", lua.LNumber(z.Temperature))
	t.RawSetString("target_temperature", lua.LNumber(z.SetTemp))
	t.RawSetString("humidity", lua.LNumber(z.Humidity))
	t.RawSetString("shutter", lua.LNumber(z.Shutter))
	t.RawSetString("fan_mode", lua.LString(z.FanMode))
	t.RawSetString("is_on", lua.LBool(!z.IsOff))
	t.RawSetString("is_master", lua.LBool(z.IsMaster))
	return t
}

// proair.zones() — returns a table of all zones
func proairZones(L *lua.LState, e *Engine) int {
	zones, err := e.coord.Store().ListZones()
	if err != nil {
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, z := range zones {
		tbl.RawSetInt(i+1, zoneToLua(L, z))
	}
	L.Push(tbl)
	return 1
}

// proair.units() — returns a table of all control units
func proairUnits(L *lua.LState, e *Engine) int {
	controllers, err := e.coord.Store().ListControllers()
	if err != nil {
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, ctl := range controllers {
		t := L.NewTable()
		t.RawSetString("serial", lua.LString(ctl.Serial))
		t.RawSetString("name", lua.LString(ctl.Name))
		t.RawSetString("mode", lua.LString(ctl.Mode))
		t.RawSetString("duct_temperature", lua.LNumber(ctl.DuctTemp))
		t.RawSetString("errors", lua.LNumber(ctl.NumErrors))
		t.RawSetString("is_on", lua.LBool(!ctl.IsOff))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// proair.get(key_or_name) — returns one zone table or nil
func proairGet(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	z := resolveZone(e, target)
	if z == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(zoneToLua(L, z))
	return 1
}

// proair.set_temperature(key_or_name, celsius)
func proairSetTemperature(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	temp := float64(L.CheckNumber(2))

	z := resolveZone(e, target)
	if z == nil {
		e.logger.Warn("zone not found", "target", target)
		return 0
	}
	if err := e.coord.SetZoneTemperature(z.Key, temp); err != nil {
		e.logger.Error("set temperature", "err", err, "target", target)
	}
	return 0
}

// proair.set_fan_mode(key_or_name, mode)
func proairSetFanMode(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	mode := L.CheckString(2)

	z := resolveZone(e, target)
	if z == nil {
		e.logger.Warn("zone not found", "target", target)
		return 0
	}
	if err := e.coord.SetZoneFanMode(z.Key, proair.FanMode(mode)); err != nil {
		e.logger.Error("set fan mode", "err", err, "target", target)
	}
	return 0
}

// proair.turn_on/turn_off(key_or_name) — zone power
func proairSetPower(L *lua.LState, e *Engine, on bool) int {
	target := L.CheckString(1)

	z := resolveZone(e, target)
	if z == nil {
		e.logger.Warn("zone not found", "target", target)
		return 0
	}
	if err := e.coord.SetZonePower(z.Key, on); err != nil {
		e.logger.Error("set zone power", "err", err, "target", target)
	}
	return 0
}

// proair.set_mode(serial, mode) — whole-unit operating mode; "off" powers
// the unit down.
func proairSetMode(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)
	mode := strings.ToLower(L.CheckString(2))

	var err error
	if mode == "off" {
		err = e.coord.SetUnitPower(serial, false)
	} else {
		err = e.coord.SetUnitMode(serial, proair.SystemMode(mode))
	}
	if err != nil {
		e.logger.Error("set unit mode", "err", err, "serial", serial, "mode", mode)
	}
	return 0
}

// proair.after(seconds, callback) — delayed execution
func proairAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// proair.log(msg)
func proairLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// resolveZone finds a zone by key, friendly name, or cloud name.
func resolveZone(e *Engine, target string) *store.Zone {
	if z, err := e.coord.Store().GetZone(target); err == nil {
		return z
	}

	zones, err := e.coord.Store().ListZones()
	if err != nil {
		return nil
	}

	lowered := strings.ToLower(target)
	for _, z := range zones {
		if strings.ToLower(z.FriendlyName) == lowered {
			return z
		}
	}
	for _, z := range zones {
		if strings.ToLower(z.Name) == lowered {
			return z
		}
	}
	return nil
}
