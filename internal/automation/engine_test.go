//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/robol/tecnosystemi/internal/coordinator"
	"github.com/robol/tecnosystemi/internal/proair"
	"github.com/robol/tecnosystemi/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client, err := proair.NewClient(proair.Config{
		Username: "user@example.com",
		Password: "hunter2",
		DeviceID: "0123456789abcdef",
	}, testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	coord := coordinator.New(client, st, coordinator.NewEventBus(testLogger()), coordinator.Config{PIN: "1234"}, testLogger())
	t.Cleanup(coord.Stop)

	mgr := newTestManager(t)
	e := NewEngine(coord, mgr, testLogger(), SystemConfig{}, TelegramConfig{})
	t.Cleanup(e.Stop)
	return e, st
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e, _ := newTestEngine(t)

	res := e.RunLuaCode(`
proair.log("first")
system.log("warn", "second")
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 {
		t.Fatalf("expected 2 log lines, got %v", res.Logs)
	}
	if res.Logs[0] != "first" {
		t.Errorf("logs[0] = %q", res.Logs[0])
	}
	if res.Logs[1] != "[warn] second" {
		t.Errorf("logs[1] = %q", res.Logs[1])
	}
}

func TestRunLuaCodeReportsErrors(t *testing.T) {
	e, _ := newTestEngine(t)

	res := e.RunLuaCode(`this is not lua`)
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Error("expected an error message")
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _ := newTestEngine(t)

	res := e.RunLuaCode(`
if os ~= nil or io ~= nil or require ~= nil then
  error("sandbox breached")
end
proair.log("sandbox ok")
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e, _ := newTestEngine(t)

	res := e.RunLuaCode(`
proair.on("zone_update", {property = "temperature"}, function(event)
  proair.log("got " .. event.property)
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "got temperature" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeReadsZones(t *testing.T) {
	e, st := newTestEngine(t)

	if err := st.SaveZone(&store.Zone{
		Key: "7_CU001_1", Serial: "CU001", PlantID: 7, ZoneID: 1,
		Name: "Living Room", Temperature: 21.5, SetTemp: 22.0,
	}); err != nil {
		t.Fatalf("save zone: %v", err)
	}

	res := e.RunLuaCode(`
local z = proair.get("Living Room")
if z == nil then error("zone not found") end
proair.log(z.key .. "=" .. z.temperature)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "7_CU001_1=21.5" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestMatchesHandler(t *testing.T) {
	ev := coordinator.Event{
		Type: coordinator.EventZoneUpdate,
		Data: map[string]interface{}{
			"key":      "7_CU001_1",
			"serial":   "CU001",
			"property": "temperature",
			"value":    21.5,
		},
	}

	tests := []struct {
		name string
		h    luaEventHandler
		want bool
	}{
		{"type only", luaEventHandler{eventType: "zone_update"}, true},
		{"wrong type", luaEventHandler{eventType: "poll_ok"}, false},
		{"zone match", luaEventHandler{eventType: "zone_update", zone: "7_CU001_1"}, true},
		{"zone mismatch", luaEventHandler{eventType: "zone_update", zone: "7_CU001_2"}, false},
		{"serial match", luaEventHandler{eventType: "zone_update", serial: "CU001"}, true},
		{"serial mismatch", luaEventHandler{eventType: "zone_update", serial: "CU999"}, false},
		{"property match", luaEventHandler{eventType: "zone_update", property: "temperature"}, true},
		{"property mismatch", luaEventHandler{eventType: "zone_update", property: "humidity"}, false},
		{"all filters", luaEventHandler{eventType: "zone_update", zone: "7_CU001_1", serial: "CU001", property: "temperature"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.h, ev); got != tt.want {
				t.Errorf("matchesHandler = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val); got.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got.Type(), tt.want)
			}
		})
	}
}

func TestStartScriptRejectsBrokenLua(t *testing.T) {
	e, _ := newTestEngine(t)

	s, err := e.manager.Save(&Script{
		Meta:    ScriptMeta{Name: "Broken", Enabled: true},
		LuaCode: "this is not lua",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := e.startScript(s); err == nil {
		t.Error("expected error starting broken script")
	}
}
