package metrics

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/robol/tecnosystemi/internal/coordinator"
	"github.com/robol/tecnosystemi/internal/proair"
	"github.com/robol/tecnosystemi/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCollector(t *testing.T) (*Collector, store.Store) {
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

	return NewCollector(coord, testLogger()), st
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for k, v := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
						break
					}
				}
				if !found {
					continue metric
				}
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestCollectorExportsZoneAndUnitState(t *testing.T) {
	c, st := newTestCollector(t)

	if err := st.SaveController(&store.Controller{
		Serial: "CU001", Name: "Casa", PlantID: 7, DuctTemp: 23.0, NumErrors: 2,
	}); err != nil {
		t.Fatalf("save controller: %v", err)
	}
	if err := st.SaveZone(&store.Zone{
		Key: "7_CU001_1", Serial: "CU001", PlantID: 7, ZoneID: 1,
		Name: "Living Room", Temperature: 21.5, SetTemp: 22.0, Humidity: 45.0, Shutter: 66.7,
	}); err != nil {
		t.Fatalf("save zone: %v", err)
	}
	if err := st.SaveZone(&store.Zone{
		Key: "7_CU001_2", Serial: "CU001", PlantID: 7, ZoneID: 2,
		Name: "Bedroom", FriendlyName: "Camera", IsOff: true, Temperature: 19.8,
	}); err != nil {
		t.Fatalf("save zone: %v", err)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	zone1 := map[string]string{"zone": "7_CU001_1", "zone_name": "Living Room", "serial": "CU001"}
	if got := gatherValue(t, reg, "proair_zone_temperature_celsius", zone1); got != 21.5 {
		t.Errorf("zone temperature = %v, want 21.5", got)
	}
	if got := gatherValue(t, reg, "proair_zone_power_bool", zone1); got != 1 {
		t.Errorf("zone power = %v, want 1", got)
	}

	// Friendly names flow into the zone_name label.
	zone2 := map[string]string{"zone": "7_CU001_2", "zone_name": "Camera", "serial": "CU001"}
	if got := gatherValue(t, reg, "proair_zone_power_bool", zone2); got != 0 {
		t.Errorf("zone 2 power = %v, want 0", got)
	}

	unit := map[string]string{"serial": "CU001", "unit_name": "Casa"}
	if got := gatherValue(t, reg, "proair_unit_duct_temperature_celsius", unit); got != 23.0 {
		t.Errorf("duct temperature = %v, want 23.0", got)
	}
	if got := gatherValue(t, reg, "proair_unit_errors", unit); got != 2 {
		t.Errorf("unit errors = %v, want 2", got)
	}

	if got := gatherValue(t, reg, "proair_bridge_online", nil); got != 0 {
		t.Errorf("bridge online = %v, want 0 before any poll", got)
	}
}
