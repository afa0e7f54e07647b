package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/robol/tecnosystemi/internal/automation"
	"github.com/robol/tecnosystemi/internal/coordinator"
	"github.com/robol/tecnosystemi/internal/proair"
	"github.com/robol/tecnosystemi/internal/store"
)

func setupTestServer(t *testing.T, apiKey string) (*Server, *store.BoltStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	// Client with an unroutable base URL: command paths that reach the
	// network fail fast, everything store-backed works normally.
	client, err := proair.NewClient(proair.Config{
		Username: "user@example.com",
		Password: "secret",
		DeviceID: "0123456789abcdef",
		BaseURL:  "http://127.0.0.1:0",
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(client, db, events, coordinator.Config{PIN: "1234"}, logger)

	opts := []ServerOption{WithVersion("test")}
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(coord, logger, opts...)
	t.Cleanup(srv.Stop)

	return srv, db
}

func seedZone(t *testing.T, db *store.BoltStore, key, serial, name string) {
	t.Helper()
	if err := db.SaveZone(&store.Zone{
		Key:         key,
		Serial:      serial,
		PlantID:     7,
		ZoneID:      1,
		Name:        name,
		Temperature: 21.5,
		SetTemp:     22.0,
	}); err != nil {
		t.Fatal(err)
	}
}

func seedController(t *testing.T, db *store.BoltStore, serial, name string) {
	t.Helper()
	if err := db.SaveController(&store.Controller{
		Serial:  serial,
		Name:    name,
		PlantID: 7,
		Mode:    "cool",
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAPIListZones(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedZone(t, db, "7_CU001_1", "CU001", "Living Room")
	seedZone(t, db, "7_CU001_2", "CU001", "Bedroom")

	req := httptest.NewRequest("GET", "/api/zones", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var zones []store.Zone
	if err := json.NewDecoder(w.Body).Decode(&zones); err != nil {
		t.Fatal(err)
	}
	if len(zones) != 2 {
		t.Errorf("zone count = %d, want 2", len(zones))
	}
}

func TestAPIGetZone(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedZone(t, db, "7_CU001_1", "CU001", "Living Room")

	req := httptest.NewRequest("GET", "/api/zones/7_CU001_1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var z store.Zone
	if err := json.NewDecoder(w.Body).Decode(&z); err != nil {
		t.Fatal(err)
	}
	if z.Name != "Living Room" {
		t.Errorf("name = %q", z.Name)
	}
}

func TestAPIGetZoneNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/zones/9_NOPE_9", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIListControllers(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedController(t, db, "CU001", "Polaris 5X")

	req := httptest.NewRequest("GET", "/api/controllers", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var controllers []store.Controller
	if err := json.NewDecoder(w.Body).Decode(&controllers); err != nil {
		t.Fatal(err)
	}
	if len(controllers) != 1 || controllers[0].Serial != "CU001" {
		t.Errorf("controllers = %+v", controllers)
	}
}

func TestAPIGetControllerNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/controllers/NOPE", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRenameZone(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedZone(t, db, "7_CU001_1", "CU001", "ZONA 1")

	body := `{"friendly_name": "Kitchen"}`
	req := httptest.NewRequest("PATCH", "/api/zones/7_CU001_1", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	z, err := db.GetZone("7_CU001_1")
	if err != nil {
		t.Fatal(err)
	}
	if z.FriendlyName != "Kitchen" {
		t.Errorf("stored friendly_name = %q, want Kitchen", z.FriendlyName)
	}
	if z.Name != "ZONA 1" {
		t.Errorf("cloud name = %q, want ZONA 1", z.Name)
	}
}

func TestAPIRenameZoneNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"friendly_name": "Kitchen"}`
	req := httptest.NewRequest("PATCH", "/api/zones/9_NOPE_9", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIDeleteZone(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedZone(t, db, "7_CU001_1", "CU001", "Living Room")

	req := httptest.NewRequest("DELETE", "/api/zones/7_CU001_1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if _, err := db.GetZone("7_CU001_1"); err == nil {
		t.Error("expected zone to be deleted")
	}
}

func TestAPIDeleteZoneNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("DELETE", "/api/zones/7_CU001_9", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// Deleting a zone must announce the removal so the MQTT bridge can clear
// its retained discovery and state topics.
func TestAPIDeleteZoneEmitsRemoval(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedZone(t, db, "7_CU001_1", "CU001", "Living Room")

	var deleted []string
	unsub := srv.coord.Events().On(coordinator.EventZoneDeleted, func(e coordinator.Event) {
		data := e.Data.(map[string]interface{})
		deleted = append(deleted, data["key"].(string))
	})
	defer unsub()

	req := httptest.NewRequest("DELETE", "/api/zones/7_CU001_1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(deleted) != 1 || deleted[0] != "7_CU001_1" {
		t.Errorf("zone_deleted events = %v, want [7_CU001_1]", deleted)
	}
}

func TestAPIDeleteController(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedController(t, db, "CU001", "Polaris 5X")
	seedZone(t, db, "7_CU001_1", "CU001", "Living Room")

	req := httptest.NewRequest("DELETE", "/api/controllers/CU001", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if _, err := db.GetController("CU001"); err == nil {
		t.Error("expected controller to be deleted")
	}
	if _, err := db.GetZone("7_CU001_1"); err == nil {
		t.Error("expected the controller's zones to be deleted")
	}
}

func TestAPIDeleteControllerNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("DELETE", "/api/controllers/NOPE", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPISetZoneValidation(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedZone(t, db, "7_CU001_1", "CU001", "Living Room")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty body", `{}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/zones/7_CU001_1/set", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPISetZoneUnknown(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"temperature": 22.5}`
	req := httptest.NewRequest("POST", "/api/zones/9_NOPE_9/set", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusNotFound, w.Body.String())
	}
}

func TestAPISetControllerUnknown(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"power": false}`
	req := httptest.NewRequest("POST", "/api/controllers/NOPE/set", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusNotFound, w.Body.String())
	}
}

func TestAPIBridgeStatus(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/bridge", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var status coordinator.Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Online {
		t.Error("expected bridge offline before first poll")
	}
}

func TestAPIRefresh(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("POST", "/api/refresh", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/version", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] != "test" {
		t.Errorf("version = %q, want test", resp["version"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"correct key", "secret-key", http.StatusOK},
		{"wrong key", "wrong-key", http.StatusUnauthorized},
		{"missing key", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/zones", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	srv.allowedOrigins = []string{"https://hub.example.com"}

	req := httptest.NewRequest("OPTIONS", "/api/zones", nil)
	req.Header.Set("Origin", "https://hub.example.com")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://hub.example.com" {
		t.Errorf("allow-origin = %q", got)
	}

	req = httptest.NewRequest("OPTIONS", "/api/zones", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("bad origin status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestCORSBlocksMutatingCrossOrigin(t *testing.T) {
	srv, db := setupTestServer(t, "")
	srv.allowedOrigins = []string{"https://hub.example.com"}
	seedZone(t, db, "7_CU001_1", "CU001", "Living Room")

	body := `{"friendly_name": "Kitchen"}`
	req := httptest.NewRequest("PATCH", "/api/zones/7_CU001_1", bytes.NewBufferString(body))
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestAPIAutomationCRUD(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	mgr, err := automation.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	srv.scriptMgr = mgr

	// Create.
	body := `{"name": "Night Setback", "lua_code": "proair.log('hi')", "enabled": false}`
	req := httptest.NewRequest("POST", "/api/automations", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created automation.Script
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("created script has no id")
	}

	// List.
	req = httptest.NewRequest("GET", "/api/automations", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	var scripts []automation.Script
	if err := json.NewDecoder(w.Body).Decode(&scripts); err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 {
		t.Errorf("script count = %d, want 1", len(scripts))
	}

	// Toggle.
	req = httptest.NewRequest("POST", "/api/automations/"+created.ID+"/toggle", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle status = %d, body = %s", w.Code, w.Body.String())
	}
	var toggled automation.Script
	if err := json.NewDecoder(w.Body).Decode(&toggled); err != nil {
		t.Fatal(err)
	}
	if !toggled.Meta.Enabled {
		t.Error("expected script enabled after toggle")
	}

	// Delete.
	req = httptest.NewRequest("DELETE", "/api/automations/"+created.ID, nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, err := mgr.Get(created.ID); err == nil {
		t.Error("expected script to be deleted")
	}
}

func TestAPIAutomationsDisabled(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/automations", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want empty list", got)
	}
}
