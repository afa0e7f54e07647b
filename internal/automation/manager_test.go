//go:build !no_automation

package automation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestSaveAndGetScript(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		Meta:    ScriptMeta{Name: "Night Setback", Description: "lower setpoints at night", Enabled: true},
		LuaCode: `proair.log("hello")`,
	}
	saved, err := m.Save(s)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ID != "night_setback" {
		t.Errorf("id = %q, want night_setback", saved.ID)
	}

	got, err := m.Get("night_setback")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Meta.Name != "Night Setback" {
		t.Errorf("name = %q", got.Meta.Name)
	}
	if !got.Meta.Enabled {
		t.Error("expected enabled")
	}
	if strings.TrimSpace(got.LuaCode) != `proair.log("hello")` {
		t.Errorf("lua code = %q", got.LuaCode)
	}
}

func TestSaveGeneratesUniqueIDs(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Save(&Script{Meta: ScriptMeta{Name: "Test"}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	second, err := m.Save(&Script{Meta: ScriptMeta{Name: "Test"}})
	if err != nil {
		t.Fatalf("save second: %v", err)
	}
	if first.ID == second.ID {
		t.Errorf("expected unique ids, both %q", first.ID)
	}
}

func TestListSkipsMalformedFiles(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Save(&Script{Meta: ScriptMeta{Name: "Good"}, LuaCode: "-- ok"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Non-lua files are ignored.
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("not a script"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(scripts) != 1 {
		t.Fatalf("expected 1 script, got %d", len(scripts))
	}
}

func TestDeleteScript(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Doomed"}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.Delete(s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Error("expected error getting deleted script")
	}
}

func TestScriptIDValidation(t *testing.T) {
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../etc"} {
		if validScriptID(id) {
			t.Errorf("id %q should be invalid", id)
		}
	}
	for _, id := range []string{"night_setback", "script-1", "abc"} {
		if !validScriptID(id) {
			t.Errorf("id %q should be valid", id)
		}
	}

	m := newTestManager(t)
	if _, err := m.Get("../escape"); err == nil {
		t.Error("expected error for invalid id")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Night Setback", "night_setback"},
		{"  Hello, World!  ", "hello_world"},
		{"UPPER", "upper"},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
