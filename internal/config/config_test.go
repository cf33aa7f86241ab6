package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "mcpguard.json", `{
		"port": 7000,
		"servers": {
			"db": {"url": "http://localhost:9001/mcp", "block": ["DROP", "DELETE"], "blockMessage": "no"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7000 {
		t.Errorf("port = %d, want 7000", cfg.Port)
	}
	gate, ok := cfg.Servers["db"]
	if !ok {
		t.Fatal("missing server 'db'")
	}
	if gate.URL != "http://localhost:9001/mcp" {
		t.Errorf("url = %q", gate.URL)
	}
	if len(gate.Block) != 2 || gate.Block[0] != "DROP" {
		t.Errorf("block = %v", gate.Block)
	}
	if gate.BlockMessage != "no" {
		t.Errorf("blockMessage = %q", gate.BlockMessage)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
port: 7001
servers:
  files:
    url: http://localhost:9002/mcp
    enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	gate := cfg.Servers["files"]
	if gate.Enabled == nil || *gate.Enabled {
		t.Error("expected enabled=false")
	}
}

func TestLoad_DefaultPort(t *testing.T) {
	path := writeConfig(t, "mcpguard.json", `{"servers":{"a":{"url":"http://x"}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port = %d, want default %d", cfg.Port, DefaultPort)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_EmptyServers(t *testing.T) {
	path := writeConfig(t, "mcpguard.json", `{"port": 6427, "servers": {}}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty server map")
	}
}

func TestLoad_MissingURL(t *testing.T) {
	path := writeConfig(t, "mcpguard.json", `{"servers":{"db":{"block":["x"]}}}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for server without url")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeConfig(t, "mcpguard.json", `{{{`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestBlockingEnabled(t *testing.T) {
	off := false
	on := true
	tests := []struct {
		name string
		gate GateConfig
		want bool
	}{
		{"default with patterns", GateConfig{Block: []string{"drop"}}, true},
		{"default without patterns", GateConfig{}, false},
		{"explicitly disabled", GateConfig{Enabled: &off, Block: []string{"drop"}}, false},
		{"explicitly enabled", GateConfig{Enabled: &on, Block: []string{"drop"}}, true},
		{"enabled but no patterns", GateConfig{Enabled: &on}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.gate.BlockingEnabled(); got != tt.want {
				t.Errorf("BlockingEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFind_Explicit(t *testing.T) {
	path := writeConfig(t, "custom.json", `{}`)

	found, err := Find(path)
	if err != nil {
		t.Fatal(err)
	}
	if found != path {
		t.Errorf("found = %q, want %q", found, path)
	}

	if _, err := Find(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for absent explicit path")
	}
}

func TestFind_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mcpguard.json"), []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	found, err := Find("")
	if err != nil {
		t.Fatal(err)
	}
	if found != "mcpguard.json" {
		t.Errorf("found = %q, want mcpguard.json", found)
	}
}

func TestFind_YMLExtension(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mcpguard.yml"), []byte(`port: 7002`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	found, err := Find("")
	if err != nil {
		t.Fatal(err)
	}
	if found != "mcpguard.yml" {
		t.Errorf("found = %q, want mcpguard.yml", found)
	}
}

func TestGateNames_Sorted(t *testing.T) {
	cfg := &GuardConfig{Servers: map[string]GateConfig{
		"zeta": {URL: "http://z"}, "alpha": {URL: "http://a"}, "mid": {URL: "http://m"},
	}}

	names := cfg.GateNames()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
