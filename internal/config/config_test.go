package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dls-controls/filewriter/internal/config"
)

func TestLoadParsesYAMLBootstrapConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.yaml")
	yaml := `
ctrl_endpoint: "tcp://127.0.0.1:10000"
shared_mem: "/dev/shm/frames"
release_cnxn: "tcp://127.0.0.1:10001"
ready_cnxn: "tcp://127.0.0.1:10002"
plugins:
  - index: 0
    name: file_writer
connections:
  - index: 0
    connection: frame_receiver
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CtrlEndpoint != "tcp://127.0.0.1:10000" {
		t.Fatalf("unexpected ctrl endpoint: %q", cfg.CtrlEndpoint)
	}
	if len(cfg.Plugins) != 1 || cfg.Plugins[0].Name != "file_writer" {
		t.Fatalf("unexpected plugins: %+v", cfg.Plugins)
	}
	if len(cfg.Connections) != 1 || cfg.Connections[0].Connection != "frame_receiver" {
		t.Fatalf("unexpected connections: %+v", cfg.Connections)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/path.yaml"); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
