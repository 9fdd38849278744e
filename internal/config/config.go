// Package config loads the process's static bootstrap configuration: the
// control endpoint to bind and the plugins to pre-load at startup. This
// is ambient scaffolding around the control plane (spec.md has no
// notion of a config file — everything arrives as control messages —
// but a real deployment needs something to hand the control endpoint
// and initial plugin set to before the first control message can
// arrive), loaded the way cmd/restic's global options are declared:
// a plain struct, unmarshalled with sigs.k8s.io/yaml.
package config

import (
	"os"

	"sigs.k8s.io/yaml"

	"github.com/dls-controls/filewriter/internal/fwerrors"
)

// PluginSpec mirrors one plugin.load control message.
type PluginSpec struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Library string `json:"library,omitempty"`
}

// ConnectSpec mirrors one plugin.connect control message.
type ConnectSpec struct {
	Index      int    `json:"index"`
	Connection string `json:"connection"`
}

// Config is the static bootstrap configuration.
type Config struct {
	CtrlEndpoint string        `json:"ctrl_endpoint"`
	SharedMem    string        `json:"shared_mem"`
	ReleaseCnx   string        `json:"release_cnxn"`
	ReadyCnx     string        `json:"ready_cnxn"`
	Plugins      []PluginSpec  `json:"plugins"`
	Connections  []ConnectSpec `json:"connections"`
}

// Load reads and parses a YAML bootstrap config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fwerrors.Wrap(fwerrors.TransportError, err, "read config %q", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fwerrors.Wrap(fwerrors.TransportError, err, "parse config %q", path)
	}
	return &cfg, nil
}
