package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InitialCount seeds one species pool before the run starts. Entries whose
// element is owned by another rank are ignored by this worker.
type InitialCount struct {
	Elem    int    `yaml:"elem"` // global element index
	Species string `yaml:"species"`
	Count   uint64 `yaml:"count"`
}

// WorkerConfig is the per-process configuration document.
type WorkerConfig struct {
	Rank int    `yaml:"rank"`
	Seed uint64 `yaml:"seed"`

	Model string `yaml:"model"` // path to the model JSON document
	Mesh  string `yaml:"mesh"`  // path to the mesh JSON document

	Until     float64 `yaml:"until"`      // simulated end time in seconds
	MaxEvents uint64  `yaml:"max_events"` // 0 = unlimited

	// Window is the synchronization window in simulated seconds. Required
	// when peers are configured.
	Window float64 `yaml:"window"`
	// Listen is the address of the boundary websocket endpoint.
	Listen string `yaml:"listen"`
	// Peers maps neighbor ranks to their boundary endpoint URLs.
	Peers map[int]string `yaml:"peers"`

	MetricsListen string `yaml:"metrics_listen"`
	Checkpoint    string `yaml:"checkpoint"`

	Init []InitialCount `yaml:"init"`
}

// LoadWorkerConfig reads and validates a worker configuration file.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &WorkerConfig{Seed: 1, Window: 1e-4, MetricsListen: ":9090"}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Rank < 0 {
		return nil, fmt.Errorf("config: rank %d must be non-negative", cfg.Rank)
	}
	if cfg.Model == "" || cfg.Mesh == "" {
		return nil, fmt.Errorf("config: model and mesh paths are required")
	}
	if cfg.Until <= 0 {
		return nil, fmt.Errorf("config: until %g must be positive", cfg.Until)
	}
	if len(cfg.Peers) > 0 {
		if cfg.Window <= 0 {
			return nil, fmt.Errorf("config: window %g must be positive when peers are configured", cfg.Window)
		}
		if cfg.Listen == "" {
			return nil, fmt.Errorf("config: listen address is required when peers are configured")
		}
	}
	return cfg, nil
}
