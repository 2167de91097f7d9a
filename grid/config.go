package grid

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig selects and parameterizes the solver backend.
type EngineConfig struct {
	// Type is "local" (in-process solver) or "remote" (RPC proxy).
	Type string `yaml:"type"`
	// Circuit is the circuit file path. For the remote backend it names a
	// path on the solver service's filesystem.
	Circuit string `yaml:"circuit"`
	// BaseURL and TimeoutSeconds apply to the remote backend only.
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

// ModbusConfig parameterizes the register-protocol endpoint.
type ModbusConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	UnitID byte   `yaml:"unit_id"`
}

// Config is the full simulation configuration, loadable from a YAML file.
// Zero values fall back to defaults in ApplyDefaults.
type Config struct {
	TimestepSeconds float64         `yaml:"timestep_seconds"`
	Engine          EngineConfig    `yaml:"engine"`
	Modbus          ModbusConfig    `yaml:"modbus"`
	PowerFlow       PowerFlowConfig `yaml:"power_flow"`
}

// ValidEngineTypes is the set of recognized backend names.
// Shared by Validate and the CLI to avoid duplication.
var ValidEngineTypes = map[string]bool{"": true, "local": true, "remote": true}

// ValidAlgorithms is the set of recognized power-flow algorithm names.
var ValidAlgorithms = map[PowerFlowAlgorithm]bool{
	"":                     true,
	AlgorithmNewtonRaphson: true,
	AlgorithmGaussSeidel:   true,
}

// LoadConfig reads and parses a YAML simulation configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading simulation config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing simulation config: %w", err)
	}
	return &cfg, nil
}

// Validate checks enumerated options and value ranges.
func (c *Config) Validate() error {
	if !ValidEngineTypes[c.Engine.Type] {
		return fmt.Errorf("unknown engine type %q", c.Engine.Type)
	}
	if !ValidAlgorithms[c.PowerFlow.Algorithm] {
		return fmt.Errorf("unknown power flow algorithm %q", c.PowerFlow.Algorithm)
	}
	if c.TimestepSeconds < 0 {
		return fmt.Errorf("timestep_seconds must be non-negative, got %f", c.TimestepSeconds)
	}
	if c.PowerFlow.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be non-negative, got %d", c.PowerFlow.MaxIterations)
	}
	if c.PowerFlow.ToleranceMVA < 0 {
		return fmt.Errorf("tolerance_mva must be non-negative, got %f", c.PowerFlow.ToleranceMVA)
	}
	if c.Engine.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must be non-negative, got %f", c.Engine.TimeoutSeconds)
	}
	if c.Modbus.Port < 0 || c.Modbus.Port > 65535 {
		return fmt.Errorf("modbus port out of range: %d", c.Modbus.Port)
	}
	return nil
}

// ApplyDefaults fills zero-valued fields with the stock configuration.
func (c *Config) ApplyDefaults() {
	if c.TimestepSeconds == 0 {
		c.TimestepSeconds = 1.0
	}
	if c.Engine.Type == "" {
		c.Engine.Type = "local"
	}
	if c.Engine.TimeoutSeconds == 0 {
		c.Engine.TimeoutSeconds = 5.0
	}
	if c.Modbus.Host == "" {
		c.Modbus.Host = "127.0.0.1"
	}
	if c.Modbus.Port == 0 {
		c.Modbus.Port = 5020
	}
	if c.Modbus.UnitID == 0 {
		c.Modbus.UnitID = 1
	}
	def := DefaultPowerFlowConfig()
	if c.PowerFlow.Algorithm == "" {
		c.PowerFlow.Algorithm = def.Algorithm
	}
	if c.PowerFlow.MaxIterations == 0 {
		c.PowerFlow.MaxIterations = def.MaxIterations
	}
	if c.PowerFlow.ToleranceMVA == 0 {
		c.PowerFlow.ToleranceMVA = def.ToleranceMVA
	}
}

// Timestep returns the configured tick period as a duration.
func (c *Config) Timestep() time.Duration {
	return time.Duration(c.TimestepSeconds * float64(time.Second))
}
