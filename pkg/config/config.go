package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the static node configuration, read once at startup and
// passed to components explicitly. It is never mutated afterwards.
type Config struct {
	// Listen address of the request handler.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxQueue caps the waiting queue. The admission check is made
	// before insert with <=, so the queue can transiently hold
	// MaxQueue+1 rows; the reply that admits the row past the cap is
	// the one that trips the limit.
	MaxQueue int `yaml:"max_queue"`

	// Host-port allocation range for published container ports.
	PortLower int `yaml:"port_lower"`
	PortUpper int `yaml:"port_upper"`

	// MaxCPU is the CFS period per job, CPUUnit the CFS quota.
	MaxCPU  int `yaml:"max_cpu"`
	CPUUnit int `yaml:"cpu_unit"`

	// BaseCPU and BaseMem are reserved for the node itself
	// (percent-equivalent and MiB). MemUnit is the per-job memory
	// ceiling in MiB.
	BaseCPU int `yaml:"base_cpu"`
	BaseMem int `yaml:"base_mem"`
	MemUnit int `yaml:"mem_unit"`

	// Strategy selects the dispatch discipline, 0..3.
	Strategy int `yaml:"strategy"`

	// Image run for every job. Must contain a shell daemon listening
	// on container port 22.
	Image string `yaml:"image"`

	// DataDir holds the database file and received public keys.
	DataDir string `yaml:"data_dir"`

	// CertsDir holds server.crt/server.key, the client bundle
	// client.crt and one <client>.crt per known client.
	CertsDir string `yaml:"certs_dir"`

	// MetricsAddr, when set, exposes Prometheus metrics over HTTP.
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Strategy values.
const (
	StrategyFIFO           = 0
	StrategyFairClient     = 1
	StrategyPriority       = 2
	StrategyPriorityClient = 3
)

// Default values applied when the file leaves a key unset.
func defaults() Config {
	return Config{
		Host:      "0.0.0.0",
		Port:      8888,
		MaxQueue:  10,
		PortLower: 20000,
		PortUpper: 29999,
		MaxCPU:    100000,
		CPUUnit:   25000,
		BaseCPU:   50,
		BaseMem:   1024,
		MemUnit:   256,
		Image:     "alpine_ssh",
		DataDir:   "./data",
		CertsDir:  "./certs",
		LogLevel:  "info",
	}
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the node cannot run with. Errors
// here are fatal at startup.
func (c *Config) Validate() error {
	if c.Strategy < StrategyFIFO || c.Strategy > StrategyPriorityClient {
		return fmt.Errorf("strategy must be 0..3, got %d", c.Strategy)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be 1..65535, got %d", c.Port)
	}
	if c.MaxQueue <= 0 {
		return fmt.Errorf("max_queue must be positive, got %d", c.MaxQueue)
	}
	if c.PortLower <= 0 || c.PortUpper > 65535 || c.PortLower > c.PortUpper {
		return fmt.Errorf("invalid port range [%d, %d]", c.PortLower, c.PortUpper)
	}
	if c.CPUUnit <= 0 || c.MaxCPU <= 0 {
		return fmt.Errorf("cpu_unit and max_cpu must be positive")
	}
	if c.MemUnit <= 0 {
		return fmt.Errorf("mem_unit must be positive, got %d", c.MemUnit)
	}
	return nil
}

// MaxJobs derives the concurrent-container ceiling from the host's
// core count and total memory in MiB:
//
//	min( floor((MaxCPU*cores - BaseCPU) / CPUUnit),
//	     floor((totalMemMiB - BaseMem) / MemUnit) )
func (c *Config) MaxJobs(cores int, totalMemMiB float64) int {
	byCPU := (c.MaxCPU*cores - c.BaseCPU) / c.CPUUnit
	byMem := int((totalMemMiB - float64(c.BaseMem)) / float64(c.MemUnit))
	if byCPU < byMem {
		return byCPU
	}
	return byMem
}
