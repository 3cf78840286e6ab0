package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the simulator and the collector
type Config struct {
	// Core settings
	SimulatorName string
	LogLevel      string
	HealthPort    int
	OPCUAPort     int

	// Backend settings
	BackendURL     string
	BackendTimeout time.Duration

	// Collector settings
	CollectorPort      int    // Port the collector listens on
	CollectorAddr      string // Collector address as seen by stations
	CollectorAdminPort int
	MaxFrameSize       int
	ForwardAttempts    int
	ForwardBackoff     time.Duration

	// Operator credentials
	WorkerCode     string
	WorkerPassword string

	// Timing settings
	TimeUnit time.Duration

	// Production settings
	DefectRate         float64
	StarvationWarn     int
	StarvationTimeout  int
	HeadOverproduction float64

	// Line layout file (empty = embedded default)
	LineLayoutFile string
}

// Load reads configuration from defaults, an optional config file named by
// CONFIG_FILE and environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		SimulatorName: v.GetString("simulator_name"),
		LogLevel:      v.GetString("log_level"),
		HealthPort:    v.GetInt("health_port"),
		OPCUAPort:     v.GetInt("opcua_port"),

		BackendURL:     strings.TrimRight(v.GetString("backend_url"), "/"),
		BackendTimeout: v.GetDuration("backend_timeout"),

		CollectorPort:      v.GetInt("collector_port"),
		CollectorAddr:      v.GetString("collector_addr"),
		CollectorAdminPort: v.GetInt("collector_admin_port"),
		MaxFrameSize:       v.GetInt("max_frame_size"),
		ForwardAttempts:    v.GetInt("forward_attempts"),
		ForwardBackoff:     v.GetDuration("forward_backoff"),

		WorkerCode:     v.GetString("worker_code"),
		WorkerPassword: v.GetString("worker_password"),

		TimeUnit: v.GetDuration("time_unit"),

		DefectRate:         v.GetFloat64("defect_rate"),
		StarvationWarn:     v.GetInt("starvation_warn"),
		StarvationTimeout:  v.GetInt("starvation_timeout"),
		HeadOverproduction: v.GetFloat64("head_overproduction"),

		LineLayoutFile: v.GetString("line_layout_file"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Core settings
	v.SetDefault("simulator_name", "BatteryLine-A")
	v.SetDefault("log_level", "info")
	v.SetDefault("health_port", 8081)
	v.SetDefault("opcua_port", 4840)

	// Backend settings
	v.SetDefault("backend_url", "http://localhost:8088")
	v.SetDefault("backend_timeout", 10*time.Second)

	// Collector settings
	v.SetDefault("collector_port", 8000)
	v.SetDefault("collector_addr", "127.0.0.1:8000")
	v.SetDefault("collector_admin_port", 8082)
	v.SetDefault("max_frame_size", 64*1024)
	v.SetDefault("forward_attempts", 3)
	v.SetDefault("forward_backoff", 200*time.Millisecond)

	v.SetDefault("worker_code", "")
	v.SetDefault("worker_password", "")

	// Timing settings
	v.SetDefault("time_unit", time.Second)

	// Production settings
	v.SetDefault("defect_rate", 0.05)
	v.SetDefault("starvation_warn", 5)
	v.SetDefault("starvation_timeout", 30)
	v.SetDefault("head_overproduction", 1.5)

	v.SetDefault("line_layout_file", "")
	v.SetDefault("config_file", "")
}

// Validate checks the configuration for values the line cannot run with
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if c.TimeUnit <= 0 {
		return fmt.Errorf("time_unit must be positive, got %s", c.TimeUnit)
	}
	if c.DefectRate < 0 || c.DefectRate > MaxDefectRate {
		return fmt.Errorf("defect_rate must be between 0 and %.1f, got %f", MaxDefectRate, c.DefectRate)
	}
	if c.StarvationWarn <= 0 || c.StarvationTimeout < c.StarvationWarn {
		return fmt.Errorf("starvation thresholds invalid: warn=%d timeout=%d", c.StarvationWarn, c.StarvationTimeout)
	}
	if c.HeadOverproduction < 1 {
		return fmt.Errorf("head_overproduction must be >= 1, got %f", c.HeadOverproduction)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive, got %d", c.MaxFrameSize)
	}
	return nil
}
