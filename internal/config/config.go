package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BridgeConfig controls the back-channel endpoint.
type BridgeConfig struct {
	// AuthToken, when set, must match the worker's ?token= query parameter.
	AuthToken string `yaml:"auth_token"`
	// GraceWindow is the reconnect window after a disconnect.
	GraceWindow time.Duration `yaml:"grace_window"`
}

// StreamingConfig selects the delivery discipline and its bounds.
type StreamingConfig struct {
	// Mode is "real" (incremental pass-through) or "fake"
	// (collect-then-emit-once framed as a stream).
	Mode              string        `yaml:"mode"`
	FirstEventTimeout time.Duration `yaml:"first_event_timeout"`
	ChunkTimeout      time.Duration `yaml:"chunk_timeout"`
	FakeMaxAttempts   int           `yaml:"fake_max_attempts"`
	FakeRetryDelay    time.Duration `yaml:"fake_retry_delay"`
	FakeTimeout       time.Duration `yaml:"fake_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
}

// FailoverConfig controls the account-failover state machine.
type FailoverConfig struct {
	FailureThreshold       int    `yaml:"failure_threshold"`
	ImmediateSwitchStatus  []int  `yaml:"immediate_switch_status"`
	UsageRotationThreshold int    `yaml:"usage_rotation_threshold"`
	RefreshCron            string `yaml:"refresh_cron"`
}

// IdentityConfig locates the credential files.
type IdentityConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// WorkerConfig describes the bridge worker command.
type WorkerConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TranslateConfig carries the gateway-wide translation force flags.
type TranslateConfig struct {
	ForceThoughts   bool `yaml:"force_thoughts"`
	ForceWebSearch  bool `yaml:"force_web_search"`
	ForceURLContext bool `yaml:"force_url_context"`
}

// MonitoringConfig controls telemetry persistence.
type MonitoringConfig struct {
	DBPath string `yaml:"db_path"`
}

// Config is the full gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Failover   FailoverConfig   `yaml:"failover"`
	Identity   IdentityConfig   `yaml:"identity"`
	Worker     WorkerConfig     `yaml:"worker"`
	Translate  TranslateConfig  `yaml:"translate"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Models     []string         `yaml:"models"`
	LogLevel   string           `yaml:"log_level"`
}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         DefaultPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Bridge: BridgeConfig{GraceWindow: DefaultGraceWindow},
		Streaming: StreamingConfig{
			Mode:              "real",
			FirstEventTimeout: DefaultFirstEventTimeout,
			ChunkTimeout:      DefaultChunkTimeout,
			FakeMaxAttempts:   DefaultFakeMaxAttempts,
			FakeRetryDelay:    DefaultFakeRetryDelay,
			FakeTimeout:       DefaultFakeResponseTimeout,
			KeepAliveInterval: DefaultKeepAliveInterval,
		},
		Failover: FailoverConfig{
			FailureThreshold:       DefaultFailureThreshold,
			ImmediateSwitchStatus:  append([]int(nil), DefaultImmediateSwitchStatuses...),
			UsageRotationThreshold: DefaultUsageRotationThreshold,
		},
		Identity: IdentityConfig{Dir: "credentials", Watch: true},
		Worker:   WorkerConfig{ConnectTimeout: DefaultWorkerConnectTimeout},
		Models:   []string{"gemini-2.5-pro", "gemini-2.5-flash"},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults, letting everything come from env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers the small set of runtime overrides on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("WEBRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("WEBRELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WEBRELAY_IDENTITY_DIR"); v != "" {
		c.Identity.Dir = v
	}
	if v := os.Getenv("WEBRELAY_BRIDGE_TOKEN"); v != "" {
		c.Bridge.AuthToken = v
	}
	if v := os.Getenv("WEBRELAY_STREAMING_MODE"); v != "" {
		c.Streaming.Mode = v
	}
}

func (c *Config) validate() error {
	if c.Streaming.Mode != "real" && c.Streaming.Mode != "fake" {
		return fmt.Errorf("config: streaming.mode must be \"real\" or \"fake\", got %q", c.Streaming.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	if c.Streaming.FakeMaxAttempts < 1 {
		return fmt.Errorf("config: streaming.fake_max_attempts must be >= 1")
	}
	return nil
}
