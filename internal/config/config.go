package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type AgentConfig struct {
	Name string `mapstructure:"name"`
}

type HealthConfig struct {
	Listen string `mapstructure:"listen"`
}

type DispatcherConfig struct {
	QueueSize          int  `mapstructure:"queue_size"`
	QueueWaitMs        int  `mapstructure:"queue_wait_ms"`
	MinIntervalFloorMs int  `mapstructure:"min_interval_floor_ms"` // 0 = use controller interval as given
	ErrorIntervalMs    int  `mapstructure:"error_interval_ms"`
	MaxAttempts        int  `mapstructure:"max_attempts"`
	ErrorLimit         int  `mapstructure:"error_limit"`
	OfflinePollMs      int  `mapstructure:"offline_poll_ms"`
	StartSuspended     bool `mapstructure:"start_suspended"`
}

func (d DispatcherConfig) QueueWait() time.Duration {
	return time.Duration(d.QueueWaitMs) * time.Millisecond
}

func (d DispatcherConfig) MinIntervalFloor() time.Duration {
	return time.Duration(d.MinIntervalFloorMs) * time.Millisecond
}

func (d DispatcherConfig) ErrorInterval() time.Duration {
	return time.Duration(d.ErrorIntervalMs) * time.Millisecond
}

func (d DispatcherConfig) OfflinePoll() time.Duration {
	return time.Duration(d.OfflinePollMs) * time.Millisecond
}

type TransportConfig struct {
	Endpoint           string `mapstructure:"endpoint"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ControllerConfig describes one remote open-monitoring controller.
type ControllerConfig struct {
	ID            uint32 `mapstructure:"id"`
	Key           string `mapstructure:"key"`
	KeyEnv        string `mapstructure:"key_env"` // e.g. OPENMON_KEY_7, wins over key when set
	MinIntervalMs uint32 `mapstructure:"min_interval_ms"`
}

// Credential returns the controller key, preferring the environment variable.
func (c ControllerConfig) Credential() string {
	if c.KeyEnv != "" {
		if v := os.Getenv(c.KeyEnv); v != "" {
			return v
		}
	}
	return c.Key
}

type ConnectivityConfig struct {
	TestHosts              []string `mapstructure:"test_hosts"`
	IntervalSeconds        int      `mapstructure:"interval_seconds"`
	PingCount              int      `mapstructure:"ping_count"`
	TimeoutSeconds         int      `mapstructure:"timeout_seconds"`
	Privileged             bool     `mapstructure:"privileged"`
	FailCount              int      `mapstructure:"fail_count"`
	PacketLossThresholdPct int      `mapstructure:"packet_loss_threshold_pct"`
	RecoveryLossPct        int      `mapstructure:"recovery_loss_pct"`
	CheckRoute             bool     `mapstructure:"check_route"`
	CooldownSeconds        int      `mapstructure:"cooldown_seconds"`
	SelfControllerID       uint32   `mapstructure:"self_controller_id"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type Config struct {
	Agent        AgentConfig        `mapstructure:"agent"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Health       HealthConfig       `mapstructure:"health"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Controllers  []ControllerConfig `mapstructure:"controllers"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.name", "openmon-agent")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("health.listen", "127.0.0.1:8085")

	v.SetDefault("dispatcher.queue_size", 16)
	v.SetDefault("dispatcher.queue_wait_ms", 1000)
	v.SetDefault("dispatcher.min_interval_floor_ms", 60000)
	v.SetDefault("dispatcher.error_interval_ms", 10000)
	v.SetDefault("dispatcher.max_attempts", 3)
	v.SetDefault("dispatcher.error_limit", 3)
	v.SetDefault("dispatcher.offline_poll_ms", 1000)
	v.SetDefault("dispatcher.start_suspended", false)

	v.SetDefault("transport.endpoint", "https://open-monitoring.online/get")
	v.SetDefault("transport.timeout_seconds", 30)
	v.SetDefault("transport.insecure_skip_verify", false)

	v.SetDefault("connectivity.test_hosts", []string{"1.1.1.1"})
	v.SetDefault("connectivity.interval_seconds", 10)
	v.SetDefault("connectivity.ping_count", 3)
	v.SetDefault("connectivity.timeout_seconds", 5)
	v.SetDefault("connectivity.privileged", false)
	v.SetDefault("connectivity.fail_count", 3)
	v.SetDefault("connectivity.packet_loss_threshold_pct", 100)
	v.SetDefault("connectivity.recovery_loss_pct", 50)
	v.SetDefault("connectivity.check_route", true)
	v.SetDefault("connectivity.cooldown_seconds", 0)

	v.SetDefault("kafka.topic", "openmon.deliveries")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// env overrides: OPENMON_DISPATCHER_MAX_ATTEMPTS etc.
	v.SetEnvPrefix("openmon")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// quick sanity checks
	if cfg.Dispatcher.QueueSize < 1 {
		cfg.Dispatcher.QueueSize = 16
	}
	if cfg.Dispatcher.MaxAttempts < 1 {
		cfg.Dispatcher.MaxAttempts = 1
	}
	if cfg.Dispatcher.ErrorLimit < 1 {
		cfg.Dispatcher.ErrorLimit = 1
	}
	if cfg.Dispatcher.OfflinePollMs <= 0 {
		cfg.Dispatcher.OfflinePollMs = 1000
	}
	if cfg.Transport.TimeoutSeconds <= 0 {
		cfg.Transport.TimeoutSeconds = 30
	}
	if cfg.Connectivity.IntervalSeconds < 1 {
		cfg.Connectivity.IntervalSeconds = 10
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the dispatcher cannot start with.
func (c *Config) Validate() error {
	if c.Transport.Endpoint == "" {
		return errors.New("transport.endpoint is empty")
	}
	seen := make(map[uint32]struct{}, len(c.Controllers))
	for i, ctrl := range c.Controllers {
		if ctrl.ID == 0 {
			return fmt.Errorf("controllers[%d]: id is required", i)
		}
		if _, dup := seen[ctrl.ID]; dup {
			return fmt.Errorf("controllers[%d]: duplicate id %d", i, ctrl.ID)
		}
		seen[ctrl.ID] = struct{}{}
		if ctrl.Key == "" && ctrl.KeyEnv == "" {
			return fmt.Errorf("controllers[%d]: key or key_env is required", i)
		}
	}
	return nil
}
