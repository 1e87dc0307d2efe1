package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor" mapstructure:"supervisor"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing" mapstructure:"tracing"`
	Logger     LoggerConfig     `yaml:"logger" mapstructure:"logger"`
	Agent      AgentConfig      `yaml:"agent" mapstructure:"agent"`
	Roles      []RoleConfig     `yaml:"roles" mapstructure:"roles"`
}

type SupervisorConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval"`
	LaunchDelay     time.Duration `yaml:"launch_delay" mapstructure:"launch_delay"`
	GracePeriod     time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
	ImmediateGrace  time.Duration `yaml:"immediate_grace" mapstructure:"immediate_grace"`
	PIDFile         string        `yaml:"pid_file" mapstructure:"pid_file"`
	LockFile        string        `yaml:"lock_file" mapstructure:"lock_file"`
	AdoptRunning    bool          `yaml:"adopt_running" mapstructure:"adopt_running"`
	StabilityReset  time.Duration `yaml:"stability_reset" mapstructure:"stability_reset"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval" mapstructure:"reclaim_interval"`
	LockMaxAge      time.Duration `yaml:"lock_max_age" mapstructure:"lock_max_age"`
	PurgeInterval   time.Duration `yaml:"purge_interval" mapstructure:"purge_interval"`
	Retention       time.Duration `yaml:"retention" mapstructure:"retention"`
	TerminalPolicy  string        `yaml:"terminal_policy" mapstructure:"terminal_policy"`
	RerouteTo       string        `yaml:"reroute_to" mapstructure:"reroute_to"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	DBName          string        `yaml:"db_name" mapstructure:"db_name"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

type APIConfig struct {
	Enabled               bool          `yaml:"enabled" mapstructure:"enabled"`
	Host                  string        `yaml:"host" mapstructure:"host"`
	Port                  int           `yaml:"port" mapstructure:"port"`
	ReadTimeout           time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	CORSEnabled           bool          `yaml:"cors_enabled" mapstructure:"cors_enabled"`
	CORSAllowedOrigins    []string      `yaml:"cors_allowed_origins" mapstructure:"cors_allowed_origins"`
	EnableSecurityHeaders bool          `yaml:"enable_security_headers" mapstructure:"enable_security_headers"`
	EnableShutdown        bool          `yaml:"enable_shutdown" mapstructure:"enable_shutdown"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Path    string `yaml:"path" mapstructure:"path"`
}

type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName    string  `yaml:"service_name" mapstructure:"service_name"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint" mapstructure:"jaeger_endpoint"`
	SampleRate     float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

type LoggerConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputPath string `yaml:"output_path" mapstructure:"output_path"`
}

type AgentConfig struct {
	Role              string        `yaml:"role" mapstructure:"role"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	DequeueLimit      int           `yaml:"dequeue_limit" mapstructure:"dequeue_limit"`
	MaxInFlight       int           `yaml:"max_in_flight" mapstructure:"max_in_flight"`
}

type RoleConfig struct {
	ID                string            `yaml:"id" mapstructure:"id"`
	Command           string            `yaml:"command" mapstructure:"command"`
	Args              []string          `yaml:"args" mapstructure:"args"`
	WorkDir           string            `yaml:"work_dir" mapstructure:"work_dir"`
	Env               map[string]string `yaml:"env" mapstructure:"env"`
	Priority          int               `yaml:"priority" mapstructure:"priority"`
	CheckInterval     time.Duration     `yaml:"check_interval" mapstructure:"check_interval"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration     `yaml:"stale_after" mapstructure:"stale_after"`
	DeadAfter         time.Duration     `yaml:"dead_after" mapstructure:"dead_after"`
	MaxRestarts       int               `yaml:"max_restarts" mapstructure:"max_restarts"`
	BackoffBase       time.Duration     `yaml:"backoff_base" mapstructure:"backoff_base"`
	MaxCPUPercent     float64           `yaml:"max_cpu_percent" mapstructure:"max_cpu_percent"`
	MaxMemoryMB       int64             `yaml:"max_memory_mb" mapstructure:"max_memory_mb"`
	Disabled          bool              `yaml:"disabled" mapstructure:"disabled"`
}

// Terminal-recipient policies for pending messages addressed to a role that
// has exhausted its restarts.
const (
	TerminalPolicyHold    = "hold"
	TerminalPolicyExpire  = "expire"
	TerminalPolicyReroute = "reroute"
)

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/orchestrator")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ORC")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyRoleDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("supervisor.monitor_interval", "5s")
	viper.SetDefault("supervisor.launch_delay", "2s")
	viper.SetDefault("supervisor.grace_period", "30s")
	viper.SetDefault("supervisor.immediate_grace", "5s")
	viper.SetDefault("supervisor.pid_file", "orchestrator.pid")
	viper.SetDefault("supervisor.lock_file", "orchestrator.lock")
	viper.SetDefault("supervisor.adopt_running", true)
	viper.SetDefault("supervisor.stability_reset", "30m")
	viper.SetDefault("supervisor.reclaim_interval", "1m")
	viper.SetDefault("supervisor.lock_max_age", "10m")
	viper.SetDefault("supervisor.purge_interval", "1h")
	viper.SetDefault("supervisor.retention", "72h")
	viper.SetDefault("supervisor.terminal_policy", TerminalPolicyHold)
	viper.SetDefault("supervisor.reroute_to", "")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "orchestrator")
	viper.SetDefault("database.password", "orchestrator")
	viper.SetDefault("database.db_name", "orchestrator")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")

	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.host", "127.0.0.1")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.read_timeout", "30s")
	viper.SetDefault("api.write_timeout", "30s")
	viper.SetDefault("api.cors_enabled", false)
	viper.SetDefault("api.cors_allowed_origins", []string{"*"})
	viper.SetDefault("api.enable_security_headers", true)
	viper.SetDefault("api.enable_shutdown", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9091)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "agent-orchestrator")
	viper.SetDefault("tracing.jaeger_endpoint", "")
	viper.SetDefault("tracing.sample_rate", 1.0)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output_path", "stdout")

	viper.SetDefault("agent.role", "")
	viper.SetDefault("agent.heartbeat_interval", "10s")
	viper.SetDefault("agent.poll_interval", "2s")
	viper.SetDefault("agent.dequeue_limit", 10)
	viper.SetDefault("agent.max_in_flight", 4)
}

// applyRoleDefaults fills the per-role knobs viper.SetDefault cannot reach
// inside a list.
func applyRoleDefaults(config *Config) {
	for i := range config.Roles {
		role := &config.Roles[i]
		if role.CheckInterval <= 0 {
			role.CheckInterval = 10 * time.Second
		}
		if role.HeartbeatInterval <= 0 {
			role.HeartbeatInterval = 10 * time.Second
		}
		if role.StaleAfter <= 0 {
			role.StaleAfter = 30 * time.Second
		}
		if role.DeadAfter <= 0 {
			role.DeadAfter = 120 * time.Second
		}
		if role.MaxRestarts == 0 {
			role.MaxRestarts = 3
		}
		if role.BackoffBase <= 0 {
			role.BackoffBase = 60 * time.Second
		}
	}
}

func validateConfig(config *Config) error {
	if config.Supervisor.MonitorInterval <= 0 {
		return fmt.Errorf("supervisor monitor_interval must be positive, got: %s", config.Supervisor.MonitorInterval)
	}

	if config.Supervisor.GracePeriod <= 0 {
		return fmt.Errorf("supervisor grace_period must be positive, got: %s", config.Supervisor.GracePeriod)
	}

	switch config.Supervisor.TerminalPolicy {
	case TerminalPolicyHold, TerminalPolicyExpire, TerminalPolicyReroute:
	default:
		return fmt.Errorf("unknown terminal_policy: %q", config.Supervisor.TerminalPolicy)
	}

	if config.Supervisor.TerminalPolicy == TerminalPolicyReroute && config.Supervisor.RerouteTo == "" {
		return fmt.Errorf("terminal_policy reroute requires reroute_to")
	}

	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if config.Database.Port <= 0 || config.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", config.Database.Port)
	}

	if config.API.Enabled && (config.API.Port <= 0 || config.API.Port > 65535) {
		return fmt.Errorf("invalid api port: %d", config.API.Port)
	}

	if config.Metrics.Enabled && (config.Metrics.Port <= 0 || config.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", config.Metrics.Port)
	}

	seen := make(map[string]bool, len(config.Roles))
	for _, role := range config.Roles {
		if role.ID == "" {
			return fmt.Errorf("role id is required")
		}
		if seen[role.ID] {
			return fmt.Errorf("duplicate role id: %s", role.ID)
		}
		seen[role.ID] = true

		if role.Command == "" {
			return fmt.Errorf("role %s: command is required", role.ID)
		}
		if role.MaxRestarts < 0 {
			return fmt.Errorf("role %s: max_restarts must not be negative, got: %d", role.ID, role.MaxRestarts)
		}
		if role.StaleAfter >= role.DeadAfter {
			return fmt.Errorf("role %s: stale_after (%s) must be below dead_after (%s)", role.ID, role.StaleAfter, role.DeadAfter)
		}
	}

	if config.Supervisor.TerminalPolicy == TerminalPolicyReroute && len(config.Roles) > 0 && !seen[config.Supervisor.RerouteTo] {
		return fmt.Errorf("reroute_to references unknown role: %s", config.Supervisor.RerouteTo)
	}

	return nil
}

// Role returns the configuration for the given role id.
func (c *Config) Role(id string) (RoleConfig, bool) {
	for _, role := range c.Roles {
		if role.ID == id {
			return role, true
		}
	}
	return RoleConfig{}, false
}

func (c *Config) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

func (c *Config) GetMetricsAddr() string {
	return fmt.Sprintf(":%d", c.Metrics.Port)
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password,
		c.Database.DBName, c.Database.SSLMode)
}
