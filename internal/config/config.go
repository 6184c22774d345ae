package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/streamvisor/internal/logger"
	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/spf13/viper"
)

// Lower bounds applied after loading.
const (
	MinWatchdogInterval       = 10 * time.Second
	MinWatchdogFailedInterval = time.Second
	MaxPort                   = 65535
	fallbackPortStart         = 1024
)

// Config is the immutable process-wide configuration. It is loaded once at
// start and passed by pointer into component constructors.
type Config struct {
	General    GeneralConfig     `mapstructure:"general"`
	Redis      RedisConfig       `mapstructure:"redis"`
	FFmpeg     FFmpegConfig      `mapstructure:"ffmpeg"`
	Watchdog   WatchdogConfig    `mapstructure:"watchdog"`
	Task       TaskConfig        `mapstructure:"task"`
	Docker     DockerConfig      `mapstructure:"docker"`
	Log        logger.Config     `mapstructure:"log"`
	ProcessLog logger.FileConfig `mapstructure:"process_log"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Server     ServerConfig      `mapstructure:"server"`
	History    HistoryConfig     `mapstructure:"history"`
}

type GeneralConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

type RedisConfig struct {
	Addrs        []string      `mapstructure:"addrs"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type FFmpegConfig struct {
	Binary                 string        `mapstructure:"binary"`
	MaxOperationRetryCount int           `mapstructure:"max_operation_retry_count"`
	MSInitInterval         time.Duration `mapstructure:"ms_init_interval"`
	MSPortStart            int           `mapstructure:"ms_port_start"`
	MSPortEnd              int           `mapstructure:"ms_port_end"`
	RestartSettle          time.Duration `mapstructure:"restart_settle"`

	// Env holds extra K=V pairs for every ffmpeg subprocess. Values may
	// reference ${VAR} from the supervisor environment.
	Env []string `mapstructure:"env"`
}

type WatchdogConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	FailedWaitInterval time.Duration `mapstructure:"failed_wait_interval"`
	ZombieMultiplier   int           `mapstructure:"zombie_multiplier"`
	NotifyFailed       bool          `mapstructure:"notify_failed"`
	CheckConflicts     bool          `mapstructure:"check_conflicts"`
	ProcessName        string        `mapstructure:"process_name"`
}

type TaskConfig struct {
	StartWaitInterval time.Duration `mapstructure:"start_wait_interval"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	// Executable is the binary re-executed for workers and job processes.
	// Empty means the running executable.
	Executable string `mapstructure:"executable"`
}

type DockerConfig struct {
	Host string `mapstructure:"host"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Listen    string                 `mapstructure:"listen"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`

	// JobPortBase, when set, makes every job process serve /metrics on
	// JobPortBase plus the index of its op in the catalogue.
	JobPortBase int `mapstructure:"job_port_base"`
}

type ServerConfig struct {
	Enabled  bool      `mapstructure:"enabled"`
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. Explicit CertFile and KeyFile take
// precedence over Dir.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.root_dir", "/var/lib/streamvisor")

	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("ffmpeg.binary", "ffmpeg")
	v.SetDefault("ffmpeg.max_operation_retry_count", 10000000)
	v.SetDefault("ffmpeg.ms_init_interval", 3*time.Second)
	v.SetDefault("ffmpeg.ms_port_start", 7000)
	v.SetDefault("ffmpeg.ms_port_end", 8000)
	v.SetDefault("ffmpeg.restart_settle", time.Second)

	v.SetDefault("watchdog.interval", 23*time.Second)
	v.SetDefault("watchdog.failed_wait_interval", 3*time.Second)
	v.SetDefault("watchdog.zombie_multiplier", 6)
	v.SetDefault("watchdog.notify_failed", false)
	v.SetDefault("watchdog.check_conflicts", true)
	v.SetDefault("watchdog.process_name", "ffmpeg")

	v.SetDefault("task.start_wait_interval", time.Second)
	v.SetDefault("task.retry_delay", time.Second)
	v.SetDefault("task.executable", "")

	v.SetDefault("docker.host", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("process_log.dir", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 10*time.Second)
	v.SetDefault("metrics.resources.max_history", 100)
	v.SetDefault("metrics.job_port_base", 0)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("server.tls.hosts", []string{"localhost", "127.0.0.1"})
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
}

// Default returns the configuration produced by an empty file.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults always validate
		panic(err)
	}
	return cfg
}

// Load reads a TOML file (optional when path is empty), applies
// STREAMVISOR_* environment overrides, then normalizes and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("STREAMVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.Watchdog.Interval < MinWatchdogInterval {
		slog.Warn("watchdog interval raised to minimum", "configured", c.Watchdog.Interval, "min", MinWatchdogInterval)
		c.Watchdog.Interval = MinWatchdogInterval
	}
	if c.Watchdog.FailedWaitInterval < MinWatchdogFailedInterval {
		c.Watchdog.FailedWaitInterval = MinWatchdogFailedInterval
	}
	if c.Watchdog.ZombieMultiplier <= 0 {
		c.Watchdog.ZombieMultiplier = 6
	}
	if c.FFmpeg.MSPortStart <= 1 {
		c.FFmpeg.MSPortStart = fallbackPortStart
	}
	if c.FFmpeg.MSPortEnd > MaxPort {
		c.FFmpeg.MSPortEnd = MaxPort
	}
	if c.FFmpeg.MaxOperationRetryCount <= 0 {
		c.FFmpeg.MaxOperationRetryCount = 1
	}
	if c.Watchdog.ProcessName == "" {
		c.Watchdog.ProcessName = "ffmpeg"
	}
}

// Validate reports configuration errors that cannot be corrected silently.
func (c *Config) Validate() error {
	var errs []error
	if c.General.RootDir == "" {
		errs = append(errs, errors.New("general.root_dir is required"))
	}
	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs must list at least one address"))
	}
	if c.FFmpeg.MSPortEnd <= c.FFmpeg.MSPortStart {
		errs = append(errs, fmt.Errorf("ffmpeg.ms_port_end (%d) must be greater than ms_port_start (%d)", c.FFmpeg.MSPortEnd, c.FFmpeg.MSPortStart))
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
	}
	if c.History.Enabled && c.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required when history is enabled"))
	}
	return errors.Join(errs...)
}
