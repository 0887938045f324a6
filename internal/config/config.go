// ============================================================================
// Beaver-OSS Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with defaults and validation
//
// Precedence:
//   defaults < YAML file (--config) < command line flags
//
// Sections:
//   - scheduler: admission policy, clock tick, drain/watchdog timing
//   - worker:    task (goroutine) or process (child process over gRPC) mode
//   - log:       zerolog console / file sinks
//   - journal:   event journal path
//   - report:    final report path
//   - metrics:   Prometheus endpoint
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-oss/internal/logging"
	"github.com/ChuLiYu/beaver-oss/internal/table"
)

// Worker 執行模式
const (
	ModeTask    = "task"
	ModeProcess = "process"
)

// 參數範圍
const (
	MaxLaunchQuota = 100
)

// ErrInvalidConfig 設定值超出允許範圍
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Scheduler struct {
		LaunchQuota      int           `yaml:"launch_quota"`       // -n
		MaxConcurrent    int           `yaml:"max_concurrent"`     // -s
		TimeLimit        int           `yaml:"time_limit"`         // -t，Worker 壽命上限（秒）
		LaunchIntervalMs int           `yaml:"launch_interval_ms"` // -i
		TableCapacity    int           `yaml:"table_capacity"`
		BaseTick         time.Duration `yaml:"base_tick"`
		Watchdog         time.Duration `yaml:"watchdog"`
		GracePeriod      time.Duration `yaml:"grace_period"`
		ExitTimeout      time.Duration `yaml:"exit_timeout"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		Seed             uint64        `yaml:"seed"` // 0 表示隨機
	} `yaml:"scheduler"`

	Worker struct {
		Mode         string        `yaml:"mode"`   // task | process
		Listen       string        `yaml:"listen"` // process 模式的 gRPC 監聽位址
		SpawnTimeout time.Duration `yaml:"spawn_timeout"`
	} `yaml:"worker"`

	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
		File    string `yaml:"file"` // -f
	} `yaml:"log"`

	Journal struct {
		Path        string `yaml:"path"` // 空字串表示停用
		BufferSize  int    `yaml:"buffer_size"`
		SyncOnFlush bool   `yaml:"sync_on_flush"`
	} `yaml:"journal"`

	Report struct {
		Path string `yaml:"path"` // 空字串表示停用
	} `yaml:"report"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default 返回預設設定
func Default() *Config {
	var cfg Config

	cfg.Scheduler.LaunchQuota = 5
	cfg.Scheduler.MaxConcurrent = 3
	cfg.Scheduler.TimeLimit = 5
	cfg.Scheduler.LaunchIntervalMs = 1000
	cfg.Scheduler.TableCapacity = table.DefaultCapacity
	cfg.Scheduler.BaseTick = 250 * time.Millisecond
	cfg.Scheduler.Watchdog = 60 * time.Second
	cfg.Scheduler.GracePeriod = 2 * time.Second
	cfg.Scheduler.ExitTimeout = 2 * time.Second
	cfg.Scheduler.HeartbeatTimeout = 5 * time.Second
	cfg.Scheduler.SnapshotInterval = 500 * time.Millisecond

	cfg.Worker.Mode = ModeTask
	cfg.Worker.Listen = "127.0.0.1:0"
	cfg.Worker.SpawnTimeout = 5 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Console = true
	cfg.Log.File = "oss.log"

	cfg.Journal.BufferSize = 256

	cfg.Metrics.Port = 9090

	return &cfg
}

// Load 讀取 YAML 設定檔，未出現的欄位保留預設值
//
// 返回值：
//   - *Config: 已驗證的設定
//   - error: 讀檔、解析或驗證失敗；檔案不存在時可用 errors.Is(err, fs.ErrNotExist) 判斷
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查所有欄位是否在允許範圍內
func (c *Config) Validate() error {
	s := c.Scheduler

	switch {
	case s.TableCapacity < 1:
		return invalid("table_capacity must be at least 1, got %d", s.TableCapacity)
	case s.LaunchQuota < 1 || s.LaunchQuota > MaxLaunchQuota:
		return invalid("launch_quota must be in [1, %d], got %d", MaxLaunchQuota, s.LaunchQuota)
	case s.MaxConcurrent < 1 || s.MaxConcurrent > s.TableCapacity:
		return invalid("max_concurrent must be in [1, %d], got %d", s.TableCapacity, s.MaxConcurrent)
	case s.TimeLimit < 1:
		return invalid("time_limit must be positive, got %d", s.TimeLimit)
	case s.LaunchIntervalMs < 0:
		return invalid("launch_interval_ms must not be negative, got %d", s.LaunchIntervalMs)
	case s.BaseTick <= 0:
		return invalid("base_tick must be positive, got %s", s.BaseTick)
	case s.Watchdog <= 0:
		return invalid("watchdog must be positive, got %s", s.Watchdog)
	case s.GracePeriod < 0:
		return invalid("grace_period must not be negative, got %s", s.GracePeriod)
	case s.ExitTimeout <= 0:
		return invalid("exit_timeout must be positive, got %s", s.ExitTimeout)
	case s.HeartbeatTimeout <= 0:
		return invalid("heartbeat_timeout must be positive, got %s", s.HeartbeatTimeout)
	case s.SnapshotInterval <= 0:
		return invalid("snapshot_interval must be positive, got %s", s.SnapshotInterval)
	}

	switch c.Worker.Mode {
	case ModeTask:
	case ModeProcess:
		if _, _, err := net.SplitHostPort(c.Worker.Listen); err != nil {
			return invalid("worker.listen %q: %v", c.Worker.Listen, err)
		}
	default:
		return invalid("worker.mode must be %q or %q, got %q", ModeTask, ModeProcess, c.Worker.Mode)
	}
	if c.Worker.SpawnTimeout <= 0 {
		return invalid("worker.spawn_timeout must be positive, got %s", c.Worker.SpawnTimeout)
	}

	if !logging.ValidLevel(c.Log.Level) {
		return invalid("log.level %q is not recognised", c.Log.Level)
	}

	if c.Journal.BufferSize < 0 {
		return invalid("journal.buffer_size must not be negative, got %d", c.Journal.BufferSize)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port must be in [0, 65535], got %d", c.Metrics.Port)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
