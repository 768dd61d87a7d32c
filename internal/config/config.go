package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fms-cell/internal/cell"
	"fms-cell/internal/mapping"
	"fms-cell/internal/types"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如 FMS_HTTP_ADDR 覆盖 http_addr
const EnvPrefix = "FMS"

// CellConfig 控制器连接配置
type CellConfig struct {
	Mode         string `mapstructure:"mode"`          // "sim" 使用内存模拟控制器, "remote" 使用适配服务
	Endpoint     string `mapstructure:"endpoint"`      // 适配服务地址
	TimeoutMs    int    `mapstructure:"timeout_ms"`    // 调用适配服务的超时
	PalletSchema string `mapstructure:"pallet_schema"` // "angle" 或 "group"
}

// SyncConfig 同步和状态轮询配置
type SyncConfig struct {
	IntervalMs           int    `mapstructure:"interval_ms"`             // 作业下发周期
	StatusIntervalMs     int    `mapstructure:"status_interval_ms"`      // 状态轮询周期
	UseDateBasedPriority bool   `mapstructure:"use_date_based_priority"` // 按日期计算排程优先级
	DownloadFilter       string `mapstructure:"download_filter"`         // expr 规则，返回 false 的作业暂不下发
}

// StationStrings 站点位串的宽度
type StationStrings struct {
	LoadStations int `mapstructure:"load_stations"`
	Machines     int `mapstructure:"machines"`
}

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	LogLevel             string                     `mapstructure:"log_level"`
	HTTPAddr             string                     `mapstructure:"http_addr"`
	DatabasePath         string                     `mapstructure:"database_path"`
	EventLogPath         string                     `mapstructure:"event_log_path"`
	SeedJobsFile         string                     `mapstructure:"seed_jobs_file"`
	CheckPalletsUsedOnce bool                       `mapstructure:"check_pallets_used_once"` // 没有默认值，必须显式配置
	FixtureComment       string                     `mapstructure:"fixture_comment"`
	Cell                 CellConfig                 `mapstructure:"cell"`
	Sync                 SyncConfig                 `mapstructure:"sync"`
	StationStrings       StationStrings             `mapstructure:"station_strings"`
	Queues               map[string]types.QueueSize `mapstructure:"queues"`
}

// ErrPalletCheckNotSet 未配置托盘唯一性检查
var ErrPalletCheckNotSet = errors.New("check_pallets_used_once must be set explicitly")

// Load 从 dir 下的 config.yaml 加载配置，.env 和 FMS_ 前缀的环境变量会覆盖文件中的值
func Load(dir string) (*Config, error) {
	// .env 不存在时忽略，已有的环境变量不会被覆盖
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config") // 配置文件名称 (不带扩展名)
	v.SetConfigType("yaml")   // 配置文件类型
	v.AddConfigPath(dir)      // 查找配置文件的路径

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 没有默认值的键需要显式绑定才能从环境变量读取
	if err := v.BindEnv("check_pallets_used_once"); err != nil {
		return nil, err
	}

	// 设置默认值
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database_path", "jobs.db")
	v.SetDefault("event_log_path", "events.wal")
	v.SetDefault("seed_jobs_file", "")
	v.SetDefault("fixture_comment", "Managed")
	v.SetDefault("cell.mode", "sim")
	v.SetDefault("cell.endpoint", "http://localhost:9090")
	v.SetDefault("cell.timeout_ms", 5000)
	v.SetDefault("cell.pallet_schema", string(cell.PalletSchemaGroup))
	v.SetDefault("sync.interval_ms", 60000)
	v.SetDefault("sync.status_interval_ms", 10000)
	v.SetDefault("sync.use_date_based_priority", false)
	v.SetDefault("sync.download_filter", "")
	v.SetDefault("station_strings.load_stations", 10)
	v.SetDefault("station_strings.machines", 8)

	// 读取配置文件，文件不存在时只使用默认值和环境变量
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if !v.IsSet("check_pallets_used_once") {
		return nil, ErrPalletCheckNotSet
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch cell.PalletSchema(c.Cell.PalletSchema) {
	case cell.PalletSchemaAngle, cell.PalletSchemaGroup:
	default:
		return fmt.Errorf("unknown pallet schema %q", c.Cell.PalletSchema)
	}
	switch c.Cell.Mode {
	case "sim", "remote":
	default:
		return fmt.Errorf("unknown cell mode %q", c.Cell.Mode)
	}
	if c.StationStrings.LoadStations <= 0 || c.StationStrings.Machines <= 0 {
		return fmt.Errorf("station string widths must be positive")
	}
	return nil
}

// MappingOptions 返回夹具映射参数
func (c *Config) MappingOptions() mapping.Options {
	return mapping.Options{
		CheckPalletsUsedOnce: c.CheckPalletsUsedOnce,
		LoadStations:         c.StationStrings.LoadStations,
		Machines:             c.StationStrings.Machines,
		FixtureComment:       c.FixtureComment,
	}
}

// SyncInterval 返回作业下发周期
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalMs) * time.Millisecond
}

// StatusInterval 返回状态轮询周期
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Sync.StatusIntervalMs) * time.Millisecond
}

// CellTimeout 返回调用适配服务的超时
func (c *Config) CellTimeout() time.Duration {
	return time.Duration(c.Cell.TimeoutMs) * time.Millisecond
}

// SlogLevel 把 log_level 转换为 slog 的级别，未知值按 info 处理
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// LoadJobsFile 读取 YAML 格式的作业种子文件
func LoadJobsFile(path string) (*types.NewJobs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取作业文件失败: %w", err)
	}
	var nj types.NewJobs
	if err := yaml.Unmarshal(data, &nj); err != nil {
		return nil, fmt.Errorf("解析作业文件失败: %w", err)
	}
	return &nj, nil
}
