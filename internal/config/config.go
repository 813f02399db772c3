package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了观察服务在启动阶段确定的全部配置，构造后只读。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Paths    PathsConfig    `json:"paths" yaml:"paths"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	History  HistoryConfig  `json:"history" yaml:"history"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址与推送节奏。
type ServerConfig struct {
	Address          string `json:"address" yaml:"address"`
	KeepAliveSeconds int    `json:"keep_alive_seconds" yaml:"keep_alive_seconds"`
	// TraceWaitSeconds 为单个请求等待 trace 生成的上限；超时后生成继续在后台进行。
	TraceWaitSeconds int `json:"trace_wait_seconds" yaml:"trace_wait_seconds"`
	ObserverBuffer   int `json:"observer_buffer" yaml:"observer_buffer"`
}

// PathsConfig 描述各类工件在磁盘上的位置。
type PathsConfig struct {
	StatePath   string `json:"state_path" yaml:"state_path"`
	TracesDir   string `json:"traces_dir" yaml:"traces_dir"`
	FraudDir    string `json:"fraud_dir" yaml:"fraud_dir"`
	AgentsDir   string `json:"agents_dir" yaml:"agents_dir"`
	HistoryPath string `json:"history_path" yaml:"history_path"`
}

// EngineConfig 描述外部执行引擎的调用方式。
type EngineConfig struct {
	Bin        string `json:"bin" yaml:"bin"`
	WorkingDir string `json:"working_dir" yaml:"working_dir"`
}

// HistoryConfig 选择状态历史的存储后端。
type HistoryConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// RelayConfig 控制变更事件是否转发到进程外的消息系统。
type RelayConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 发布通道。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ 交换机。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// LogConfig 对应 pkg/logger 的配置项。
type LogConfig struct {
	Level       string         `json:"level" yaml:"level"`
	Format      string         `json:"format" yaml:"format"`
	OutputPaths []string       `json:"output_paths" yaml:"output_paths"`
	Audit       AuditLogConfig `json:"audit" yaml:"audit"`
}

// AuditLogConfig 控制审计日志的落盘与滚动。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// MetricsConfig 为空时 /metrics 挂在 API 服务上，否则单独监听。
type MetricsConfig struct {
	Address string `json:"address" yaml:"address"`
}

// AlertingConfig 描述欺诈告警的推送目标。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// KeepAlive 返回心跳间隔。
func (s ServerConfig) KeepAlive() time.Duration {
	return time.Duration(s.KeepAliveSeconds) * time.Second
}

// TraceWait 返回请求等待 trace 生成的上限。
func (s ServerConfig) TraceWait() time.Duration {
	return time.Duration(s.TraceWaitSeconds) * time.Second
}

// ConnMaxLifetime 返回连接最大存活时间。
func (h HistoryConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(h.ConnMaxLifetimeSeconds) * time.Second
}

// Load 按 默认值 < 配置文件 < 环境变量 的优先级构造配置，并一次性解析工件路径。
// path 为空时跳过配置文件。
func Load(path string) (*Config, error) {
	return load(path, os.Getenv, defaultLocator())
}

func load(path string, getenv func(string) string, loc locator) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(getenv)
	cfg.resolvePaths(loc)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回未经路径解析的默认配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:          ":8787",
			KeepAliveSeconds: 15,
			TraceWaitSeconds: 120,
			ObserverBuffer:   64,
		},
		Engine:  EngineConfig{Bin: "nets"},
		History: HistoryConfig{Driver: "file"},
		Relay: RelayConfig{
			Driver: "none",
			Buffer: 256,
			Redis:  RedisConfig{Channel: "nets:events"},
			RabbitMQ: RabbitMQConfig{
				Exchange: "nets.events",
			},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

func (c *Config) mergeFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, c); err != nil {
			return fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(content, c); err != nil {
			return fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s", path)
	}

	// 配置文件中的相对路径以文件所在目录为基准。
	baseDir := filepath.Dir(path)
	for _, p := range []*string{
		&c.Paths.StatePath, &c.Paths.TracesDir, &c.Paths.FraudDir,
		&c.Paths.AgentsDir, &c.Paths.HistoryPath, &c.Log.Audit.Path,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	setString := func(key string, target *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*target = v
		}
	}
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			c.Server.Address = ":" + port
		}
	}
	setString("NETS_STATE_PATH", &c.Paths.StatePath)
	setString("NETS_TRACES_DIR", &c.Paths.TracesDir)
	setString("NETS_FRAUD_DIR", &c.Paths.FraudDir)
	setString("NETS_AGENTS_DIR", &c.Paths.AgentsDir)
	setString("NETS_HISTORY_PATH", &c.Paths.HistoryPath)
	setString("NETS_BIN", &c.Engine.Bin)
	setString("NETS_LOG_LEVEL", &c.Log.Level)
	setString("NETS_HISTORY_DRIVER", &c.History.Driver)
	setString("NETS_HISTORY_DSN", &c.History.DSN)
	setString("NETS_RELAY_DRIVER", &c.Relay.Driver)
	setString("NETS_REDIS_ADDR", &c.Relay.Redis.Address)
	setString("NETS_RABBITMQ_URL", &c.Relay.RabbitMQ.URL)
	setString("NETS_METRICS_ADDR", &c.Metrics.Address)
	setString("NETS_ALERT_WEBHOOK", &c.Alerting.WebhookURL)
}

// Validate 检查驱动名称等枚举值。
func (c *Config) Validate() error {
	switch c.History.Driver {
	case "file":
	case "mysql":
		if strings.TrimSpace(c.History.DSN) == "" {
			return errors.New("history.driver=mysql 需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的历史存储驱动: %s", c.History.Driver)
	}
	switch c.Relay.Driver {
	case "", "none", "memory":
	case "redis":
		if strings.TrimSpace(c.Relay.Redis.Address) == "" {
			return errors.New("relay.driver=redis 需要配置 redis.address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Relay.RabbitMQ.URL) == "" {
			return errors.New("relay.driver=rabbitmq 需要配置 rabbitmq.url")
		}
	default:
		return fmt.Errorf("未知的事件转发驱动: %s", c.Relay.Driver)
	}
	if c.Server.KeepAliveSeconds <= 0 {
		return errors.New("server.keep_alive_seconds 必须为正数")
	}
	return nil
}
