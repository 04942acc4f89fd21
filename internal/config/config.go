package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"heritrust/pkg/config"
	tracing "heritrust/pkg/otel"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// LedgerConfig 账本部署参数
type LedgerConfig struct {
	// Admin 部署时的初始管理员地址
	Admin             string   `yaml:"admin"`
	Verifiers         []string `yaml:"verifiers"`
	EnforceAllocation bool     `yaml:"enforce_allocation"`
	// Store memory 或 postgres
	Store string `yaml:"store"`
}

// ScorerConfig 外部图片核验服务
type ScorerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// AutoVerify 开启后消费 ledger.proof.submitted 并自动打分核验
	AutoVerify bool `yaml:"auto_verify"`
	// Verifier 自动核验使用的身份，必须持有 verifier 角色
	Verifier string `yaml:"verifier"`
}

// OutboxConfig outbox 分发参数
type OutboxConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server config.ServerConfig `yaml:"server"`
	DB     config.DBConfig     `yaml:"db"`
	MQ     config.MQConfig     `yaml:"mq"`
	Redis  config.RedisConfig  `yaml:"redis"`
	JWT    config.JWTConfig    `yaml:"jwt"`
	OTel   tracing.Config      `yaml:"otel"`
	Ledger LedgerConfig        `yaml:"ledger"`
	Scorer ScorerConfig        `yaml:"scorer"`
	Outbox OutboxConfig        `yaml:"outbox"`
	Log    LogConfig           `yaml:"log"`
}

// Load 使用统一配置中心加载配置，环境变量优先级最高
func Load(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(cfgData, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	overrideLedgerFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: config.ServerConfig{Port: "8080", ShutdownTimeout: 30 * time.Second},
		DB:     config.DBConfig{Port: 5432, MaxConns: 10, SlowQuery: 100 * time.Millisecond},
		MQ:     config.MQConfig{Exchange: "heritrust.events"},
		JWT:    config.JWTConfig{Issuer: "heritrust", TTL: 24 * time.Hour},
		OTel:   tracing.Config{ServiceName: "heritrust-ledger", SampleRatio: 1},
		Ledger: LedgerConfig{EnforceAllocation: true, Store: StoreMemory},
		Scorer: ScorerConfig{Timeout: 10 * time.Second},
		Outbox: OutboxConfig{Enabled: true, Interval: 2 * time.Second, BatchSize: 100, MaxRetries: 5},
		Log:    LogConfig{Level: "info"},
	}
}

func overrideLedgerFromEnv(cfg *Config) {
	if admin := os.Getenv("LEDGER_ADMIN"); admin != "" {
		cfg.Ledger.Admin = admin
	}
	if store := os.Getenv("LEDGER_STORE"); store != "" {
		cfg.Ledger.Store = store
	}
	if url := os.Getenv("SCORER_URL"); url != "" {
		cfg.Scorer.URL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

// Validate 检查启动所需的最小配置
func (c *Config) Validate() error {
	var errs []error
	if unset(c.Ledger.Admin) {
		errs = append(errs, errors.New("ledger.admin is required"))
	}
	switch c.Ledger.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DB.Host == "" || c.DB.Name == "" {
			errs = append(errs, errors.New("db.host and db.name are required for postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger.store %q", c.Ledger.Store))
	}
	if unset(c.JWT.Secret) {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Scorer.AutoVerify && (unset(c.Scorer.URL) || unset(c.Scorer.Verifier)) {
		errs = append(errs, errors.New("scorer.url and scorer.verifier are required when scorer.auto_verify is set"))
	}
	if c.Outbox.Enabled && c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// unset 空值或未被替换的 ${VAR} 占位符
func unset(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.HasPrefix(v, "${")
}
