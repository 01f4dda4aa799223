package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
	"github.com/tradecouncil/tradecouncil/internal/domain/agent"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	DD        DDConfig        `mapstructure:"dd"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Session   SessionConfig   `mapstructure:"session"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Agents    []agent.Config  `mapstructure:"agents"`
}

// ServerConfig HTTP/WebSocket 服务配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// LLMConfig LLM 网关配置
type LLMConfig struct {
	GatewayURL     string        `mapstructure:"gateway_url"`
	Provider       string        `mapstructure:"provider"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseWait  time.Duration `mapstructure:"retry_base_wait"`
}

// TradingConfig 交易参数。这组阈值支持热更新（见 Watcher）。
type TradingConfig struct {
	Symbol         string  `mapstructure:"symbol"`
	MaxLeverage    int     `mapstructure:"max_leverage"`
	MaxPositionPct float64 `mapstructure:"max_position_percent"` // 0–1
	MinConfidence  int     `mapstructure:"min_confidence"`       // 0–100
	AmountMin      float64 `mapstructure:"amount_min"`           // 单次开仓比例下限
	AmountMax      float64 `mapstructure:"amount_max"`
	DefaultTPPct   float64 `mapstructure:"default_tp_pct"`
	DefaultSLPct   float64 `mapstructure:"default_sl_pct"`
	InitialBalance float64 `mapstructure:"initial_balance"` // 模拟盘初始余额 USDT
	MaxRounds      int     `mapstructure:"max_rounds"`
}

// SchedulerConfig 周期调度配置
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	IntervalHours float64       `mapstructure:"interval_hours"`
	CycleTimeout  time.Duration `mapstructure:"cycle_timeout"`
}

// Interval 换算为 time.Duration
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalHours * float64(time.Hour))
}

// DDConfig 尽调流水线配置
type DDConfig struct {
	MatchThreshold int    `mapstructure:"match_threshold"` // 偏好匹配分数线
	Language       string `mapstructure:"language"`
}

// ToolsConfig 远程工具端点
type ToolsConfig struct {
	WebSearchURL     string `mapstructure:"web_search_url"`
	FinancialDataURL string `mapstructure:"financial_data_url"`
}

// SessionConfig 会话管理配置
type SessionConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	TTL           time.Duration `mapstructure:"ttl"` // 终态会话保留时长
}

// DatabaseConfig 快照存储配置
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load 加载配置。优先级（低 → 高）：默认值 → config.yaml → 环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("TRADECOUNCIL")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyFlatEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFlatEnv 叠加不带前缀的扁平环境变量（部署脚本沿用的旧约定）
func applyFlatEnv(cfg *Config) {
	if s := os.Getenv("SYMBOL"); s != "" {
		cfg.Trading.Symbol = s
	}
	if s := os.Getenv("MAX_LEVERAGE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.Trading.MaxLeverage = n
		}
	}
	if s := os.Getenv("MAX_POSITION_PERCENT"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			cfg.Trading.MaxPositionPct = f
		}
	}
	if s := os.Getenv("MIN_CONFIDENCE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.Trading.MinConfidence = n
		}
	}
	if s := os.Getenv("SCHEDULER_INTERVAL_HOURS"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			cfg.Scheduler.IntervalHours = f
		}
	}
	if s := os.Getenv("LLM_GATEWAY_URL"); s != "" {
		cfg.LLM.GatewayURL = s
	}
	if s := os.Getenv("WEB_SEARCH_URL"); s != "" {
		cfg.Tools.WebSearchURL = s
	}
	if s := os.Getenv("FINANCIAL_DATA_URL"); s != "" {
		cfg.Tools.FinancialDataURL = s
	}
}

// Dump 渲染生效配置为 YAML，调试端点用
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Validate 校验关键阈值
func (c *Config) Validate() error {
	if c.Trading.MaxLeverage < 1 {
		return fmt.Errorf("trading.max_leverage %d must be >= 1", c.Trading.MaxLeverage)
	}
	if c.Trading.MaxPositionPct <= 0 || c.Trading.MaxPositionPct > 1 {
		return fmt.Errorf("trading.max_position_percent %.4f out of (0,1]", c.Trading.MaxPositionPct)
	}
	if c.Trading.MinConfidence < 0 || c.Trading.MinConfidence > 100 {
		return fmt.Errorf("trading.min_confidence %d out of [0,100]", c.Trading.MinConfidence)
	}
	if c.Trading.AmountMin <= 0 || c.Trading.AmountMax < c.Trading.AmountMin {
		return fmt.Errorf("trading amount band [%.4f, %.4f] invalid", c.Trading.AmountMin, c.Trading.AmountMax)
	}
	if c.Scheduler.IntervalHours <= 0 {
		return fmt.Errorf("scheduler.interval_hours %.2f must be > 0", c.Scheduler.IntervalHours)
	}
	if c.Session.MaxConcurrent < 1 {
		return fmt.Errorf("session.max_concurrent %d must be >= 1", c.Session.MaxConcurrent)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 18890)
	v.SetDefault("server.mode", "release")

	v.SetDefault("llm.gateway_url", "http://localhost:18789")
	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.request_timeout", "120s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_base_wait", "2s")

	v.SetDefault("trading.symbol", "BTC-USDT-SWAP")
	v.SetDefault("trading.max_leverage", 20)
	v.SetDefault("trading.max_position_percent", 0.30)
	v.SetDefault("trading.min_confidence", 60)
	v.SetDefault("trading.amount_min", 0.05)
	v.SetDefault("trading.amount_max", 0.30)
	v.SetDefault("trading.default_tp_pct", 5.0)
	v.SetDefault("trading.default_sl_pct", 2.0)
	v.SetDefault("trading.initial_balance", 10000)
	v.SetDefault("trading.max_rounds", 8)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval_hours", 4)
	v.SetDefault("scheduler.cycle_timeout", "25m")

	v.SetDefault("dd.match_threshold", 70)
	v.SetDefault("dd.language", "zh")

	v.SetDefault("session.max_concurrent", 100)
	v.SetDefault("session.ttl", "1h")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "tradecouncil.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
