// Package config 配置管理
// YAML 配置加载、验证和热重载
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"reversalpro/signal"
)

// Config 应用配置
type Config struct {
	System struct {
		LogLevel string `yaml:"log_level" json:"log_level"` // DEBUG, INFO, WARN, ERROR
		Timezone string `yaml:"timezone" json:"timezone"`   // 例如 UTC, Asia/Shanghai
	} `yaml:"system" json:"system"`

	Exchange struct {
		Name      string `yaml:"name" json:"name"` // 目前支持 binance
		APIKey    string `yaml:"api_key" json:"api_key"`
		SecretKey string `yaml:"secret_key" json:"secret_key"`
		Testnet   bool   `yaml:"testnet" json:"testnet"`
	} `yaml:"exchange" json:"exchange"`

	Database struct {
		Type            string `yaml:"type" json:"type"` // sqlite, postgres, mysql
		DSN             string `yaml:"dsn" json:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"` // 秒
		LogLevel        string `yaml:"log_level" json:"log_level"`                 // silent, error, warn, info
	} `yaml:"database" json:"database"`

	Analysis struct {
		DefaultSymbol    string  `yaml:"default_symbol" json:"default_symbol"`
		DefaultTimeframe string  `yaml:"default_timeframe" json:"default_timeframe"`
		DefaultLimit     int     `yaml:"default_limit" json:"default_limit"`
		Sensitivity      string  `yaml:"sensitivity" json:"sensitivity"`
		SignalMode       string  `yaml:"signal_mode" json:"signal_mode"`
		Method           string  `yaml:"method" json:"method"`
		ATRLength        int     `yaml:"atr_length" json:"atr_length"`
		AverageLength    int     `yaml:"average_length" json:"average_length"`
		ConfirmationBars int     `yaml:"confirmation_bars" json:"confirmation_bars"`
		AbsoluteReversal float64 `yaml:"absolute_reversal" json:"absolute_reversal"`
	} `yaml:"analysis" json:"analysis"`

	Broker struct {
		Enabled          bool `yaml:"enabled" json:"enabled"`
		LenientStaleness bool `yaml:"lenient_staleness" json:"lenient_staleness"` // 信号过期预算放宽一倍
		MaxAgents        int  `yaml:"max_agents" json:"max_agents"`
	} `yaml:"broker" json:"broker"`

	Lock struct {
		Enabled bool   `yaml:"enabled" json:"enabled"`
		Type    string `yaml:"type" json:"type"` // local, redis
		Prefix  string `yaml:"prefix" json:"prefix"`
		Redis   struct {
			Addr     string `yaml:"addr" json:"addr"`
			Password string `yaml:"password" json:"password"`
			DB       int    `yaml:"db" json:"db"`
			PoolSize int    `yaml:"pool_size" json:"pool_size"`
		} `yaml:"redis" json:"redis"`
	} `yaml:"lock" json:"lock"`

	Notifications struct {
		Enabled  bool `yaml:"enabled" json:"enabled"`
		Telegram struct {
			Enabled  bool   `yaml:"enabled" json:"enabled"`
			BotToken string `yaml:"bot_token" json:"bot_token"`
			ChatID   string `yaml:"chat_id" json:"chat_id"`
		} `yaml:"telegram" json:"telegram"`
		Webhook struct {
			Enabled bool   `yaml:"enabled" json:"enabled"`
			URL     string `yaml:"url" json:"url"`
			Timeout int    `yaml:"timeout" json:"timeout"` // 秒
		} `yaml:"webhook" json:"webhook"`
		Rules struct {
			SignalDetected bool `yaml:"signal_detected" json:"signal_detected"`
			PositionOpened bool `yaml:"position_opened" json:"position_opened"`
			PositionClosed bool `yaml:"position_closed" json:"position_closed"`
			PartialTP      bool `yaml:"partial_tp" json:"partial_tp"`
			SignalSkipped  bool `yaml:"signal_skipped" json:"signal_skipped"`
			Error          bool `yaml:"error" json:"error"`
		} `yaml:"rules" json:"rules"`
	} `yaml:"notifications" json:"notifications"`

	Web struct {
		Enabled bool   `yaml:"enabled" json:"enabled"`
		Host    string `yaml:"host" json:"host"`
		Port    int    `yaml:"port" json:"port"`
	} `yaml:"web" json:"web"`

	Metrics struct {
		Enabled bool `yaml:"enabled" json:"enabled"`
	} `yaml:"metrics" json:"metrics"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置（用于测试和热重载）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return &cfg, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %v", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %v", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %v", err)
	}

	return nil
}

// applyDefaults 补全缺省值
func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}

	if c.Exchange.Name == "" {
		c.Exchange.Name = "binance"
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "data/reversalpro.db"
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "silent"
	}

	if c.Analysis.DefaultSymbol == "" {
		c.Analysis.DefaultSymbol = "BTCUSDT"
	}
	if c.Analysis.DefaultTimeframe == "" {
		c.Analysis.DefaultTimeframe = "1h"
	}
	if c.Analysis.DefaultLimit <= 0 {
		c.Analysis.DefaultLimit = 500
	}
	if c.Analysis.Sensitivity == "" {
		c.Analysis.Sensitivity = string(signal.SensitivityMedium)
	}
	if c.Analysis.SignalMode == "" {
		c.Analysis.SignalMode = string(signal.ModeConfirmedOnly)
	}
	if c.Analysis.Method == "" {
		c.Analysis.Method = string(signal.MethodAverage)
	}
	if c.Analysis.ATRLength <= 0 {
		c.Analysis.ATRLength = 5
	}
	if c.Analysis.AverageLength <= 0 {
		c.Analysis.AverageLength = 5
	}
	if c.Analysis.AbsoluteReversal <= 0 {
		c.Analysis.AbsoluteReversal = 0.5
	}

	if c.Broker.MaxAgents <= 0 {
		c.Broker.MaxAgents = 50
	}

	if c.Lock.Type == "" {
		c.Lock.Type = "local"
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "reversalpro:lock:"
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 8090
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Exchange.Name != "binance" {
		return fmt.Errorf("不支持的交易所: %s", c.Exchange.Name)
	}

	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}

	if !signal.IsValidTimeframe(c.Analysis.DefaultTimeframe) {
		return fmt.Errorf("无效的默认周期: %s", c.Analysis.DefaultTimeframe)
	}

	switch c.Lock.Type {
	case "local", "redis":
	default:
		return fmt.Errorf("不支持的锁类型: %s", c.Lock.Type)
	}
	if c.Lock.Enabled && c.Lock.Type == "redis" && c.Lock.Redis.Addr == "" {
		return fmt.Errorf("redis 锁需要配置 lock.redis.addr")
	}

	if c.Notifications.Telegram.Enabled &&
		(c.Notifications.Telegram.BotToken == "" || c.Notifications.Telegram.ChatID == "") {
		return fmt.Errorf("telegram 通知需要配置 bot_token 和 chat_id")
	}
	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("webhook 通知需要配置 url")
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("无效的 web 端口: %d", c.Web.Port)
	}

	return nil
}
