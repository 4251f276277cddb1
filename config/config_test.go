package config

import "testing"

func TestLoadConfigFromBytes_Defaults(t *testing.T) {
	yamlData := []byte(`
exchange:
  name: binance
database:
  type: sqlite
`)
	cfg, err := LoadConfigFromBytes(yamlData)
	if err != nil {
		t.Fatalf("加载最小配置失败: %v", err)
	}

	if cfg.System.LogLevel != "INFO" {
		t.Errorf("默认日志级别应为 INFO, 得到 %s", cfg.System.LogLevel)
	}
	if cfg.Analysis.DefaultTimeframe != "1h" {
		t.Errorf("默认周期应为 1h, 得到 %s", cfg.Analysis.DefaultTimeframe)
	}
	if cfg.Analysis.DefaultLimit != 500 {
		t.Errorf("默认分析K线数应为 500, 得到 %d", cfg.Analysis.DefaultLimit)
	}
	if cfg.Web.Port != 8090 {
		t.Errorf("默认 Web 端口应为 8090, 得到 %d", cfg.Web.Port)
	}
	if cfg.Lock.Type != "local" {
		t.Errorf("默认锁类型应为 local, 得到 %s", cfg.Lock.Type)
	}
}

func TestLoadConfigFromBytes_Invalid(t *testing.T) {
	// 不支持的交易所
	_, err := LoadConfigFromBytes([]byte(`
exchange:
  name: kraken
`))
	if err == nil {
		t.Error("不支持的交易所应验证失败")
	}

	// 无效的周期
	_, err = LoadConfigFromBytes([]byte(`
analysis:
  default_timeframe: 7m
`))
	if err == nil {
		t.Error("无效周期应验证失败")
	}

	// redis 锁缺少地址
	_, err = LoadConfigFromBytes([]byte(`
lock:
  enabled: true
  type: redis
`))
	if err == nil {
		t.Error("redis 锁缺少地址应验证失败")
	}

	// telegram 缺 token
	_, err = LoadConfigFromBytes([]byte(`
notifications:
  telegram:
    enabled: true
`))
	if err == nil {
		t.Error("telegram 缺少 token 应验证失败")
	}
}
