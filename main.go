package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reversalpro/analysis"
	"reversalpro/broker"
	"reversalpro/config"
	"reversalpro/database"
	"reversalpro/event"
	"reversalpro/exchange"
	"reversalpro/lock"
	"reversalpro/logger"
	"reversalpro/notify"
	"reversalpro/optimizer"
	"reversalpro/storage"
	"reversalpro/web"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	debugMode := flag.Bool("debug", false, "启用 DEBUG 日志")
	showVersion := flag.Bool("version", false, "显示版本号")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ReversalPro\nVersion: %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 日志级别和时区
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
	} else {
		logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	}
	if cfg.System.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.System.Timezone); err == nil {
			logger.SetLocation(loc)
		} else {
			logger.Warn("⚠️ 无效的时区 %s: %v", cfg.System.Timezone, err)
		}
	}

	logger.Info("🚀 ReversalPro v%s 启动中", Version)

	// 数据库
	db, err := database.Open(&database.DBConfig{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Error("❌ 打开数据库失败: %v", err)
		os.Exit(1)
	}

	repo, err := storage.NewRepository(db)
	if err != nil {
		logger.Error("❌ 初始化存储失败: %v", err)
		os.Exit(1)
	}
	defer repo.Close()

	// 应用日志进数据库，web 请求日志进单独文件
	logger.InitLogStorage(repo.SaveSystemLog)
	if err := logger.InitWebLogger(); err != nil {
		logger.Warn("⚠️ 初始化 web 日志失败: %v", err)
	}
	defer logger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 每天清理过期系统日志
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := repo.CleanupSystemLogs(ctx, 7); err != nil {
					logger.Warn("⚠️ 清理系统日志失败: %v", err)
				}
			}
		}
	}()

	// 交易所接入：行情统一走 binance，成交按代理模式选择
	binanceEx := exchange.NewBinanceExchange(
		cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.Testnet)
	paperClient := exchange.NewPaperClient()
	var liveClient exchange.Client
	if cfg.Exchange.APIKey != "" && cfg.Exchange.SecretKey != "" {
		liveClient = binanceEx
		logger.Info("✅ 实盘客户端已启用: %s", binanceEx.Name())
	} else {
		logger.Info("📊 未配置 API 密钥，实盘代理将回退模拟成交")
	}

	// 周期锁（多实例部署时用 redis）
	locks, err := lock.NewCycleLock(&lock.Config{
		Enabled: cfg.Lock.Enabled,
		Type:    cfg.Lock.Type,
		Prefix:  cfg.Lock.Prefix,
		Redis: lock.RedisConfig{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
			PoolSize: cfg.Lock.Redis.PoolSize,
		},
	})
	if err != nil {
		logger.Error("❌ 初始化周期锁失败: %v", err)
		os.Exit(1)
	}

	// 事件总线和通知
	bus := event.NewEventBus(1000)
	if cfg.Notifications.Enabled {
		notificationService := notify.NewNotificationService(cfg)
		go notificationService.Run(bus)
	}

	// 核心服务
	analysisService := analysis.NewService(repo, binanceEx, bus)
	brokerService := broker.NewBroker(repo, analysisService, binanceEx,
		liveClient, paperClient, bus, locks, cfg.Broker.LenientStaleness)
	opt := optimizer.NewOptimizer(repo, bus)

	var scheduler *broker.Scheduler
	if cfg.Broker.Enabled {
		scheduler = broker.NewScheduler(brokerService, repo)
		go scheduler.Start(ctx)
	} else {
		logger.Info("⏸️ 代理调度已禁用")
	}

	// Web API
	webServer := web.NewServer(cfg, repo, analysisService, brokerService, opt, binanceEx)
	if webServer != nil {
		if err := webServer.Start(ctx); err != nil {
			logger.Error("❌ 启动 Web 服务器失败: %v", err)
			os.Exit(1)
		}
	}

	// 配置热重载：日志级别即时生效
	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		if !*debugMode {
			logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
		}
		*cfg = *newCfg
		logger.Info("🔄 配置已重载")
	})
	if err != nil {
		logger.Warn("⚠️ 配置监听初始化失败: %v", err)
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 配置监听启动失败: %v", err)
	}

	bus.Publish(&event.Event{
		Type: event.EventTypeSystemStart,
		Data: map[string]interface{}{"version": Version},
	})
	logger.Info("✅ ReversalPro 启动完成")

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("🛑 收到信号 %s，开始关闭", sig)

	bus.Publish(&event.Event{
		Type: event.EventTypeSystemStop,
		Data: map[string]interface{}{"signal": sig.String()},
	})

	opt.Cancel()
	if scheduler != nil {
		scheduler.Stop()
	}
	cancel()

	// 给事件消费和优雅关闭留出时间
	time.Sleep(2 * time.Second)
	bus.Close()

	logger.Info("✅ ReversalPro 已退出")
}
