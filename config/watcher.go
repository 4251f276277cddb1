package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"reversalpro/logger"
)

// ReloadFunc 配置重载回调
type ReloadFunc func(newCfg *Config)

// Watcher 配置文件监控器
// 文件变化后重新加载并通过回调通知，解析失败时保留旧配置
type Watcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	onReload   ReloadFunc

	mu         sync.Mutex
	isWatching bool
	// 编辑器常触发连续多个写事件，去抖间隔内只处理一次
	lastReload time.Time
}

// NewWatcher 创建配置监控器
func NewWatcher(configPath string, onReload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %v", err)
	}

	return &Watcher{
		configPath: configPath,
		watcher:    fsw,
		onReload:   onReload,
	}, nil
}

// Start 开始监控配置文件
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}

	// 监控目录而不是文件本身，兼容编辑器的原子替换写入
	configDir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(configDir); err != nil {
		return fmt.Errorf("添加监控目录失败: %v", err)
	}

	w.isWatching = true
	go w.watchLoop(ctx)

	logger.Info("✅ 配置热重载已启用: %s", w.configPath)
	return nil
}

// Stop 停止监控
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isWatching {
		return nil
	}
	w.isWatching = false
	return w.watcher.Close()
}

// watchLoop 监控循环
func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.handleChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("⚠️ 配置文件监控错误: %v", err)
		}
	}
}

// handleChange 处理配置文件变化
func (w *Watcher) handleChange() {
	w.mu.Lock()
	if time.Since(w.lastReload) < 500*time.Millisecond {
		w.mu.Unlock()
		return
	}
	w.lastReload = time.Now()
	w.mu.Unlock()

	newCfg, err := LoadConfig(w.configPath)
	if err != nil {
		logger.Warn("⚠️ 配置重载失败，保留旧配置: %v", err)
		return
	}

	logger.Info("🔄 配置文件已重载: %s", w.configPath)
	if w.onReload != nil {
		w.onReload(newCfg)
	}
}
