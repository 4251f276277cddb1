package broker

import (
	"context"
	"sync"
	"time"

	"reversalpro/event"
	"reversalpro/logger"
	"reversalpro/storage"
)

// 同一代理两次周期之间的最小间隔（秒）
var agentCycleSeconds = map[string]int{
	"1m": 55, "5m": 55, "15m": 240, "1h": 240, "4h": 840, "1d": 3540,
}

const defaultCycleSeconds = 240

// Scheduler 代理调度器
// 定时扫描活跃代理，按各自周期节流后并发执行
type Scheduler struct {
	broker   *Broker
	repo     *storage.Repository
	interval time.Duration

	mu      sync.Mutex
	lastRun map[uint64]time.Time
	running map[uint64]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(broker *Broker, repo *storage.Repository) *Scheduler {
	return &Scheduler{
		broker:   broker,
		repo:     repo,
		interval: 15 * time.Second,
		lastRun:  make(map[uint64]time.Time),
		running:  make(map[uint64]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start 启动调度循环（阻塞直到 ctx 结束或 Stop 被调用）
func (s *Scheduler) Start(ctx context.Context) {
	logger.Info("🚀 代理调度器已启动, 扫描间隔 %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 代理调度器退出")
			s.wg.Wait()
			return
		case <-s.stopCh:
			logger.Info("🛑 代理调度器已停止")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.runDueAgents(ctx)
		}
	}
}

// Stop 停止调度器并等待在途周期结束
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// runDueAgents 执行所有到期的活跃代理
func (s *Scheduler) runDueAgents(ctx context.Context) {
	agents, err := s.repo.ListAgents(ctx, true)
	if err != nil {
		logger.Error("❌ 获取活跃代理失败: %v", err)
		return
	}
	if len(agents) == 0 {
		return
	}
	s.broker.metrics.SetActiveAgents(len(agents))

	now := time.Now()
	for _, agent := range agents {
		if !s.claim(agent.ID, agent.Timeframe, now) {
			continue
		}

		s.wg.Add(1)
		go func(a *storage.Agent) {
			defer s.wg.Done()
			defer s.release(a.ID)
			if err := s.broker.RunAgentCycle(ctx, a); err != nil {
				logger.Error("❌ [%s] 代理周期失败: %v", a.Name, err)
			}
		}(agent)
	}
}

// claim 节流检查, 到期且未在执行时占位
func (s *Scheduler) claim(agentID uint64, timeframe string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running[agentID] {
		return false
	}

	minGap := defaultCycleSeconds
	if gap, ok := agentCycleSeconds[timeframe]; ok {
		minGap = gap
	}
	if last, ok := s.lastRun[agentID]; ok && now.Sub(last) < time.Duration(minGap)*time.Second {
		return false
	}

	s.lastRun[agentID] = now
	s.running[agentID] = true
	return true
}

func (s *Scheduler) release(agentID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, agentID)
}

// ActivateAgent 启动代理
func (b *Broker) ActivateAgent(ctx context.Context, agentID uint64) error {
	if err := b.repo.SetAgentActive(ctx, agentID, true); err != nil {
		return err
	}
	agent, err := b.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	logger.Info("🤖 [%s] 代理已激活: %s %s", agent.Name, agent.Symbol, agent.Timeframe)
	b.publish(event.EventTypeAgentActivated, map[string]interface{}{
		"agent": agent.Name, "symbol": agent.Symbol, "timeframe": agent.Timeframe,
	})
	return nil
}

// DeactivateAgent 停止代理（不平仓，持仓继续由下次激活后的周期管理）
func (b *Broker) DeactivateAgent(ctx context.Context, agentID uint64) error {
	if err := b.repo.SetAgentActive(ctx, agentID, false); err != nil {
		return err
	}
	agent, err := b.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	logger.Info("⏸️ [%s] 代理已停止", agent.Name)
	b.publish(event.EventTypeAgentStopped, map[string]interface{}{
		"agent": agent.Name, "symbol": agent.Symbol, "timeframe": agent.Timeframe,
	})
	return nil
}
