package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reversalpro/indicators"
)

// Repository 统一数据访问入口
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建仓库并自动迁移表结构
func NewRepository(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(
		&OHLCV{},
		&IndicatorRow{},
		&Signal{},
		&Zone{},
		&AnalysisRun{},
		&Watchlist{},
		&Agent{},
		&AgentPosition{},
		&AgentLog{},
		&SystemLog{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

// DB 返回底层 GORM 句柄
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Close 关闭数据库连接
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ========== K线 ==========

// SaveBars 批量保存K线（按 (time, symbol, timeframe) UPSERT）
func (r *Repository) SaveBars(ctx context.Context, symbol, timeframe string, candles []indicators.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	rows := make([]OHLCV, len(candles))
	for i, c := range candles {
		rows[i] = OHLCV{
			Time:      time.UnixMilli(c.Time).UTC(),
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "time"}, {Name: "symbol"}, {Name: "timeframe"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"open", "high", "low", "close", "volume"},
		),
	}).CreateInBatches(rows, 200).Error
}

// GetBars 获取最近 limit 根K线（按时间升序返回）
func (r *Repository) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]indicators.Candle, error) {
	var rows []OHLCV
	query := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("time DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	candles := make([]indicators.Candle, len(rows))
	for i, row := range rows {
		candles[len(rows)-1-i] = indicators.Candle{
			Time:   row.Time.UnixMilli(),
			Open:   row.Open,
			High:   row.High,
			Low:    row.Low,
			Close:  row.Close,
			Volume: row.Volume,
		}
	}
	return candles, nil
}

// ========== 信号 ==========

type signalKey struct {
	timeMs    int64
	isBullish bool
}

// SyncSignals 把重新推导的信号集同步到数据库
// 按自然键 (time, symbol, timeframe, is_bullish) UPSERT：
//   - 已存在的信号更新可变字段，保留 detected_at
//   - 新出现的信号插入，detected_at 取当前时间
//   - 窗口内不再推导出的键删除
//
// 返回本次新出现的确认信号（用于通知）
func (r *Repository) SyncSignals(ctx context.Context, symbol, timeframe string, windowStart time.Time, sigs []*Signal) ([]*Signal, error) {
	var newConfirmed []*Signal

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []Signal
		if err := tx.Where(
			"symbol = ? AND timeframe = ? AND time >= ?",
			symbol, timeframe, windowStart,
		).Find(&existing).Error; err != nil {
			return err
		}

		existingByKey := make(map[signalKey]*Signal, len(existing))
		for i := range existing {
			key := signalKey{existing[i].Time.UnixMilli(), existing[i].IsBullish}
			existingByKey[key] = &existing[i]
		}

		now := time.Now().UTC()
		derived := make(map[signalKey]bool, len(sigs))

		for _, sig := range sigs {
			sig.Symbol = symbol
			sig.Timeframe = timeframe
			key := signalKey{sig.Time.UnixMilli(), sig.IsBullish}
			derived[key] = true

			if old, ok := existingByKey[key]; ok {
				// 已存在：更新可变字段，保留首次检出时间
				updates := map[string]interface{}{
					"bar_index":    sig.BarIndex,
					"price":        sig.Price,
					"actual_price": sig.ActualPrice,
					"is_preview":   sig.IsPreview,
					"signal_label": sig.SignalLabel,
				}
				if err := tx.Model(&Signal{}).Where("id = ?", old.ID).Updates(updates).Error; err != nil {
					return err
				}
				sig.ID = old.ID
				sig.DetectedAt = old.DetectedAt
				continue
			}

			sig.DetectedAt = now
			if err := tx.Create(sig).Error; err != nil {
				return err
			}
			if !sig.IsPreview {
				newConfirmed = append(newConfirmed, sig)
			}
		}

		// 窗口内消失的键删除
		for key, old := range existingByKey {
			if derived[key] {
				continue
			}
			if err := tx.Delete(&Signal{}, old.ID).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return newConfirmed, nil
}

// GetSignals 获取最近的信号（按时间降序）
func (r *Repository) GetSignals(ctx context.Context, symbol, timeframe string, limit int, includePreview bool) ([]*Signal, error) {
	query := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("time DESC")
	if !includePreview {
		query = query.Where("is_preview = ?", false)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var sigs []*Signal
	if err := query.Find(&sigs).Error; err != nil {
		return nil, err
	}
	return sigs, nil
}

// GetLatestSignal 获取最新的确认信号，不存在时返回 (nil, nil)
func (r *Repository) GetLatestSignal(ctx context.Context, symbol, timeframe string) (*Signal, error) {
	var sig Signal
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND is_preview = ?", symbol, timeframe, false).
		Order("time DESC").
		First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// GetLatestSignalForDirection 获取指定方向最新的确认信号，不存在时返回 (nil, nil)
func (r *Repository) GetLatestSignalForDirection(ctx context.Context, symbol, timeframe string, isBullish bool) (*Signal, error) {
	var sig Signal
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND is_preview = ? AND is_bullish = ?",
			symbol, timeframe, false, isBullish).
		Order("time DESC").
		First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// RecentSignalPrices 获取指定方向最近 limit 个确认信号的枢轴价（新在前）
func (r *Repository) RecentSignalPrices(ctx context.Context, symbol, timeframe string, isBullish bool, limit int) ([]float64, error) {
	var prices []float64
	err := r.db.WithContext(ctx).Model(&Signal{}).
		Where("symbol = ? AND timeframe = ? AND is_preview = ? AND is_bullish = ?",
			symbol, timeframe, false, isBullish).
		Order("time DESC").
		Limit(limit).
		Pluck("price", &prices).Error
	if err != nil {
		return nil, err
	}
	return prices, nil
}

// PreviousOppositePivot 获取开仓信号之前最近的反向枢轴价（用于止损定位）
func (r *Repository) PreviousOppositePivot(ctx context.Context, symbol, timeframe string, isBullish bool, before time.Time) (float64, bool, error) {
	var sig Signal
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND is_preview = ? AND is_bullish = ? AND time < ?",
			symbol, timeframe, false, !isBullish, before).
		Order("time DESC").
		First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return sig.Price, true, nil
}

// ========== 供需区 ==========

// ReplaceZones 整表替换该 symbol/timeframe 的供需区
func (r *Repository) ReplaceZones(ctx context.Context, symbol, timeframe string, zones []*Zone) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(
			"symbol = ? AND timeframe = ?", symbol, timeframe,
		).Delete(&Zone{}).Error; err != nil {
			return err
		}
		if len(zones) == 0 {
			return nil
		}
		for _, z := range zones {
			z.ID = 0
			z.Symbol = symbol
			z.Timeframe = timeframe
		}
		return tx.Create(&zones).Error
	})
}

// GetZones 获取供需区
func (r *Repository) GetZones(ctx context.Context, symbol, timeframe string) ([]*Zone, error) {
	var zones []*Zone
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("time ASC").
		Find(&zones).Error
	if err != nil {
		return nil, err
	}
	return zones, nil
}

// ZoneTakeProfit 查找最近的供需区止盈目标
// 多头取上方最近供给区的下边界，空头取下方最近需求区的上边界
func (r *Repository) ZoneTakeProfit(ctx context.Context, symbol, timeframe, side string, entryPrice float64) (float64, bool, error) {
	var zone Zone
	var err error
	if side == SideLong {
		err = r.db.WithContext(ctx).
			Where("symbol = ? AND timeframe = ? AND zone_type = ? AND center_price > ?",
				symbol, timeframe, "SUPPLY", entryPrice).
			Order("center_price ASC").
			First(&zone).Error
		if err == nil {
			return zone.BottomPrice, true, nil
		}
	} else {
		err = r.db.WithContext(ctx).
			Where("symbol = ? AND timeframe = ? AND zone_type = ? AND center_price < ?",
				symbol, timeframe, "DEMAND", entryPrice).
			Order("center_price DESC").
			First(&zone).Error
		if err == nil {
			return zone.TopPrice, true, nil
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	return 0, false, err
}

// ========== 指标 ==========

// SaveIndicators 批量保存指标快照（UPSERT）
func (r *Repository) SaveIndicators(ctx context.Context, rows []IndicatorRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "time"}, {Name: "symbol"}, {Name: "timeframe"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"ema_9", "ema_14", "ema_21", "atr", "trend"},
		),
	}).CreateInBatches(rows, 200).Error
}

// ========== 分析运行 ==========

// SaveAnalysisRun 保存分析运行摘要
func (r *Repository) SaveAnalysisRun(ctx context.Context, run *AnalysisRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// LatestAnalysisRun 获取最新一次分析摘要，不存在时返回 (nil, nil)
func (r *Repository) LatestAnalysisRun(ctx context.Context, symbol, timeframe string) (*AnalysisRun, error) {
	var run AnalysisRun
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("created_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListAnalysisRuns 获取最近的分析运行记录
func (r *Repository) ListAnalysisRuns(ctx context.Context, symbol, timeframe string, limit int) ([]*AnalysisRun, error) {
	query := r.db.WithContext(ctx).Model(&AnalysisRun{}).Order("created_at DESC")
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	if timeframe != "" {
		query = query.Where("timeframe = ?", timeframe)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var runs []*AnalysisRun
	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// ========== 监控列表 ==========

// UpsertWatchlist 添加或更新监控项
func (r *Repository) UpsertWatchlist(ctx context.Context, item *Watchlist) error {
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}},
		DoUpdates: clause.AssignmentColumns([]string{"exchange", "is_active"}),
	}).Create(item).Error
}

// ListWatchlist 获取监控列表
func (r *Repository) ListWatchlist(ctx context.Context, activeOnly bool) ([]*Watchlist, error) {
	query := r.db.WithContext(ctx).Model(&Watchlist{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var items []*Watchlist
	if err := query.Order("symbol ASC, timeframe ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// RemoveWatchlist 移除监控项
func (r *Repository) RemoveWatchlist(ctx context.Context, symbol, timeframe string) error {
	return r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Delete(&Watchlist{}).Error
}

// ========== 代理 ==========

// CreateAgent 创建代理
func (r *Repository) CreateAgent(ctx context.Context, agent *Agent) error {
	return r.db.WithContext(ctx).Create(agent).Error
}

// GetAgent 按 ID 获取代理
func (r *Repository) GetAgent(ctx context.Context, id uint64) (*Agent, error) {
	var agent Agent
	err := r.db.WithContext(ctx).First(&agent, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetAgentByName 按名称获取代理
func (r *Repository) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	var agent Agent
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents 获取代理列表
func (r *Repository) ListAgents(ctx context.Context, activeOnly bool) ([]*Agent, error) {
	query := r.db.WithContext(ctx).Model(&Agent{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var agents []*Agent
	if err := query.Order("id ASC").Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

// SaveAgent 保存代理全量字段
func (r *Repository) SaveAgent(ctx context.Context, agent *Agent) error {
	return r.db.WithContext(ctx).Save(agent).Error
}

// UpdateAgentBalance 更新代理余额
func (r *Repository) UpdateAgentBalance(ctx context.Context, id uint64, balance float64) error {
	return r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ?", id).
		Update("balance", balance).Error
}

// SetAgentActive 启停代理
func (r *Repository) SetAgentActive(ctx context.Context, id uint64, active bool) error {
	return r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ?", id).
		Update("is_active", active).Error
}

// FindOptimizedAgent 查找该交易对和周期下已有的优化代理
func (r *Repository) FindOptimizedAgent(ctx context.Context, symbol, timeframe string) (*Agent, error) {
	var agent Agent
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND name LIKE ?", symbol, timeframe, "opti_%").
		First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// CountOptimizedAgents 统计优化代理数量（用于生成递增名称）
func (r *Repository) CountOptimizedAgents(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Agent{}).
		Where("name LIKE ?", "opti_%").
		Count(&count).Error
	return count, err
}

// DeleteAgent 删除代理及其持仓、日志
func (r *Repository) DeleteAgent(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_id = ?", id).Delete(&AgentPosition{}).Error; err != nil {
			return err
		}
		if err := tx.Where("agent_id = ?", id).Delete(&AgentLog{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Agent{}, id).Error
	})
}

// ========== 持仓 ==========

// CreatePosition 创建持仓
func (r *Repository) CreatePosition(ctx context.Context, pos *AgentPosition) error {
	return r.db.WithContext(ctx).Create(pos).Error
}

// SavePosition 保存持仓全量字段
func (r *Repository) SavePosition(ctx context.Context, pos *AgentPosition) error {
	return r.db.WithContext(ctx).Save(pos).Error
}

// GetOpenPosition 获取代理当前持仓，无持仓时返回 (nil, nil)
func (r *Repository) GetOpenPosition(ctx context.Context, agentID uint64) (*AgentPosition, error) {
	var pos AgentPosition
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agentID, PositionOpen).
		Order("opened_at DESC").
		First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// LastClosedPosition 获取代理最近一次平仓记录，不存在时返回 (nil, nil)
func (r *Repository) LastClosedPosition(ctx context.Context, agentID uint64) (*AgentPosition, error) {
	var pos AgentPosition
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status != ?", agentID, PositionOpen).
		Order("closed_at DESC").
		First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ListPositions 获取代理持仓列表
func (r *Repository) ListPositions(ctx context.Context, agentID uint64, status string, limit int) ([]*AgentPosition, error) {
	query := r.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	query = query.Order("opened_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var positions []*AgentPosition
	if err := query.Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// ListAllPositions 获取全部代理的持仓列表
func (r *Repository) ListAllPositions(ctx context.Context, status string, limit int) ([]*AgentPosition, error) {
	query := r.db.WithContext(ctx).Model(&AgentPosition{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	query = query.Order("opened_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var positions []*AgentPosition
	if err := query.Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// HasPositionForSignal 判断代理是否已对某个信号开过仓（按稳定绑定键）
func (r *Repository) HasPositionForSignal(ctx context.Context, agentID uint64, signalTime time.Time, isBullish bool) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&AgentPosition{}).
		Where("agent_id = ? AND entry_signal_time = ? AND entry_signal_is_bullish = ?",
			agentID, signalTime, isBullish).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ========== 代理日志 ==========

// AddAgentLog 记录代理行为
func (r *Repository) AddAgentLog(ctx context.Context, agentID uint64, action string, details interface{}) error {
	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("序列化日志详情失败: %w", err)
		}
		detailsJSON = string(data)
	}
	return r.db.WithContext(ctx).Create(&AgentLog{
		AgentID: agentID,
		Action:  action,
		Details: detailsJSON,
	}).Error
}

// ListAgentLogs 获取代理日志
func (r *Repository) ListAgentLogs(ctx context.Context, agentID uint64, limit int) ([]*AgentLog, error) {
	query := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var logs []*AgentLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// ========== 代理统计 ==========

// AgentStats 代理交易统计
type AgentStats struct {
	AgentID     uint64  `json:"agent_id"`
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	OpenCount   int     `json:"open_count"`
}

// GetAgentStats 统计代理的已平仓交易表现
func (r *Repository) GetAgentStats(ctx context.Context, agentID uint64) (*AgentStats, error) {
	stats := &AgentStats{AgentID: agentID}

	var closed []*AgentPosition
	if err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status != ?", agentID, PositionOpen).
		Find(&closed).Error; err != nil {
		return nil, err
	}

	for _, pos := range closed {
		stats.TotalTrades++
		// 平仓时 PnL 已并入部分止盈
		stats.TotalPnL += pos.PnL
		if pos.PnL > 0 {
			stats.Wins++
		} else {
			stats.Losses++
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades) * 100
	}

	var openCount int64
	if err := r.db.WithContext(ctx).Model(&AgentPosition{}).
		Where("agent_id = ? AND status = ?", agentID, PositionOpen).
		Count(&openCount).Error; err != nil {
		return nil, err
	}
	stats.OpenCount = int(openCount)

	return stats, nil
}

// ========== 系统日志 ==========

// SaveSystemLog 写入应用日志（logger 异步调用）
func (r *Repository) SaveSystemLog(level, message string) {
	r.db.Create(&SystemLog{Level: level, Message: message})
}

// CleanupSystemLogs 清理超过保留天数的应用日志
func (r *Repository) CleanupSystemLogs(ctx context.Context, keepDays int) error {
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	return r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&SystemLog{}).Error
}
