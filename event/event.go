// Package event 事件总线
// 信号检出、开平仓等关键事件通过总线异步分发到通知渠道
package event

import (
	"time"

	"reversalpro/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeSignalDetected  EventType = "signal_detected"  // 新确认反转信号
	EventTypePositionOpened  EventType = "position_opened"  // 开仓
	EventTypePositionClosed  EventType = "position_closed"  // 平仓
	EventTypePartialTP       EventType = "partial_tp"       // 部分止盈
	EventTypeBreakeven       EventType = "breakeven"        // 保本位移动
	EventTypeTrailingStop    EventType = "trailing_stop"    // 追踪止损位移动
	EventTypeSignalSkipped   EventType = "signal_skipped"   // 信号被跳过
	EventTypeAgentActivated  EventType = "agent_activated"  // 代理启动
	EventTypeAgentStopped    EventType = "agent_stopped"    // 代理停止
	EventTypeOptimizerDone   EventType = "optimizer_done"   // 优化完成
	EventTypeOptimizerFailed EventType = "optimizer_failed" // 优化失败
	EventTypeError           EventType = "error"            // 系统错误
	EventTypeSystemStart     EventType = "system_start"     // 系统启动
	EventTypeSystemStop      EventType = "system_stop"      // 系统停止
)

// Event 事件结构
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞）
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case eb.eventCh <- event:
	default:
		// Channel 满了，丢弃而不阻塞业务路径
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s", event.Type)
	}
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	close(eb.eventCh)
}
