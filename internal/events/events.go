package events

import (
	"sync"
	"time"

	"github.com/councilbot/gocouncil/internal/domain"
)

// OpinionReceivedEvent 单个代理意见到达事件
type OpinionReceivedEvent struct {
	Symbol    string
	Opinion   domain.AgentOpinion
	Timestamp time.Time
}

// ConsensusChangedEvent 共识结果更新事件
type ConsensusChangedEvent struct {
	Result    domain.ConsensusResult
	Timestamp time.Time
}

// RecommendationsRefreshedEvent 建议集刷新事件
type RecommendationsRefreshedEvent struct {
	Recommendations []*domain.TradeRecommendation
	Timestamp       time.Time
}

// AdjustmentAppliedEvent 用户调整落账事件
type AdjustmentAppliedEvent struct {
	Adjustment *domain.UserAdjustment
	Timestamp  time.Time
}

// ExecutionCompletedEvent 一轮派发完成事件
type ExecutionCompletedEvent struct {
	RunID     string
	Mode      domain.ExecutionMode
	Records   []*domain.ExecutionRecord
	Timestamp time.Time
}

// Handler 事件处理函数；Publish 同步调用，处理方自行决定是否转异步
type Handler func(event any)

// Bus 进程内事件总线
// 广播是尽力而为：没有订阅者时事件直接丢弃。
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe 注册事件处理函数
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish 向全部订阅者广播事件
func (b *Bus) Publish(event any) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
