package execution

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/councilbot/gocouncil/internal/approval"
	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/internal/ports"
	"github.com/councilbot/gocouncil/internal/risk"
	"github.com/councilbot/gocouncil/pkg/logger"
)

// Recorder 执行记录的持久化接收方（sqlite 审计仓库实现它）
type Recorder interface {
	RecordExecution(ctx context.Context, rec *domain.ExecutionRecord) error
}

// Result 一轮派发的汇总结果
type Result struct {
	RunID   string                    // 本轮派发 ID
	Mode    domain.ExecutionMode      // 执行模式
	Records []*domain.ExecutionRecord // 按执行顺序排列的全部记录
}

// Succeeded 成功项数（真实成交 + 模拟成交）
func (r *Result) Succeeded() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Succeeded() {
			n++
		}
	}
	return n
}

// Dispatcher 执行派发器
// 每轮：取账本中已批准条目的独占快照，按优先级升序（同级按原始顺序）
// 严格串行执行，每项产出一条 ExecutionRecord；单项失败不中断批次。
// 派发完成后清除已派发条目，紧接着的第二次派发是空操作。
type Dispatcher struct {
	store   *approval.Store
	broker  ports.OrderPlacer    // live 模式必需；dry-run 不触碰
	breaker *risk.CircuitBreaker // 可选：连续传输错误熔断
	auditor Recorder             // 可选：逐条落库

	now func() time.Time
}

// NewDispatcher 创建执行派发器
func NewDispatcher(store *approval.Store, broker ports.OrderPlacer) *Dispatcher {
	return &Dispatcher{
		store:  store,
		broker: broker,
		now:    time.Now,
	}
}

// WithCircuitBreaker 挂载熔断器
func (d *Dispatcher) WithCircuitBreaker(cb *risk.CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// WithRecorder 挂载执行记录落库
func (d *Dispatcher) WithRecorder(r Recorder) *Dispatcher {
	d.auditor = r
	return d
}

// Dispatch 执行一轮派发
// 零个已批准条目不是错误：返回空记录列表的成功结果。
func (d *Dispatcher) Dispatch(ctx context.Context, mode domain.ExecutionMode) (*Result, error) {
	runID := uuid.NewString()
	result := &Result{RunID: runID, Mode: mode}

	snapshot := d.store.ApprovedSnapshot()
	if len(snapshot) == 0 {
		logger.Infof("[execution] 没有已批准的条目，本轮派发为空操作 runID=%s", runID)
		return result, nil
	}

	logger.Infof("[execution] 🚀 开始派发: runID=%s mode=%s items=%d", runID, mode, len(snapshot))

	dispatched := make([]string, 0, len(snapshot))
	for _, item := range snapshot {
		rec := d.executeOne(ctx, runID, mode, item)
		result.Records = append(result.Records, rec)
		dispatched = append(dispatched, rec.Ticker)

		if d.auditor != nil {
			if err := d.auditor.RecordExecution(ctx, rec); err != nil {
				logger.Warnf("[execution] 执行记录落库失败 ticker=%s: %v", rec.Ticker, err)
			}
		}
	}

	// 本轮全部条目出清：成功失败都算派发过，幂等由此保证
	d.store.MarkDispatched(dispatched)

	logger.Infof("[execution] ✅ 派发完成: runID=%s 成功 %d/%d", runID, result.Succeeded(), len(result.Records))
	return result, nil
}

// executeOne 执行单个条目，任何结果都折叠成一条记录，绝不向上抛错
func (d *Dispatcher) executeOne(ctx context.Context, runID string, mode domain.ExecutionMode, item *approval.Entry) *domain.ExecutionRecord {
	adj := item.Adjustment
	recm := item.Recommendation

	record := &domain.ExecutionRecord{
		ID:         uuid.NewString(),
		RunID:      runID,
		Ticker:     adj.Ticker,
		Action:     actionFor(adj.Shares, recm.Action),
		Shares:     adj.Shares,
		Price:      recm.CurrentPrice,
		TotalValue: math.Abs(float64(adj.Shares)) * recm.CurrentPrice,
		ExecutedAt: d.now(),
	}

	if adj.Shares == 0 {
		// 用户把数量调成 0 后仍批准：视为无操作，不下单
		record.Status = domain.ExecutionSimulated
		record.Notes = "zero-share no-op"
		return record
	}

	if mode == domain.ModeDryRun {
		// 纸交易：不触碰券商端点，直接按参考价模拟成交
		record.Status = domain.ExecutionSimulated
		record.Notes = "dry-run simulated fill"
		logger.Infof("[execution] 📝 模拟成交: %s %s %d @ %.2f", record.Ticker, record.Action, record.Shares, record.Price)
		return record
	}

	if d.broker == nil {
		record.Status = domain.ExecutionFailed
		record.Notes = "no broker configured for live mode"
		return record
	}

	if d.breaker != nil && !d.breaker.Allow() {
		record.Status = domain.ExecutionFailed
		record.Notes = "circuit breaker open"
		logger.Warnf("[execution] 熔断器打开，跳过下单: %s", record.Ticker)
		return record
	}

	qty := adj.Shares
	if qty < 0 {
		qty = -qty
	}
	fill, err := d.broker.PlaceOrder(ctx, &ports.OrderRequest{
		Symbol:    adj.Ticker,
		Side:      record.Action,
		Quantity:  qty,
		OrderType: "market",
	})

	switch {
	case err == nil:
		record.Status = domain.ExecutionFilled
		if fill != nil {
			record.Price = fill.Price
			record.TotalValue = math.Abs(float64(record.Shares)) * fill.Price
			record.Notes = "order " + fill.OrderID
		}
		if d.breaker != nil {
			d.breaker.RecordSuccess()
		}
		logger.Infof("[execution] ✅ 成交: %s %s %d @ %.2f", record.Ticker, record.Action, record.Shares, record.Price)

	case isRejection(err):
		// 券商拒单是业务层结果，不计入熔断
		record.Status = domain.ExecutionRejected
		record.Notes = err.Error()
		if d.breaker != nil {
			d.breaker.RecordSuccess()
		}
		logger.Warnf("[execution] 拒单: %s: %v", record.Ticker, err)

	default:
		record.Status = domain.ExecutionFailed
		record.Notes = err.Error()
		if d.breaker != nil {
			d.breaker.RecordFailure()
		}
		logger.Errorf("[execution] ❌ 下单失败: %s: %v", record.Ticker, err)
	}

	return record
}

// actionFor 按调整后的带符号股数定方向（用户可能把买向调成 0）
func actionFor(shares int64, fallback domain.TradeAction) domain.TradeAction {
	switch {
	case shares > 0:
		return domain.ActionBuy
	case shares < 0:
		return domain.ActionSell
	default:
		return fallback
	}
}

func isRejection(err error) bool {
	var rej *ports.RejectionError
	return errors.As(err, &rej)
}
