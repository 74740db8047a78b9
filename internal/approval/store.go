package approval

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/pkg/logger"
	"github.com/councilbot/gocouncil/pkg/persistence"
)

var (
	// ErrUnknownTicker 目标 ticker 不在当前建议集中
	ErrUnknownTicker = fmt.Errorf("ticker not in current recommendation set")
	// ErrInvalidAdjustment 调整值越界或非法，本次调用不产生任何状态变化
	ErrInvalidAdjustment = fmt.Errorf("invalid adjustment")
	// ErrRecommendationExpired 建议已过期：可查看，不可批准
	ErrRecommendationExpired = fmt.Errorf("recommendation expired")
)

// AdjustRequest 单次原子调整请求：非 nil 字段生效，全部校验通过才落账
type AdjustRequest struct {
	Shares   *int64
	Value    *float64
	Approved *bool
	Priority *int
}

// Entry 账本条目：建议 + 用户调整的组合视图
type Entry struct {
	Recommendation *domain.TradeRecommendation
	Adjustment     *domain.UserAdjustment
}

// entry 内部条目，持有自己的锁：同一 ticker 的调整串行化，
// 不同 ticker 互不阻塞。
type entry struct {
	mu  sync.Mutex
	rec *domain.TradeRecommendation
	adj *domain.UserAdjustment

	// 调整允许的股数边界，Refresh 时计算一次。
	// 初始建议值本身始终在界内（买向新开仓时边界放宽到建议值）。
	minShares int64
	maxShares int64
}

// Store 审批账本：当前建议集中每个 ticker 恰有一条调整记录
// 唯一的可变共享状态，只能通过本类型的 API 修改。
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // Refresh 时的原始顺序（ordinal 来源）

	now func() time.Time

	snapshot persistence.Store        // 可选：变更后落盘（nil 时关闭）
	pending  []*domain.UserAdjustment // 启动时读到的上一次快照，待 RestoreAdjustments 应用
}

// NewStore 创建审批账本
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// WithPersistence 开启账本快照：每次成功变更后整体落盘
// 上一次进程留下的快照在这里先读进内存（之后的写入会覆盖文件），
// 等 Refresh 建好账本后由 RestoreAdjustments 应用。
func (s *Store) WithPersistence(ps persistence.Service) *Store {
	if ps == nil {
		return s
	}
	s.snapshot = ps.NewStore("ledger", "approval", "current")

	var snap ledgerSnapshot
	if err := s.snapshot.Load(&snap); err == nil {
		s.pending = snap.Adjustments
	} else if err != persistence.ErrNotExists {
		logger.Warnf("[approval] 账本快照读取失败: %v", err)
	}
	return s
}

// Refresh 用新的建议集替换账本内容
// 仍在建议集中的 ticker 保留用户调整（股数按新价重新对账），
// 不在的 ticker 转入 Discarded 并移除。后写覆盖先写。
func (s *Store) Refresh(recs []*domain.TradeRecommendation) {
	s.mu.Lock()

	next := make(map[string]*entry, len(recs))
	order := make([]string, 0, len(recs))

	for i, rec := range recs {
		if rec == nil {
			continue
		}
		e := &entry{rec: rec}
		e.minShares, e.maxShares = shareBounds(rec)

		if prev, ok := s.entries[rec.Ticker]; ok {
			// 延续用户调整：股数不变，市值按新价重算
			prev.mu.Lock()
			adj := prev.adj.Clone()
			prev.mu.Unlock()
			adj.Shares = clamp(adj.Shares, e.minShares, e.maxShares)
			adj.Value = mulRound(adj.Shares, rec.CurrentPrice)
			adj.Ordinal = i
			e.adj = adj
		} else {
			e.adj = &domain.UserAdjustment{
				Ticker:    rec.Ticker,
				Shares:    rec.RecommendedShares,
				Value:     rec.RecommendedValue,
				Priority:  rec.ExecutionPriority,
				State:     domain.AdjustmentProposed,
				Ordinal:   i,
				UpdatedAt: s.now(),
			}
		}
		next[rec.Ticker] = e
		order = append(order, rec.Ticker)
	}

	for ticker, e := range s.entries {
		if _, kept := next[ticker]; !kept {
			e.mu.Lock()
			e.adj.State = domain.AdjustmentDiscarded
			e.mu.Unlock()
			logger.Debugf("[approval] 丢弃不再推荐的调整: %s", ticker)
		}
	}

	s.entries = next
	s.order = order
	s.mu.Unlock()

	s.persist()
	logger.Infof("[approval] 📝 账本已刷新: %d 个建议", len(order))
}

// Adjust 对单个 ticker 原子地应用一次组合调整
// 全部字段校验通过才落账，任何一项非法则整体拒绝，不产生部分写入。
// 批准与数值编辑互相独立：先批准再改股数不会撤销批准。
func (s *Store) Adjust(ticker string, req AdjustRequest) (*domain.UserAdjustment, error) {
	e, err := s.lookup(ticker)
	if err != nil {
		return nil, err
	}

	result, err := s.applyAdjust(e, req)
	if err != nil {
		return nil, err
	}

	// 落盘在条目锁外：persist 会重新遍历账本加锁
	s.persist()
	return result, nil
}

// applyAdjust 持有条目锁完成校验与写入，返回调整副本
func (s *Store) applyAdjust(e *entry, req AdjustRequest) (*domain.UserAdjustment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// 先整体校验，后整体应用
	shares := e.adj.Shares
	if req.Shares != nil && req.Value != nil {
		return nil, fmt.Errorf("%w: 股数与市值只能二选一", ErrInvalidAdjustment)
	}
	if req.Shares != nil {
		if *req.Shares < e.minShares || *req.Shares > e.maxShares {
			return nil, fmt.Errorf("%w: shares=%d 超出 [%d, %d]", ErrInvalidAdjustment, *req.Shares, e.minShares, e.maxShares)
		}
		shares = *req.Shares
	}
	if req.Value != nil {
		// 市值 → 股数：四舍五入（远离零），再收敛到边界
		shares = clamp(sharesFromValue(*req.Value, e.rec.CurrentPrice), e.minShares, e.maxShares)
	}
	if req.Priority != nil && (*req.Priority < 1 || *req.Priority > 5) {
		return nil, fmt.Errorf("%w: priority=%d 必须在 1..5", ErrInvalidAdjustment, *req.Priority)
	}
	if req.Approved != nil && *req.Approved && e.rec.Expired(s.now()) {
		return nil, ErrRecommendationExpired
	}

	if req.Shares != nil || req.Value != nil {
		e.adj.Shares = shares
		e.adj.Value = mulRound(shares, e.rec.CurrentPrice)
		if !e.adj.Approved {
			e.adj.State = domain.AdjustmentAdjusted
		}
	}
	if req.Priority != nil {
		e.adj.Priority = *req.Priority
	}
	if req.Approved != nil {
		e.adj.Approved = *req.Approved
		if *req.Approved {
			e.adj.State = domain.AdjustmentApproved
		} else {
			e.adj.State = domain.AdjustmentUnapproved
		}
	}
	e.adj.UpdatedAt = s.now()
	return e.adj.Clone(), nil
}

// SetShares 调整股数（市值随动保持 value = shares × price）
func (s *Store) SetShares(ticker string, shares int64) (*domain.UserAdjustment, error) {
	return s.Adjust(ticker, AdjustRequest{Shares: &shares})
}

// SetValue 调整市值（股数随动，round half away from zero 后收敛到边界）
func (s *Store) SetValue(ticker string, value float64) (*domain.UserAdjustment, error) {
	return s.Adjust(ticker, AdjustRequest{Value: &value})
}

// SetApproved 设置审批标志
func (s *Store) SetApproved(ticker string, approved bool) (*domain.UserAdjustment, error) {
	return s.Adjust(ticker, AdjustRequest{Approved: &approved})
}

// SetPriority 设置执行优先级
func (s *Store) SetPriority(ticker string, priority int) (*domain.UserAdjustment, error) {
	return s.Adjust(ticker, AdjustRequest{Priority: &priority})
}

// Get 读取单个条目（调整为副本，建议视为只读）
func (s *Store) Get(ticker string) (*Entry, error) {
	e, err := s.lookup(ticker)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Entry{Recommendation: e.rec, Adjustment: e.adj.Clone()}, nil
}

// List 按建议集原始顺序返回全部条目
func (s *Store) List() []*Entry {
	s.mu.RLock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	entries := s.entries
	s.mu.RUnlock()

	out := make([]*Entry, 0, len(order))
	for _, ticker := range order {
		e, ok := entries[ticker]
		if !ok {
			continue
		}
		e.mu.Lock()
		out = append(out, &Entry{Recommendation: e.rec, Adjustment: e.adj.Clone()})
		e.mu.Unlock()
	}
	return out
}

// ApprovedSnapshot 取当前已批准条目的独占快照
// 快照后提交的调整不影响进行中的派发。排序：优先级升序，
// 同优先级按建议集原始顺序。
func (s *Store) ApprovedSnapshot() []*Entry {
	var approved []*Entry
	for _, e := range s.List() {
		if e.Adjustment.Approved {
			approved = append(approved, e)
		}
	}
	sort.SliceStable(approved, func(i, j int) bool {
		if approved[i].Adjustment.Priority != approved[j].Adjustment.Priority {
			return approved[i].Adjustment.Priority < approved[j].Adjustment.Priority
		}
		return approved[i].Adjustment.Ordinal < approved[j].Adjustment.Ordinal
	})
	return approved
}

// MarkDispatched 本轮派发完成后清除对应条目
// 清除后再次派发是无操作（幂等派发的基础）。
func (s *Store) MarkDispatched(tickers []string) {
	s.mu.Lock()
	for _, ticker := range tickers {
		if e, ok := s.entries[ticker]; ok {
			e.mu.Lock()
			e.adj.State = domain.AdjustmentDispatched
			e.mu.Unlock()
			delete(s.entries, ticker)
		}
	}
	// 同步修剪顺序表
	kept := s.order[:0]
	for _, ticker := range s.order {
		if _, ok := s.entries[ticker]; ok {
			kept = append(kept, ticker)
		}
	}
	s.order = kept
	s.mu.Unlock()

	s.persist()
}

// Len 当前账本条目数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) lookup(ticker string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[ticker]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}
	return e, nil
}

// ledgerSnapshot 落盘格式
type ledgerSnapshot struct {
	SavedAt     time.Time                `json:"saved_at"`
	Adjustments []*domain.UserAdjustment `json:"adjustments"`
}

func (s *Store) persist() {
	if s.snapshot == nil {
		return
	}
	entries := s.List()
	snap := ledgerSnapshot{SavedAt: s.now()}
	for _, e := range entries {
		snap.Adjustments = append(snap.Adjustments, e.Adjustment)
	}
	if err := s.snapshot.Save(snap); err != nil {
		logger.Warnf("[approval] ❌ 账本快照写入失败: %v", err)
	}
}

// RestoreAdjustments 启动时从快照恢复用户调整
// 只恢复仍在当前建议集中的 ticker，其余忽略。
func (s *Store) RestoreAdjustments() error {
	if s.snapshot == nil || len(s.pending) == 0 {
		return nil
	}
	restored := 0
	for _, adj := range s.pending {
		if adj == nil {
			continue
		}
		e, err := s.lookup(adj.Ticker)
		if err != nil {
			continue
		}
		e.mu.Lock()
		shares := clamp(adj.Shares, e.minShares, e.maxShares)
		e.adj.Shares = shares
		e.adj.Value = mulRound(shares, e.rec.CurrentPrice)
		e.adj.Approved = adj.Approved
		e.adj.Priority = adj.Priority
		e.adj.State = adj.State
		e.adj.UpdatedAt = adj.UpdatedAt
		e.mu.Unlock()
		restored++
	}
	s.pending = nil
	if restored > 0 {
		logger.Infof("[approval] ✅ 从快照恢复 %d 条调整", restored)
		s.persist()
	}
	return nil
}

// shareBounds 计算条目的可调整边界
// 买向 [0, 2×current]，卖向/持有 [-current, current]；
// 边界放宽到包含初始建议值，保证建议本身始终可确认。
func shareBounds(rec *domain.TradeRecommendation) (int64, int64) {
	minS, maxS := rec.ShareBounds()
	if rec.RecommendedShares > maxS {
		maxS = rec.RecommendedShares
	}
	if rec.RecommendedShares < minS {
		minS = rec.RecommendedShares
	}
	return minS, maxS
}

// sharesFromValue 市值换算股数：value / price，四舍五入远离零
func sharesFromValue(value, price float64) int64 {
	if price <= 0 {
		return 0
	}
	return decimal.NewFromFloat(value).
		Div(decimal.NewFromFloat(price)).
		Round(0).
		IntPart()
}

// mulRound 股数 × 单价，金额保留两位小数
func mulRound(shares int64, price float64) float64 {
	v, _ := decimal.NewFromInt(shares).Mul(decimal.NewFromFloat(price)).Round(2).Float64()
	return v
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
