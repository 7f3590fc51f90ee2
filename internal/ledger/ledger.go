// Package ledger 實作有預算上限的事件計費帳本
//
// 帳本在啟動時從 run record 重新同步每種事件的單價與已收費次數，
// 之後每次收費都先把請求數量夾限到剩餘預算買得起的單位數，
// 更新記憶體中的計數，再通知平台並把每個單位的 metadata 寫入 append-only 日誌。
//
// 未註冊的事件不受預算限制；預算用盡後同一事件不會再恢復可收費。
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ChuLiYu/charge-ledger/internal/notify"
	"github.com/ChuLiYu/charge-ledger/internal/storage/wal"
	"github.com/ChuLiYu/charge-ledger/pkg/types"
)

// chargeState 單一事件種類的可變狀態
type chargeState struct {
	spec  types.EventSpec
	count int // 只增不減，受 Ledger.mu 保護

	// sideMu 讓同一事件的「更新 → 通知 → 寫入」不會與下一次呼叫交錯
	sideMu sync.Mutex
}

// Ledger 事件計費帳本
type Ledger struct {
	mu sync.Mutex // 保護所有 count：預算是所有事件共用的

	runID    string
	model    types.PricingModel
	events   map[string]*chargeState // 初始化後不再增減
	maxTotal decimal.Decimal
	bounded  bool
	options  types.RunOptions

	sink    notify.Sink
	records RecordStore
	logger  *slog.Logger
	metrics Recorder
	now     func() time.Time
}

// ============================================================================
// 初始化
// ============================================================================

/*
New 讀取 run record 並建立帳本

流程：
 1. 讀取 run record；失敗直接回傳錯誤，不產生任何預設狀態
 2. 依計費資訊建立每種事件的狀態，計數以 run record 的已收費次數為起點
 3. 取得（或沿用）收費記錄日誌
 4. 選擇性地重放日誌，計數取兩者較大者
*/
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	start := time.Now()

	if cfg.Source == nil {
		return nil, ErrNoSource
	}
	if cfg.OpenRecords == nil {
		return nil, ErrNoRecordStore
	}

	l := &Ledger{
		events:  make(map[string]*chargeState),
		sink:    cfg.Sink,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if l.sink == nil {
		l.sink = notify.NopSink{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.metrics == nil {
		l.metrics = nopRecorder{}
	}
	if l.now == nil {
		l.now = time.Now
	}

	rec, err := cfg.Source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching run record: %w", ErrInitFailed, err)
	}
	l.runID = rec.ID
	l.options = rec.Options

	if rec.Pricing != nil {
		l.model = rec.Pricing.Model
		for id, spec := range rec.Pricing.Events {
			if spec.ID == "" {
				spec.ID = id
			}
			l.events[id] = &chargeState{spec: spec, count: rec.ChargedEventCounts[id]}
		}
	}

	// 零或缺少代表無上限
	l.maxTotal = rec.Options.MaxTotalChargeUSD
	l.bounded = !l.maxTotal.IsZero()

	records, err := cfg.OpenRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: opening charge records: %w", ErrInitFailed, err)
	}
	l.records = records

	if cfg.ResyncFromRecords {
		if err := l.resyncFromRecords(); err != nil {
			return nil, fmt.Errorf("%w: replaying charge records: %w", ErrInitFailed, err)
		}
	}

	remaining, bounded := l.RemainingBudget()
	l.metrics.SetRemainingBudget(remaining.InexactFloat64(), bounded)
	l.metrics.SetRecoveryTime(time.Since(start).Seconds())

	l.logger.Info("charge ledger initialized",
		"run_id", l.runID,
		"pricing_model", string(l.model),
		"events", len(l.events),
		"max_total_charge_usd", l.maxTotal.String(),
		"bounded", l.bounded,
		"remaining_usd", remaining.String())

	return l, nil
}

// resyncFromRecords 重放日誌中的 CHARGE 記錄
//
// 計數只會往上調整，永遠不會低於 run record 的值。
func (l *Ledger) resyncFromRecords() error {
	replayed := make(map[string]int)
	err := l.records.Replay(func(event wal.Event) error {
		if event.Kind != wal.KindCharge {
			return nil
		}
		var rec types.ChargeRecord
		if err := event.Decode(&rec); err != nil {
			return fmt.Errorf("decoding seq=%d: %w", event.Seq, err)
		}
		replayed[rec.EventID]++
		return nil
	})
	if err != nil {
		return err
	}

	for id, n := range replayed {
		st, ok := l.events[id]
		if !ok || n <= st.count {
			continue
		}
		l.logger.Info("resynced charge count from records", "event", id, "run_record", st.count, "records", n)
		st.count = n
	}
	return nil
}

// ============================================================================
// 預算計算
// ============================================================================

// RemainingBudget 回傳剩餘預算；bounded 為 false 表示無上限
func (l *Ledger) RemainingBudget() (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked(), l.bounded
}

// UnitsAffordable 回傳目前還買得起的單位數
//
// 未註冊的事件、無上限的預算或單價為零時回傳 Unlimited。
func (l *Ledger) UnitsAffordable(eventID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.affordableLocked(eventID)
}

func (l *Ledger) remainingLocked() decimal.Decimal {
	if !l.bounded {
		return decimal.Zero
	}
	return l.maxTotal.Sub(l.spentLocked())
}

func (l *Ledger) spentLocked() decimal.Decimal {
	spent := decimal.Zero
	for _, st := range l.events {
		spent = spent.Add(st.spec.UnitPriceUSD.Mul(decimal.NewFromInt(int64(st.count))))
	}
	return spent
}

func (l *Ledger) affordableLocked(eventID string) int {
	st, ok := l.events[eventID]
	if !ok || !l.bounded || !st.spec.UnitPriceUSD.IsPositive() {
		return Unlimited
	}

	remaining := l.remainingLocked()
	if !remaining.IsPositive() {
		return 0
	}

	// 整數商，精確向下取整
	q, _ := remaining.QuoRem(st.spec.UnitPriceUSD, 0)
	if q.GreaterThanOrEqual(decimal.NewFromInt(int64(Unlimited))) {
		return Unlimited
	}
	return int(q.IntPart())
}

// ============================================================================
// 收費
// ============================================================================

/*
Charge 為 eventID 收費 len(metadata) 個單位

流程：
 1. 未註冊 → event_not_registered，數量原樣放行，不通知也不寫記錄
 2. 買不起任何單位 → charge_limit_reached，狀態不變
 3. 收費數量 = min(請求數量, 可負擔數量)
 4. 先更新記憶體計數，再做任何外部副作用
 5. 通知平台；失敗只記錄
 6. 每個單位寫一筆 ChargeRecord；失敗以 ErrRecordAppend 回傳，計數不回滾
 7. 重新計算可負擔數量，決定 EventChargeLimitReached

同一事件的呼叫依序執行；不同事件只在夾限與更新時短暫互斥。
*/
func (l *Ledger) Charge(ctx context.Context, eventID string, metadata []map[string]any) (ChargeResult, error) {
	requested := len(metadata)

	st, ok := l.events[eventID]
	if !ok {
		l.metrics.RecordCharge(eventID, string(OutcomeEventNotRegistered), 0, 0)
		return ChargeResult{
			ChargedCount: requested,
			Outcome:      OutcomeEventNotRegistered,
		}, nil
	}

	st.sideMu.Lock()
	defer st.sideMu.Unlock()

	l.mu.Lock()
	affordable := l.affordableLocked(eventID)
	if affordable <= 0 {
		l.mu.Unlock()
		l.metrics.RecordCharge(eventID, string(OutcomeChargeLimitReached), 0, 0)
		return ChargeResult{
			Outcome:                 OutcomeChargeLimitReached,
			EventChargeLimitReached: true,
		}, nil
	}
	chargeable := min(requested, affordable)
	st.count += chargeable
	// gauge 與計數在同一把鎖內更新，發布順序與更新順序一致
	l.metrics.SetRemainingBudget(l.remainingLocked().InexactFloat64(), l.bounded)
	l.mu.Unlock()

	usd := st.spec.UnitPriceUSD.Mul(decimal.NewFromInt(int64(chargeable)))
	l.metrics.RecordCharge(eventID, string(OutcomeChargeSuccessful), chargeable, usd.InexactFloat64())

	var appendErr error
	if chargeable > 0 {
		l.notify(ctx, eventID, chargeable)
		appendErr = l.appendRecords(context.WithoutCancel(ctx), st.spec, metadata[:chargeable])
	}

	result := ChargeResult{
		ChargedCount:            chargeable,
		Outcome:                 OutcomeChargeSuccessful,
		EventChargeLimitReached: l.UnitsAffordable(eventID) <= 0,
	}
	if result.EventChargeLimitReached {
		l.logger.Info("event charge limit reached", "event", eventID, "requested", requested, "charged", chargeable)
	}
	return result, appendErr
}

// notify 通知平台；失敗只記錄，不影響收費結果
func (l *Ledger) notify(ctx context.Context, eventID string, count int) {
	n := notify.Notification{
		RunID:          l.runID,
		EventName:      eventID,
		Count:          count,
		IdempotencyKey: notify.NewIdempotencyKey(l.runID, eventID),
	}
	if err := l.sink.Notify(ctx, n); err != nil {
		l.metrics.RecordNotifyFailure(eventID)
		l.logger.Warn("charge notification failed", "event", eventID, "count", count, "error", err)
	}
}

func (l *Ledger) appendRecords(ctx context.Context, spec types.EventSpec, metadata []map[string]any) error {
	ts := l.now().UTC()
	batch := make([]any, len(metadata))
	for i, md := range metadata {
		if md == nil {
			md = map[string]any{}
		}
		batch[i] = types.ChargeRecord{
			EventID:      spec.ID,
			EventTitle:   spec.Title,
			UnitPriceUSD: spec.UnitPriceUSD,
			Timestamp:    ts,
			Metadata:     md,
		}
	}

	if err := l.records.AppendBatch(ctx, wal.KindCharge, batch); err != nil {
		l.logger.Error("failed to append charge records", "event", spec.ID, "count", len(batch), "error", err)
		return fmt.Errorf("%w: %s x%d: %w", ErrRecordAppend, spec.ID, len(batch), err)
	}
	l.metrics.RecordAppended(len(batch))
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// RunID 回傳 run record 的 ID
func (l *Ledger) RunID() string {
	return l.runID
}

// IsRegistered 事件是否在計費表中
func (l *Ledger) IsRegistered(eventID string) bool {
	_, ok := l.events[eventID]
	return ok
}

// ChargedEventCount 回傳事件目前的已收費次數；未註冊為 0
func (l *Ledger) ChargedEventCount(eventID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.events[eventID]; ok {
		return st.count
	}
	return 0
}

// TotalChargedUSD 回傳所有事件的已收費總額
func (l *Ledger) TotalChargedUSD() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spentLocked()
}

// RunOptions 回傳初始化時讀到的執行選項
func (l *Ledger) RunOptions() types.RunOptions {
	return l.options
}

// MaxTotalChargeUSD 回傳預算上限；bounded 為 false 表示無上限
func (l *Ledger) MaxTotalChargeUSD() (decimal.Decimal, bool) {
	return l.maxTotal, l.bounded
}

// PricingInfo 回傳計費模式與每種事件的定價（副本）
func (l *Ledger) PricingInfo() types.PricingInfo {
	info := types.PricingInfo{
		Model:  l.model,
		Events: make(map[string]types.EventSpec, len(l.events)),
	}
	for id, st := range l.events {
		info.Events[id] = st.spec
	}
	return info
}

// States 回傳依事件 ID 排序的狀態快照
func (l *Ledger) States() []EventState {
	l.mu.Lock()
	defer l.mu.Unlock()

	states := make([]EventState, 0, len(l.events))
	for id, st := range l.events {
		states = append(states, EventState{
			ID:           id,
			Title:        st.spec.Title,
			UnitPriceUSD: st.spec.UnitPriceUSD,
			ChargeCount:  st.count,
			ChargedUSD:   st.spec.UnitPriceUSD.Mul(decimal.NewFromInt(int64(st.count))),
			Affordable:   l.affordableLocked(id),
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}
