package ledger

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ChuLiYu/charge-ledger/internal/notify"
	"github.com/ChuLiYu/charge-ledger/internal/runrecord"
	"github.com/ChuLiYu/charge-ledger/internal/storage/wal"
)

// Outcome 收費呼叫的結果
type Outcome string

const (
	OutcomeEventNotRegistered Outcome = "event_not_registered" // 未註冊的事件，免費放行
	OutcomeChargeLimitReached Outcome = "charge_limit_reached" // 預算已用盡，未收費
	OutcomeChargeSuccessful   Outcome = "charge_successful"    // 已收費（可能被夾限為部分數量）
)

// Unlimited 表示不受預算限制的可負擔單位數
const Unlimited = math.MaxInt

// ChargeResult Charge 的回傳值
type ChargeResult struct {
	ChargedCount            int     `json:"charged_count"`
	Outcome                 Outcome `json:"outcome"`
	EventChargeLimitReached bool    `json:"event_charge_limit_reached"` // 呼叫端應停止產生此事件
}

// EventState 單一事件種類的狀態快照
type EventState struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	UnitPriceUSD decimal.Decimal `json:"unit_price_usd"`
	ChargeCount  int             `json:"charge_count"`
	ChargedUSD   decimal.Decimal `json:"charged_usd"`
	Affordable   int             `json:"affordable"` // Unlimited 表示不受限
}

// RecordStore 收費記錄的 append-only 存放處
//
// *wal.WAL 滿足此介面。
type RecordStore interface {
	AppendBatch(ctx context.Context, kind wal.EventKind, records []any) error
	Replay(handler wal.EventHandler) error
}

// OpenFunc 取得（或建立）記錄存放處
type OpenFunc func(ctx context.Context) (RecordStore, error)

// FromWAL 以 wal.Opener 取得跨重啟沿用的記錄日誌
func FromWAL(o wal.Opener) OpenFunc {
	return func(ctx context.Context) (RecordStore, error) {
		w, _, err := o.Open(ctx)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

// Recorder 帳本回報的指標
//
// *metrics.Collector 滿足此介面。
type Recorder interface {
	RecordCharge(event, outcome string, units int, usd float64)
	RecordNotifyFailure(event string)
	RecordAppended(n int)
	SetRemainingBudget(usd float64, bounded bool)
	SetRecoveryTime(seconds float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordCharge(string, string, int, float64) {}
func (nopRecorder) RecordNotifyFailure(string)                {}
func (nopRecorder) RecordAppended(int)                        {}
func (nopRecorder) SetRemainingBudget(float64, bool)          {}
func (nopRecorder) SetRecoveryTime(float64)                   {}

// Config 建立帳本所需的協作者
type Config struct {
	Source      runrecord.Source // 必填
	OpenRecords OpenFunc         // 必填
	Sink        notify.Sink      // nil 時不通知

	// ResyncFromRecords 重放沿用的記錄日誌，計數取 max(run record, 日誌)
	// 沒有平台維護權威計數的離線模式使用
	ResyncFromRecords bool

	Logger  *slog.Logger
	Metrics Recorder
	Now     func() time.Time
}
