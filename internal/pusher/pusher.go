// Package pusher 把結果推送到結果存放處，並依需要套用結果上限與事件計費
//
// 兩種策略彼此獨立，由呼叫端明確組合：
//   - limiter.ResultLimiter：舊版按結果計費的筆數上限
//   - ledger.Ledger：按事件計費，每筆結果收一個單位
//
// 是否因為 LimitReached 而結束行程由呼叫端決定。
package pusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/charge-ledger/internal/ledger"
	"github.com/ChuLiYu/charge-ledger/internal/limiter"
	"github.com/ChuLiYu/charge-ledger/internal/storage/wal"
)

// Charger 收費介面，*ledger.Ledger 滿足此介面
type Charger interface {
	Charge(ctx context.Context, eventID string, metadata []map[string]any) (ledger.ChargeResult, error)
}

// ResultStore 結果存放處，*wal.WAL 滿足此介面
type ResultStore interface {
	AppendBatch(ctx context.Context, kind wal.EventKind, records []any) error
	Replay(handler wal.EventHandler) error
}

// Pusher 推送抽象
type Pusher struct {
	Results ResultStore // 必填

	Limiter *limiter.ResultLimiter // 選填
	Ledger  Charger                // 選填

	Metrics interface{ RecordPushed(n int) } // 選填
	Logger  *slog.Logger
}

// PushResult Push 的回傳值
type PushResult struct {
	Pushed       int                  `json:"pushed"`
	Charge       *ledger.ChargeResult `json:"charge,omitempty"` // 有收費時才有值
	LimitReached bool                 `json:"limit_reached"`    // 呼叫端應停止產生結果
}

/*
Push 推送一批結果

流程：
 1. 有 Limiter 時先夾限筆數
 2. 有 eventID 與 Ledger 時，每筆結果收一個單位（結果本身作為 metadata），
    只保留實際收費的前綴
 3. 把保留的結果寫入結果存放處

收費記錄寫入失敗（ledger.ErrRecordAppend）時結果照樣推送，錯誤在最後回傳。
*/
func (p *Pusher) Push(ctx context.Context, items []map[string]any, eventID string) (PushResult, error) {
	var result PushResult
	if p.Results == nil {
		return result, errors.New("pusher: no result store configured")
	}

	if p.Limiter != nil {
		allowed, reached, err := p.Limiter.Allow(ctx, len(items))
		if err != nil {
			return result, err
		}
		items = items[:allowed]
		result.LimitReached = reached
	}

	var chargeErr error
	if eventID != "" && p.Ledger != nil && len(items) > 0 {
		res, err := p.Ledger.Charge(ctx, eventID, items)
		if err != nil && !errors.Is(err, ledger.ErrRecordAppend) {
			return result, err
		}
		chargeErr = err
		result.Charge = &res
		if res.ChargedCount < len(items) {
			items = items[:res.ChargedCount]
		}
		result.LimitReached = result.LimitReached || res.EventChargeLimitReached
	}

	if len(items) > 0 {
		batch := make([]any, len(items))
		for i, item := range items {
			batch[i] = item
		}
		if err := p.Results.AppendBatch(ctx, wal.KindResult, batch); err != nil {
			return result, fmt.Errorf("pusher: failed to store %d result(s): %w", len(items), err)
		}
		if p.Metrics != nil {
			p.Metrics.RecordPushed(len(items))
		}
	}
	result.Pushed = len(items)

	if result.LimitReached {
		p.logger().Info("push limit reached", "event", eventID, "pushed", result.Pushed)
	}
	return result, chargeErr
}

func (p *Pusher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// ResultCount 回傳一個計算結果存放處中既有 RESULT 筆數的函式，
// 作為 limiter.New 的初始值來源
func ResultCount(store ResultStore) limiter.InitialFunc {
	return func(ctx context.Context) (int, error) {
		count := 0
		err := store.Replay(func(event wal.Event) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if event.Kind == wal.KindResult {
				count++
			}
			return nil
		})
		return count, err
	}
}
