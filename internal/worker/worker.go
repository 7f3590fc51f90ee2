// ============================================================================
// Charge Ledger Worker - 結果生產單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: 每個 Worker 在獨立 goroutine 中反覆「產生一批結果 → 推送 → 回報」
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for seq := 0; ; seq++        │   │
//   │  │   ├─ producer.Produce()      │   │
//   │  │   ├─ pusher.Push()           │   │
//   │  │   ├─ report(result)          │   │
//   │  │   └─ stop if LimitReached    │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// 停止條件:
//   - ctx 被取消（Pool.Stop 或其他 Worker 回報上限已用盡）
//   - Producer 回傳 ErrProducerDone
//   - 推送結果 LimitReached 為 true
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"time"
)

// Worker 結果生產單元
type Worker struct {
	id       int
	producer Producer
	pusher   Pusher
	eventID  string
	interval time.Duration
	report   func(Result)
}

// errorDelay 失敗後下一輪之前的最短等待
const errorDelay = 50 * time.Millisecond

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:       id,
		producer: p.producer,
		pusher:   p.pusher,
		eventID:  p.eventID,
		interval: p.interval,
		report:   p.report,
	}
}

// Run 執行主循環，直到停止條件成立
func (w *Worker) Run(ctx context.Context) {
	for seq := 0; ctx.Err() == nil; seq++ {
		res, done := w.runOnce(ctx, seq)
		if done {
			return
		}
		w.report(res)
		if res.LimitReached {
			return
		}

		delay := w.interval
		if res.Err != nil && delay < errorDelay {
			delay = errorDelay
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// runOnce 產生並推送一批；done 為 true 表示 Producer 已無結果
func (w *Worker) runOnce(ctx context.Context, seq int) (Result, bool) {
	start := time.Now()
	res := Result{WorkerID: w.id, Seq: seq}

	items, err := w.producer.Produce(ctx, w.id, seq)
	if errors.Is(err, ErrProducerDone) {
		return res, true
	}
	if err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		return res, false
	}

	res.Produced = len(items)
	if len(items) > 0 {
		pr, err := w.pusher.Push(ctx, items, w.eventID)
		res.Pushed = pr.Pushed
		res.LimitReached = pr.LimitReached
		if pr.Charge != nil {
			res.Charged = pr.Charge.ChargedCount
		}
		res.Err = err
	}
	res.Duration = time.Since(start)
	return res, false
}
