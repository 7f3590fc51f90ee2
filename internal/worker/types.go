package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/charge-ledger/internal/pusher"
)

// ErrProducerDone Producer 回傳此錯誤表示沒有更多結果，Worker 正常結束
var ErrProducerDone = errors.New("worker: producer has no more items")

// Producer 產生一批待推送的結果
type Producer interface {
	Produce(ctx context.Context, workerID, seq int) ([]map[string]any, error)
}

// ProducerFunc 讓普通函式滿足 Producer
type ProducerFunc func(ctx context.Context, workerID, seq int) ([]map[string]any, error)

// Produce 實作 Producer
func (f ProducerFunc) Produce(ctx context.Context, workerID, seq int) ([]map[string]any, error) {
	return f(ctx, workerID, seq)
}

// Pusher 推送介面，*pusher.Pusher 滿足此介面
type Pusher interface {
	Push(ctx context.Context, items []map[string]any, eventID string) (pusher.PushResult, error)
}

// Result 代表一批結果的推送結果
type Result struct {
	WorkerID     int           // Worker 編號
	Seq          int           // 該 Worker 的第幾批
	Produced     int           // 產生的筆數
	Pushed       int           // 實際推送的筆數
	Charged      int           // 收費單位數（未收費時為 0）
	LimitReached bool          // 上限已用盡
	Err          error         // 錯誤訊息（如果有）
	Duration     time.Duration // 實際執行時間
}
