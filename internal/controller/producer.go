package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/charge-ledger/internal/worker"
)

// NewSyntheticProducer 產生模擬的抓取結果，本地執行與 demo 使用
func NewSyntheticProducer(batchSize int) worker.Producer {
	if batchSize <= 0 {
		batchSize = 1
	}
	return worker.ProducerFunc(func(ctx context.Context, workerID, seq int) ([]map[string]any, error) {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		items := make([]map[string]any, batchSize)
		for i := range items {
			items[i] = map[string]any{
				"url":         fmt.Sprintf("https://example.com/items/%d-%d-%d", workerID, seq, i),
				"worker":      workerID,
				"seq":         seq,
				"produced_at": now,
			}
		}
		return items, nil
	})
}
