// Package limiter 實作舊版按結果計費的結果數上限
//
// 只是一個計數器：第一次使用時載入已推送的數量（只載入一次，
// 並發呼叫者共用同一次載入），之後把每次推送夾限到剩餘額度。
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrInitFailed = errors.New("limiter: failed to load initial count")

// InitialFunc 載入目前已推送的結果數
type InitialFunc func(ctx context.Context) (int, error)

// ResultLimiter 結果數上限
type ResultLimiter struct {
	max     int // 0 表示無上限
	initial InitialFunc

	once    sync.Once
	initErr error

	mu    sync.Mutex
	count int
}

// New 建立 ResultLimiter；maxItems 為 0 表示無上限，initial 可為 nil（從 0 開始）
func New(maxItems int, initial InitialFunc) *ResultLimiter {
	return &ResultLimiter{max: maxItems, initial: initial}
}

func (r *ResultLimiter) init(ctx context.Context) error {
	r.once.Do(func() {
		if r.initial == nil {
			return
		}
		n, err := r.initial(ctx)
		if err != nil {
			r.initErr = fmt.Errorf("%w: %w", ErrInitFailed, err)
			return
		}
		r.mu.Lock()
		r.count = max(n, 0)
		r.mu.Unlock()
	})
	return r.initErr
}

// Allow 申請推送 n 筆結果
//
// 回傳實際允許的筆數，以及上限是否已用盡（允許後剩餘為 0）。
// 載入失敗時每次呼叫都回傳同一個錯誤。
func (r *ResultLimiter) Allow(ctx context.Context, n int) (allowed int, reached bool, err error) {
	if err := r.init(ctx); err != nil {
		return 0, false, err
	}
	if n < 0 {
		n = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max <= 0 {
		r.count += n
		return n, false, nil
	}

	remaining := max(r.max-r.count, 0)
	allowed = min(n, remaining)
	r.count += allowed
	return allowed, r.count >= r.max, nil
}

// Count 回傳目前已允許的總筆數（尚未載入時為 0）
func (r *ResultLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Max 回傳上限；0 表示無上限
func (r *ResultLimiter) Max() int {
	return r.max
}
