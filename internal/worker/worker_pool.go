// ============================================================================
// Charge Ledger Worker Pool - 並發結果生產者
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期，收集推送結果
//
// 架構組件:
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│──→ Pusher ──┐
//   │  │Worker 2│──→ Pusher ──┼──→ resultCh
//   │  │Worker 3│──→ Pusher ──┘
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. ReceiveResult() - 從 resultCh 讀取結果
//   4. 任一 Worker 回報 LimitReached → 取消其他 Worker
//   5. Stop() / Wait() - 等待所有 Worker 完成
//
// 上限用盡時停止生產是呼叫端（也就是這個 Pool）的責任，帳本本身不會結束行程。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Pool 設定
type Config struct {
	Producer   Producer
	Pusher     Pusher
	EventID    string        // 每筆結果收費的事件；空字串表示不收費
	Interval   time.Duration // 每批之間的間隔
	BufferSize int           // 結果通道的緩衝大小
	Logger     *slog.Logger
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	producer Producer
	pusher   Pusher
	eventID  string
	interval time.Duration
	logger   *slog.Logger

	workers  []*Worker     // Worker 列表
	resultCh chan Result   // 結果通道
	done     chan struct{} // 所有 Worker 結束後關閉
	cancel   context.CancelFunc
	runCtx   context.Context
	wg       sync.WaitGroup

	limitReached atomic.Bool
	pushed       atomic.Int64

	started bool
	mu      sync.Mutex // 保護 started 與 workers
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
func NewPool(cfg Config) *Pool {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		producer: cfg.Producer,
		pusher:   cfg.Pusher,
		eventID:  cfg.EventID,
		interval: cfg.Interval,
		logger:   logger,
		resultCh: make(chan Result, bufferSize),
		done:     make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
//
// ctx 取消時所有 Worker 結束；Pool 不可重複啟動。
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if p.producer == nil || p.pusher == nil {
		return errors.New("pool requires a producer and a pusher")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	p.runCtx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.runCtx)
		}(worker)
	}

	go func() {
		p.wg.Wait()
		p.cancel()
		close(p.resultCh)
		close(p.done)
	}()

	p.started = true
	return nil
}

// report 由 Worker 呼叫
func (p *Pool) report(res Result) {
	p.pushed.Add(int64(res.Pushed))
	if res.Err != nil {
		p.logger.Warn("push batch failed", "worker", res.WorkerID, "seq", res.Seq, "error", res.Err)
	}
	if res.LimitReached && p.limitReached.CompareAndSwap(false, true) {
		p.logger.Info("limit reached, stopping producers", "worker", res.WorkerID, "pushed_total", p.pushed.Load())
		p.cancel()
	}

	select {
	case p.resultCh <- res:
	default:
		// 沒有人讀取時丟棄，避免 Worker 阻塞
	}
}

// ReceiveResult 從結果通道接收執行結果
//
// 所有 Worker 結束且通道清空後返回 ErrPoolClosed。
func (p *Pool) ReceiveResult() (Result, error) {
	if !p.IsStarted() {
		return Result{}, ErrPoolNotStarted
	}
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Done 回傳所有 Worker 結束後關閉的通道
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Wait 等待所有 Worker 結束
func (p *Pool) Wait() {
	if !p.IsStarted() {
		return
	}
	<-p.done
}

// Stop 取消所有 Worker 並等待結束
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	<-p.done
}

// LimitReached 是否有 Worker 回報上限已用盡
func (p *Pool) LimitReached() bool {
	return p.limitReached.Load()
}

// Pushed 回傳目前為止推送的總筆數
func (p *Pool) Pushed() int {
	return int(p.pushed.Load())
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
