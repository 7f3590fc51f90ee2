// ============================================================================
// Charge Ledger 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝並協調所有模組，負責啟動時的重新同步與優雅關閉
//
// 架構設計:
//   - KV Store: 記住收費日誌與結果日誌的 ID，重啟後沿用同一份
//   - Ledger: 事件計費帳本（run record 重新同步、夾限、通知、記錄）
//   - ResultLimiter: 舊版按結果計費的筆數上限
//   - Pusher: 結合上述兩者，把結果寫入結果日誌
//   - WorkerPool: 結果生產者，上限用盡時停止
//   - Metrics / gRPC: 對外暴露指標與收費服務
//
// 恢復流程:
//   啟動時自動執行：
//   1. 讀取 run record，以已收費次數為起點
//   2. 透過 KV 找回上一個行程建立的收費日誌並沿用
//   3. （選用）重放收費日誌，計數取 max(run record, 日誌)
//   4. 結果上限以結果日誌中既有的筆數為起點
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/charge-ledger/internal/config"
	"github.com/ChuLiYu/charge-ledger/internal/ledger"
	"github.com/ChuLiYu/charge-ledger/internal/limiter"
	"github.com/ChuLiYu/charge-ledger/internal/metrics"
	"github.com/ChuLiYu/charge-ledger/internal/notify"
	"github.com/ChuLiYu/charge-ledger/internal/pusher"
	"github.com/ChuLiYu/charge-ledger/internal/runrecord"
	"github.com/ChuLiYu/charge-ledger/internal/server"
	"github.com/ChuLiYu/charge-ledger/internal/storage/kv"
	"github.com/ChuLiYu/charge-ledger/internal/storage/wal"
	"github.com/ChuLiYu/charge-ledger/internal/worker"
	"github.com/ChuLiYu/charge-ledger/pkg/types"
)

var log = slog.Default()

const (
	chargesLogName = "charging-log"
	resultsLogName = "results"
	resultsLogKey  = "RESULTS_LOG"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 可替換的協作者；零值依設定建立
type Options struct {
	Source     runrecord.Source
	Sink       notify.Sink
	Producer   worker.Producer
	Registerer prometheus.Registerer // nil 時使用私有 registry
}

// Controller 核心控制器
type Controller struct {
	cfg *config.Config

	store   kv.Store
	charges *wal.WAL
	ledger  *ledger.Ledger
	metrics *metrics.Collector

	// 結果管線在第一次需要時才建立，只收費或查詢的指令不會產生結果日誌
	pipeMu   sync.Mutex
	producer worker.Producer
	results  *wal.WAL
	limiter  *limiter.ResultLimiter
	pusher   *pusher.Pusher
	pool     *worker.Pool

	grpcServer *grpc.Server
	grpcAddr   string

	cancel    context.CancelFunc
	bgWg      sync.WaitGroup // 等待 metrics / gRPC goroutine 退出
	startTime time.Time

	mu      sync.Mutex
	started bool
	stopped bool
}

// Stats 執行狀態摘要
type Stats struct {
	RunID           string
	PricingModel    types.PricingModel
	Bounded         bool
	RemainingUSD    decimal.Decimal
	TotalChargedUSD decimal.Decimal
	Events          []ledger.EventState
	Pushed          int
	MaxItems        int // 0 表示無結果上限
	LimitReached    bool
	Uptime          time.Duration
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立 Controller 並完成重新同步
//
// run record 讀取失敗時直接返回錯誤，不會產生任何可收費的狀態。
func NewController(ctx context.Context, cfg *config.Config, opts Options) (_ *Controller, err error) {
	start := time.Now()
	c := &Controller{cfg: cfg}
	defer func() {
		if err != nil {
			c.closeStores()
		}
	}()

	// 1. KV Store
	c.store, err = kv.Open(ctx, cfg.Storage.KV)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}

	// 2. Metrics
	c.metrics = metrics.NewCollector(opts.Registerer)

	// 3. 帳本（含收費日誌）
	source := opts.Source
	if source == nil {
		source = newSource(cfg)
	}
	sink := opts.Sink
	if sink == nil {
		sink = newSink(cfg)
	}
	chargesOpener := ChargesOpener(cfg, c.store)
	c.ledger, err = ledger.New(ctx, ledger.Config{
		Source: source,
		Sink:   sink,
		OpenRecords: func(ctx context.Context) (ledger.RecordStore, error) {
			w, id, err := chargesOpener.Open(ctx)
			if err != nil {
				return nil, err
			}
			log.Info("Charge records opened", "id", id, "records", w.Count(), "last_seq", w.GetLastSeq())
			c.charges = w
			return w, nil
		},
		ResyncFromRecords: cfg.Ledger.ResyncFromRecords,
		Logger:            log,
		Metrics:           c.metrics,
	})
	if err != nil {
		return nil, err
	}

	c.producer = opts.Producer
	if c.producer == nil {
		c.producer = NewSyntheticProducer(cfg.Worker.BatchSize)
	}

	log.Info("Recovery completed",
		"duration", time.Since(start),
		"run_id", c.ledger.RunID(),
		"charged_usd", c.ledger.TotalChargedUSD().String())
	return c, nil
}

// openPipeline 開啟結果日誌並建立結果上限、Pusher 與 Worker Pool；只執行一次
func (c *Controller) openPipeline(ctx context.Context) error {
	c.pipeMu.Lock()
	defer c.pipeMu.Unlock()
	if c.pool != nil {
		return nil
	}

	results, _, err := ResultsOpener(c.cfg, c.store).Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open results log: %w", err)
	}
	c.results = results

	// 結果上限（舊版按結果計費）
	if maxItems := c.maxItems(); maxItems > 0 {
		c.limiter = limiter.New(maxItems, pusher.ResultCount(c.results))
	}

	c.pusher = &pusher.Pusher{
		Results: c.results,
		Limiter: c.limiter,
		Ledger:  c.ledger,
		Metrics: c.metrics,
		Logger:  log,
	}
	c.pool = worker.NewPool(worker.Config{
		Producer: c.producer,
		Pusher:   c.pusher,
		EventID:  c.cfg.Worker.EventID,
		Interval: c.cfg.Worker.Interval,
		Logger:   log,
	})
	return nil
}

func (c *Controller) workerPool() *worker.Pool {
	c.pipeMu.Lock()
	defer c.pipeMu.Unlock()
	return c.pool
}

// ChargesOpener 收費日誌的 Opener，ID 記在 ledger.records_key 下
func ChargesOpener(cfg *config.Config, store kv.Store) wal.Opener {
	return wal.Opener{
		Dir:          cfg.RecordsDir(),
		KV:           store,
		Key:          cfg.Ledger.RecordsKey,
		Name:         chargesLogName,
		SyncOnAppend: cfg.Storage.SyncOnAppend,
	}
}

// ResultsOpener 結果日誌的 Opener
func ResultsOpener(cfg *config.Config, store kv.Store) wal.Opener {
	return wal.Opener{
		Dir:          cfg.ResultsDir(),
		KV:           store,
		Key:          resultsLogKey,
		Name:         resultsLogName,
		SyncOnAppend: cfg.Storage.SyncOnAppend,
	}
}

// maxItems 設定值優先，否則在按結果計費模式下使用 run record 的上限
func (c *Controller) maxItems() int {
	if c.cfg.Worker.MaxItems > 0 {
		return c.cfg.Worker.MaxItems
	}
	if c.ledger.PricingInfo().Model == types.PricingPerDatasetItem {
		return c.ledger.RunOptions().MaxItems
	}
	return 0
}

func newSource(cfg *config.Config) runrecord.Source {
	if cfg.Offline() {
		return runrecord.FileSource{Path: cfg.Run.RecordFile}
	}
	return runrecord.HTTPSource{
		BaseURL: cfg.Platform.BaseURL,
		Token:   cfg.Platform.Token,
		RunID:   cfg.Run.ID,
		Client:  &http.Client{Timeout: cfg.Platform.Timeout},
	}
}

func newSink(cfg *config.Config) notify.Sink {
	if cfg.Offline() || !cfg.Notify.Enabled {
		return notify.NopSink{}
	}
	return &notify.HTTPSink{
		BaseURL:         cfg.Platform.BaseURL,
		Token:           cfg.Platform.Token,
		Client:          &http.Client{Timeout: cfg.Platform.Timeout},
		MaxTries:        cfg.Notify.MaxTries,
		InitialInterval: cfg.Notify.InitialInterval,
		MaxInterval:     cfg.Notify.MaxInterval,
		Logger:          log,
	}
}

// Start 啟動 metrics、gRPC 服務與 Worker Pool
//
// workers 為 0 時只提供服務，不產生結果。
func (c *Controller) Start(ctx context.Context, workers int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	if c.stopped {
		return errors.New("controller already stopped")
	}
	if workers > 0 {
		if err := c.openPipeline(ctx); err != nil {
			return err
		}
	}
	c.startTime = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.cfg.Metrics.Enabled {
		c.bgWg.Add(1)
		go func() {
			defer c.bgWg.Done()
			log.Info("Starting metrics server", "addr", c.cfg.Metrics.Addr)
			if err := metrics.StartServer(runCtx, c.cfg.Metrics.Addr, c.metrics.Handler()); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	if c.cfg.Server.Enabled {
		lis, err := net.Listen("tcp", c.cfg.Server.Addr)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to listen on %s: %w", c.cfg.Server.Addr, err)
		}
		c.grpcAddr = lis.Addr().String()
		c.grpcServer = server.NewGRPCServer(c.ledger, log)
		c.bgWg.Add(1)
		go func() {
			defer c.bgWg.Done()
			log.Info("gRPC server listening", "addr", c.grpcAddr)
			if err := c.grpcServer.Serve(lis); err != nil {
				log.Error("gRPC server failed", "error", err)
			}
		}()
	}

	if workers > 0 {
		if err := c.workerPool().Start(runCtx, workers); err != nil {
			cancel()
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	c.started = true
	log.Info("Controller started", "workers", workers)
	return nil
}

// Done 所有 Worker 結束（通常因為上限用盡）後關閉；未啟動 Worker 時永不關閉
func (c *Controller) Done() <-chan struct{} {
	pool := c.workerPool()
	if pool == nil || !pool.IsStarted() {
		return nil
	}
	return pool.Done()
}

// Stop 優雅關閉所有組件
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	pool := c.workerPool()
	if pool != nil {
		pool.Stop()
	}
	if c.grpcServer != nil {
		c.grpcServer.GracefulStop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.bgWg.Wait()

	c.pipeMu.Lock()
	err := c.closeStores()
	c.pipeMu.Unlock()
	log.Info("Controller stopped", "charged_usd", c.ledger.TotalChargedUSD().String())
	return err
}

func (c *Controller) closeStores() error {
	var errs []error
	if c.charges != nil {
		errs = append(errs, c.charges.Close())
	}
	if c.results != nil {
		errs = append(errs, c.results.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}

// Ledger 回傳帳本
func (c *Controller) Ledger() *ledger.Ledger {
	return c.ledger
}

// Pusher 回傳推送器，第一次呼叫時開啟結果日誌
func (c *Controller) Pusher(ctx context.Context) (*pusher.Pusher, error) {
	if err := c.openPipeline(ctx); err != nil {
		return nil, err
	}
	c.pipeMu.Lock()
	defer c.pipeMu.Unlock()
	return c.pusher, nil
}

// ChargesPath 回傳收費日誌路徑
func (c *Controller) ChargesPath() string {
	if c.charges == nil {
		return ""
	}
	return c.charges.Path()
}

// ResultsPath 回傳結果日誌路徑；尚未開啟時為空字串
func (c *Controller) ResultsPath() string {
	c.pipeMu.Lock()
	defer c.pipeMu.Unlock()
	if c.results == nil {
		return ""
	}
	return c.results.Path()
}

// GRPCAddr 回傳 gRPC 實際監聽位址；未啟用時為空字串
func (c *Controller) GRPCAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grpcAddr
}

// GetStats 取得執行狀態摘要
func (c *Controller) GetStats() Stats {
	remaining, bounded := c.ledger.RemainingBudget()
	stats := Stats{
		RunID:           c.ledger.RunID(),
		PricingModel:    c.ledger.PricingInfo().Model,
		Bounded:         bounded,
		RemainingUSD:    remaining,
		TotalChargedUSD: c.ledger.TotalChargedUSD(),
		Events:          c.ledger.States(),
	}
	c.pipeMu.Lock()
	if c.pool != nil {
		stats.Pushed = c.pool.Pushed()
		stats.LimitReached = c.pool.LimitReached()
	}
	if c.limiter != nil {
		stats.MaxItems = c.limiter.Max()
	}
	c.pipeMu.Unlock()
	c.mu.Lock()
	if c.started {
		stats.Uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()
	return stats
}
