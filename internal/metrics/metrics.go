// ============================================================================
// Charge Ledger Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露計費帳本的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計費計數器 (Counter) - 累計值，只增不減：
//      - charge_ledger_charge_calls_total{event,outcome}: 收費呼叫次數
//      - charge_ledger_units_charged_total{event}: 已收費單位數
//      - charge_ledger_usd_charged_total{event}: 已收費金額（美元）
//      - charge_ledger_notify_failures_total{event}: 通知失敗次數（已吞掉）
//      - charge_ledger_records_appended_total: 寫入記錄日誌的筆數
//      - charge_ledger_items_pushed_total: 推送的結果筆數
//
//   2. 狀態指標 (Gauge) - 瞬時值：
//      - charge_ledger_remaining_budget_usd: 剩餘預算（無上限時為 -1）
//      - charge_ledger_recovery_time_seconds: 最近一次初始化（重新同步）耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘收費單位數
//   rate(charge_ledger_units_charged_total[1m])
//
//   # 通知失敗率
//   rate(charge_ledger_notify_failures_total[5m]) / rate(charge_ledger_charge_calls_total{outcome="charge_successful"}[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
//
// 所有方法對 nil receiver 安全，未設定 metrics 的元件可以直接呼叫。
type Collector struct {
	// 計費相關指標
	chargeCalls     *prometheus.CounterVec
	unitsCharged    *prometheus.CounterVec
	usdCharged      *prometheus.CounterVec
	notifyFailures  *prometheus.CounterVec
	recordsAppended prometheus.Counter
	itemsPushed     prometheus.Counter

	// 狀態指標
	remainingBudget prometheus.Gauge
	recoveryTime    prometheus.Gauge

	registry *prometheus.Registry // 僅在 NewCollector(nil) 時建立
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// reg 為 nil 時使用一個私有 registry，可由 Handler() 暴露。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		chargeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "charge_ledger_charge_calls_total",
			Help: "Total number of charge calls by event and outcome",
		}, []string{"event", "outcome"}),
		unitsCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "charge_ledger_units_charged_total",
			Help: "Total number of units accepted for charging",
		}, []string{"event"}),
		usdCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "charge_ledger_usd_charged_total",
			Help: "Total amount charged in USD",
		}, []string{"event"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "charge_ledger_notify_failures_total",
			Help: "Total number of charge notifications that failed after retries",
		}, []string{"event"}),
		recordsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "charge_ledger_records_appended_total",
			Help: "Total number of charge records appended to the durable log",
		}),
		itemsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "charge_ledger_items_pushed_total",
			Help: "Total number of result items pushed",
		}),
		remainingBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "charge_ledger_remaining_budget_usd",
			Help: "Remaining budget in USD, -1 when unbounded",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "charge_ledger_recovery_time_seconds",
			Help: "Time taken to initialize and resync the ledger in seconds",
		}),
	}

	if reg == nil {
		c.registry = prometheus.NewRegistry()
		reg = c.registry
	}

	// 註冊所有指標
	reg.MustRegister(
		c.chargeCalls,
		c.unitsCharged,
		c.usdCharged,
		c.notifyFailures,
		c.recordsAppended,
		c.itemsPushed,
		c.remainingBudget,
		c.recoveryTime,
	)

	return c
}

// RecordCharge 記錄一次收費呼叫的結果
func (c *Collector) RecordCharge(event, outcome string, units int, usd float64) {
	if c == nil {
		return
	}
	c.chargeCalls.WithLabelValues(event, outcome).Inc()
	if units > 0 {
		c.unitsCharged.WithLabelValues(event).Add(float64(units))
		c.usdCharged.WithLabelValues(event).Add(usd)
	}
}

// RecordNotifyFailure 記錄通知失敗
func (c *Collector) RecordNotifyFailure(event string) {
	if c == nil {
		return
	}
	c.notifyFailures.WithLabelValues(event).Inc()
}

// RecordAppended 記錄寫入日誌的筆數
func (c *Collector) RecordAppended(n int) {
	if c == nil {
		return
	}
	c.recordsAppended.Add(float64(n))
}

// RecordPushed 記錄推送的結果筆數
func (c *Collector) RecordPushed(n int) {
	if c == nil {
		return
	}
	c.itemsPushed.Add(float64(n))
}

// SetRemainingBudget 設置剩餘預算；bounded 為 false 時記為 -1
func (c *Collector) SetRemainingBudget(usd float64, bounded bool) {
	if c == nil {
		return
	}
	if !bounded {
		usd = -1
	}
	c.remainingBudget.Set(usd)
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// Handler 回傳 /metrics 的 HTTP handler
//
// 使用私有 registry 時只暴露本收集器的指標，否則使用全域預設 registry。
func (c *Collector) Handler() http.Handler {
	if c != nil && c.registry != nil {
		return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時優雅關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - addr: 監聽位址，例如 ":9090"
//   - handler: 通常是 Collector.Handler()
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉時為 nil
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
