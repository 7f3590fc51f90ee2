package controller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/charge-ledger/internal/config"
	"github.com/ChuLiYu/charge-ledger/internal/notify"
	"github.com/ChuLiYu/charge-ledger/internal/runrecord"
	"github.com/ChuLiYu/charge-ledger/internal/server"
	"github.com/ChuLiYu/charge-ledger/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Run.ID = "run-test"
	cfg.Storage.Dir = dir
	cfg.Storage.KV.Path = filepath.Join(dir, "kv.json")
	cfg.Metrics.Enabled = false
	cfg.Server.Enabled = false
	cfg.Notify.Enabled = false
	cfg.Worker.BatchSize = 3
	cfg.Worker.Interval = time.Millisecond
	return cfg
}

// payPerEventRecord 單一事件 result-item，每單位 0.1 美元
func payPerEventRecord(budget string) types.RunRecord {
	return types.RunRecord{
		ID: "run-test",
		Pricing: &types.PricingInfo{
			Model: types.PricingPayPerEvent,
			Events: map[string]types.EventSpec{
				"result-item": {ID: "result-item", Title: "Result item", UnitPriceUSD: decimal.RequireFromString("0.1")},
			},
		},
		Options: types.RunOptions{MaxTotalChargeUSD: decimal.RequireFromString(budget)},
	}
}

func newTestController(t *testing.T, cfg *config.Config, rec types.RunRecord) *Controller {
	t.Helper()

	c, err := NewController(context.Background(), cfg, Options{
		Source: runrecord.StaticSource{Record: rec},
		Sink:   notify.NopSink{},
	})
	require.NoError(t, err)
	return c
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not finish in time")
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewController(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	c := newTestController(t, cfg, payPerEventRecord("1"))
	defer c.Stop()

	assert.Equal(t, "run-test", c.Ledger().RunID())
	assert.NotEmpty(t, c.ChargesPath())
	assert.Empty(t, c.ResultsPath(), "results log opens lazily")

	stats := c.GetStats()
	assert.Equal(t, types.PricingPayPerEvent, stats.PricingModel)
	assert.True(t, stats.Bounded)
	assert.True(t, stats.RemainingUSD.Equal(decimal.NewFromInt(1)))
	assert.Zero(t, stats.MaxItems)
	assert.Zero(t, stats.Uptime)
}

func TestChargeOnly_DoesNotCreateResultsLog(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	c := newTestController(t, cfg, payPerEventRecord("1"))

	res, err := c.Ledger().Charge(context.Background(), "result-item", make([]map[string]any, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChargedCount)
	assert.Zero(t, c.GetStats().Pushed)
	assert.Nil(t, c.Done())

	_, ok, err := ResultsOpener(cfg, c.store).Lookup(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "charging alone must not register a results log")
	assert.Empty(t, c.ResultsPath())
	require.NoError(t, c.Stop())

	// 再次啟動並真正推送時才建立
	c = newTestController(t, testConfig(t, dir), payPerEventRecord("1"))
	defer c.Stop()
	_, err = c.Pusher(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, c.ResultsPath())
}

func TestNewController_SourceFailure(t *testing.T) {
	cfg := testConfig(t, t.TempDir())

	_, err := NewController(context.Background(), cfg, Options{
		Source: runrecord.StaticSource{Err: errors.New("platform down")},
		Sink:   notify.NopSink{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platform down")
}

func TestStart_Twice(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	c := newTestController(t, cfg, payPerEventRecord("1"))
	defer c.Stop()

	require.NoError(t, c.Start(context.Background(), 0))
	assert.Error(t, c.Start(context.Background(), 0))
	assert.Nil(t, c.Done())
}

func TestStop_Idempotent(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	c := newTestController(t, cfg, payPerEventRecord("1"))

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Error(t, c.Start(context.Background(), 1))
}

// ============================================================================
// Budget Exhaustion Tests
// ============================================================================

func TestRun_StopsWhenBudgetExhausted(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	c := newTestController(t, cfg, payPerEventRecord("1"))
	defer c.Stop()

	require.NoError(t, c.Start(context.Background(), 2))
	waitDone(t, c)

	stats := c.GetStats()
	assert.True(t, stats.LimitReached)
	assert.Equal(t, 10, stats.Pushed)
	assert.True(t, stats.TotalChargedUSD.Equal(decimal.NewFromInt(1)))
	assert.True(t, stats.RemainingUSD.IsZero())
	require.Len(t, stats.Events, 1)
	assert.Equal(t, 10, stats.Events[0].ChargeCount)
	assert.Zero(t, stats.Events[0].Affordable)
}

func TestRun_LegacyResultLimit(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	rec := types.RunRecord{
		ID:      "run-test",
		Pricing: &types.PricingInfo{Model: types.PricingPerDatasetItem},
		Options: types.RunOptions{MaxItems: 7},
	}
	c := newTestController(t, cfg, rec)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background(), 2))
	waitDone(t, c)

	stats := c.GetStats()
	assert.Equal(t, 7, stats.MaxItems)
	assert.Equal(t, 7, stats.Pushed)
	assert.True(t, stats.LimitReached)
	assert.True(t, stats.TotalChargedUSD.IsZero())
}

// ============================================================================
// Recovery Tests
// ============================================================================

func TestRecovery_ResyncFromRecords(t *testing.T) {
	dir := t.TempDir()

	// 第一次執行：用完一半預算
	cfg := testConfig(t, dir)
	c := newTestController(t, cfg, payPerEventRecord("1"))
	_, err := c.Ledger().Charge(context.Background(), "result-item", make([]map[string]any, 5))
	require.NoError(t, err)
	chargesPath := c.ChargesPath()
	require.NoError(t, c.Stop())

	// 重啟：run record 沒有計數，從收費日誌恢復
	cfg = testConfig(t, dir)
	cfg.Ledger.ResyncFromRecords = true
	c = newTestController(t, cfg, payPerEventRecord("1"))
	defer c.Stop()

	assert.Equal(t, chargesPath, c.ChargesPath())
	assert.Equal(t, 5, c.Ledger().ChargedEventCount("result-item"))
	assert.Equal(t, 5, c.Ledger().UnitsAffordable("result-item"))

	require.NoError(t, c.Start(context.Background(), 1))
	waitDone(t, c)
	assert.Equal(t, 10, c.Ledger().ChargedEventCount("result-item"))
	assert.Equal(t, 5, c.GetStats().Pushed)
}

func TestRecovery_LegacyLimitCountsExistingResults(t *testing.T) {
	dir := t.TempDir()
	rec := types.RunRecord{
		ID:      "run-test",
		Pricing: &types.PricingInfo{Model: types.PricingPerDatasetItem},
		Options: types.RunOptions{MaxItems: 6},
	}

	cfg := testConfig(t, dir)
	cfg.Worker.BatchSize = 4
	c := newTestController(t, cfg, rec)
	p, err := c.Pusher(context.Background())
	require.NoError(t, err)
	res, err := p.Push(context.Background(), make([]map[string]any, 4), "")
	require.NoError(t, err)
	require.Equal(t, 4, res.Pushed)
	require.NoError(t, c.Stop())

	cfg = testConfig(t, dir)
	cfg.Worker.BatchSize = 4
	c = newTestController(t, cfg, rec)
	defer c.Stop()

	p, err = c.Pusher(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, c.GetStats().MaxItems)
	res, err = p.Push(context.Background(), make([]map[string]any, 4), "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pushed)
	assert.True(t, res.LimitReached)
}

// ============================================================================
// Service Tests
// ============================================================================

func TestGRPCServer(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Server.Enabled = true
	cfg.Server.Addr = "127.0.0.1:0"
	c := newTestController(t, cfg, payPerEventRecord("0.25"))
	defer c.Stop()

	require.NoError(t, c.Start(context.Background(), 0))
	require.NotEmpty(t, c.GRPCAddr())

	client, closeFn, err := server.Dial(c.GRPCAddr())
	require.NoError(t, err)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Charge(ctx, "result-item", make([]map[string]any, 3))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChargedCount)
	assert.True(t, res.EventChargeLimitReached)
	assert.Equal(t, 2, c.Ledger().ChargedEventCount("result-item"))
}
