package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/charge-ledger/internal/notify"
	"github.com/ChuLiYu/charge-ledger/internal/runrecord"
	"github.com/ChuLiYu/charge-ledger/internal/storage/kv"
	"github.com/ChuLiYu/charge-ledger/internal/storage/wal"
	"github.com/ChuLiYu/charge-ledger/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

type memRecords struct {
	mu      sync.Mutex
	kinds   []wal.EventKind
	records []types.ChargeRecord
	failErr error
}

func (m *memRecords) AppendBatch(ctx context.Context, kind wal.EventKind, records []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	for _, r := range records {
		m.kinds = append(m.kinds, kind)
		m.records = append(m.records, r.(types.ChargeRecord))
	}
	return nil
}

func (m *memRecords) Replay(handler wal.EventHandler) error { return nil }

func (m *memRecords) snapshot() []types.ChargeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ChargeRecord(nil), m.records...)
}

type fakeSink struct {
	mu    sync.Mutex
	calls []notify.Notification
	err   error
}

func (s *fakeSink) Notify(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, n)
	return s.err
}

func (s *fakeSink) notifications() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.calls...)
}

type countingRecorder struct {
	nopRecorder
	mu             sync.Mutex
	notifyFailures int
	appended       int
	remaining      float64 // 最後一次發布的剩餘預算
}

func (r *countingRecorder) SetRemainingBudget(usd float64, _ bool) {
	r.mu.Lock()
	r.remaining = usd
	r.mu.Unlock()
}

func (r *countingRecorder) RecordNotifyFailure(string) {
	r.mu.Lock()
	r.notifyFailures++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordAppended(n int) {
	r.mu.Lock()
	r.appended += n
	r.mu.Unlock()
}

// payPerEvent 建立 run record；price 與 budget 以字串表示的美元金額
func payPerEvent(budget string, prices map[string]string, counts map[string]int) types.RunRecord {
	events := make(map[string]types.EventSpec, len(prices))
	for id, p := range prices {
		events[id] = types.EventSpec{ID: id, Title: "Title " + id, UnitPriceUSD: decimal.RequireFromString(p)}
	}
	return types.RunRecord{
		ID:                 "run-1",
		Pricing:            &types.PricingInfo{Model: types.PricingPayPerEvent, Events: events},
		ChargedEventCounts: counts,
		Options:            types.RunOptions{MaxTotalChargeUSD: decimal.RequireFromString(budget)},
	}
}

func units(n int) []map[string]any {
	md := make([]map[string]any, n)
	for i := range md {
		md[i] = map[string]any{"index": i}
	}
	return md
}

func newTestLedger(t *testing.T, rec types.RunRecord) (*Ledger, *memRecords, *fakeSink) {
	t.Helper()
	records := &memRecords{}
	sink := &fakeSink{}
	l, err := New(context.Background(), Config{
		Source:      runrecord.StaticSource{Record: rec},
		OpenRecords: func(context.Context) (RecordStore, error) { return records, nil },
		Sink:        sink,
	})
	require.NoError(t, err)
	return l, records, sink
}

// ============================================================================
// 情境
// ============================================================================

func TestScenarioA_ClampsToBudget(t *testing.T) {
	l, records, sink := newTestLedger(t, payPerEvent("5", map[string]string{"item": "1"}, nil))

	res, err := l.Charge(context.Background(), "item", units(10))
	require.NoError(t, err)

	assert.Equal(t, 5, res.ChargedCount)
	assert.Equal(t, OutcomeChargeSuccessful, res.Outcome)
	assert.True(t, res.EventChargeLimitReached)

	assert.Len(t, records.snapshot(), 5, "one record per charged unit")
	calls := sink.notifications()
	require.Len(t, calls, 1)
	assert.Equal(t, 5, calls[0].Count)
	assert.Equal(t, "item", calls[0].EventName)
	assert.Equal(t, "run-1", calls[0].RunID)
}

func TestScenarioBC_PartialBudget(t *testing.T) {
	l, _, _ := newTestLedger(t, payPerEvent("5", map[string]string{"item": "2"}, nil))
	ctx := context.Background()

	// 剩下的 $1 買不起 $2 的單位，這次收費就用盡了此事件
	res, err := l.Charge(ctx, "item", units(2))
	require.NoError(t, err)
	assert.Equal(t, ChargeResult{ChargedCount: 2, Outcome: OutcomeChargeSuccessful, EventChargeLimitReached: true}, res)
	assert.Zero(t, l.UnitsAffordable("item"))

	remaining, bounded := l.RemainingBudget()
	assert.True(t, bounded)
	assert.True(t, remaining.Equal(decimal.NewFromInt(1)), "remaining = %s", remaining)

	res, err = l.Charge(ctx, "item", units(1))
	require.NoError(t, err)
	assert.Equal(t, ChargeResult{Outcome: OutcomeChargeLimitReached, EventChargeLimitReached: true}, res)
	assert.Equal(t, 2, l.ChargedEventCount("item"))
}

func TestScenarioD_UnregisteredPassThrough(t *testing.T) {
	l, records, sink := newTestLedger(t, payPerEvent("5", map[string]string{"item": "1"}, nil))

	res, err := l.Charge(context.Background(), "other", units(100))
	require.NoError(t, err)

	assert.Equal(t, ChargeResult{ChargedCount: 100, Outcome: OutcomeEventNotRegistered}, res)
	assert.Empty(t, records.snapshot())
	assert.Empty(t, sink.notifications())
	assert.Equal(t, Unlimited, l.UnitsAffordable("other"))
	assert.False(t, l.IsRegistered("other"))
}

func TestScenarioE_ResumesFromPriorCounts(t *testing.T) {
	l, _, _ := newTestLedger(t, payPerEvent("5", map[string]string{"item": "1"}, map[string]int{"item": 3}))

	assert.Equal(t, 2, l.UnitsAffordable("item"))
	assert.Equal(t, 3, l.ChargedEventCount("item"))
}

// ============================================================================
// 邊界與錯誤
// ============================================================================

func TestMonotoneExhaustion(t *testing.T) {
	l, _, _ := newTestLedger(t, payPerEvent("3", map[string]string{"item": "1"}, nil))
	ctx := context.Background()

	res, err := l.Charge(ctx, "item", units(3))
	require.NoError(t, err)
	require.True(t, res.EventChargeLimitReached)

	for i := 0; i < 5; i++ {
		res, err = l.Charge(ctx, "item", units(1))
		require.NoError(t, err)
		assert.Equal(t, 0, res.ChargedCount)
		assert.Equal(t, OutcomeChargeLimitReached, res.Outcome)
		assert.True(t, res.EventChargeLimitReached)
	}
}

func TestSharedBudgetAcrossEvents(t *testing.T) {
	l, _, _ := newTestLedger(t, payPerEvent("1", map[string]string{"cheap": "0.25", "pricey": "0.5"}, nil))
	ctx := context.Background()

	res, err := l.Charge(ctx, "pricey", units(1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChargedCount)
	assert.Equal(t, 2, l.UnitsAffordable("cheap"))
	assert.Equal(t, 1, l.UnitsAffordable("pricey"))

	res, err = l.Charge(ctx, "cheap", units(5))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChargedCount)
	assert.True(t, res.EventChargeLimitReached)
	assert.Equal(t, 0, l.UnitsAffordable("pricey"), "budget is shared, so the other event is exhausted too")
	assert.True(t, l.TotalChargedUSD().Equal(decimal.NewFromInt(1)))
}

func TestExactDecimalBoundary(t *testing.T) {
	// 0.1 * 3 在二進位浮點數下不等於 0.3
	l, _, _ := newTestLedger(t, payPerEvent("0.3", map[string]string{"item": "0.1"}, nil))

	assert.Equal(t, 3, l.UnitsAffordable("item"))
	res, err := l.Charge(context.Background(), "item", units(10))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ChargedCount)
	assert.True(t, res.EventChargeLimitReached)

	remaining, _ := l.RemainingBudget()
	assert.True(t, remaining.IsZero(), "remaining = %s", remaining)
}

func TestUnboundedBudget(t *testing.T) {
	l, records, _ := newTestLedger(t, payPerEvent("0", map[string]string{"item": "1"}, nil))

	_, bounded := l.RemainingBudget()
	assert.False(t, bounded)
	assert.Equal(t, Unlimited, l.UnitsAffordable("item"))

	res, err := l.Charge(context.Background(), "item", units(1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, res.ChargedCount)
	assert.False(t, res.EventChargeLimitReached)
	assert.Len(t, records.snapshot(), 1000)
}

func TestZeroPriceIsUnlimited(t *testing.T) {
	l, _, _ := newTestLedger(t, payPerEvent("1", map[string]string{"free": "0"}, nil))
	assert.Equal(t, Unlimited, l.UnitsAffordable("free"))

	res, err := l.Charge(context.Background(), "free", units(50))
	require.NoError(t, err)
	assert.Equal(t, 50, res.ChargedCount)
	assert.False(t, res.EventChargeLimitReached)
}

func TestZeroRequested(t *testing.T) {
	l, records, sink := newTestLedger(t, payPerEvent("5", map[string]string{"item": "1"}, nil))

	res, err := l.Charge(context.Background(), "item", nil)
	require.NoError(t, err)
	assert.Equal(t, ChargeResult{Outcome: OutcomeChargeSuccessful}, res)
	assert.Empty(t, records.snapshot())
	assert.Empty(t, sink.notifications())
}

func TestNoPricingInfo(t *testing.T) {
	l, records, _ := newTestLedger(t, types.RunRecord{ID: "run-free"})

	res, err := l.Charge(context.Background(), "anything", units(7))
	require.NoError(t, err)
	assert.Equal(t, ChargeResult{ChargedCount: 7, Outcome: OutcomeEventNotRegistered}, res)
	assert.Empty(t, records.snapshot())
	assert.Empty(t, l.States())
	assert.Equal(t, types.PricingModelUnspecific, l.PricingInfo().Model)
}

func TestChargeRecordsCarryMetadata(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	records := &memRecords{}
	l, err := New(context.Background(), Config{
		Source:      runrecord.StaticSource{Record: payPerEvent("10", map[string]string{"item": "2.5"}, nil)},
		OpenRecords: func(context.Context) (RecordStore, error) { return records, nil },
		Now:         func() time.Time { return fixed },
	})
	require.NoError(t, err)

	md := []map[string]any{{"url": "a"}, {"url": "b"}, nil}
	res, err := l.Charge(context.Background(), "item", md)
	require.NoError(t, err)
	require.Equal(t, 3, res.ChargedCount)

	got := records.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "item", got[0].EventID)
	assert.Equal(t, "Title item", got[0].EventTitle)
	assert.Equal(t, "2.5", got[0].UnitPriceUSD.String())
	assert.Equal(t, fixed, got[0].Timestamp)
	assert.Equal(t, "b", got[1].Metadata["url"])
	assert.NotNil(t, got[2].Metadata, "nil metadata is stored as an empty object")
	assert.Equal(t, []wal.EventKind{wal.KindCharge, wal.KindCharge, wal.KindCharge}, records.kinds)
}

func TestNotifyFailureIsSwallowed(t *testing.T) {
	recorder := &countingRecorder{}
	records := &memRecords{}
	l, err := New(context.Background(), Config{
		Source:      runrecord.StaticSource{Record: payPerEvent("5", map[string]string{"item": "1"}, nil)},
		OpenRecords: func(context.Context) (RecordStore, error) { return records, nil },
		Sink:        &fakeSink{err: errors.New("platform down")},
		Metrics:     recorder,
	})
	require.NoError(t, err)

	res, err := l.Charge(context.Background(), "item", units(2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChargedCount)
	assert.Equal(t, OutcomeChargeSuccessful, res.Outcome)
	assert.Equal(t, 2, l.ChargedEventCount("item"), "notification failure must not roll back the count")
	assert.Len(t, records.snapshot(), 2)
	assert.Equal(t, 1, recorder.notifyFailures)
	assert.Equal(t, 2, recorder.appended)
}

func TestAppendFailurePropagates(t *testing.T) {
	l, records, _ := newTestLedger(t, payPerEvent("5", map[string]string{"item": "1"}, nil))
	diskFull := errors.New("disk full")
	records.failErr = diskFull

	res, err := l.Charge(context.Background(), "item", units(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordAppend)
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, 2, res.ChargedCount)
	assert.Equal(t, 2, l.ChargedEventCount("item"), "state is not rolled back")
	assert.Equal(t, 3, l.UnitsAffordable("item"))
}

func TestNew_Errors(t *testing.T) {
	openOK := func(context.Context) (RecordStore, error) { return &memRecords{}, nil }
	fetchErr := errors.New("platform unreachable")
	openErr := errors.New("no disk")

	_, err := New(context.Background(), Config{OpenRecords: openOK})
	assert.ErrorIs(t, err, ErrNoSource)

	_, err = New(context.Background(), Config{Source: runrecord.StaticSource{}})
	assert.ErrorIs(t, err, ErrNoRecordStore)

	_, err = New(context.Background(), Config{Source: runrecord.StaticSource{Err: fetchErr}, OpenRecords: openOK})
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorIs(t, err, fetchErr)

	_, err = New(context.Background(), Config{
		Source:      runrecord.StaticSource{},
		OpenRecords: func(context.Context) (RecordStore, error) { return nil, openErr },
	})
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorIs(t, err, openErr)
}

func TestStatesAndPricingInfo(t *testing.T) {
	l, _, _ := newTestLedger(t, payPerEvent("10", map[string]string{"b": "1", "a": "2"}, map[string]int{"a": 1}))

	states := l.States()
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].ID)
	assert.Equal(t, 1, states[0].ChargeCount)
	assert.True(t, states[0].ChargedUSD.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 4, states[0].Affordable)
	assert.Equal(t, "b", states[1].ID)
	assert.Equal(t, 8, states[1].Affordable)

	info := l.PricingInfo()
	assert.Equal(t, types.PricingPayPerEvent, info.Model)
	assert.Len(t, info.Events, 2)

	maxTotal, bounded := l.MaxTotalChargeUSD()
	assert.True(t, bounded)
	assert.True(t, maxTotal.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "run-1", l.RunID())
}

// ============================================================================
// 並發
// ============================================================================

func TestConcurrentChargesNeverOverspend(t *testing.T) {
	l, records, _ := newTestLedger(t, payPerEvent("2", map[string]string{"a": "0.1", "b": "0.3"}, nil))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	charged := map[string]int{}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := "a"
			if i%2 == 1 {
				event = "b"
			}
			res, err := l.Charge(ctx, event, units(1+i%3))
			assert.NoError(t, err)
			mu.Lock()
			charged[event] += res.ChargedCount
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	spent := decimal.RequireFromString("0.1").Mul(decimal.NewFromInt(int64(charged["a"]))).
		Add(decimal.RequireFromString("0.3").Mul(decimal.NewFromInt(int64(charged["b"]))))
	assert.True(t, spent.LessThanOrEqual(decimal.NewFromInt(2)), "spent %s", spent)
	assert.True(t, spent.Equal(l.TotalChargedUSD()))
	assert.Equal(t, charged["a"], l.ChargedEventCount("a"))
	assert.Equal(t, charged["b"], l.ChargedEventCount("b"))
	assert.Len(t, records.snapshot(), charged["a"]+charged["b"])
}

func TestConcurrentCharges_RemainingGaugeMatchesLedger(t *testing.T) {
	recorder := &countingRecorder{}
	prices := map[string]string{"a": "0.01", "b": "0.03", "c": "0.07", "d": "0.11"}
	l, err := New(context.Background(), Config{
		Source:      runrecord.StaticSource{Record: payPerEvent("50", prices, nil)},
		OpenRecords: func(context.Context) (RecordStore, error) { return &memRecords{}, nil },
		Logger:      discardLogger,
		Metrics:     recorder,
	})
	require.NoError(t, err)

	events := []string{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Charge(context.Background(), events[i%len(events)], units(1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	remaining, bounded := l.RemainingBudget()
	require.True(t, bounded)
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, remaining.InexactFloat64(), recorder.remaining, "gauge must reflect the last update")
}

// ============================================================================
// 重新同步
// ============================================================================

func TestIdempotentResync(t *testing.T) {
	prices := map[string]string{"a": "0.2", "b": "0.7"}
	first, _, _ := newTestLedger(t, payPerEvent("5", prices, nil))
	ctx := context.Background()

	_, err := first.Charge(ctx, "a", units(4))
	require.NoError(t, err)
	_, err = first.Charge(ctx, "b", units(3))
	require.NoError(t, err)

	counts := map[string]int{"a": first.ChargedEventCount("a"), "b": first.ChargedEventCount("b")}
	second, _, _ := newTestLedger(t, payPerEvent("5", prices, counts))

	r1, _ := first.RemainingBudget()
	r2, _ := second.RemainingBudget()
	assert.True(t, r1.Equal(r2), "%s != %s", r1, r2)
	for id := range prices {
		assert.Equal(t, first.UnitsAffordable(id), second.UnitsAffordable(id), id)
	}
}

func TestResyncFromRecords_UsesReusedLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rec := payPerEvent("10", map[string]string{"item": "1"}, nil)

	open := func() (*Ledger, *wal.WAL) {
		opener := wal.Opener{
			Dir:  filepath.Join(dir, "records"),
			KV:   kv.NewFileStore(filepath.Join(dir, "kv.json")),
			Key:  "CHARGING_LOG",
			Name: "charging-log",
		}
		var opened *wal.WAL
		l, err := New(ctx, Config{
			Source: runrecord.StaticSource{Record: rec},
			OpenRecords: func(ctx context.Context) (RecordStore, error) {
				w, _, err := opener.Open(ctx)
				opened = w
				return w, err
			},
			ResyncFromRecords: true,
		})
		require.NoError(t, err)
		return l, opened
	}

	first, w1 := open()
	_, err := first.Charge(ctx, "item", units(3))
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	// 重啟：run record 仍說 0 次，日誌裡有 3 筆
	second, w2 := open()
	defer w2.Close()
	assert.Equal(t, w1.Path(), w2.Path(), "the same log is reused across restarts")
	assert.Equal(t, 3, second.ChargedEventCount("item"))
	assert.Equal(t, 7, second.UnitsAffordable("item"))
}

func TestResyncFromRecords_NeverRegresses(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	opener := wal.Opener{Dir: dir, KV: kv.NewFileStore(filepath.Join(dir, "kv.json")), Key: "CHARGING_LOG"}

	w, _, err := opener.Open(ctx)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append(ctx, wal.KindCharge, types.ChargeRecord{EventID: "item"}))
	require.NoError(t, w.Append(ctx, wal.KindResult, map[string]any{"ignored": true}))

	l, err := New(ctx, Config{
		Source:            runrecord.StaticSource{Record: payPerEvent("10", map[string]string{"item": "1"}, map[string]int{"item": 4})},
		OpenRecords:       FromWAL(opener),
		ResyncFromRecords: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, l.ChargedEventCount("item"), "run record count is higher and wins")
}

func ExampleLedger_Charge() {
	l, _ := New(context.Background(), Config{
		Source:      runrecord.StaticSource{Record: payPerEvent("5", map[string]string{"result-item": "1"}, nil)},
		OpenRecords: func(context.Context) (RecordStore, error) { return &memRecords{}, nil },
	})

	res, _ := l.Charge(context.Background(), "result-item", units(10))
	fmt.Println(res.ChargedCount, res.Outcome, res.EventChargeLimitReached)
	// Output: 5 charge_successful true
}
