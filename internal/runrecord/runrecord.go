// Package runrecord 讀取平台上目前這次執行的記錄（run record）
//
// 記錄內容包含計費模式、每種事件的單價、先前已收費的次數與執行選項。
// 帳本初始化時讀一次，之後不再重新讀取。
package runrecord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/ChuLiYu/charge-ledger/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrInvalidRecord = errors.New("runrecord: invalid run record")
	ErrFetchFailed   = errors.New("runrecord: fetch failed")
)

// Source 提供 run record 的來源
type Source interface {
	Fetch(ctx context.Context) (types.RunRecord, error)
}

// ============================================================================
// 解析
// ============================================================================

// Parse 解析平台格式的 run record JSON
//
// 可接受裸物件或 {"data": {...}} 外層包裝。沒有 pricingInfo 時 Pricing 為 nil。
func Parse(raw []byte) (types.RunRecord, error) {
	if !gjson.ValidBytes(raw) {
		return types.RunRecord{}, fmt.Errorf("%w: malformed JSON", ErrInvalidRecord)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return types.RunRecord{}, fmt.Errorf("%w: expected an object", ErrInvalidRecord)
	}
	if data := doc.Get("data"); data.IsObject() {
		doc = data
	}

	rec := types.RunRecord{
		ID:                 doc.Get("id").String(),
		ChargedEventCounts: make(map[string]int),
	}

	maxCharge, err := parseDecimal(doc.Get("options.maxTotalChargeUsd"))
	if err != nil {
		return types.RunRecord{}, fmt.Errorf("%w: options.maxTotalChargeUsd: %v", ErrInvalidRecord, err)
	}
	if maxCharge.IsNegative() {
		return types.RunRecord{}, fmt.Errorf("%w: negative options.maxTotalChargeUsd %s", ErrInvalidRecord, maxCharge)
	}
	rec.Options.MaxTotalChargeUSD = maxCharge
	rec.Options.MaxItems = int(doc.Get("options.maxItems").Int())

	if pricing := doc.Get("pricingInfo"); pricing.IsObject() {
		info := &types.PricingInfo{
			Model:  types.PricingModel(pricing.Get("pricingModel").String()),
			Events: make(map[string]types.EventSpec),
		}

		var perr error
		pricing.Get("pricingPerEvent.actorChargeEvents").ForEach(func(key, value gjson.Result) bool {
			price, err := parseDecimal(value.Get("eventPriceUsd"))
			if err != nil {
				perr = fmt.Errorf("%w: price of %q: %v", ErrInvalidRecord, key.String(), err)
				return false
			}
			if price.IsNegative() {
				perr = fmt.Errorf("%w: negative price for %q", ErrInvalidRecord, key.String())
				return false
			}
			title := value.Get("eventTitle").String()
			if title == "" {
				title = key.String()
			}
			info.Events[key.String()] = types.EventSpec{
				ID:           key.String(),
				Title:        title,
				UnitPriceUSD: price,
			}
			return true
		})
		if perr != nil {
			return types.RunRecord{}, perr
		}
		rec.Pricing = info
	}

	doc.Get("chargedEventCounts").ForEach(func(key, value gjson.Result) bool {
		if n := value.Int(); n > 0 {
			rec.ChargedEventCounts[key.String()] = int(n)
		}
		return true
	})

	return rec, nil
}

// parseDecimal 以原始數字文字轉成 decimal，避免先經過 float64
func parseDecimal(r gjson.Result) (decimal.Decimal, error) {
	switch r.Type {
	case gjson.Null:
		return decimal.Zero, nil
	case gjson.Number:
		return decimal.NewFromString(r.Raw)
	case gjson.String:
		if strings.TrimSpace(r.Str) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(r.Str)
	default:
		return decimal.Zero, fmt.Errorf("unexpected %s value", r.Type)
	}
}

// ============================================================================
// 來源實作
// ============================================================================

// HTTPSource 從平台 API 讀取 run record
//
//	GET {BaseURL}/v2/actor-runs/{RunID}
type HTTPSource struct {
	BaseURL string
	Token   string
	RunID   string
	Client  *http.Client // nil 時使用 10 秒逾時的預設 client
}

// Fetch 實作 Source
func (s HTTPSource) Fetch(ctx context.Context) (types.RunRecord, error) {
	if s.RunID == "" {
		return types.RunRecord{}, fmt.Errorf("%w: run id is empty", ErrFetchFailed)
	}

	endpoint := strings.TrimRight(s.BaseURL, "/") + "/v2/actor-runs/" + url.PathEscape(s.RunID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.RunRecord{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return types.RunRecord{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return types.RunRecord{}, fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return types.RunRecord{}, fmt.Errorf("%w: %s returned %d", ErrFetchFailed, endpoint, resp.StatusCode)
	}

	rec, err := Parse(body)
	if err != nil {
		return types.RunRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = s.RunID
	}
	return rec, nil
}

// FileSource 從本地 JSON 檔讀取 run record（離線模式）
type FileSource struct {
	Path string
}

// Fetch 實作 Source
func (s FileSource) Fetch(ctx context.Context) (types.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.RunRecord{}, err
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return types.RunRecord{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return Parse(raw)
}

// StaticSource 回傳固定的 run record，測試與本地模擬使用
type StaticSource struct {
	Record types.RunRecord
	Err    error
}

// Fetch 實作 Source
func (s StaticSource) Fetch(ctx context.Context) (types.RunRecord, error) {
	if s.Err != nil {
		return types.RunRecord{}, s.Err
	}
	return s.Record, nil
}
