// Package types 定義了 charge-ledger 系統中使用的核心領域模型
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricingModel 計費模式
type PricingModel string

// 定義計費模式常數
const (
	PricingPayPerEvent     PricingModel = "PAY_PER_EVENT"          // 按事件計費：每個註冊事件獨立定價
	PricingPerDatasetItem  PricingModel = "PRICE_PER_DATASET_ITEM" // 按結果計費（舊版）：依推送的結果數量計費
	PricingFlatPerMonth    PricingModel = "FLAT_PRICE_PER_MONTH"   // 月費制
	PricingFree            PricingModel = "FREE"                   // 免費
	PricingModelUnspecific PricingModel = ""                       // 未提供計費資訊
)

// EventSpec 事件定價規格，初始化時載入一次，之後不可變
type EventSpec struct {
	ID           string          `json:"id"`             // 事件種類識別碼
	Title        string          `json:"title"`          // 顯示名稱
	UnitPriceUSD decimal.Decimal `json:"unit_price_usd"` // 單位價格（美元）
}

// PricingInfo 執行記錄中的計費資訊
type PricingInfo struct {
	Model  PricingModel         `json:"pricing_model"`
	Events map[string]EventSpec `json:"events,omitempty"` // 僅 PAY_PER_EVENT 模式有值
}

// RunOptions 執行選項
//
// 零值代表「無上限」。
type RunOptions struct {
	MaxTotalChargeUSD decimal.Decimal `json:"max_total_charge_usd"` // 最大總花費
	MaxItems          int             `json:"max_items"`            // 最大付費結果數（舊版按結果計費）
}

// RunRecord 平台上目前這次執行的權威描述
type RunRecord struct {
	ID                 string         `json:"id"`
	Pricing            *PricingInfo   `json:"pricing,omitempty"`              // nil 表示本次執行未啟用計量計費
	ChargedEventCounts map[string]int `json:"charged_event_counts,omitempty"` // 已收費次數（重啟後重新同步的依據）
	Options            RunOptions     `json:"options"`
}

// IsPayPerEvent 是否為按事件計費
func (r RunRecord) IsPayPerEvent() bool {
	return r.Pricing != nil && r.Pricing.Model == PricingPayPerEvent
}

// ChargeRecord 每一個被接受的收費單位對應一筆記錄，只寫一次、不可修改
type ChargeRecord struct {
	EventID      string          `json:"event_id"`
	EventTitle   string          `json:"event_title"`
	UnitPriceUSD decimal.Decimal `json:"unit_price_usd"`
	Timestamp    time.Time       `json:"timestamp"`
	Metadata     map[string]any  `json:"metadata"`
}
