package server

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/charge-ledger/internal/ledger"
)

// Client ChargeService 客戶端
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial 以不加密連線連到 addr，回傳 client 與關閉函式
func Dial(addr string) (*Client, func() error, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewClient(conn), conn.Close, nil
}

// Charge 透過擁有帳本的行程收費
func (c *Client) Charge(ctx context.Context, eventID string, metadata []map[string]any) (ledger.ChargeResult, error) {
	list := make([]any, len(metadata))
	for i, md := range metadata {
		if md == nil {
			md = map[string]any{}
		}
		list[i] = md
	}
	req, err := structpb.NewStruct(map[string]any{
		"event_id": eventID,
		"metadata": list,
	})
	if err != nil {
		return ledger.ChargeResult{}, fmt.Errorf("encoding charge request: %w", err)
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, chargeMethod, req, out); err != nil {
		return ledger.ChargeResult{}, err
	}

	f := out.GetFields()
	return ledger.ChargeResult{
		ChargedCount:            int(f["charged_count"].GetNumberValue()),
		Outcome:                 ledger.Outcome(f["outcome"].GetStringValue()),
		EventChargeLimitReached: f["event_charge_limit_reached"].GetBoolValue(),
	}, nil
}

// StatusReport Status 的解碼結果
type StatusReport struct {
	RunID           string
	Bounded         bool
	RemainingUSD    decimal.Decimal
	TotalChargedUSD decimal.Decimal
	Events          []ledger.EventState // Affordable 為 ledger.Unlimited 表示不受限
}

// Status 查詢帳本狀態
func (c *Client) Status(ctx context.Context) (*StatusReport, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statusMethod, &structpb.Struct{}, out); err != nil {
		return nil, err
	}

	f := out.GetFields()
	report := &StatusReport{
		RunID:   f["run_id"].GetStringValue(),
		Bounded: f["bounded"].GetBoolValue(),
	}
	var err error
	if report.RemainingUSD, err = decimal.NewFromString(f["remaining_usd"].GetStringValue()); err != nil {
		return nil, fmt.Errorf("decoding remaining_usd: %w", err)
	}
	if report.TotalChargedUSD, err = decimal.NewFromString(f["total_charged_usd"].GetStringValue()); err != nil {
		return nil, fmt.Errorf("decoding total_charged_usd: %w", err)
	}

	for _, v := range f["events"].GetListValue().GetValues() {
		ef := v.GetStructValue().GetFields()
		st := ledger.EventState{
			ID:          ef["id"].GetStringValue(),
			Title:       ef["title"].GetStringValue(),
			ChargeCount: int(ef["charge_count"].GetNumberValue()),
			Affordable:  int(ef["affordable"].GetNumberValue()),
		}
		if st.Affordable < 0 {
			st.Affordable = ledger.Unlimited
		}
		if st.UnitPriceUSD, err = decimal.NewFromString(ef["unit_price_usd"].GetStringValue()); err != nil {
			return nil, fmt.Errorf("decoding price of %s: %w", st.ID, err)
		}
		if st.ChargedUSD, err = decimal.NewFromString(ef["charged_usd"].GetStringValue()); err != nil {
			return nil, fmt.Errorf("decoding charged_usd of %s: %w", st.ID, err)
		}
		report.Events = append(report.Events, st)
	}
	return report, nil
}
