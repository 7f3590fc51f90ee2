package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/charge-ledger/internal/ledger"
)

// MaxUnitsPerCharge 單次以 count 收費的上限；更大的數量請分批呼叫
const MaxUnitsPerCharge = 100_000

// Ledger 服務需要的帳本操作，*ledger.Ledger 滿足此介面
type Ledger interface {
	Charge(ctx context.Context, eventID string, metadata []map[string]any) (ledger.ChargeResult, error)
	RunID() string
	RemainingBudget() (decimal.Decimal, bool)
	TotalChargedUSD() decimal.Decimal
	States() []ledger.EventState
}

// Server implements ChargeService on top of the process-owned ledger,
// so sibling processes charge through the single owner.
type Server struct {
	ledger Ledger
}

// NewServer creates a new gRPC server instance.
func NewServer(l Ledger) *Server {
	return &Server{ledger: l}
}

// Charge handles charge requests.
//
// Request fields: event_id (string), metadata (list of objects) or count (number).
func (s *Server) Charge(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eventID := req.GetFields()["event_id"].GetStringValue()
	if eventID == "" {
		return nil, status.Error(codes.InvalidArgument, "event_id is required")
	}

	metadata, err := metadataFromRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.ledger.Charge(ctx, eventID, metadata)
	if err != nil {
		if errors.Is(err, ledger.ErrRecordAppend) {
			// 已收費但審計記錄失敗
			return nil, status.Errorf(codes.DataLoss, "charged %d unit(s) but records were not written: %v", res.ChargedCount, err)
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	return structpb.NewStruct(map[string]any{
		"charged_count":              res.ChargedCount,
		"outcome":                    string(res.Outcome),
		"event_charge_limit_reached": res.EventChargeLimitReached,
	})
}

// Status reports the ledger state.
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	remaining, bounded := s.ledger.RemainingBudget()

	events := make([]any, 0)
	for _, st := range s.ledger.States() {
		affordable := st.Affordable
		if affordable == ledger.Unlimited {
			affordable = -1
		}
		events = append(events, map[string]any{
			"id":             st.ID,
			"title":          st.Title,
			"unit_price_usd": st.UnitPriceUSD.String(),
			"charge_count":   st.ChargeCount,
			"charged_usd":    st.ChargedUSD.String(),
			"affordable":     affordable,
		})
	}

	return structpb.NewStruct(map[string]any{
		"run_id":            s.ledger.RunID(),
		"bounded":           bounded,
		"remaining_usd":     remaining.String(),
		"total_charged_usd": s.ledger.TotalChargedUSD().String(),
		"events":            events,
	})
}

func metadataFromRequest(req *structpb.Struct) ([]map[string]any, error) {
	fields := req.GetFields()

	if list := fields["metadata"].GetListValue(); list != nil {
		values := list.AsSlice()
		metadata := make([]map[string]any, len(values))
		for i, v := range values {
			switch m := v.(type) {
			case map[string]any:
				metadata[i] = m
			case nil:
				metadata[i] = map[string]any{}
			default:
				metadata[i] = map[string]any{"value": m}
			}
		}
		return metadata, nil
	}

	count := fields["count"].GetNumberValue()
	if count < 0 || count != math.Trunc(count) {
		return nil, errors.New("count must be a non-negative integer")
	}
	if count > MaxUnitsPerCharge {
		return nil, fmt.Errorf("count %.0f exceeds the limit of %d units per charge", count, MaxUnitsPerCharge)
	}
	metadata := make([]map[string]any, int(count))
	for i := range metadata {
		metadata[i] = map[string]any{}
	}
	return metadata, nil
}

// LoggingInterceptor logs every unary call with its duration and status code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}

// NewGRPCServer 建立已註冊 ChargeService 的 grpc.Server
func NewGRPCServer(l Ledger, logger *slog.Logger) *grpc.Server {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger)))
	RegisterChargeServiceServer(gs, NewServer(l))
	return gs
}
