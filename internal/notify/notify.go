// Package notify 把已接受的收費通知平台
//
// 通知是盡力而為的對帳：本地的預算夾限已經保證不會超支，
// 通知失敗只記錄，不會回滾帳本狀態。
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

var ErrNotifyFailed = errors.New("notify: charge notification failed")

// Notification 一次收費通知
type Notification struct {
	RunID          string
	EventName      string
	Count          int
	IdempotencyKey string // 同一次呼叫的所有重試共用
}

// Sink 接收收費通知
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// NewIdempotencyKey 產生在同一次執行中唯一的冪等鍵
func NewIdempotencyKey(runID, eventName string) string {
	return fmt.Sprintf("%s-%s-%d-%s", runID, eventName, time.Now().UnixMilli(), uuid.NewString())
}

// StatusError 平台回應非 2xx
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notify: platform returned %d: %s", e.Code, e.Body)
}

// NopSink 丟棄所有通知（離線模式）
type NopSink struct{}

// Notify 實作 Sink
func (NopSink) Notify(context.Context, Notification) error { return nil }

// ============================================================================
// HTTPSink
// ============================================================================

// HTTPSink 以 HTTP 通知平台
//
//	POST {BaseURL}/v2/actor-runs/{RunID}/charge
//	idempotency-key: <key>
//	{"eventName": "...", "count": N}
type HTTPSink struct {
	BaseURL string
	Token   string
	Client  *http.Client // nil 時使用 10 秒逾時的預設 client

	MaxTries        uint          // 0 時為 5
	InitialInterval time.Duration // 0 時為 500ms
	MaxInterval     time.Duration // 0 時為 10s

	Logger *slog.Logger
}

// Notify 實作 Sink
//
// 網路錯誤、429 與 5xx 會以指數退避重試；其餘 4xx 直接失敗。
func (s *HTTPSink) Notify(ctx context.Context, n Notification) error {
	if n.RunID == "" {
		return fmt.Errorf("%w: run id is empty", ErrNotifyFailed)
	}
	key := n.IdempotencyKey
	if key == "" {
		key = NewIdempotencyKey(n.RunID, n.EventName)
	}

	body, err := sjson.SetBytes([]byte(`{}`), "eventName", n.EventName)
	if err == nil {
		body, err = sjson.SetBytes(body, "count", n.Count)
	}
	if err != nil {
		return fmt.Errorf("%w: building body: %v", ErrNotifyFailed, err)
	}

	endpoint := strings.TrimRight(s.BaseURL, "/") + "/v2/actor-runs/" + url.PathEscape(n.RunID) + "/charge"
	logger := s.logger()

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := s.post(ctx, endpoint, key, body)
		if err == nil {
			return struct{}{}, nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code != http.StatusTooManyRequests && se.Code < 500 {
			return struct{}{}, backoff.Permanent(err)
		}
		logger.Warn("charge notification attempt failed", "event", n.EventName, "attempt", attempt, "error", err)
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.backOff()),
		backoff.WithMaxTries(s.maxTries()),
	)
	if err != nil {
		return fmt.Errorf("%w: %s x%d after %d attempt(s): %w", ErrNotifyFailed, n.EventName, n.Count, attempt, err)
	}
	return nil
}

func (s *HTTPSink) post(ctx context.Context, endpoint, key string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("idempotency-key", key)
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func (s *HTTPSink) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	if s.InitialInterval > 0 {
		b.InitialInterval = s.InitialInterval
	}
	if s.MaxInterval > 0 {
		b.MaxInterval = s.MaxInterval
	}
	return b
}

func (s *HTTPSink) maxTries() uint {
	if s.MaxTries == 0 {
		return 5
	}
	return s.MaxTries
}

func (s *HTTPSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
