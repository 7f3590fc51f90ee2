package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type recordedRequest struct {
	path string
	key  string
	auth string
	body string
}

func newPlatform(t *testing.T, statuses ...int) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		i := len(reqs)
		reqs = append(reqs, recordedRequest{
			path: r.URL.Path,
			key:  r.Header.Get("idempotency-key"),
			auth: r.Header.Get("Authorization"),
			body: string(body),
		})
		mu.Unlock()

		status := http.StatusCreated
		if i < len(statuses) {
			status = statuses[i]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func fastSink(baseURL string) *HTTPSink {
	return &HTTPSink{
		BaseURL:         baseURL,
		Token:           "tok",
		MaxTries:        4,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func TestHTTPSink_Success(t *testing.T) {
	srv, requests := newPlatform(t)

	err := fastSink(srv.URL).Notify(context.Background(), Notification{
		RunID: "run-1", EventName: "result-item", Count: 3, IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/v2/actor-runs/run-1/charge", reqs[0].path)
	assert.Equal(t, "key-1", reqs[0].key)
	assert.Equal(t, "Bearer tok", reqs[0].auth)
	assert.Equal(t, "result-item", gjson.Get(reqs[0].body, "eventName").String())
	assert.Equal(t, int64(3), gjson.Get(reqs[0].body, "count").Int())
}

func TestHTTPSink_RetriesWithStableKey(t *testing.T) {
	srv, requests := newPlatform(t, http.StatusInternalServerError, http.StatusTooManyRequests)

	err := fastSink(srv.URL).Notify(context.Background(), Notification{RunID: "run-1", EventName: "e", Count: 1})
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 3)
	assert.NotEmpty(t, reqs[0].key, "a key is generated when none is given")
	for _, r := range reqs[1:] {
		assert.Equal(t, reqs[0].key, r.key, "retries must reuse the idempotency key")
	}
}

func TestHTTPSink_GivesUpAfterMaxTries(t *testing.T) {
	srv, requests := newPlatform(t, 500, 500, 500, 500, 500, 500)

	err := fastSink(srv.URL).Notify(context.Background(), Notification{RunID: "run-1", EventName: "e", Count: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotifyFailed)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 500, se.Code)
	assert.Len(t, requests(), 4)
}

func TestHTTPSink_ClientErrorIsPermanent(t *testing.T) {
	srv, requests := newPlatform(t, http.StatusBadRequest)

	err := fastSink(srv.URL).Notify(context.Background(), Notification{RunID: "run-1", EventName: "e", Count: 1})
	assert.ErrorIs(t, err, ErrNotifyFailed)
	assert.Len(t, requests(), 1, "4xx other than 429 must not be retried")
}

func TestHTTPSink_EmptyRunID(t *testing.T) {
	err := fastSink("http://127.0.0.1:1").Notify(context.Background(), Notification{EventName: "e", Count: 1})
	assert.ErrorIs(t, err, ErrNotifyFailed)
}

func TestHTTPSink_CancelledContext(t *testing.T) {
	srv, _ := newPlatform(t, 500, 500, 500, 500)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastSink(srv.URL).Notify(ctx, Notification{RunID: "run-1", EventName: "e", Count: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrNotifyFailed))
}

func TestNewIdempotencyKey(t *testing.T) {
	a := NewIdempotencyKey("run-1", "result-item")
	b := NewIdempotencyKey("run-1", "result-item")

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "run-1-result-item-"))
}

func TestNopSink(t *testing.T) {
	assert.NoError(t, NopSink{}.Notify(context.Background(), Notification{}))
}
