package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-escrow/internal/escrow"
)

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var timestamps []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		timestamps = append(timestamps, r.Header.Get(HeaderTimestamp))
		mu.Unlock()
		switch calls.Add(1) {
		case 1:
			writeError(w, http.StatusTooManyRequests, KindRateLimited, "slow down")
		case 2:
			writeError(w, http.StatusInternalServerError, escrow.KindInternal, "internal error")
		default:
			writeJSON(w, http.StatusOK, RefundResponse{Refunded: 5})
		}
	}))
	defer ts.Close()

	tick := time.UnixMilli(1_700_000_000_000)
	c := NewClient(ts.URL,
		WithKeypair(testKeypair(t, 1)),
		WithRetryDelay(time.Millisecond),
		WithClock(func() time.Time {
			tick = tick.Add(time.Millisecond)
			return tick
		}),
	)

	res, err := c.Refund(context.Background(), mint(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Refunded)
	assert.Equal(t, int32(3), calls.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timestamps, 3)
	assert.NotEqual(t, timestamps[0], timestamps[1], "each attempt is re-signed")
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusConflict, escrow.KindDuplicateOrder, "exists")
	}))
	defer ts.Close()

	c := NewClient(ts.URL, WithKeypair(testKeypair(t, 1)), WithRetryDelay(time.Millisecond))
	_, err := c.Make(context.Background(), MakeRequest{Maker: testKeypair(t, 1).Public(), MintA: mintA, MintB: mintB})
	assert.ErrorIs(t, err, escrow.ErrDuplicateOrder)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_GivesUp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, WithMaxRetries(2), WithRetryDelay(time.Millisecond))
	_, err := c.Get(context.Background(), mint(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestClient_SignedCallsNeedKeypair(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.Take(context.Background(), mint(1))
	assert.Error(t, err)
	_, err = c.Make(context.Background(), MakeRequest{})
	assert.Error(t, err)
}
