package mcpclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentrun/mcpclient"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := mcpclient.RetryPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4), "capped at MaxDelay")
	assert.Equal(t, time.Second, p.Delay(50), "no overflow past the cap")
	assert.Equal(t, 100*time.Millisecond, p.Delay(-1), "negative attempts clamp to zero")
}

func TestRetryPolicyDelayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policy := mcpclient.RetryPolicy{
		BaseDelay:    50 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.25,
	}

	properties.Property("pre-jitter delay doubles until the cap", prop.ForAll(
		func(attempt int) bool {
			d := policy.Delay(attempt)
			if d > policy.MaxDelay {
				return false
			}
			if attempt > 0 && d < policy.MaxDelay {
				return d == 2*policy.Delay(attempt-1)
			}
			return true
		},
		gen.IntRange(0, 62),
	))

	properties.Property("jittered delay lands in [d, d*(1+jitter))", prop.ForAll(
		func(attempt int) bool {
			d := policy.Delay(attempt)
			j := policy.JitteredDelay(attempt)
			upper := time.Duration(float64(d) * (1 + policy.JitterFactor))
			return j >= d && j < upper
		},
		gen.IntRange(0, 62),
	))

	properties.TestingRun(t)
}

func TestHTTPTransportRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer token123", r.Header.Get("Authorization"))

		var msg mcpclient.JSONRPCMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))

		resp, err := mcpclient.NewResponse(msg.ID, map[string]any{"ok": true})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	tr := mcpclient.NewHTTPTransport(srv.URL, nil,
		mcpclient.WithHTTPTransportHeaders(map[string]string{"Authorization": "Bearer token123"}),
	)
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))

	req, err := mcpclient.NewRequest("1", "ping", nil)
	require.NoError(t, err)
	resp, err := tr.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, mcpclient.MustString("1"), resp.ID)
	assert.Equal(t, mcpclient.KindResponse, resp.Kind())
}

func TestHTTPTransportSendAccepts2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := mcpclient.NewHTTPTransport(srv.URL, nil)
	defer tr.Close()

	note, err := mcpclient.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	assert.NoError(t, tr.Send(context.Background(), note))
}

func TestHTTPTransportNon200Request(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := mcpclient.NewHTTPTransport(srv.URL, nil)
	defer tr.Close()

	req, err := mcpclient.NewRequest("1", "ping", nil)
	require.NoError(t, err)
	_, err = tr.Request(context.Background(), req)

	var te *mcpclient.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, srv.URL, te.Endpoint)
}

func TestHTTPTransportReceiveUnsupported(t *testing.T) {
	tr := mcpclient.NewHTTPTransport("http://unused.example", nil)
	defer tr.Close()

	_, err := tr.Receive(context.Background())
	assert.ErrorIs(t, err, mcpclient.ErrReceiveUnsupported)
}

func TestHTTPTransportUseAfterClose(t *testing.T) {
	tr := mcpclient.NewHTTPTransport("http://unused.example", nil)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "close is idempotent")

	req, err := mcpclient.NewRequest("1", "ping", nil)
	require.NoError(t, err)
	_, err = tr.Request(context.Background(), req)
	var te *mcpclient.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestRetryTransportRecoversFromTransientFailure(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var msg mcpclient.JSONRPCMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		resp, err := mcpclient.NewResponse(msg.ID, map[string]any{})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	tr := mcpclient.NewRetryTransport(
		mcpclient.NewHTTPTransport(srv.URL, nil),
		mcpclient.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	)
	defer tr.Close()

	req, err := mcpclient.NewRequest("1", "ping", nil)
	require.NoError(t, err)
	resp, err := tr.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, mcpclient.MustString("1"), resp.ID)
	assert.Equal(t, int64(3), hits.Load(), "two failures then the success")
}

func TestRetryTransportExhaustion(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := mcpclient.NewRetryTransport(
		mcpclient.NewHTTPTransport(srv.URL, nil),
		mcpclient.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	)
	defer tr.Close()

	req, err := mcpclient.NewRequest("1", "ping", nil)
	require.NoError(t, err)
	_, err = tr.Request(context.Background(), req)

	// The terminal error names the attempts and wraps the last real failure,
	// not a generic timeout.
	var exhausted *mcpclient.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Greater(t, exhausted.Elapsed, time.Duration(0))

	var te *mcpclient.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.Equal(t, int64(3), hits.Load())
}

func TestRetryTransportDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := mcpclient.NewRetryTransport(
		mcpclient.NewHTTPTransport(srv.URL, nil),
		mcpclient.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond},
	)
	defer tr.Close()

	req, err := mcpclient.NewRequest("1", "ping", nil)
	require.NoError(t, err)
	_, err = tr.Request(context.Background(), req)
	require.Error(t, err)

	var exhausted *mcpclient.RetryExhaustedError
	assert.False(t, errors.As(err, &exhausted), "a 401 is terminal, not retried")
	assert.Equal(t, int64(1), hits.Load())
}

func TestRetryTransportHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := mcpclient.NewRetryTransport(
		mcpclient.NewHTTPTransport(srv.URL, nil),
		mcpclient.RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: time.Minute},
	)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, err := mcpclient.NewRequest("1", "ping", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = tr.Request(ctx, req)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "cancellation cuts the backoff short")
}

func TestTransportPool(t *testing.T) {
	var created atomic.Int64
	pool := mcpclient.NewTransportPool(func(endpoint string) (mcpclient.Transport, error) {
		created.Add(1)
		return mcpclient.NewHTTPTransport(endpoint, nil), nil
	})

	a1, err := pool.Get("http://a.example")
	require.NoError(t, err)
	a2, err := pool.Get("http://a.example")
	require.NoError(t, err)
	assert.Same(t, a1, a2, "one transport per endpoint")
	assert.Equal(t, int64(1), created.Load())

	_, err = pool.Get("http://b.example")
	require.NoError(t, err)
	assert.Equal(t, int64(2), created.Load())
	assert.Equal(t, 2, pool.Size())

	require.NoError(t, pool.Drop("http://a.example"))
	require.NoError(t, pool.Drop("http://a.example"), "dropping an absent endpoint is a no-op")
	assert.Equal(t, 1, pool.Size())

	// Dropped endpoints are rebuilt on next use.
	_, err = pool.Get("http://a.example")
	require.NoError(t, err)
	assert.Equal(t, int64(3), created.Load())

	require.NoError(t, pool.CloseAll())
	assert.Equal(t, 0, pool.Size())
}

func TestTransportPoolFactoryFailure(t *testing.T) {
	factoryErr := errors.New("bad endpoint")
	pool := mcpclient.NewTransportPool(func(endpoint string) (mcpclient.Transport, error) {
		return nil, factoryErr
	})

	_, err := pool.Get("http://a.example")
	assert.ErrorIs(t, err, factoryErr)
	assert.Equal(t, 0, pool.Size(), "failed creations are not memoized")
}
