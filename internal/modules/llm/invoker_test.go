package llm

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvoker(t *testing.T, handler http.HandlerFunc) *Invoker {
	t.Helper()
	client, _ := newTestClient(t, handler)
	inv := NewInvoker(client, testLogger())
	inv.backoffBase = time.Millisecond
	inv.callTimeout = 2 * time.Second
	return inv
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int64
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(chatPayload("recovered"))
	})

	text, err := inv.Invoke(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int64(3), hits.Load())
}

func TestInvokeExhaustsRetries(t *testing.T) {
	var hits atomic.Int64
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := inv.Invoke(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, int64(3), hits.Load())
}

func TestInvokeQuotaShortCircuits(t *testing.T) {
	var hits atomic.Int64
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"message":"Insufficient Balance"}}`))
	})

	_, err := inv.Invoke(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, int64(1), hits.Load())
}

func TestInvokeAuthShortCircuits(t *testing.T) {
	var hits atomic.Int64
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	})

	_, err := inv.Invoke(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int64(1), hits.Load())
}

func TestInvokeStopsOnCanceledContext(t *testing.T) {
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(chatPayload("unreachable"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inv.Invoke(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvokeArrayExtractsDecisions(t *testing.T) {
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(chatPayload("决策：\n```json\n[{\"action\":\"sell\",\"code\":\"sh.600519\"}]\n```"))
	})

	decisions, err := inv.InvokeArray(context.Background(), "analyze")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "sell", decisions[0]["action"])
}

func TestInvokeArrayToleratesProseResponse(t *testing.T) {
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(chatPayload("I would rather hold everything today."))
	})

	decisions, err := inv.InvokeArray(context.Background(), "analyze")
	require.NoError(t, err)
	assert.Nil(t, decisions)
}
