package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func chatPayload(content string) []byte {
	resp := map[string]any{
		"id":    "cmpl-1",
		"model": "deepseek-chat",
		"choices": []map[string]any{
			{
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
	data, _ := json.Marshal(resp)
	return data
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient("test-key", testLogger(), WithBaseURL(srv.URL), WithModel("deepseek-chat"))
	require.NoError(t, err)
	return client, srv
}

func TestClientCompleteDecodesResponse(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody chatRequest

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write(chatPayload("buy the dip"))
	})

	comp, err := client.Complete(context.Background(), "what should I do?")
	require.NoError(t, err)

	assert.Equal(t, "buy the dip", comp.Content)
	assert.Equal(t, 15, comp.TotalTokens)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "deepseek-chat", gotBody.Model)
	assert.False(t, gotBody.Stream)
	assert.InDelta(t, 0.3, gotBody.Temperature, 1e-9)
	assert.Equal(t, 4096, gotBody.MaxTokens)
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "user", gotBody.Messages[0].Role)
}

func TestClientAuthError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"auth_error"}}`))
	})

	_, err := client.Complete(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestClientQuotaErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"payment required", http.StatusPaymentRequired, `{"error":{"message":"payment required"}}`},
		{"balance message on 403", http.StatusForbidden, `{"error":{"message":"Insufficient Balance"}}`},
		{"vendor code 1113", http.StatusBadRequest, `{"error":{"message":"账户余额不足","code":1113}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := client.Complete(context.Background(), "hi")
			assert.ErrorIs(t, err, ErrQuotaExhausted)
		})
	}
}

func TestClientRateLimitAndUpstreamErrors(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	})
	_, err := client.Complete(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrRateLimited)

	client, _ = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err = client.Complete(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestClientEmptyChoices(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	})

	_, err := client.Complete(context.Background(), "hi")
	assert.ErrorContains(t, err, "empty choices")
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient("", testLogger())
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestIsQuotaExhaustedByMessage(t *testing.T) {
	assert.True(t, IsQuotaExhausted(stringError("call failed: Insufficient Balance")))
	assert.True(t, IsQuotaExhausted(stringError("error code 1113")))
	assert.True(t, IsQuotaExhausted(stringError("账户余额不足，请充值")))
	assert.False(t, IsQuotaExhausted(stringError("connection refused")))
	assert.False(t, IsQuotaExhausted(nil))
}

type stringError string

func (e stringError) Error() string { return string(e) }
