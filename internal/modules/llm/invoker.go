package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultAttempts    = 3
	defaultBackoffBase = 2 * time.Second
	defaultCallTimeout = 600 * time.Second
)

// Invoker retries a Client with exponential backoff. Auth and quota errors
// short-circuit: they cannot be fixed by waiting.
type Invoker struct {
	client      *Client
	attempts    int
	backoffBase time.Duration
	callTimeout time.Duration
	log         zerolog.Logger
}

// InvokerOption adjusts the retry policy.
type InvokerOption func(*Invoker)

// WithAttempts sets the maximum number of attempts per call.
func WithAttempts(n int) InvokerOption {
	return func(inv *Invoker) {
		if n > 0 {
			inv.attempts = n
		}
	}
}

// WithBackoffBase sets the base delay doubled between attempts.
func WithBackoffBase(d time.Duration) InvokerOption {
	return func(inv *Invoker) {
		if d > 0 {
			inv.backoffBase = d
		}
	}
}

// WithCallTimeout bounds one attempt.
func WithCallTimeout(d time.Duration) InvokerOption {
	return func(inv *Invoker) {
		if d > 0 {
			inv.callTimeout = d
		}
	}
}

// NewInvoker wraps a client with the arena retry policy.
func NewInvoker(client *Client, log zerolog.Logger, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		client:      client,
		attempts:    defaultAttempts,
		backoffBase: defaultBackoffBase,
		callTimeout: defaultCallTimeout,
		log:         log.With().Str("component", "llm_invoker").Str("model", client.Model()).Logger(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Model returns the underlying client's model name.
func (inv *Invoker) Model() string { return inv.client.Model() }

// Invoke sends the prompt and returns the raw completion text.
func (inv *Invoker) Invoke(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= inv.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, inv.callTimeout)
		comp, err := inv.client.Complete(callCtx, prompt)
		cancel()

		if err == nil {
			inv.log.Info().
				Int("attempt", attempt).
				Dur("latency", comp.Latency).
				Int("tokens", comp.TotalTokens).
				Msg("LLM call succeeded")
			return comp.Content, nil
		}
		lastErr = err

		if IsQuotaExhausted(err) {
			inv.log.Error().Err(err).Msg("API balance exhausted, not retrying")
			return "", err
		}
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrNoAPIKey) {
			inv.log.Error().Err(err).Msg("API key rejected, not retrying")
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if attempt < inv.attempts {
			delay := inv.backoffBase << (attempt - 1)
			inv.log.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", inv.attempts).
				Dur("retry_in", delay).
				Msg("LLM call failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	inv.log.Error().Err(lastErr).Int("attempts", inv.attempts).Msg("LLM call exhausted retries")
	return "", lastErr
}

// InvokeArray sends the prompt and extracts a JSON decision array from the
// response. An unparseable response is an empty decision list, not an
// error; the API call itself failing is.
func (inv *Invoker) InvokeArray(ctx context.Context, prompt string) ([]map[string]any, error) {
	text, err := inv.Invoke(ctx, prompt)
	if err != nil {
		return nil, err
	}
	decisions := ExtractJSONArray(text)
	if decisions == nil {
		inv.log.Warn().Int("response_len", len(text)).Msg("No JSON array in LLM response")
	}
	return decisions, nil
}
