package llm

import (
	"errors"
	"strings"
)

var (
	// ErrNoAPIKey means the client was constructed without a key.
	ErrNoAPIKey = errors.New("llm: missing API key")

	// ErrAuth means the vendor rejected the key. Retrying cannot help.
	ErrAuth = errors.New("llm: authentication rejected")

	// ErrQuotaExhausted means the account ran out of credit. Retrying
	// cannot help until the account is topped up.
	ErrQuotaExhausted = errors.New("llm: quota exhausted")

	// ErrRateLimited means the vendor throttled the request.
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrUpstream covers transport failures and 5xx responses.
	ErrUpstream = errors.New("llm: upstream failure")
)

// quotaPhrases are the balance-exhaustion markers used by the
// OpenAI-compatible vendors the arena targets. 1113 is the vendor error
// code for an empty balance.
var quotaPhrases = []string{
	"insufficient balance",
	"余额不足",
	"无可用资源包",
	"1113",
}

// IsQuotaExhausted reports whether an error means the account has no
// credit left, either by sentinel or by message content.
func IsQuotaExhausted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return true
	}
	return mentionsExhaustedQuota(err.Error())
}

func mentionsExhaustedQuota(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, phrase := range quotaPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
