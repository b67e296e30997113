package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the provider-neutral reply. Wire formats are
// converted at the provider boundary.
type ChatResponse struct {
	Model   string
	Message Message

	InputTokens  int
	OutputTokens int

	// StopReason is the provider's reason for ending the reply, when
	// it reports one.
	StopReason string

	TotalDuration time.Duration
}

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string

	// RetryAfter is the provider's Retry-After hint, or zero.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// RateLimited reports a 429, or Anthropic's 529 overload.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 529
}

// RetryDelay returns the provider's Retry-After hint, or zero.
func (e *StatusError) RetryDelay() time.Duration {
	return e.RetryAfter
}

// ProviderFault reports a 5xx: the request was fine, the provider was not.
func (e *StatusError) ProviderFault() bool {
	return e.StatusCode >= 500
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
