package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// LimitError is returned when the local rate limiter cannot admit a
// call before the caller's deadline.
type LimitError struct {
	Err error
}

func (e *LimitError) Error() string { return "completion rate limit: " + e.Err.Error() }
func (e *LimitError) Unwrap() error { return e.Err }

// RateLimited is always true.
func (e *LimitError) RateLimited() bool { return true }

// Completer turns a chat client into a single-prompt completion
// function. It is safe for concurrent use.
type Completer struct {
	client  Client
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	usage   UsageFunc
	logger  *slog.Logger
}

// Usage is the token accounting for one successful completion.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration
}

// UsageFunc receives the usage of every successful completion. It runs
// on the calling goroutine with the caller's context.
type UsageFunc func(ctx context.Context, u Usage)

// CompleterOption configures a [Completer].
type CompleterOption func(*Completer)

// WithCallTimeout bounds each call. Zero leaves only the caller's
// deadline.
func WithCallTimeout(d time.Duration) CompleterOption {
	return func(c *Completer) { c.timeout = d }
}

// WithRateLimit admits at most perSecond calls per second with the
// given burst. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) CompleterOption {
	return func(c *Completer) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithUsage registers fn to receive token usage.
func WithUsage(fn UsageFunc) CompleterOption {
	return func(c *Completer) { c.usage = fn }
}

// WithCompleterLogger sets the logger.
func WithCompleterLogger(l *slog.Logger) CompleterOption {
	return func(c *Completer) { c.logger = l }
}

// NewCompleter returns a Completer that sends prompts to model.
func NewCompleter(client Client, model string, opts ...CompleterOption) *Completer {
	c := &Completer{client: client, model: model, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the model name completions are sent to.
func (c *Completer) Model() string {
	return c.model
}

// Complete sends prompt as a single user message and returns the
// trimmed reply text. An empty reply is returned as "" with a nil
// error; deciding what that means is up to the caller.
func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &LimitError{Err: err}
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.client.Chat(ctx, c.model, []Message{{Role: RoleUser, Content: prompt}})
	if err != nil {
		return "", fmt.Errorf("chat %s: %w", c.model, err)
	}

	elapsed := time.Since(start)
	if c.usage != nil {
		model := resp.Model
		if model == "" {
			model = c.model
		}
		c.usage(ctx, Usage{
			Model:        model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			Elapsed:      elapsed,
		})
	}

	reply := strings.TrimSpace(resp.Message.Content)
	c.logger.Debug("completion finished",
		"model", c.model,
		"elapsed", elapsed.Round(time.Millisecond),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"reply_len", len([]rune(reply)),
	)
	c.logger.Log(ctx, LevelTrace, "completion reply", "reply", reply)
	return reply, nil
}
