package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/atende/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"

	// anthropicMaxTokens caps a reply. Chat replies are chunked into a
	// few short messages, so this is generous.
	anthropicMaxTokens = 1024
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client authenticated with apiKey.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: anthropicAPIURL,
		logger:  logger.With("provider", "anthropic"),
		// Deadlines come from the caller's context.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming request to /v1/messages. System messages
// are lifted into the request's system field.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	msgs, system := convertToAnthropic(messages)
	if len(msgs) == 0 {
		return nil, errors.New("no user or assistant messages")
	}

	payload, err := json.Marshal(anthropicRequest{
		Model:     model,
		Messages:  msgs,
		System:    system,
		MaxTokens: anthropicMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	resp, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		serr := &StatusError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 4096),
			RetryAfter: parseRetryAfter(resp.Header),
		}
		c.logger.Warn("API error", "status", serr.StatusCode, "body", serr.Body)
		return nil, serr
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c.logger.Debug("response received",
		"model", ar.Model,
		"input_tokens", ar.Usage.InputTokens,
		"output_tokens", ar.Usage.OutputTokens,
		"stop_reason", ar.StopReason,
	)
	return &ChatResponse{
		Model:        ar.Model,
		Message:      Message{Role: RoleAssistant, Content: text.String()},
		InputTokens:  ar.Usage.InputTokens,
		OutputTokens: ar.Usage.OutputTokens,
		StopReason:   ar.StopReason,
	}, nil
}

// Ping verifies the API key by listing models.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models?limit=1", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 1024)}
	}
	return nil
}

func (c *AnthropicClient) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

// convertToAnthropic splits system messages out of the conversation
// and merges consecutive same-role messages, which the API rejects.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var system []string
	var out []anthropicMessage
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return out, strings.Join(system, "\n\n")
}
