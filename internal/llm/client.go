// Package llm talks to completion providers. Replies are requested
// whole: the chunker needs the complete text before anything is sent.
package llm

import "context"

// Client is implemented by every provider.
type Client interface {
	// Chat sends the messages and returns the model's reply.
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}
