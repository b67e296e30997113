package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/atende/internal/conversation"
)

// turnOutput is the JSON form of one turn's result.
type turnOutput struct {
	Tenant       string   `json:"tenant"`
	Conversation string   `json:"conversation"`
	Chunks       []string `json:"chunks,omitempty"`
	Error        string   `json:"error,omitempty"`
	Retryable    bool     `json:"retryable,omitempty"`
	RetryAfter   string   `json:"retry_after,omitempty"`
}

// runTurn handles "atende turn": one message in, the reply chunks out.
func runTurn(ctx context.Context, stdout, stderr io.Writer, opts options, tenantID, conv, text string) error {
	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.close()

	chunks, err := a.orch.HandleTurn(ctx, tenantID, conv, text)
	if opts.output == "json" {
		out := turnOutput{Tenant: tenantID, Conversation: conv, Chunks: chunks}
		if err != nil {
			out.Error = err.Error()
			var cerr *conversation.CompletionError
			if errors.As(err, &cerr) {
				out.Retryable = true
				out.RetryAfter = cerr.RetryAfter().String()
			}
		}
		if werr := writeJSON(stdout, out); werr != nil {
			return werr
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("turn: %w", err)
	}
	printChunks(stdout, chunks)
	return nil
}

// runChat handles "atende chat": an interactive loop over stdin. Each
// line is one message. A failed turn is reported and the loop goes on;
// the message has been recorded and the next line continues the same
// conversation.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options, tenantID, conv string) error {
	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.close()

	t, err := a.tenants.Tenant(ctx, tenantID)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s (%s). Conversation %q. Ctrl-D to quit.\n", t.AgentName, t.BusinessName, conv)

	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		chunks, err := a.orch.HandleTurn(ctx, tenantID, conv, line)
		var cerr *conversation.CompletionError
		switch {
		case errors.As(err, &cerr):
			fmt.Fprintf(stdout, "[no reply (%s), message recorded; retry in %s]\n", cerr.Reason, cerr.RetryAfter())
		case err != nil:
			return fmt.Errorf("turn: %w", err)
		default:
			printChunks(stdout, chunks)
		}
	}
}

func printChunks(w io.Writer, chunks []string) {
	for _, c := range chunks {
		fmt.Fprintln(w, c)
		fmt.Fprintln(w)
	}
}

// runForget handles "atende forget": retention deletion of one
// conversation.
func runForget(ctx context.Context, stdout, stderr io.Writer, opts options, tenantID, conv string) error {
	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.orch.Forget(ctx, tenantID, conv); err != nil {
		return fmt.Errorf("forget: %w", err)
	}
	if opts.output == "json" {
		return writeJSON(stdout, map[string]any{"tenant": tenantID, "conversation": conv, "deleted": true})
	}
	fmt.Fprintf(stdout, "Deleted conversation %s/%s\n", tenantID, conv)
	return nil
}

// tenantSummary is one row of "atende tenants".
type tenantSummary struct {
	ID            string `json:"id"`
	AgentName     string `json:"agent_name,omitempty"`
	BusinessName  string `json:"business_name,omitempty"`
	Conversations int    `json:"conversations"`
	Error         string `json:"error,omitempty"`
}

// runTenants handles "atende tenants". Tenants that fail to load are
// listed with their error rather than aborting the listing.
func runTenants(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.close()

	ids, err := a.tenants.IDs()
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	rows := make([]tenantSummary, 0, len(ids))
	for _, id := range ids {
		row := tenantSummary{ID: id}
		t, err := a.tenants.Tenant(ctx, id)
		if err != nil {
			row.Error = err.Error()
			rows = append(rows, row)
			continue
		}
		row.AgentName, row.BusinessName = t.AgentName, t.BusinessName
		if keys, err := a.orch.Conversations(ctx, id); err == nil {
			row.Conversations = len(keys)
		}
		rows = append(rows, row)
	}

	if opts.output == "json" {
		return writeJSON(stdout, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintf(stdout, "No tenants in %s\n", a.tenants.Dir())
		return nil
	}
	for _, r := range rows {
		if r.Error != "" {
			fmt.Fprintf(stdout, "%-20s ERROR %s\n", r.ID, r.Error)
			continue
		}
		fmt.Fprintf(stdout, "%-20s %s (%s), %d conversations\n", r.ID, r.AgentName, r.BusinessName, r.Conversations)
	}
	return nil
}
