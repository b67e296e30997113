package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"
)

// usageRow is one tenant's totals in "atende usage".
type usageRow struct {
	Tenant       string  `json:"tenant"`
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// runUsage handles "atende usage [window]": per-tenant token totals
// for the trailing window (default 30 days).
func runUsage(ctx context.Context, stdout, stderr io.Writer, opts options, window string) error {
	period := 30 * 24 * time.Hour
	if window != "" {
		d, err := time.ParseDuration(window)
		if err != nil || d <= 0 {
			return fmt.Errorf("usage window %q: want a positive duration such as 24h", window)
		}
		period = d
	}

	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.close()
	if a.ledger == nil {
		return errors.New("usage ledger disabled: set usage.path in the config")
	}

	now := time.Now()
	byTenant, err := a.ledger.SummaryByTenant(ctx, now.Add(-period), now)
	if err != nil {
		return err
	}

	rows := make([]usageRow, 0, len(byTenant))
	for id, s := range byTenant {
		rows = append(rows, usageRow{Tenant: id, Calls: s.Calls, InputTokens: s.InputTokens, OutputTokens: s.OutputTokens, CostUSD: s.CostUSD})
	}
	slices.SortFunc(rows, func(x, y usageRow) int {
		return cmp.Or(cmp.Compare(y.CostUSD, x.CostUSD), cmp.Compare(x.Tenant, y.Tenant))
	})

	if opts.output == "json" {
		return writeJSON(stdout, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintf(stdout, "No usage in the last %s\n", period)
		return nil
	}
	fmt.Fprintf(stdout, "%-20s %8s %12s %12s %10s\n", "TENANT", "CALLS", "INPUT", "OUTPUT", "COST USD")
	for _, r := range rows {
		fmt.Fprintf(stdout, "%-20s %8d %12d %12d %10.4f\n", r.Tenant, r.Calls, r.InputTokens, r.OutputTokens, r.CostUSD)
	}
	return nil
}
