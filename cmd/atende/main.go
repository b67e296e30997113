// Atende is a multi-tenant conversational agent for customer service
// chat channels.
//
// It serves a per-conversation turn API over HTTP and offers CLI
// commands for trying tenants out locally. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	atende serve                              Start the API server
//	atende init [dir]                         Write an example config and tenant
//	atende chat <tenant> [conversation]       Talk to a tenant on stdin
//	atende turn <tenant> <conversation> <text> Send a single message
//	atende forget <tenant> <conversation>     Delete a conversation
//	atende tenants                            List configured tenants
//	atende usage [window]                     Token usage per tenant
//	atende version                            Print version and build information
//	atende -o json version                    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/atende/internal/buildinfo"
	"github.com/nugget/atende/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	output     string // "text" (default) or "json"
}

// run is the real entry point. Structured logs go to stderr so that
// stdout carries only command output (replies, listings, JSON).
//
// Arguments are parsed by hand: the flag package relies on
// package-level globals, which makes concurrent run() calls from tests
// interfere with each other.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "serve":
		return runServe(ctx, stderr, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "chat":
		if len(cmdArgs) < 1 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: atende chat <tenant> [conversation]")
		}
		conv := "cli"
		if len(cmdArgs) == 2 {
			conv = cmdArgs[1]
		}
		return runChat(ctx, stdin, stdout, stderr, opts, cmdArgs[0], conv)
	case "turn":
		if len(cmdArgs) < 3 {
			return fmt.Errorf("usage: atende turn <tenant> <conversation> <text>")
		}
		return runTurn(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1], strings.Join(cmdArgs[2:], " "))
	case "forget":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: atende forget <tenant> <conversation>")
		}
		return runForget(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1])
	case "tenants":
		return runTenants(ctx, stdout, stderr, opts)
	case "usage":
		if len(cmdArgs) > 1 {
			return fmt.Errorf("usage: atende usage [window]")
		}
		window := ""
		if len(cmdArgs) == 1 {
			window = cmdArgs[0]
		}
		return runUsage(ctx, stdout, stderr, opts, window)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Atende - multi-tenant conversational agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: atende [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                               Start the API server")
	fmt.Fprintln(w, "  init [dir]                          Write an example config and tenant (default: .)")
	fmt.Fprintln(w, "  chat <tenant> [conversation]        Talk to a tenant interactively")
	fmt.Fprintln(w, "  turn <tenant> <conversation> <text> Send one message and print the reply")
	fmt.Fprintln(w, "  forget <tenant> <conversation>      Delete a stored conversation")
	fmt.Fprintln(w, "  tenants                             List configured tenants")
	fmt.Fprintln(w, "  usage [window]                      Token usage per tenant (default: 720h)")
	fmt.Fprintln(w, "  version                             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/atende/config.yaml, /etc/atende/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format is "text" or "json"; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the configuration file.
// Returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
