// Habridge resolves spoken area names to Home Assistant entities and
// keeps the Home Assistant area registry in line with a target list.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	habridge areas [-validate]          List areas and their entities
//	habridge call <tool> [k=v ...]      Run a catalog tool
//	habridge sync -targets 客厅,书房     Reconcile the area registry
//	habridge -o json audit -targets ... Audit entities without an area
//	habridge version                    Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/ha-area-bridge/internal/buildinfo"
	"github.com/nugget/ha-area-bridge/internal/config"
)

// main constructs the OS-level environment and delegates to run, so
// the whole command can be driven from tests.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		cancel()
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	output     string // "text" (default) or "json"
	dryRun     bool
	traceID    string
}

// run is the real entry point. Command output goes to stdout; logs go
// to stderr so that -o json output stays machine readable.
//
// Global flags are parsed by hand, ahead of the command name, to keep
// flag.CommandLine out of the picture. Each subcommand parses its own
// flags with a private FlagSet.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		if command != "" {
			cmdArgs = append(cmdArgs, args[i])
			continue
		}
		switch {
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
		case args[i] == "-dry-run" || args[i] == "--dry-run":
			opts.dryRun = true
		case args[i] == "-trace" && i+1 < len(args):
			opts.traceID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-trace="):
			opts.traceID = strings.TrimPrefix(args[i], "-trace=")
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
	case "":
		return printUsage(stdout)
	case "version":
		return runVersion(stdout, opts.output)
	}

	cmd, ok := commands[command]
	if !ok {
		return fmt.Errorf("unknown command: %s", command)
	}

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	logger := newLogger(stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)

	a, err := newApp(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return cmd(ctx, a, &printer{w: stdout, format: opts.output}, cmdArgs)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "habridge - Home Assistant area bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: habridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Discovery:")
	fmt.Fprintln(w, "  areas [-validate]                 List areas (HA + configured)")
	fmt.Fprintln(w, "  entities [-domain -area -q -limit -attrs]")
	fmt.Fprintln(w, "                                    List entity states")
	fmt.Fprintln(w, "  state <entity_id> [-attrs]        Show one entity")
	fmt.Fprintln(w, "  services [domain]                 List services")
	fmt.Fprintln(w, "  overview                          Summarize the instance")
	fmt.Fprintln(w, "  context                           Tools, known entities and their states")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Tools:")
	fmt.Fprintln(w, "  resolve <tool> [key=value ...]    Show the service call a tool would make")
	fmt.Fprintln(w, "  call <tool> [key=value ...]       Run a catalog tool")
	fmt.Fprintln(w, "  lights|curtains|climate <action> [key=value ...]")
	fmt.Fprintln(w, "                                    Built-in device controls")
	fmt.Fprintln(w, "  catalog [list|show|delete|enable|disable|reload] [tool]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Area management:")
	fmt.Fprintln(w, "  audit -targets a,b [-domains d] [-include-unavailable]")
	fmt.Fprintln(w, "  sync -targets a,b [-keep-unused] [-force]")
	fmt.Fprintln(w, "  assign -targets a,b [-domains d] [-max n] [-all]")
	fmt.Fprintln(w, "  reassign <entity_id=area> ...")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Other:")
	fmt.Fprintln(w, "  oplog [-trace id] [-limit n]      Show recent operation log events")
	fmt.Fprintln(w, "  version                           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -dry-run          Plan without writing to Home Assistant")
	fmt.Fprintln(w, "  -trace <id>       Trace id echoed in results (default: random)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// newLogger creates a structured logger writing to w. Format must be
// "text" or "json"; anything else means text.
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

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
