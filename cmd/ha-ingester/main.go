// ha-ingester forwards Home Assistant sensor readings to the WeSense
// network as canonical readings on MQTT and rows in the analytical
// database.
//
// Usage:
//
//	ha-ingester serve          Run the ingester
//	ha-ingester check          Validate config and preview admission decisions
//	ha-ingester init [dir]     Write an example config.yaml
//	ha-ingester version        Print version and build information
//	ha-ingester -o json version
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/wesense-earth/wesense-ingester-homeassistant/examples"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/buildinfo"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/filter"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/homeassistant"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/ingester"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/location"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/transform"
)

// checkTimeout bounds the hub requests made by the check command.
const checkTimeout = 30 * time.Second

// main delegates to run so the whole lifecycle can be driven from tests
// without os.Exit or process globals.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses args by hand; the flag package's globals get in the way of
// calling run from parallel tests.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath, outputFmt, command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "check":
		return runCheck(ctx, stdout, stderr, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "ha-ingester - Home Assistant ingester for the WeSense network")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ha-ingester [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the ingester")
	fmt.Fprintln(w, "  check        Validate config, fetch one snapshot and show admission decisions")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  $CONFIG_PATH, "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(w, "ha-ingester %s\n", info.Version)
	for _, f := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

// runInit writes the example configuration into dir unless a
// config.yaml is already there.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "%s already exists, leaving it alone\n", path)
		return nil
	}
	// The file carries the hub token once filled in.
	if err := os.WriteFile(path, examples.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "Wrote %s\n", path)
	fmt.Fprintln(w, "Set homeassistant.url, node_name and location.default before running serve.")
	return nil
}

// loadConfig finds, parses and validates the configuration. Warnings
// are logged; fatal problems are returned.
func loadConfig(explicit string, logger *slog.Logger) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		logger.Warn("config warning", "warning", w)
	}
	if err != nil {
		return nil, path, fmt.Errorf("invalid config %s:\n%w", path, err)
	}
	return cfg, path, nil
}

// runServe runs the ingester until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting ha-ingester", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.Logging.Level)
	logger = config.NewLogger(stdout, level, cfg.Logging.Format)
	logger.Info("config loaded",
		"path", cfgPath,
		"hub", cfg.HomeAssistant.URL,
		"mode", cfg.HomeAssistant.Mode,
		"filter_mode", cfg.Filters.Mode,
		"overrides", len(cfg.Location.Overrides),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := ingester.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
	}()
	return app.Run(ctx)
}

// checkResult is one entity's line in the check report.
type checkResult struct {
	EntityID string `json:"entity_id"`
	Admit    bool   `json:"admit"`
	Reason   string `json:"reason"`
	Topic    string `json:"topic,omitempty"`
	Error    string `json:"error,omitempty"`
}

// checkReport is the whole check output, as encoded with -o json.
type checkReport struct {
	MetadataError string        `json:"metadata_error,omitempty"`
	Entities      int           `json:"entities"`
	Admitted      int           `json:"admitted"`
	Results       []checkResult `json:"results"`
	Suspicious    []string      `json:"suspicious"`
}

// runCheck validates the config, reads one snapshot from the hub and
// reports what serve would do with each entity. It writes nothing to
// the broker or the database and does not geocode.
func runCheck(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	logger := config.NewLogger(stderr, slog.LevelWarn, "text")
	cfg, _, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	rest := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	states, err := rest.GetStates(ctx)
	if err != nil {
		return fmt.Errorf("fetch states: %w", err)
	}

	report := checkReport{Entities: len(states), Suspicious: []string{}}
	var md *homeassistant.Metadata
	if conn, err := ingester.WSDialer(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)(ctx); err != nil {
		report.MetadataError = err.Error()
	} else {
		md, err = homeassistant.LoadMetadata(ctx, conn)
		conn.Close()
		if err != nil {
			report.MetadataError = err.Error()
		}
	}

	f, err := filter.New(cfg.Filters, md, logger)
	if err != nil {
		return err
	}
	resolver := location.NewResolver(cfg.Location, nil, location.Options{}, logger)
	defer resolver.Close()
	tr := transform.New(resolver, md, cfg.NodeName, logger)

	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
	report.Results = make([]checkResult, 0, len(states))
	for i := range states {
		st := &states[i]
		d := f.Evaluate(st.EntityID, st)
		res := checkResult{EntityID: st.EntityID, Admit: d.Admit, Reason: d.Reason}
		if d.Admit {
			report.Admitted++
			if r, err := tr.Transform(ctx, st.EntityID, st); err != nil {
				res.Error = err.Error()
			} else {
				res.Topic = transform.BuildTopic(cfg.Output.MQTT.TopicPrefix, r)
			}
		}
		report.Results = append(report.Results, res)
	}
	if suspicious := f.FindSuspicious(states); len(suspicious) > 0 {
		report.Suspicious = suspicious
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printCheckReport(stdout, report)
}

func printCheckReport(w io.Writer, report checkReport) error {
	if report.MetadataError != "" {
		fmt.Fprintf(w, "registry metadata unavailable (%s); metadata rules not applied\n", report.MetadataError)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tADMIT\tREASON\tTOPIC")
	for _, r := range report.Results {
		admit := "no"
		if r.Admit {
			admit = "yes"
		}
		target := r.Topic
		if r.Error != "" {
			target = "error: " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.EntityID, admit, r.Reason, target)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d entities, %d admitted\n", report.Entities, report.Admitted)

	if len(report.Suspicious) > 0 {
		fmt.Fprintf(w, "\nWARNING: %d admitted entities look like republished sensor data:\n", len(report.Suspicious))
		for _, id := range report.Suspicious {
			fmt.Fprintf(w, "  %s\n", id)
		}
		fmt.Fprintln(w, "Add a pattern for them to filters.exclude_entity_patterns.")
	}
	return nil
}
