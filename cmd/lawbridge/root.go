package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/lawbridge"
)

// openEngine is replaced in tests.
var openEngine = func(cfg lawbridge.Config) (lawbridge.Engine, error) {
	return lawbridge.New(cfg)
}

// app holds the global flags and the engine opened for the running command.
type app struct {
	configPath string
	dbPath     string
	logLevel   string
	jsonOut    bool

	engine lawbridge.Engine
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "lawbridge",
		Short:         "Search statutes, map old-code sections to new-code ones, and answer with citations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.engine != nil {
				return a.engine.Close()
			}
			return nil
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	f.StringVar(&a.dbPath, "db", "", "database path (overrides config)")
	f.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (default warn, or LAWBRIDGE_LOG_LEVEL)")
	f.BoolVar(&a.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		a.ingestCmd(),
		a.removeCmd(),
		a.docsCmd(),
		a.searchCmd(),
		a.askCmd(),
		a.mapCmd(),
		a.overrideCmd(),
		a.buildCmd(),
		a.importCmd(),
		a.exportCmd(),
		a.compareCmd(),
		a.analyzeCmd(),
		a.offenceCmd(),
		a.glossaryCmd(),
		a.bookmarkCmd(),
		a.verifyCmd(),
		a.diagnosticsCmd(),
		a.evalCmd(),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	// A missing .env is fine.
	_ = godotenv.Load()

	level := slog.LevelWarn
	name := a.logLevel
	if name == "" {
		name = os.Getenv("LAWBRIDGE_LOG_LEVEL")
	}
	if name != "" {
		if err := level.UnmarshalText([]byte(name)); err != nil {
			return fmt.Errorf("invalid log level %q", name)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	cfg, err := lawbridge.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	e, err := openEngine(cfg)
	if err != nil {
		return err
	}
	a.engine = e
	return nil
}

// print writes v as indented JSON with --json, or calls text otherwise.
func (a *app) print(w io.Writer, v interface{}, text func(io.Writer)) error {
	if a.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
