package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/vtest/collect"
	"github.com/perfgo/vtest/config"
	"github.com/perfgo/vtest/loader"
)

const AppName = "vtest"

type App struct {
	logger zerolog.Logger
	cli    *cli.App

	fs      afero.Fs
	out     io.Writer
	set     *collect.Set
	modules *loader.MemoryHost
}

// New creates the application serving the test files and modules registered
// in collect.Default and loader.Default.
func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	return newApp(logger, afero.NewOsFs(), os.Stdout, collect.Default, loader.Default)
}

func newApp(logger zerolog.Logger, fs afero.Fs, out io.Writer, set *collect.Set, modules *loader.MemoryHost) *App {
	app := &App{
		logger:  logger,
		fs:      fs,
		out:     out,
		set:     set,
		modules: modules,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Run registered test files with module mocking",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
				&cli.StringFlag{
					Name:    "config",
					Aliases: []string{"c"},
					Usage:   "Path of the configuration file",
					Value:   config.FileName,
				},
				&cli.StringFlag{
					Name:  "history-dir",
					Usage: "Directory holding the run history (default from config: .vtest)",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
			Writer: out,
		},
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Run the registered test files",
		ArgsUsage: "[FILTER...]",
		Description: `Run every registered test file whose path contains one of the filters.
Without filters all files run.

Examples:
  vtest run                    # Run all files
  vtest run math_test          # Run files with math_test in their path
  vtest run --events out.jsonl # Also write every runner event as JSON lines`,
		Action: app.runTests,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "root",
				Usage: "Directory modules and mock overrides are resolved against",
			},
			&cli.IntFlag{
				Name:  "max-concurrency",
				Usage: "Maximum number of concurrently running tests (0 = unbounded)",
			},
			&cli.BoolFlag{
				Name:  "clear-mocks",
				Usage: "Clear spy calls after each file",
			},
			&cli.BoolFlag{
				Name:  "mock-reset",
				Usage: "Reset spy implementations after each file",
			},
			&cli.BoolFlag{
				Name:  "restore-mocks",
				Usage: "Restore spied originals after each file",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address during the run",
			},
			&cli.StringFlag{
				Name:  "events",
				Usage: "Write runner events as JSON lines to this file",
			},
			&cli.BoolFlag{
				Name:  "no-history",
				Usage: "Do not record the run in the history",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List previous test runs",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "filter",
				Aliases: []string{"f"},
				Usage:   "Only show runs of files containing this text",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "view",
		Usage:     "View test results from history",
		ArgsUsage: "[ID|INDEX]",
		Action:    app.view,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "tap",
				Usage: "Print the results in TAP version 13",
			},
			&cli.BoolFlag{
				Name:  "failed",
				Usage: "Only show failed tasks",
			},
		},
		Description: `View test results from history.

Arguments:
  0           View last test run (default)
  -1          View 2nd last test run
  -2          View 3rd last test run
  <id>        View test run matching the ID prefix

Examples:
  vtest view           # View last test run
  vtest view -- -1     # View 2nd last test run
  vtest view --tap     # Print the last test run as TAP`,
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

// loadConfig reads the configuration file named by --config and applies the
// command line overrides.
func (a *App) loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(a.fs, ctx.String("config"))
	if err != nil {
		return nil, err
	}

	if ctx.IsSet("history-dir") {
		cfg.HistoryDir = ctx.String("history-dir")
	}
	if ctx.IsSet("root") {
		cfg.Root = ctx.String("root")
	}
	if ctx.IsSet("max-concurrency") {
		cfg.MaxConcurrency = ctx.Int("max-concurrency")
	}
	if ctx.IsSet("clear-mocks") {
		cfg.ClearMocks = ctx.Bool("clear-mocks")
	}
	if ctx.IsSet("mock-reset") {
		cfg.MockReset = ctx.Bool("mock-reset")
	}
	if ctx.IsSet("restore-mocks") {
		cfg.RestoreMocks = ctx.Bool("restore-mocks")
	}
	if ctx.IsSet("metrics-addr") {
		cfg.MetricsAddr = ctx.String("metrics-addr")
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
