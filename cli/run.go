package cli

// This file contains the run command: it wires the loader, mocker, runner,
// state manager and metrics together and records the run in the history.

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/vtest/config"
	"github.com/perfgo/vtest/history"
	"github.com/perfgo/vtest/loader"
	"github.com/perfgo/vtest/metrics"
	"github.com/perfgo/vtest/mocker"
	"github.com/perfgo/vtest/model"
	"github.com/perfgo/vtest/run"
	"github.com/perfgo/vtest/state"
)

// newHost combines the Go-defined modules with data modules on disk
func (a *App) newHost(cfg *config.Config) (loader.Host, error) {
	data := loader.NewDataHost(a.fs, cfg.Root)
	data.DependencyDir = cfg.DependencyDir

	var dataHost loader.Host = data
	if cfg.TransformCommand != "" {
		t, err := loader.NewExecTransformer(cfg.TransformCommand, cfg.Root, a.logger.With().Str("component", "transform").Logger())
		if err != nil {
			return nil, err
		}
		dataHost = loader.WithTransformer(data, t)
	}
	return loader.MultiHost{a.modules, dataHost}, nil
}

func (a *App) runTests(ctx *cli.Context) error {
	startTime := time.Now()
	filters := ctx.Args().Slice()

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	host, err := a.newHost(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		if _, err := m.Serve(ctx.Context, cfg.MetricsAddr, a.logger); err != nil {
			return err
		}
	}

	manager := state.NewManager(a.logger.With().Str("component", "state").Logger())
	unsubscribe := manager.Subscribe(a.reportFailures(manager))
	defer unsubscribe()

	senders := run.MultiSender{manager}
	var events *state.JSONLinesSender
	if path := ctx.String("events"); path != "" {
		f, err := a.fs.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create events file: %w", err)
		}
		defer f.Close()
		events = state.NewJSONLinesSender(f)
		senders = append(senders, events)
	}

	l := loader.New(host, loader.Options{
		Logger:   a.logger.With().Str("component", "loader").Logger(),
		Observer: m,
	})
	runner := run.New(run.Options{
		Sender:  senders,
		Metrics: m,
		Loader:  l,
		MockOptions: mocker.Options{
			Fs:            a.fs,
			Root:          cfg.Root,
			MocksDir:      cfg.MocksDir,
			DependencyDir: cfg.DependencyDir,
			Observer:      m,
		},
		MaxConcurrency: cfg.MaxConcurrency,
		ClearMocks:     cfg.ClearMocks,
		MockReset:      cfg.MockReset,
		RestoreMocks:   cfg.RestoreMocks,
		Logger:         a.logger,
	})

	a.logger.Info().Int("files", len(a.set.Files(filters...))).Strs("filters", filters).Msg("Running tests")
	if _, err := runner.StartTests(ctx.Context, a.set, filters...); err != nil {
		return err
	}
	if events != nil {
		if err := events.Err(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to write events")
		}
	}

	files := manager.GetFiles()
	counts := manager.Counts()
	if err := renderTree(a.out, files, false); err != nil {
		return err
	}
	renderSummary(a.out, counts, time.Since(startTime))

	exitCode := 0
	if len(manager.Failed()) > 0 {
		exitCode = 1
	}

	if !ctx.Bool("no-history") {
		h := &model.History{
			ID:        uuid.NewString(),
			Timestamp: startTime,
			Args:      os.Args,
			ExitCode:  exitCode,
			Duration:  time.Since(startTime),
			Filters:   filters,
			Counts:    counts,
			Files:     files,
			Target: &model.Target{
				OS:        runtime.GOOS,
				Arch:      runtime.GOARCH,
				GoVersion: runtime.Version(),
			},
		}
		if cwd, err := os.Getwd(); err == nil {
			h.WorkDir = cwd
		}
		// Capture git info (non-fatal if it fails)
		if git, err := a.getGitInfo(); err == nil {
			h.Git = git
		}

		store := history.NewStore(a.fs, cfg.HistoryDir, a.logger)
		if dir, err := store.Save(h); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to record history")
		} else {
			a.logger.Debug().Str("path", dir).Msg("Recorded history")
		}
	}

	if exitCode != 0 {
		return cli.Exit(fmt.Sprintf("%d of %d tests failed", counts.Failed, counts.Total), exitCode)
	}
	return nil
}

// reportFailures logs every task the moment its failure reaches the state
// manager.
func (a *App) reportFailures(manager *state.Manager) state.Listener {
	return func(event string, payload any) {
		if event != model.EventTaskUpdate {
			return
		}
		packs, _ := payload.([]model.TaskResultPack)
		for _, p := range packs {
			if p.Result == nil || p.Result.State != model.StateFail {
				continue
			}
			ev := a.logger.Warn().Str("task", p.ID)
			if task, ok := manager.GetTask(p.ID); ok {
				ev = ev.Strs("path", task.Path())
			}
			if p.Result.Error != nil {
				ev = ev.Str("error", p.Result.Error.Message)
			}
			ev.Msg("Task failed")
		}
	}
}
