package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/r3labs/diff/v3"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipfetch/clipfetch"
	"github.com/clipfetch/clipfetch/adapter/direct"
	"github.com/clipfetch/clipfetch/adapter/youtube"
	"github.com/clipfetch/clipfetch/adapter/ytdlp"
	"github.com/clipfetch/clipfetch/internal/asyncx"
	"github.com/clipfetch/clipfetch/internal/library"
	"github.com/clipfetch/clipfetch/internal/orchestrator"
	"github.com/clipfetch/clipfetch/internal/relay"
	"github.com/clipfetch/clipfetch/internal/store"
)

const appName = "clipfetch"

func main() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := config.Build()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &cli.App{
		Name:  appName,
		Usage: "download and relay online video",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data-dir",
				Value: defaultDataDir(),
				Usage: "store job registry and library in `DIR`",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log every job state change",
			},
		},
		Commands: []*cli.Command{
			infoCommand(ctx),
			getCommand(ctx),
			listCommand(ctx),
			libraryCommand(),
			serveCommand(ctx),
		},
		HideHelpCommand: true,
	}

	result := asyncx.Run(func() error { return app.Run(os.Args) })

	select {
	case err = <-result:
		if err != nil {
			logger.Fatal(err.Error())
		}
	case <-ctx.Done():
		stop()
		if err = <-result; err != nil {
			logger.Fatal(err.Error())
		}
	}
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "." + appName
	}
	return filepath.Join(base, appName)
}

// newOrchestrator assembles the adapter registry and persistent state for
// commands that run downloads.
func newOrchestrator(ctx context.Context, c *cli.Context, outputDir string) (*orchestrator.Orchestrator, func(), error) {
	dataDir := c.String("data-dir")
	if err := os.MkdirAll(dataDir, 0o775); err != nil {
		return nil, nil, fmt.Errorf("cannot create data dir: %w", err)
	}
	jobStore, err := store.Open(filepath.Join(dataDir, "jobs.db"))
	if err != nil {
		return nil, nil, err
	}
	lib, err := library.Open(filepath.Join(dataDir, "library.db"))
	if err != nil {
		jobStore.Close()
		return nil, nil, err
	}

	registry := &clipfetch.AdapterRegistry{}
	registry.MustAddPriority(ytdlp.New(ytdlp.DefaultConfig), clipfetch.PriorityHighest)
	registry.MustAdd(youtube.New())
	registry.MustAddPriority(direct.New(), clipfetch.PriorityLowest)

	cfg := orchestrator.DefaultConfig
	cfg.OutputDir = outputDir
	cfg.Registry = registry
	cfg.Store = jobStore
	cfg.Recorder = lib
	o := orchestrator.New(cfg, ctx)
	if err := o.Initialize(ctx); err != nil {
		jobStore.Close()
		lib.Close()
		return nil, nil, err
	}
	cleanup := func() {
		o.Close()
		jobStore.Close()
		lib.Close()
	}
	return o, cleanup, nil
}

func infoCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "print metadata for a video URL",
		ArgsUsage: "URL",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one URL", 1)
			}
			o, cleanup, err := newOrchestrator(ctx, c, ".")
			if err != nil {
				return err
			}
			defer cleanup()

			info, err := o.GetVideoInfo(ctx, c.Args().First())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}

func getCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "download one or more videos",
		ArgsUsage: "URL...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "target",
				Value: ".",
				Usage: "save downloaded video to `DIR`",
			},
			&cli.StringFlag{
				Name:  "quality",
				Value: "best",
				Usage: "quality ceiling (e.g. 720, 1080, best, audio)",
			},
			&cli.StringFlag{
				Name:  "adapter",
				Usage: "pin a specific adapter by `NAME` (disables fallback)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("expected at least one URL", 1)
			}
			o, cleanup, err := newOrchestrator(ctx, c, c.String("target"))
			if err != nil {
				return err
			}
			defer cleanup()

			for _, locator := range c.Args().Slice() {
				if err := download(ctx, o, locator, c); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func download(ctx context.Context, o *orchestrator.Orchestrator, locator string, c *cli.Context) error {
	logger := zap.S()
	logger.Infof("Downloading %s", locator)

	// Subscribe before starting so no lifecycle event is missed.
	events, err := o.Subscribe()
	if err != nil {
		return err
	}
	defer events.Close()

	id, err := o.StartDownload(locator, orchestrator.StartOptions{
		Quality: c.String("quality"),
		Adapter: c.String("adapter"),
	})
	if err != nil {
		return err
	}

	verbose := c.Bool("verbose")
	bar := progressbar.DefaultBytes(1, "downloading")
	var prev orchestrator.Job
	for {
		select {
		case <-ctx.Done():
			o.CancelDownload(id)
			return ctx.Err()
		case event, ok := <-events.Receive():
			if !ok {
				return nil
			}
			if event.JobID() != id {
				continue
			}
			switch e := event.(type) {
			case orchestrator.JobProgress:
				if verbose {
					logChanges(logger, prev, e.Job)
				}
				prev = e.Job
				if e.Job.BytesTotal > 0 && int64(bar.GetMax()) != e.Job.BytesTotal {
					bar.ChangeMax64(e.Job.BytesTotal)
				}
				_ = bar.Set64(e.Job.BytesDownloaded)
			case orchestrator.JobCompleted:
				_ = bar.Finish()
				logger.Infof("Download complete: %s", e.Job.FilePath)
				return nil
			case orchestrator.JobFailed:
				_ = bar.Exit()
				return fmt.Errorf("download failed: %s: %s", e.Job.Error.Kind, e.Job.Error.Message)
			case orchestrator.JobCancelled:
				_ = bar.Exit()
				logger.Info("Download cancelled")
				return nil
			}
		}
	}
}

func logChanges(logger *zap.SugaredLogger, before, after orchestrator.Job) {
	changes, err := diff.Diff(before, after)
	if err != nil {
		logger.Errorf("failed to diff job states: %v", err)
		return
	}
	for _, change := range changes {
		logger.Debugf("%v: %#v -> %#v", change.Path, change.From, change.To)
	}
}

func listCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list tracked download jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "filter",
				Value: "all",
				Usage: "one of: all, active, completed, failed",
			},
		},
		Action: func(c *cli.Context) error {
			o, cleanup, err := newOrchestrator(ctx, c, ".")
			if err != nil {
				return err
			}
			defer cleanup()

			for _, job := range o.List(orchestrator.Filter(c.String("filter"))) {
				line := fmt.Sprintf("%s  %-13s  %3.0f%%  %s", job.ID, job.State, job.Progress*100, job.Locator)
				if job.Error != nil {
					line += fmt.Sprintf("  (%s: %s)", job.Error.Kind, job.Error.Message)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func libraryCommand() *cli.Command {
	return &cli.Command{
		Name:  "library",
		Usage: "list or search completed downloads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "search",
				Usage: "only entries matching `QUERY`",
			},
		},
		Action: func(c *cli.Context) error {
			lib, err := library.Open(filepath.Join(c.String("data-dir"), "library.db"))
			if err != nil {
				return err
			}
			defer lib.Close()

			var entries []library.Entry
			if q := c.String("search"); q != "" {
				entries, err = lib.Search(q)
			} else {
				entries, err = lib.List()
			}
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %s  %s  %s\n",
					e.CreatedAt.Format(time.RFC3339), e.ID, e.Title, e.FilePath)
			}
			return nil
		},
	}
}

func serveCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the local streaming relay until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: relay.DefaultConfig.Addr,
				Usage: "listen on `ADDR` (loopback only)",
			},
			&cli.StringSliceFlag{
				Name:  "allow",
				Usage: "additional allowed upstream `HOST`",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := relay.DefaultConfig
			cfg.Addr = c.String("addr")
			cfg.AllowedHosts = append(cfg.AllowedHosts, c.StringSlice("allow")...)
			rl := relay.New(cfg)
			if err := rl.Start(); err != nil {
				return err
			}
			zap.S().Infof("Relay ready on port %d", rl.Port())
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return rl.Close(shutdownCtx)
		},
	}
}
