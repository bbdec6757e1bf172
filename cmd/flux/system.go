package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/flux/internal/api"
	"github.com/mattjoyce/flux/internal/auth"
	"github.com/mattjoyce/flux/internal/build"
	"github.com/mattjoyce/flux/internal/config"
	"github.com/mattjoyce/flux/internal/events"
	"github.com/mattjoyce/flux/internal/lock"
	"github.com/mattjoyce/flux/internal/log"
	"github.com/mattjoyce/flux/internal/queue"
	"github.com/mattjoyce/flux/internal/scheduler"
	"github.com/mattjoyce/flux/internal/store"
	"github.com/mattjoyce/flux/internal/tui/watch"
	"github.com/mattjoyce/flux/internal/webhook"
	"github.com/mattjoyce/flux/internal/workspace"
)

// eventBacklog is how many events /events can replay to a reconnecting client.
const eventBacklog = 256

// killGrace is the SIGTERM to SIGKILL delay for build scripts.
const killGrace = 10 * time.Second

// loadConfigForTool loads configPath, or the discovered config when empty.
// With nothing discovered the defaults apply.
func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		configPath = config.Discover()
	}
	return config.Load(configPath)
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	return store.Open(ctx, cfg.State.Driver, cfg.State.Path, cfg.State.DSN)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		if discovered := config.Discover(); discovered != "" {
			*configPath = discovered
			fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("flux starting", "version", version, "config", cfg.SourcePath, "root_dir", cfg.RootDir)

	pidLock, err := lock.AcquirePIDLock(cfg.PIDPath())
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.PIDPath(), "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.State.Driver, "error", err)
		return 1
	}
	defer st.Close()
	logger.Info("database opened", "driver", cfg.State.Driver)

	created, err := st.Users().Ensure(ctx, cfg.RootUser, cfg.RootPassword)
	if err != nil {
		logger.Error("failed to seed root user", "user", cfg.RootUser, "error", err)
		return 1
	}
	if created {
		logger.Info("created root user", "user", cfg.RootUser)
	}

	key := []byte(cfg.SecretKey)
	if len(key) == 0 {
		logger.Warn("secret_key is empty; using a random key, sessions end on restart")
		if key, err = auth.RandomKey(); err != nil {
			logger.Error("failed to generate session key", "error", err)
			return 1
		}
	}
	sessions, err := auth.NewSessions(key, 0, isHTTPS(cfg.BaseURL()))
	if err != nil {
		logger.Error("failed to configure sessions", "error", err)
		return 1
	}

	ws, err := workspace.NewFSManager(cfg.BuildDir)
	if err != nil {
		logger.Error("failed to initialize workspace manager", "build_dir", cfg.BuildDir, "error", err)
		return 1
	}

	hub := events.NewHub(eventBacklog)
	executor := build.New(build.Config{
		BuildScripts: cfg.BuildScripts,
		IdentityFile: cfg.SSHIdentityFile,
		SSHVerbose:   cfg.SSHVerbose,
		Timeout:      cfg.BuildTimeout,
		Grace:        killGrace,
	}, ws, log.WithComponent("build"))
	q := queue.New(queue.Config{ParallelBuilds: cfg.ParallelBuilds}, st.Builds(), executor, hub, log.WithComponent("queue"))

	webhookConfig, err := webhook.FromGlobalConfig(cfg)
	if err != nil {
		logger.Error("failed to configure webhooks", "error", err)
		return 1
	}
	receiver := webhook.New(webhookConfig, st.Repositories(), q, log.WithComponent("webhook"))

	apiServer := api.New(api.Config{
		Listen: cfg.Listen(),
		APIKey: cfg.APIKey,
	}, api.Deps{
		Repositories: st.Repositories(),
		Builds:       st.Builds(),
		Users:        st.Users(),
		Queue:        q,
		Logs:         ws,
		Hub:          hub,
		Sessions:     sessions,
		Database:     st,
		Webhook:      receiver,
	}, log.WithComponent("api"))

	janitor := scheduler.New(scheduler.FromGlobalConfig(cfg), ws, hub, logger)

	// Builds outlive the signal context; Shutdown cancels them only once
	// drain_timeout has passed.
	if err := q.Start(context.Background()); err != nil {
		logger.Error("failed to start build queue", "error", err)
		return 1
	}
	if err := janitor.Start(ctx); err != nil {
		logger.Error("failed to start janitor", "error", err)
		q.Stop()
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(gctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		janitor.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("flux stopping; waiting for running builds", "running", q.Running(), "drain_timeout", cfg.DrainTimeout)
		if !q.Shutdown(cfg.DrainTimeout) {
			logger.Warn("running builds were cancelled at the drain deadline")
		}
		return nil
	})

	logger.Info("flux running (press Ctrl+C to stop)", "url", cfg.BaseURL(), "webhook", cfg.BaseURL()+webhook.PushPath)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("flux stopped")
	return 0
}

func isHTTPS(baseURL string) bool {
	return strings.HasPrefix(baseURL, "https://")
}

type statusCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	ActivePID int    `json:"active_pid,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Config  string        `json:"config,omitempty"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := collectStatus(context.Background(), *configPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			state := "OK"
			if !c.OK {
				state = "FAIL"
			}
			if c.Detail != "" {
				fmt.Printf("%s: %s (%s)\n", c.Name, state, c.Detail)
			} else {
				fmt.Printf("%s: %s\n", c.Name, state)
			}
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

// collectStatus checks the config loads, the database answers and no
// server holds the PID lock. Later checks fail when the config does not load.
func collectStatus(ctx context.Context, configPath string) statusReport {
	report := statusReport{Healthy: true}
	fail := func(c statusCheck) {
		report.Healthy = false
		report.Checks = append(report.Checks, c)
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fail(statusCheck{Name: "config_load", Detail: err.Error()})
		fail(statusCheck{Name: "state_db", Detail: "config not loaded"})
		fail(statusCheck{Name: "pid_lock", Detail: "config not loaded"})
		return report
	}
	report.Config = cfg.SourcePath
	report.Checks = append(report.Checks, statusCheck{Name: "config_load", OK: true})

	st, err := openStore(ctx, cfg)
	if err != nil {
		fail(statusCheck{Name: "state_db", Detail: err.Error()})
	} else {
		pingErr := st.Ping(ctx)
		_ = st.Close()
		if pingErr != nil {
			fail(statusCheck{Name: "state_db", Detail: pingErr.Error()})
		} else {
			report.Checks = append(report.Checks, statusCheck{Name: "state_db", OK: true, Detail: cfg.State.Driver})
		}
	}

	held, err := lock.Held(cfg.PIDPath())
	switch {
	case err != nil:
		fail(statusCheck{Name: "pid_lock", Detail: err.Error()})
	case held:
		c := statusCheck{Name: "pid_lock", Detail: "server already running"}
		if pid, err := lock.ReadPID(cfg.PIDPath()); err == nil {
			c.ActivePID = pid
		}
		fail(c)
	default:
		report.Checks = append(report.Checks, statusCheck{Name: "pid_lock", OK: true, Detail: "not held"})
	}

	return report
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	apiURL := fs.String("api-url", "", "Server URL")
	apiKey := fs.String("api-key", os.Getenv("FLUX_API_KEY"), "API key")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiURL == "" || *apiKey == "" {
		cfg, err := loadConfigForTool(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
			return 1
		}
		if *apiURL == "" {
			*apiURL = cfg.BaseURL()
		}
		if *apiKey == "" {
			*apiKey = cfg.APIKey
		}
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Set api_key in the config, use --api-key or FLUX_API_KEY.")
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
