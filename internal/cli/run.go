package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/classifier"
	"proc-throttle/internal/control"
	"proc-throttle/internal/core"
	"proc-throttle/internal/engine"
	"proc-throttle/internal/metrics"
	"proc-throttle/internal/output"
	"proc-throttle/internal/process"
)

func newRunCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Intercept and shape the target process's traffic",
		Long: `Start intercepting traffic. Throttling starts in the state given by
throttle.enabled (or --enabled) and can be switched with
"proc-throttle ctl toggle" or, on Unix, SIGUSR1. SIGHUP reloads the
config file; edits to the file are also picked up automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := map[string]string{
				"throttle.enabled": "enabled",
				"logging.level":    "log-level",
				"control.address":  "control",
			}
			for k, f := range throttleFlagKeys {
				keys[k] = f
			}
			if err := g.bindFlags(cmd, keys); err != nil {
				return err
			}
			return runThrottle(cmd, g)
		},
	}
	addThrottleFlags(cmd)
	cmd.Flags().Bool("enabled", false, "start with throttling enabled")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().String("control", "", "control API pipe or socket address")
	return cmd
}

func runThrottle(cmd *cobra.Command, g *globals) error {
	// === 1. Configuration ===
	bus := core.NewEventBus()
	cm := core.NewConfigManager(g.configPath(), bus)
	// Flags and environment win over the file on every reload too.
	cm.SetOverlay(func(c *core.Config) { g.applyOverrides(c) })
	if err := cm.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cm.Get()
	closeLog := setupLogging(cfg.Logging)
	defer closeLog()

	core.Log.Infof("Core", "proc-throttle %s starting", versionInfo.Version)
	core.Log.Infof("Core", "%s", cfg.ThrottleConfig())

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// === 2. Classifier ===
	cls := classifier.New(process.NewResolver(), cfg.Throttle.Process, classifier.Options{
		Refresh:    cfg.Classifier.Refresh,
		AllMatches: cfg.Classifier.AllMatches,
	})
	cls.Start(ctx)

	// === 3. Capture ===
	// The filter follows the target's ports as the classifier rebinds.
	handle, err := capture.NewRefilter(func(filter string) (capture.Handle, error) {
		return capture.OpenLive(capture.Config{Filter: filter, Priority: cfg.Capture.Priority})
	}, capture.FilterOptions{
		Explicit:       cfg.Capture.Filter,
		Ports:          cls.Binding().Ports(),
		MaxListedPorts: cfg.Capture.MaxListedPorts,
		RangeStart:     cfg.Capture.PortRangeStart,
		RangeEnd:       cfg.Capture.PortRangeEnd,
	})
	if err != nil {
		return err
	}
	engine.FollowPorts(cls, handle)

	// === 4. Engine ===
	state := engine.NewState(cfg.ThrottleConfig(), cfg.Throttle.Enabled)
	eng := engine.New(state, cls, engine.HandleSink{Handle: handle}, engine.OptionsFromConfig(cfg))
	pipeline := engine.NewPipeline(eng, handle, state, engine.PipelineOptions{
		Tick:     cfg.Engine.Tick,
		Shutdown: cfg.Engine.Shutdown,
	})

	// === 5. Stats ===
	stats := engine.NewStatsCollector(eng, state, time.Second)
	stats.Start(ctx)
	defer stats.Stop()
	go logStatus(ctx, stats, cfg.StatusInterval)

	// === 6. Control ===
	ctl := engine.NewController(state, engine.ControllerDeps{
		Configs:    cm,
		Classifier: cls,
		Stats:      stats,
		Bus:        bus,
		Shutdown:   cancel,
	})
	bus.Subscribe(core.EventConfigReloaded, func(e core.Event) {
		if p, ok := e.Payload.(core.ConfigPayload); ok && !g.verbose {
			core.Log.SetLevel(core.ParseLevel(p.Config.Logging.Level))
		}
	})
	if err := cm.Watch(ctx); err != nil {
		core.Log.Warnf("Config", "Not watching config file: %v", err)
	}
	watchSignals(ctx, ctl)

	if !cfg.Control.Disabled {
		reg := metrics.NewRegistry(metrics.Sources{Engine: eng, State: state, Stats: stats, Runtime: true})
		srv := control.NewServer(ctl, metrics.Handler(reg))
		stop, err := srv.ListenAndServe(cfg.Control.Address)
		if err != nil {
			core.Log.Warnf("Control", "Control API unavailable: %v", err)
		} else {
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer scancel()
				_ = stop(sctx)
			}()
		}
	}

	// === 7. Packet loop ===
	mode := "DISABLED"
	if state.Enabled() {
		mode = "ENABLED"
	}
	core.Log.Infof("Core", "Running, throttling %s. Use \"proc-throttle ctl toggle\" to switch, Ctrl+C to exit", mode)
	runErr := pipeline.Run(ctx)

	fmt.Fprintln(cmd.OutOrStdout(), output.FinalStats(stats.Collect()))
	return runErr
}

// logStatus logs the one-line status every interval.
func logStatus(ctx context.Context, stats *engine.StatsCollector, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			core.Log.Infof("Status", "%s", stats.Latest().StatusLine())
		}
	}
}
