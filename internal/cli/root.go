// Package cli implements the proc-throttle command line.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proc-throttle/internal/core"
)

const (
	defaultConfigFile = "config.yaml"
	envPrefix         = "PROC_THROTTLE"
)

// Build info, set by main from ldflags.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{"dev", "unknown", "unknown"}

// SetVersionInfo records the build metadata printed by `version`.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// envKeys maps config keys to the environment variables that override them.
var envKeys = map[string]string{
	"config":                  envPrefix + "_CONFIG",
	"throttle.process":        envPrefix + "_PROCESS",
	"throttle.bandwidth_mbps": envPrefix + "_BANDWIDTH_MBPS",
	"throttle.latency_ms":     envPrefix + "_LATENCY_MS",
	"throttle.loss":           envPrefix + "_LOSS",
	"throttle.enabled":        envPrefix + "_ENABLED",
	"logging.level":           envPrefix + "_LOG_LEVEL",
	"control.address":         envPrefix + "_CONTROL",
}

// globals is shared by every subcommand.
type globals struct {
	v       *viper.Viper
	verbose bool
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for key, env := range envKeys {
		_ = v.BindEnv(key, env)
	}
	v.SetDefault("config", defaultConfigFile)
	return v
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{v: newViper()}

	root := &cobra.Command{
		Use:   "proc-throttle",
		Short: "Throttle, delay and drop the network traffic of one process",
		Long: `proc-throttle intercepts the IP traffic of a single process and reshapes it:
a bandwidth ceiling, added latency and random loss, each adjustable while
it runs. Everything else on the machine is left untouched.

Every throttle setting can come from the config file, a flag, or a
PROC_THROTTLE_* environment variable (flags win over the environment,
which wins over the file).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.v.BindPFlag("config", cmd.Flag("config"))
		},
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigFile,
		"configuration file; a relative path not found in the working directory resolves next to the executable")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCommand(g),
		newReplayCommand(g),
		newPsCommand(g),
		newCtlCommand(g),
		newConfigCommand(g),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if core.IsFatal(err) {
			fmt.Fprintln(os.Stderr, "Capture stopped; traffic is no longer throttled.")
		}
		return 1
	}
	return 0
}

// configPath returns the resolved config file path.
func (g *globals) configPath() string {
	return resolveRelativeToExe(g.v.GetString("config"))
}

// bindFlags maps flag names to config keys for one command invocation.
func (g *globals) bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		if err := g.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

// applyOverrides copies flag and environment values over cfg and reports
// whether any throttle value changed.
func (g *globals) applyOverrides(cfg *core.Config) bool {
	v := g.v
	changed := false
	if v.IsSet("throttle.process") {
		cfg.Throttle.Process = v.GetString("throttle.process")
		changed = true
	}
	if v.IsSet("throttle.bandwidth_mbps") {
		cfg.Throttle.BandwidthMbps = v.GetFloat64("throttle.bandwidth_mbps")
		changed = true
	}
	if v.IsSet("throttle.latency_ms") {
		cfg.Throttle.LatencyMS = v.GetUint32("throttle.latency_ms")
		changed = true
	}
	if v.IsSet("throttle.loss") {
		cfg.Throttle.Loss = v.GetFloat64("throttle.loss")
		changed = true
	}
	if v.IsSet("throttle.enabled") {
		cfg.Throttle.Enabled = v.GetBool("throttle.enabled")
	}
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("control.address") {
		cfg.Control.Address = v.GetString("control.address")
	}
	if g.verbose {
		cfg.Logging.Level = "debug"
	}
	return changed
}

// setupLogging replaces the global logger according to cfg.
func setupLogging(cfg core.LogConfig) func() {
	core.Log = core.NewLogger(cfg)
	return func() { _ = core.Log.Close() }
}

// resolveRelativeToExe resolves a relative path that does not exist in
// the working directory against the directory containing the executable.
func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
