package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"proc-throttle/internal/control"
	"proc-throttle/internal/core"
	"proc-throttle/internal/output"
)

const ctlTimeout = 10 * time.Second

func newCtlCommand(g *globals) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running instance",
		Long: `Talk to the control API of a running "proc-throttle run". The address
defaults to control.address from the config file, then to the platform
default pipe or socket.`,
	}
	cmd.PersistentFlags().StringVar(&address, "address", "", "control pipe or socket address")

	client := func(cmd *cobra.Command) *control.Client {
		return control.NewClient(g.controlAddress(address))
	}
	withTimeout := func(cmd *cobra.Command) (context.Context, context.CancelFunc) {
		return context.WithTimeout(cmd.Context(), ctlTimeout)
	}
	printEnabled := func(cmd *cobra.Command, resp control.EnabledResponse) {
		mode := "DISABLED"
		if resp.Enabled {
			mode = "ENABLED"
		}
		if !resp.Changed {
			mode += " (unchanged)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Throttling %s\n", mode)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show mode, settings, matched processes and counters",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				st, err := client(cmd).Status(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), output.Status(st))
				return nil
			},
		},
		&cobra.Command{
			Use:   "toggle",
			Short: "Flip throttling on or off",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				resp, err := client(cmd).Toggle(ctx)
				if err != nil {
					return err
				}
				printEnabled(cmd, resp)
				return nil
			},
		},
	)
	for _, on := range []bool{true, false} {
		use, short := "disable", "Stop throttling and release held packets"
		if on {
			use, short = "enable", "Start throttling"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				resp, err := client(cmd).SetEnabled(ctx, on)
				if err != nil {
					return err
				}
				printEnabled(cmd, resp)
				return nil
			},
		})
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Change shaping parameters without touching the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			c := client(cmd)
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			next := mergeThrottleFlags(cmd, st.Config)
			applied, err := c.Apply(ctx, next)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied: %s (process %q)\n", output.ThrottleSummary(applied), applied.ProcessSubstring)
			return nil
		},
	}
	addThrottleFlags(set)
	cmd.AddCommand(set)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "reload",
			Short: "Re-read the instance's config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				cfg, err := client(cmd).Reload(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reloaded: %s (process %q)\n", output.ThrottleSummary(cfg), cfg.ProcessSubstring)
				return nil
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Ask the instance to flush and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				if err := client(cmd).Shutdown(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested")
				return nil
			},
		},
	)
	return cmd
}

// mergeThrottleFlags overlays the throttle flags given on cmd onto cur.
func mergeThrottleFlags(cmd *cobra.Command, cur core.ThrottleConfig) core.ThrottleConfig {
	f := cmd.Flags()
	if f.Changed("process") {
		cur.ProcessSubstring, _ = f.GetString("process")
	}
	if f.Changed("bandwidth-mbps") {
		mbps, _ := f.GetFloat64("bandwidth-mbps")
		cur.BandwidthBytesPerSec = core.MbpsToBytesPerSec(mbps)
	}
	if f.Changed("latency-ms") {
		cur.LatencyMS, _ = f.GetUint32("latency-ms")
	}
	if f.Changed("loss") {
		cur.LossProbability, _ = f.GetFloat64("loss")
	}
	return cur
}

// controlAddress picks --address, then PROC_THROTTLE_CONTROL or the
// config file, then the platform default.
func (g *globals) controlAddress(flag string) string {
	if flag != "" {
		return flag
	}
	if g.v.IsSet("control.address") {
		if a := g.v.GetString("control.address"); a != "" {
			return a
		}
	}
	if cfg, err := g.loadIfExists(); err == nil && cfg.Control.Address != "" {
		return cfg.Control.Address
	} else if err != nil {
		core.Log.Debugf("Control", "Config not read: %v", err)
	}
	return control.DefaultAddress
}
