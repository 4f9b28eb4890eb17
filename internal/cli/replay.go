package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/core"
	"proc-throttle/internal/engine"
	"proc-throttle/internal/output"
	"proc-throttle/internal/replay"
)

type replayFlags struct {
	in, out string
	ports   []uint
	seed    uint64
}

func newReplayCommand(g *globals) *cobra.Command {
	var f replayFlags
	cmd := &cobra.Command{
		Use:   "replay --in capture.pcap --out shaped.pcap",
		Short: "Shape a pcap capture offline and write the result",
		Long: `Feed a pcap capture through the shaping engine in virtual time. Surviving
packets are written with their shaped timestamps. Packets with a source
or destination port listed by --port are the target; without --port every
packet is. Engine limits come from the config file when it exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.bindFlags(cmd, throttleFlagKeys); err != nil {
				return err
			}
			return runReplay(cmd, g, f)
		},
	}
	addThrottleFlags(cmd)
	cmd.Flags().StringVarP(&f.in, "in", "i", "", "input pcap file")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "output pcap file")
	cmd.Flags().UintSliceVar(&f.ports, "port", nil, "target port (repeatable)")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "loss RNG seed for reproducible runs (0 = random)")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func runReplay(cmd *cobra.Command, g *globals, f replayFlags) error {
	cfg, err := g.loadIfExists()
	if err != nil {
		return err
	}
	g.applyOverrides(&cfg)
	closeLog := setupLogging(cfg.Logging)
	defer closeLog()

	ports := make([]uint16, 0, len(f.ports))
	for _, p := range f.ports {
		if p == 0 || p > 65535 {
			return fmt.Errorf("invalid port %d", p)
		}
		ports = append(ports, uint16(p))
	}
	if !cmd.Flags().Changed("process") && os.Getenv(envKeys["throttle.process"]) == "" {
		cfg.Throttle.Process = f.in
	}
	if f.seed != 0 {
		cfg.Engine.LossSeed = f.seed
	}

	in, err := os.Open(f.in)
	if err != nil {
		return err
	}
	src, err := capture.NewPcapReader(in)
	if err != nil {
		_ = in.Close()
		return err
	}
	defer src.Close()

	out, err := os.Create(f.out)
	if err != nil {
		return err
	}
	dst, err := capture.NewPcapWriter(out)
	if err != nil {
		_ = out.Close()
		return err
	}

	res, err := replay.Run(cmd.Context(), src, dst, replay.Options{
		Throttle: cfg.ThrottleConfig(),
		Ports:    ports,
		Engine:   engine.OptionsFromConfig(cfg),
	})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if res.Skipped > 0 {
		core.Log.Warnf("Replay", "%d packets had no TCP/UDP flow and were passed through", res.Skipped)
	}
	fmt.Fprintln(cmd.OutOrStdout(), output.FinalStats(res.Stats))
	return nil
}

// loadIfExists reads the config file without creating it. A missing file
// yields the defaults.
func (g *globals) loadIfExists() (core.Config, error) {
	path := g.configPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return core.DefaultConfig(), nil
	}
	cm := core.NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		return core.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cm.Get(), nil
}
