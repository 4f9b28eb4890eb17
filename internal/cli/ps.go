package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"proc-throttle/internal/core"
	"proc-throttle/internal/output"
	"proc-throttle/internal/process"
)

func newPsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ps PATTERN",
		Short: "List the processes a target pattern matches and their sockets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.verbose {
				setupLogging(core.LogConfig{Level: "debug"})
			}
			return listProcesses(cmd, process.NewResolver(), args[0])
		},
	}
}

func listProcesses(cmd *cobra.Command, r process.Resolver, pattern string) error {
	ctx := cmd.Context()
	procs, err := r.FindProcesses(ctx, pattern)
	if err != nil {
		return err
	}
	eps := make(map[uint32][]process.Endpoint, len(procs))
	for _, p := range procs {
		list, err := r.ListBoundEndpoints(ctx, p.PID)
		if err != nil {
			core.Log.Debugf("Process", "Sockets of %s: %v", p, err)
			continue
		}
		eps[p.PID] = list
	}
	fmt.Fprintln(cmd.OutOrStdout(), output.Processes(procs, eps))
	return nil
}
