package cli

import "github.com/spf13/cobra"

// throttleFlagKeys maps the shared throttle flags to config keys.
var throttleFlagKeys = map[string]string{
	"throttle.process":        "process",
	"throttle.bandwidth_mbps": "bandwidth-mbps",
	"throttle.latency_ms":     "latency-ms",
	"throttle.loss":           "loss",
}

func addThrottleFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("process", "p", "", "target process: name substring, path, dir\\* or regex:<expr>")
	f.Float64P("bandwidth-mbps", "b", 0, "bandwidth ceiling in Mbit/s (0 = unlimited)")
	f.Uint32P("latency-ms", "l", 0, "added one-way latency in milliseconds")
	f.Float64("loss", 0, "packet loss probability between 0 and 1")
}
