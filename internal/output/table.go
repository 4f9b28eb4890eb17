// Package output renders statistics and listings for the terminal.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"proc-throttle/internal/core"
	"proc-throttle/internal/engine"
	"proc-throttle/internal/process"
)

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

// FinalStats renders the end-of-run summary.
func FinalStats(snap engine.StatsSnapshot) string {
	t := newTable("Final Statistics")
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})

	t.AppendRows([]table.Row{
		{"Total packets processed", snap.Processed},
		{"Total packets throttled", snap.Throttled},
		{"Total packets dropped", snap.Dropped + snap.Overflow},
		{"  by loss", snap.Dropped},
		{"  by queue limits", snap.Overflow},
		{"Passed through", snap.Passthrough},
		{"Waited for bandwidth", snap.RateHeld},
		{"Shaped data forwarded", Bytes(snap.ShapedBytes)},
		{"Send errors", snap.SendErrors},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Average packets/second", fmt.Sprintf("%.2f", snap.AveragePPS())},
		{"Hold time p50/p95/p99", fmt.Sprintf("%s / %s / %s",
			round(snap.HoldP50), round(snap.HoldP95), round(snap.HoldP99))},
		{"Total runtime", fmt.Sprintf("%.1f seconds", snap.Runtime().Seconds())},
	})
	return t.Render()
}

// Status renders a control API status reply.
func Status(st engine.Status) string {
	t := newTable("")
	mode := "NORMAL"
	if st.Enabled {
		mode = "THROTTLING"
	}
	t.AppendRows([]table.Row{
		{"Mode", mode},
		{"Process", st.Target},
		{"Bandwidth", Bandwidth(st.Config.BandwidthBytesPerSec)},
		{"Latency", fmt.Sprintf("%d ms", st.Config.LatencyMS)},
		{"Loss", fmt.Sprintf("%.1f%%", st.Config.LossProbability*100)},
	})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Matched", processList(st.Processes)})
	t.AppendRow(table.Row{"Ports", portList(st.Ports)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Status", st.Stats.StatusLine()})
	return t.Render()
}

// Processes renders the ps listing.
func Processes(procs []process.Info, endpoints map[uint32][]process.Endpoint) string {
	t := newTable("")
	t.AppendHeader(table.Row{"PID", "Name", "Sockets", "Executable"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, WidthMax: 60},
	})
	for _, p := range procs {
		t.AppendRow(table.Row{p.PID, p.Name, len(endpoints[p.PID]), p.ExePath})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d processes", len(procs)), "", ""})
	return t.Render()
}

// Bandwidth formats a byte rate the way the config file expresses it.
func Bandwidth(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.2f Mbit/s (%s/s)", bytesPerSec*8/1_000_000, Bytes(uint64(bytesPerSec)))
}

// Bytes formats n with a binary unit.
func Bytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func round(d time.Duration) time.Duration {
	if d > time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(10 * time.Microsecond)
}

func processList(procs []process.Info) string {
	if len(procs) == 0 {
		return "none"
	}
	parts := make([]string, len(procs))
	for i, p := range procs {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

func portList(ports []uint16) string {
	if len(ports) == 0 {
		return "none"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, " ")
}

// ThrottleSummary is the one-line form of cfg used in log messages.
func ThrottleSummary(cfg core.ThrottleConfig) string {
	return fmt.Sprintf("%s, %d ms, %.1f%% loss", Bandwidth(cfg.BandwidthBytesPerSec), cfg.LatencyMS, cfg.LossProbability*100)
}
