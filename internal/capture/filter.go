package capture

import (
	"fmt"
	"slices"
	"strings"
)

// FilterOptions drive BuildFilter.
type FilterOptions struct {
	// Explicit overrides everything else when non-empty.
	Explicit       string
	Ports          []uint16
	MaxListedPorts int
	RangeStart     uint16
	RangeEnd       uint16
}

// listed returns the ports BuildFilter names individually, or false when
// it falls back to the port range.
func (o FilterOptions) listed() ([]uint16, bool) {
	ports := slices.Clone(o.Ports)
	slices.Sort(ports)
	ports = slices.Compact(ports)

	maxPorts := o.MaxListedPorts
	if maxPorts <= 0 {
		maxPorts = 20
	}
	if len(ports) == 0 || len(ports) > maxPorts {
		return nil, false
	}
	return ports, true
}

func (o FilterOptions) portRange() (uint16, uint16) {
	if o.RangeStart == 0 && o.RangeEnd == 0 {
		return 49000, 65000
	}
	return o.RangeStart, o.RangeEnd
}

// Covers reports whether the filter built from o matches traffic on
// every port in ports.
func (o FilterOptions) Covers(ports []uint16) bool {
	if strings.TrimSpace(o.Explicit) != "" {
		return true
	}
	listed, ok := o.listed()
	start, end := o.portRange()
	for _, p := range ports {
		if ok && !slices.Contains(listed, p) {
			return false
		}
		if !ok && (p < start || p > end) {
			return false
		}
	}
	return true
}

// BuildFilter returns a WinDivert filter expression. Up to MaxListedPorts
// known ports are listed individually; otherwise the expression matches
// source or destination ports in [RangeStart, RangeEnd].
func BuildFilter(opts FilterOptions) string {
	if f := strings.TrimSpace(opts.Explicit); f != "" {
		return f
	}

	if ports, ok := opts.listed(); ok {
		conds := make([]string, 0, len(ports))
		for _, p := range ports {
			conds = append(conds, fmt.Sprintf(
				"tcp.SrcPort == %d or tcp.DstPort == %d or udp.SrcPort == %d or udp.DstPort == %d",
				p, p, p, p))
		}
		return "(tcp or udp) and (" + strings.Join(conds, " or ") + ")"
	}

	start, end := opts.portRange()
	conds := make([]string, 0, 4)
	for _, field := range []string{"tcp.SrcPort", "tcp.DstPort", "udp.SrcPort", "udp.DstPort"} {
		conds = append(conds, fmt.Sprintf("(%s >= %d and %s <= %d)", field, start, field, end))
	}
	return "(tcp or udp) and (" + strings.Join(conds, " or ") + ")"
}
