package capture_test

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/capture/capturetest"
)

func TestParseFlow(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want capture.FiveTuple
	}{
		{
			name: "ipv4 udp",
			raw:  capturetest.Build(capturetest.Spec{Src: "10.0.0.2:5000", Dst: "1.1.1.1:53", PayloadLen: 10}),
			want: capture.FiveTuple{
				Src: netip.MustParseAddr("10.0.0.2"), Dst: netip.MustParseAddr("1.1.1.1"),
				SrcPort: 5000, DstPort: 53, Proto: layers.IPProtocolUDP,
			},
		},
		{
			name: "ipv4 tcp",
			raw:  capturetest.Build(capturetest.Spec{Src: "192.168.1.5:51000", Dst: "93.184.216.34:443", TCP: true}),
			want: capture.FiveTuple{
				Src: netip.MustParseAddr("192.168.1.5"), Dst: netip.MustParseAddr("93.184.216.34"),
				SrcPort: 51000, DstPort: 443, Proto: layers.IPProtocolTCP,
			},
		},
		{
			name: "ipv6 udp",
			raw:  capturetest.Build(capturetest.Spec{Src: "[2001:db8::1]:4000", Dst: "[2001:db8::2]:4001", PayloadLen: 3}),
			want: capture.FiveTuple{
				Src: netip.MustParseAddr("2001:db8::1"), Dst: netip.MustParseAddr("2001:db8::2"),
				SrcPort: 4000, DstPort: 4001, Proto: layers.IPProtocolUDP,
			},
		},
		{name: "empty", raw: nil},
		{name: "garbage", raw: []byte{0xde, 0xad, 0xbe, 0xef}},
		{name: "truncated ipv4", raw: capturetest.Build(capturetest.Spec{Src: "10.0.0.2:5000", Dst: "1.1.1.1:53"})[:22]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := capture.ParseFlow(tt.raw)
			if diff := cmp.Diff(tt.want, got, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
				t.Fatalf("ParseFlow mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFiveTupleString(t *testing.T) {
	ft := capture.ParseFlow(capturetest.Build(capturetest.Spec{Src: "10.0.0.2:5000", Dst: "1.1.1.1:53"}))
	require.True(t, ft.Valid())
	require.Equal(t, "UDP 10.0.0.2:5000 -> 1.1.1.1:53", ft.String())
	require.Equal(t, "invalid", capture.FiveTuple{}.String())
}
