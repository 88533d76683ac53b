// Package ifacestat snapshots receive-side NIC counters via
// ethtool -S. The capture engine bypasses the kernel stack, so these
// hardware counters are the only ground truth for how many packets
// the NIC actually saw and how many it dropped before a ring could
// borrow them.
package ifacestat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	RxPackets Counter = iota
	RxBytes
	RxDiscards
	RxOutOfBuffer
)

func (c Counter) String() string {
	switch c {
	case RxPackets:
		return "rx_packets_phy"
	case RxBytes:
		return "rx_bytes_phy"
	case RxDiscards:
		return "rx_discards_phy"
	case RxOutOfBuffer:
		return "rx_out_of_buffer"
	}
	return ""
}

// Per-interface counter values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Snapshot runs ethtool -S on all interfaces and collects the
// requested counters. Counters the NIC does not expose read as zero.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats)
	for _, iface := range ifaces {
		vals, err := readIface(iface, counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old per counter.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func readIface(name string, counters []Counter) (IfaceStats, error) {
	out, err := exec.Command("ethtool", "-S", name).Output()
	if err != nil {
		return nil, err
	}

	want := make(map[string]Counter, len(counters))
	for _, c := range counters {
		want[c.String()] = c
	}

	found := make(IfaceStats, len(counters))

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		ctr, ok := want[key]
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", key, err)
		}
		found[ctr] = v
	}

	for _, ctr := range counters {
		if _, ok := found[ctr]; !ok {
			found[ctr] = 0
		}
	}

	return found, nil
}

// Print writes a receive-side summary of s, one block per interface.
// interval scales the rate line; pass 0 to omit it.
func Print(w io.Writer, s Stats, interval time.Duration) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	secs := interval.Seconds()
	for _, iface := range ifaces {
		stats := s[iface]

		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]
		dropped := stats[RxDiscards] + stats[RxOutOfBuffer]

		fmt.Fprintf(w, "%s:\n", iface)
		fmt.Fprintf(w, "  RX    %-12d ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
		if secs > 0 {
			fmt.Fprintf(w, "  rate  %s pps, %.2f Mbit/s\n",
				humanize.Comma(int64(float64(rxPkts)/secs)),
				float64(rxBytes*8)/secs/1e6,
			)
		}
		fmt.Fprintf(w, "  drop  %d\n", dropped)
	}

	return nil
}
