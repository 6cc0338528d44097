package agent

import (
	"context"
	"fmt"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/config"
)

// Network watches per-interface traffic counters and publishes the deltas
// between cycles. Interfaces with new errors or drops become self-reported
// issues. The first cycle only establishes the baseline.
type Network struct {
	*Base
	interfaces map[string]bool // nil or empty = all
	previous   map[string]psnet.IOCountersStat
}

// NewNetwork builds a network agent watching cfg.Interfaces.
func NewNetwork(cfg *config.Config, b *bus.Bus) (*Network, error) {
	base, err := NewBase("network", cfg, b)
	if err != nil {
		return nil, err
	}
	n := &Network{Base: base}
	if len(cfg.Interfaces) > 0 {
		n.interfaces = make(map[string]bool, len(cfg.Interfaces))
		for _, name := range cfg.Interfaces {
			n.interfaces[name] = true
		}
	}
	n.SetCheck(n.sample)
	return n, nil
}

func (n *Network) watched(name string) bool {
	return n.interfaces == nil || n.interfaces[name]
}

func (n *Network) sample(ctx context.Context) error {
	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return fmt.Errorf("interface counters: %w", err)
	}

	current := make(map[string]psnet.IOCountersStat, len(counters))
	for _, c := range counters {
		if n.watched(c.Name) {
			current[c.Name] = c
		}
	}

	if n.previous != nil {
		for name, cur := range current {
			prev, ok := n.previous[name]
			if !ok {
				continue
			}
			if countersReset(cur, prev) {
				// Kernel counters went backwards (driver reload,
				// interface bounce); re-baseline instead of
				// publishing underflowed deltas.
				continue
			}
			delta := bus.NetworkPayload{
				Interface: name,
				BytesIn:   cur.BytesRecv - prev.BytesRecv,
				BytesOut:  cur.BytesSent - prev.BytesSent,
				ErrsIn:    cur.Errin - prev.Errin,
				ErrsOut:   cur.Errout - prev.Errout,
				DropsIn:   cur.Dropin - prev.Dropin,
				DropsOut:  cur.Dropout - prev.Dropout,
			}
			n.Bus().Broadcast(ctx, n.Name(), bus.TypeNetworkUpdate, bus.PriorityLow, delta)

			if errs := delta.ErrsIn + delta.ErrsOut; errs > 0 {
				n.AddIssue(fmt.Sprintf("%d new errors on %s", errs, name), "warning")
			}
			if drops := delta.DropsIn + delta.DropsOut; drops > 0 {
				n.AddIssue(fmt.Sprintf("%d new drops on %s", drops, name), "warning")
			}
		}
	}
	n.previous = current
	return nil
}

func countersReset(cur, prev psnet.IOCountersStat) bool {
	return cur.BytesRecv < prev.BytesRecv || cur.BytesSent < prev.BytesSent ||
		cur.Errin < prev.Errin || cur.Errout < prev.Errout ||
		cur.Dropin < prev.Dropin || cur.Dropout < prev.Dropout
}
