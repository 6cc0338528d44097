package agent

import (
	"context"
	"math"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/hostsentry/hostsentry/internal/bus"
)

func TestNetworkWatchFilter(t *testing.T) {
	cfg := testConfig(time.Hour)
	cfg.Interfaces = []string{"eth0", "lo"}
	n, err := NewNetwork(cfg, testBus(t))
	if err != nil {
		t.Fatalf("NewNetwork() error = %v", err)
	}

	tests := []struct {
		iface string
		want  bool
	}{
		{"eth0", true},
		{"lo", true},
		{"wlan0", false},
	}
	for _, tt := range tests {
		if got := n.watched(tt.iface); got != tt.want {
			t.Errorf("watched(%q) = %v, want %v", tt.iface, got, tt.want)
		}
	}
}

func TestNetworkWatchesAllByDefault(t *testing.T) {
	cfg := testConfig(time.Hour)
	cfg.Interfaces = nil
	n, err := NewNetwork(cfg, testBus(t))
	if err != nil {
		t.Fatalf("NewNetwork() error = %v", err)
	}
	if !n.watched("anything") {
		t.Error("watched(anything) = false, want true with no filter")
	}
}

func TestNetworkPublishesDeltasAfterBaseline(t *testing.T) {
	b := testBus(t)
	n, err := NewNetwork(testConfig(time.Hour), b)
	if err != nil {
		t.Fatalf("NewNetwork() error = %v", err)
	}
	ctx := context.Background()

	updates := make(chan bus.NetworkPayload, 64)
	b.Subscribe(bus.TypeNetworkUpdate, func(_ context.Context, msg bus.Message) error {
		if p, ok := msg.Payload.(bus.NetworkPayload); ok {
			updates <- p
		}
		return nil
	})

	// First cycle establishes the baseline and publishes nothing.
	if err := n.sample(ctx); err != nil {
		t.Fatalf("sample() #1 error = %v", err)
	}
	select {
	case p := <-updates:
		t.Errorf("unexpected update for %q on the baseline cycle", p.Interface)
	default:
	}

	if err := n.sample(ctx); err != nil {
		t.Fatalf("sample() #2 error = %v", err)
	}
	select {
	case <-updates:
	default:
		t.Fatal("no network update on the second cycle")
	}
}

func TestNetworkCountersReset(t *testing.T) {
	tests := []struct {
		name string
		cur  psnet.IOCountersStat
		prev psnet.IOCountersStat
		want bool
	}{
		{"monotonic", psnet.IOCountersStat{BytesRecv: 200, Errin: 3}, psnet.IOCountersStat{BytesRecv: 100, Errin: 3}, false},
		{"unchanged", psnet.IOCountersStat{BytesRecv: 100}, psnet.IOCountersStat{BytesRecv: 100}, false},
		{"bytes went backwards", psnet.IOCountersStat{BytesRecv: 10}, psnet.IOCountersStat{BytesRecv: 1 << 40}, true},
		{"errors went backwards", psnet.IOCountersStat{BytesRecv: 200, Errout: 0}, psnet.IOCountersStat{BytesRecv: 100, Errout: 5}, true},
		{"drops went backwards", psnet.IOCountersStat{Dropin: 1}, psnet.IOCountersStat{Dropin: 2}, true},
	}
	for _, tt := range tests {
		if got := countersReset(tt.cur, tt.prev); got != tt.want {
			t.Errorf("%s: countersReset() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNetworkRebaselinesAfterReset(t *testing.T) {
	b := testBus(t)
	n, err := NewNetwork(testConfig(time.Hour), b)
	if err != nil {
		t.Fatalf("NewNetwork() error = %v", err)
	}
	ctx := context.Background()

	updates := make(chan bus.NetworkPayload, 64)
	b.Subscribe(bus.TypeNetworkUpdate, func(_ context.Context, msg bus.Message) error {
		if p, ok := msg.Payload.(bus.NetworkPayload); ok {
			updates <- p
		}
		return nil
	})

	if err := n.sample(ctx); err != nil {
		t.Fatalf("sample() #1 error = %v", err)
	}
	// Pretend every counter was far ahead before a reset. The next cycle
	// must re-baseline silently rather than publish underflowed deltas.
	for name, prev := range n.previous {
		prev.BytesRecv = math.MaxUint64
		prev.BytesSent = math.MaxUint64
		prev.Errin = math.MaxUint64
		prev.Errout = math.MaxUint64
		prev.Dropin = math.MaxUint64
		prev.Dropout = math.MaxUint64
		n.previous[name] = prev
	}

	if err := n.sample(ctx); err != nil {
		t.Fatalf("sample() #2 error = %v", err)
	}
	select {
	case p := <-updates:
		t.Errorf("unexpected update for %q after counter reset", p.Interface)
	default:
	}
	if issues := n.Stats().Issues; len(issues) != 0 {
		t.Errorf("issues = %v, want none after counter reset", issues)
	}
}
