package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hostsentry/hostsentry/internal/agent"
	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/config"
)

func testBus() *bus.Bus {
	return bus.New(bus.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func testConfig(interval time.Duration, kinds ...string) *config.Config {
	cfg := config.Default()
	enabled := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		enabled[k] = true
	}
	for kind, ac := range cfg.Agents {
		ac.CheckInterval = config.Duration(interval)
		ac.Enabled = enabled[kind]
		cfg.Agents[kind] = ac
	}
	return cfg
}

func fastOptions() Options {
	return Options{
		StartStagger:      time.Millisecond,
		SuperviseInterval: 5 * time.Millisecond,
		HealthInterval:    10 * time.Millisecond,
		BroadcastInterval: time.Hour,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

// fakeRunner is a minimal agent whose loop the test terminates on demand.
type fakeRunner struct {
	name string
	gen  int64
	done chan struct{}

	running atomic.Bool

	mu     sync.Mutex
	health string
}

func (f *fakeRunner) Name() string { return f.name }
func (f *fakeRunner) Kind() string { return "fake" }

func (f *fakeRunner) Start(context.Context) error {
	f.done = make(chan struct{})
	f.running.Store(true)
	return nil
}

func (f *fakeRunner) Stop() {
	if f.running.CompareAndSwap(true, false) {
		close(f.done)
	}
}

func (f *fakeRunner) Done() <-chan struct{} { return f.done }

func (f *fakeRunner) SetHealth(h string) {
	f.mu.Lock()
	f.health = h
	f.mu.Unlock()
}

func (f *fakeRunner) Stats() agent.Stats {
	f.mu.Lock()
	health := f.health
	f.mu.Unlock()
	return agent.Stats{
		Name:    f.name,
		Health:  health,
		Running: f.running.Load(),
	}
}

// fleet tracks the live fake instances; restarts hand out fresh instances
// with a bumped generation.
type fleet struct {
	mu   sync.Mutex
	live map[string]*fakeRunner
}

func (fl *fleet) get(name string) *fakeRunner {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.live[name]
}

func fakeFleet(o *Orchestrator, names ...string) *fleet {
	fl := &fleet{live: make(map[string]*fakeRunner, len(names))}
	for _, name := range names {
		name := name
		var gen int64
		o.RegisterFactory(name, func() (agent.Runner, error) {
			gen++
			f := &fakeRunner{name: name, gen: gen, health: agent.HealthUnknown}
			fl.mu.Lock()
			fl.live[name] = f
			fl.mu.Unlock()
			return f, nil
		})
	}
	return fl
}

func TestClassifySystemHealth(t *testing.T) {
	tests := []struct {
		name    string
		healthy int
		total   int
		want    string
	}{
		{"all healthy", 4, 4, agent.HealthHealthy},
		{"three of four", 3, 4, agent.HealthWarning},
		{"exactly at quorum", 3, 4, agent.HealthWarning},
		{"below quorum", 2, 4, agent.HealthCritical},
		{"none healthy", 0, 4, agent.HealthCritical},
		{"single healthy agent", 1, 1, agent.HealthHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySystemHealth(tt.healthy, tt.total); got != tt.want {
				t.Errorf("classifySystemHealth(%d, %d) = %q, want %q", tt.healthy, tt.total, got, tt.want)
			}
		})
	}
}

func TestStartStopIdempotent(t *testing.T) {
	cfg := testConfig(time.Hour)
	o := New(cfg, testBus(), nil, nil, fastOptions())
	fakeFleet(o, "a", "b")
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !o.Running() {
		t.Error("Running() = false after Start")
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	o.Stop()
	if o.Running() {
		t.Error("Running() = true after Stop")
	}
	o.Stop()
}

func TestAgentStatsFor(t *testing.T) {
	cfg := testConfig(time.Hour)
	o := New(cfg, testBus(), nil, nil, fastOptions())
	fakeFleet(o, "a", "b")
	ctx := context.Background()

	if _, ok := o.AgentStatsFor("a"); ok {
		t.Error("AgentStatsFor(a) ok = true before Start")
	}

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer o.Stop()

	stats, ok := o.AgentStatsFor("a")
	if !ok {
		t.Fatal("AgentStatsFor(a) ok = false, want true")
	}
	if stats.Name != "a" {
		t.Errorf("stats.Name = %q, want %q", stats.Name, "a")
	}
	if !stats.Running {
		t.Error("stats.Running = false, want true")
	}

	if _, ok := o.AgentStatsFor("nope"); ok {
		t.Error("AgentStatsFor(nope) ok = true, want false")
	}
}

func TestConstructionFailureIsFatal(t *testing.T) {
	cfg := testConfig(time.Hour)
	o := New(cfg, testBus(), nil, nil, fastOptions())
	fakeFleet(o, "good")
	o.RegisterFactory("bad", func() (agent.Runner, error) {
		return nil, errors.New("no configuration")
	})

	if err := o.Start(context.Background()); err == nil {
		t.Fatal("Start() with failing factory: want error, got nil")
	}
	if o.Running() {
		t.Error("Running() = true after failed Start")
	}
	if got := len(o.AgentNames()); got != 0 {
		t.Errorf("len(AgentNames()) = %d, want 0 after failed Start", got)
	}
}

func TestRestartPreservesIdentity(t *testing.T) {
	cfg := testConfig(time.Hour)
	o := New(cfg, testBus(), nil, nil, fastOptions())
	live := fakeFleet(o, "alpha", "beta", "gamma", "delta")
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer o.Stop()

	if got := len(o.AgentNames()); got != 4 {
		t.Fatalf("len(AgentNames()) = %d, want 4", got)
	}

	// Terminate beta's loop without going through the orchestrator.
	first := live.get("beta")
	first.Stop()

	waitFor(t, 2*time.Second, func() bool { return o.SystemInfo().Restarts >= 1 })

	if got := len(o.AgentNames()); got != 4 {
		t.Errorf("len(AgentNames()) = %d, want 4 after restart", got)
	}
	fresh, ok := o.agentByName("beta")
	if !ok {
		t.Fatal("beta missing from registry after restart")
	}
	replacement := fresh.(*fakeRunner)
	if replacement == first {
		t.Error("registry still holds the terminated instance")
	}
	if replacement.gen != 2 {
		t.Errorf("replacement generation = %d, want 2", replacement.gen)
	}
	if replacement.Name() != "beta" {
		t.Errorf("replacement name = %q, want %q", replacement.Name(), "beta")
	}
	if !replacement.Stats().Running {
		t.Error("replacement not running")
	}
}

func TestRestartFailureIsNotFatal(t *testing.T) {
	cfg := testConfig(time.Hour)
	o := New(cfg, testBus(), nil, nil, fastOptions())

	var built atomic.Int64
	var current *fakeRunner
	o.RegisterFactory("flaky", func() (agent.Runner, error) {
		if built.Add(1) > 1 {
			return nil, errors.New("cannot rebuild")
		}
		current = &fakeRunner{name: "flaky"}
		return current, nil
	})

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer o.Stop()

	current.Stop()
	waitFor(t, 2*time.Second, func() bool { return built.Load() >= 3 })

	if !o.Running() {
		t.Error("Running() = false, want true despite restart failures")
	}
	if got := len(o.AgentNames()); got != 1 {
		t.Errorf("len(AgentNames()) = %d, want 1", got)
	}
}

func TestSendCommandPublishesCoordinationFirst(t *testing.T) {
	cfg := testConfig(time.Hour)
	b := testBus()
	o := New(cfg, b, nil, nil, fastOptions())
	fakeFleet(o, "solo")
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer o.Stop()

	var got []bus.Type
	record := func(_ context.Context, msg bus.Message) error {
		got = append(got, msg.Type)
		return nil
	}
	b.Subscribe(bus.TypeCoordination, record)
	b.Subscribe(bus.TypeSystemCommand, record)

	if !o.SendCommand(ctx, bus.CommandStatus, bus.TargetAll) {
		t.Fatal("SendCommand() = false")
	}

	if len(got) != 2 {
		t.Fatalf("observed %d messages, want 2", len(got))
	}
	if got[0] != bus.TypeCoordination || got[1] != bus.TypeSystemCommand {
		t.Errorf("message order = %v, want [coordination system_command]", got)
	}
}

func TestSystemHealthAggregation(t *testing.T) {
	cfg := testConfig(time.Hour)
	o := New(cfg, testBus(), nil, nil, fastOptions())
	live := fakeFleet(o, "a", "b", "c", "d")
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer o.Stop()

	for _, name := range []string{"a", "b", "c", "d"} {
		live.get(name).SetHealth(agent.HealthHealthy)
	}
	waitFor(t, 2*time.Second, func() bool { return o.SystemInfo().Health == agent.HealthHealthy })

	live.get("a").SetHealth(agent.HealthCritical)
	waitFor(t, 2*time.Second, func() bool { return o.SystemInfo().Health == agent.HealthWarning })

	live.get("b").SetHealth(agent.HealthWarning)
	waitFor(t, 2*time.Second, func() bool { return o.SystemInfo().Health == agent.HealthCritical })
}

func TestDefaultFleetEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full-fleet test in short mode")
	}
	cfg := testConfig(20*time.Millisecond, "sensor", "analyzer", "remediator", "communicator")
	cfg.Healing.Enabled = false
	cfg.Store.Enabled = false
	b := testBus()
	o := New(cfg, b, nil, nil, fastOptions())
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer o.Stop()

	names := o.AgentNames()
	if len(names) != 4 {
		t.Fatalf("AgentNames() = %v, want 4 agents", names)
	}

	// Every agent completes checks.
	waitFor(t, 5*time.Second, func() bool {
		for _, s := range o.AgentStats() {
			if s.CheckCount == 0 {
				return false
			}
		}
		return true
	})

	// Terminate the sensor's loop directly; the supervisor replaces it with
	// a fresh instance under the same name.
	sensor, ok := o.agentByName("SensorAgent")
	if !ok {
		t.Fatal("SensorAgent missing from registry")
	}
	sensor.Stop()

	waitFor(t, 5*time.Second, func() bool { return o.SystemInfo().Restarts >= 1 })

	if got := len(o.AgentNames()); got != 4 {
		t.Errorf("len(AgentNames()) = %d, want 4 after restart", got)
	}
	fresh, ok := o.agentByName("SensorAgent")
	if !ok {
		t.Fatal("SensorAgent missing after restart")
	}
	if fresh == sensor {
		t.Error("registry still holds the terminated sensor")
	}
	if !fresh.Stats().Running {
		t.Error("restarted sensor not running")
	}
}
