// Package orchestrator supervises the agent fleet: it starts the bus, builds
// every enabled agent from a factory, staggers their startup, restarts agents
// whose loop terminated unexpectedly, and aggregates per-agent health into a
// system health state.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/agent"
	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/decision"
	"github.com/hostsentry/hostsentry/internal/events"
	"github.com/hostsentry/hostsentry/internal/otel"
	"github.com/hostsentry/hostsentry/internal/store"
)

const (
	// DefaultStartStagger spaces agent startups so their check cycles do not
	// align.
	DefaultStartStagger = 1 * time.Second
	// DefaultSuperviseInterval is how often terminated agents are detected.
	DefaultSuperviseInterval = 1 * time.Second
	// DefaultHealthInterval is how often system health is recomputed.
	DefaultHealthInterval = 30 * time.Second
	// DefaultBroadcastInterval is how often a health_check command is
	// broadcast so agents publish health reports onto the bus.
	DefaultBroadcastInterval = 60 * time.Second

	// warningQuorum is the healthy fraction below which the system is
	// critical rather than warning.
	warningQuorum = 0.75
)

// Factory constructs a fresh agent instance. The orchestrator calls it once
// at startup and again on every restart.
type Factory func() (agent.Runner, error)

// Options tunes orchestrator timing. Zero values select the defaults above.
type Options struct {
	StartStagger      time.Duration
	SuperviseInterval time.Duration
	HealthInterval    time.Duration
	BroadcastInterval time.Duration
}

func (o *Options) fill() {
	if o.StartStagger <= 0 {
		o.StartStagger = DefaultStartStagger
	}
	if o.SuperviseInterval <= 0 {
		o.SuperviseInterval = DefaultSuperviseInterval
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = DefaultBroadcastInterval
	}
}

type managed struct {
	kind    string
	factory Factory
	runner  agent.Runner
}

// Orchestrator owns the bus and the agent registry.
type Orchestrator struct {
	bus    *bus.Bus
	events *events.EventLogger
	opts   Options

	mu        sync.Mutex
	factories map[string]Factory // kind -> factory, insertion recorded in order
	order     []string
	agents    map[string]*managed // name -> managed entry
	running   bool
	startTime time.Time
	restarts  int64
	health    string
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New builds an orchestrator with factories for every enabled agent kind.
// provider and st may be nil.
func New(cfg *config.Config, b *bus.Bus, provider decision.Client, st *store.Store, opts Options) *Orchestrator {
	opts.fill()
	o := &Orchestrator{
		bus:       b,
		events:    events.GetGlobalEventLogger(),
		opts:      opts,
		factories: make(map[string]Factory),
		agents:    make(map[string]*managed),
		health:    agent.HealthUnknown,
	}

	register := func(kind string, f Factory) {
		if ac, ok := cfg.Agents[kind]; ok && ac.Enabled {
			o.RegisterFactory(kind, f)
		}
	}
	register("sensor", func() (agent.Runner, error) { return agent.NewSensor(cfg, b, st) })
	register("analyzer", func() (agent.Runner, error) { return agent.NewAnalyzer(cfg, b, provider) })
	register("remediator", func() (agent.Runner, error) { return agent.NewRemediator(cfg, b, provider, st) })
	register("communicator", func() (agent.Runner, error) { return agent.NewCommunicator(cfg, b, st) })
	register("network", func() (agent.Runner, error) { return agent.NewNetwork(cfg, b) })
	return o
}

// RegisterFactory adds or replaces the factory for an agent kind. Must be
// called before Start.
func (o *Orchestrator) RegisterFactory(kind string, f Factory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.factories[kind]; !ok {
		o.order = append(o.order, kind)
	}
	o.factories[kind] = f
}

// Start brings up the bus and every registered agent, then launches the
// supervision loop. A construction or startup failure tears everything back
// down and is returned; the caller treats it as fatal. Starting a running
// orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.startTime = time.Now()
	o.stopCh = make(chan struct{})
	o.stoppedCh = make(chan struct{})
	stopCh, stoppedCh := o.stopCh, o.stoppedCh
	order := append([]string(nil), o.order...)
	o.mu.Unlock()

	o.bus.Start()

	for i, kind := range order {
		o.mu.Lock()
		factory := o.factories[kind]
		o.mu.Unlock()

		runner, err := factory()
		if err != nil {
			o.teardown()
			return fmt.Errorf("construct %s agent: %w", kind, err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				o.teardown()
				return ctx.Err()
			case <-time.After(o.opts.StartStagger):
			}
		}
		if err := runner.Start(ctx); err != nil {
			o.teardown()
			return fmt.Errorf("start %s agent: %w", kind, err)
		}
		o.mu.Lock()
		o.agents[runner.Name()] = &managed{kind: kind, factory: factory, runner: runner}
		o.mu.Unlock()
	}

	go o.supervise(ctx, stopCh, stoppedCh)
	return nil
}

// Stop halts supervision, every agent, and the bus, in that order. Safe to
// call repeatedly.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	stoppedCh := o.stoppedCh
	o.mu.Unlock()

	<-stoppedCh
	o.teardown()
}

// teardown stops all agents and the bus. Supervision must not be running.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	o.running = false
	agents := make([]*managed, 0, len(o.agents))
	for _, m := range o.agents {
		agents = append(agents, m)
	}
	o.agents = make(map[string]*managed)
	o.mu.Unlock()

	for _, m := range agents {
		m.runner.Stop()
	}
	o.bus.Stop()
}

// Running reports whether the orchestrator has been started and not stopped.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) supervise(ctx context.Context, stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	superviseTick := time.NewTicker(o.opts.SuperviseInterval)
	defer superviseTick.Stop()
	healthTick := time.NewTicker(o.opts.HealthInterval)
	defer healthTick.Stop()
	broadcastTick := time.NewTicker(o.opts.BroadcastInterval)
	defer broadcastTick.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-superviseTick.C:
			o.restartDeadAgents(ctx)
		case <-healthTick.C:
			o.updateSystemHealth(ctx)
		case <-broadcastTick.C:
			o.bus.Broadcast(ctx, "orchestrator", bus.TypeSystemCommand, bus.PriorityNormal,
				bus.CommandPayload{Command: bus.CommandHealthCheck, Target: bus.TargetAll})
		}
	}
}

// restartDeadAgents replaces any agent whose loop terminated. Termination
// while the orchestrator runs is always unexpected: orchestrator-issued
// stops only happen after supervision has ended. A factory or startup
// failure leaves the slot dead until the next tick; it is never fatal.
func (o *Orchestrator) restartDeadAgents(ctx context.Context) {
	o.mu.Lock()
	dead := make([]*managed, 0)
	for _, m := range o.agents {
		select {
		case <-m.runner.Done():
			dead = append(dead, m)
		default:
		}
	}
	o.mu.Unlock()

	for _, m := range dead {
		name := m.runner.Name()
		fresh, err := m.factory()
		if err != nil {
			o.events.LogAgentRestarted(name, "restart failed: "+err.Error())
			continue
		}
		if err := fresh.Start(ctx); err != nil {
			o.events.LogAgentRestarted(name, "restart failed: "+err.Error())
			continue
		}

		o.mu.Lock()
		o.agents[name] = &managed{kind: m.kind, factory: m.factory, runner: fresh}
		o.restarts++
		o.mu.Unlock()

		o.events.LogAgentRestarted(name, "agent loop terminated")
		otel.GetGlobalMetrics().RecordRestart(ctx, name)
	}
}

// updateSystemHealth folds per-agent health into one system state: every
// agent healthy means healthy, a healthy quorum of 75% or better means
// warning, anything less is critical.
func (o *Orchestrator) updateSystemHealth(ctx context.Context) {
	stats := o.AgentStats()
	total := len(stats)
	if total == 0 {
		return
	}
	healthy := 0
	for _, s := range stats {
		if s.Health == agent.HealthHealthy {
			healthy++
		}
	}
	health := classifySystemHealth(healthy, total)

	o.mu.Lock()
	prev := o.health
	o.health = health
	o.mu.Unlock()

	otel.GetGlobalMetrics().SetHealthyAgents(healthy)
	if health != prev {
		o.events.LogSystemHealth(health, healthy, total)
	}
}

func classifySystemHealth(healthy, total int) string {
	switch {
	case healthy == total:
		return agent.HealthHealthy
	case float64(healthy) >= warningQuorum*float64(total):
		return agent.HealthWarning
	default:
		return agent.HealthCritical
	}
}

// SendCommand publishes a system command, preceded by a coordination note
// for operator visibility. Target is an agent name or "all".
func (o *Orchestrator) SendCommand(ctx context.Context, command, target string) bool {
	o.bus.Broadcast(ctx, "orchestrator", bus.TypeCoordination, bus.PriorityLow,
		bus.CoordinationPayload{Info: fmt.Sprintf("orchestrator issuing %q to %s", command, target)})
	return o.bus.Broadcast(ctx, "orchestrator", bus.TypeSystemCommand, bus.PriorityHigh,
		bus.CommandPayload{Command: command, Target: target})
}

// SystemInfo is a point-in-time summary of the whole system.
type SystemInfo struct {
	Running  bool          `json:"running"`
	Health   string        `json:"health"`
	Uptime   time.Duration `json:"uptime"`
	Agents   int           `json:"agents"`
	Restarts int64         `json:"restarts"`
	Bus      bus.Stats     `json:"bus"`
}

// SystemInfo snapshots orchestrator state and bus counters.
func (o *Orchestrator) SystemInfo() SystemInfo {
	o.mu.Lock()
	info := SystemInfo{
		Running:  o.running,
		Health:   o.health,
		Agents:   len(o.agents),
		Restarts: o.restarts,
	}
	if o.running {
		info.Uptime = time.Since(o.startTime)
	}
	o.mu.Unlock()

	info.Bus = o.bus.Stats()
	return info
}

// AgentStats snapshots every agent's counters, keyed by agent name.
func (o *Orchestrator) AgentStats() map[string]agent.Stats {
	o.mu.Lock()
	runners := make([]agent.Runner, 0, len(o.agents))
	for _, m := range o.agents {
		runners = append(runners, m.runner)
	}
	o.mu.Unlock()

	out := make(map[string]agent.Stats, len(runners))
	for _, r := range runners {
		out[r.Name()] = r.Stats()
	}
	return out
}

// AgentStatsFor snapshots one agent's counters. The second return is false
// when no agent with that name is registered.
func (o *Orchestrator) AgentStatsFor(name string) (agent.Stats, bool) {
	r, ok := o.agentByName(name)
	if !ok {
		return agent.Stats{}, false
	}
	return r.Stats(), true
}

// RecentMessages returns up to n recent bus messages, oldest first.
func (o *Orchestrator) RecentMessages(n int) []bus.Message {
	return o.bus.Recent(n)
}

// AgentNames lists the registry's agent names, sorted.
func (o *Orchestrator) AgentNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.agents))
	for name := range o.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// agentByName returns the live runner for name, for tests and internal use.
func (o *Orchestrator) agentByName(name string) (agent.Runner, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.agents[name]
	if !ok {
		return nil, false
	}
	return m.runner, true
}
