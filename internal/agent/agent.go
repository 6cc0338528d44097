// Package agent implements the supervised check-loop runtime and the five
// concrete monitoring agents built on it. Every agent owns a periodic check,
// counters derived from check outcomes, and a health state computed from the
// counters; the orchestrator supervises agents through the Runner contract.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/events"
	"github.com/hostsentry/hostsentry/internal/otel"
)

// Health states. Derived from counters on every check cycle: error count
// above 10 is critical, above 5 is warning; otherwise any success means
// healthy and a fresh agent is unknown.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
	HealthUnknown  = "unknown"
)

const (
	// errorBackoff replaces the configured interval after a failed check.
	errorBackoff = 5 * time.Second
	// maxIssues bounds the self-reported issue list.
	maxIssues = 10
)

// Runner is the contract between an agent and the orchestrator. Start is
// non-blocking; the loop goroutine signals termination by closing Done. An
// agent whose Done fires without the orchestrator having stopped it is
// restarted as a fresh instance under the same name.
type Runner interface {
	Name() string
	Kind() string
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Stats() Stats
}

// CheckFunc is one periodic check cycle. Returned errors are counted and
// logged; they never terminate the loop.
type CheckFunc func(ctx context.Context) error

// Stats is a point-in-time snapshot of one agent's counters.
type Stats struct {
	Name         string        `json:"name"`
	Kind         string        `json:"kind"`
	Running      bool          `json:"running"`
	Health       string        `json:"health"`
	Uptime       time.Duration `json:"uptime"`
	CheckCount   int64         `json:"check_count"`
	SuccessCount int64         `json:"success_count"`
	ErrorCount   int64         `json:"error_count"`
	AvgCheckTime time.Duration `json:"avg_check_time"`
	LastCheck    time.Time     `json:"last_check"`
	LastError    string        `json:"last_error,omitempty"`
	Issues       []bus.Issue   `json:"issues,omitempty"`
}

// Base carries the shared loop, counter, and messaging machinery. Concrete
// agents embed it and provide the check via SetCheck plus any extra
// subscriptions in Start.
type Base struct {
	name     string
	kind     string
	interval time.Duration
	backoff  time.Duration
	bus      *bus.Bus
	events   *events.EventLogger
	check    CheckFunc

	mu           sync.Mutex
	running      bool
	startTime    time.Time
	peers        map[string]bus.StatusPayload
	checkCount   int64
	successCount int64
	errorCount   int64
	totalCheck   time.Duration
	lastCheck    time.Time
	lastError    string
	health       string
	issues       []bus.Issue
	subs         []bus.Subscription
	stopCh       chan struct{}
	done         chan struct{}
}

// NewBase resolves the kind's configuration and builds a stopped runtime.
// An unknown kind is a construction-time failure, not a runtime one.
func NewBase(kind string, cfg *config.Config, b *bus.Bus) (*Base, error) {
	ac, err := cfg.Agent(kind)
	if err != nil {
		return nil, err
	}
	return &Base{
		name:     ac.Name,
		kind:     kind,
		interval: ac.CheckInterval.Std(),
		backoff:  errorBackoff,
		bus:      b,
		events:   events.GetGlobalEventLogger(),
		health:   HealthUnknown,
	}, nil
}

// SetCheck installs the periodic check. Must be called before Start.
func (a *Base) SetCheck(fn CheckFunc) { a.check = fn }

func (a *Base) Name() string { return a.name }
func (a *Base) Kind() string { return a.kind }

// Bus returns the message bus the agent publishes on.
func (a *Base) Bus() *bus.Bus { return a.bus }

// Interval returns the configured check interval.
func (a *Base) Interval() time.Duration { return a.interval }

// Start registers the default subscriptions and launches the check loop.
// Starting a running agent is a no-op.
func (a *Base) Start(ctx context.Context) error {
	if a.check == nil {
		return fmt.Errorf("agent %s: no check installed", a.name)
	}
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.startTime = time.Now()
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	stopCh, done := a.stopCh, a.done
	if a.peers == nil {
		a.peers = make(map[string]bus.StatusPayload)
	}
	a.subs = append(a.subs,
		a.bus.Subscribe(bus.TypeSystemCommand, a.handleCommand),
		a.bus.Subscribe(bus.TypeStatusUpdate, a.handleStatus),
	)
	a.mu.Unlock()

	go a.loop(ctx, stopCh, done)
	a.events.LogAgentStarted(a.name, a.kind, a.interval)
	return nil
}

// Stop halts the check loop and removes the agent's subscriptions. It blocks
// until the loop goroutine has exited. Safe to call repeatedly.
func (a *Base) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	done := a.done
	subs := a.subs
	a.subs = nil
	uptime := time.Since(a.startTime)
	a.mu.Unlock()

	for _, s := range subs {
		a.bus.Unsubscribe(s)
	}
	<-done
	a.events.LogAgentStopped(a.name, uptime)
}

// Done returns a channel closed when the loop goroutine exits. Nil before the
// first Start.
func (a *Base) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Running reports whether the loop is active.
func (a *Base) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Health returns the current health state.
func (a *Base) Health() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

// Subscribe registers an additional handler and ties its lifetime to the
// agent: Stop removes it.
func (a *Base) Subscribe(t bus.Type, h bus.Handler) {
	sub := a.bus.Subscribe(t, h)
	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
}

// AddIssue records a self-reported problem, evicting the oldest entry past
// the bound.
func (a *Base) AddIssue(description, severity string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.issues) >= maxIssues {
		a.issues = a.issues[1:]
	}
	a.issues = append(a.issues, bus.Issue{
		Description: description,
		Severity:    severity,
		Timestamp:   time.Now(),
	})
}

// Stats snapshots the counters.
func (a *Base) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		Name:         a.name,
		Kind:         a.kind,
		Running:      a.running,
		Health:       a.health,
		CheckCount:   a.checkCount,
		SuccessCount: a.successCount,
		ErrorCount:   a.errorCount,
		LastCheck:    a.lastCheck,
		LastError:    a.lastError,
		Issues:       append([]bus.Issue(nil), a.issues...),
	}
	if a.running {
		s.Uptime = time.Since(a.startTime)
	}
	if a.checkCount > 0 {
		s.AvgCheckTime = a.totalCheck / time.Duration(a.checkCount)
	}
	return s
}

func (a *Base) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	for {
		err := a.runCheck(ctx)

		wait := a.interval
		if err != nil {
			wait = a.backoff
		}
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runCheck executes one cycle with panic recovery, then folds the outcome
// into the counters and health state.
func (a *Base) runCheck(ctx context.Context) (err error) {
	spanCtx, span := otel.GetGlobalTracer().StartCheckSpan(ctx, a.name, a.kind)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
		elapsed := time.Since(start)
		otel.EndCheckSpan(span, elapsed, err)
		otel.GetGlobalMetrics().RecordCheck(spanCtx, a.name, elapsed, err)
		a.recordOutcome(elapsed, err)
	}()
	return a.check(spanCtx)
}

func (a *Base) recordOutcome(elapsed time.Duration, err error) {
	a.mu.Lock()
	a.checkCount++
	a.totalCheck += elapsed
	a.lastCheck = time.Now()
	if err != nil {
		a.errorCount++
		a.lastError = err.Error()
	} else {
		a.successCount++
	}
	prev := a.health
	a.health = classifyHealth(a.successCount, a.errorCount)
	next := a.health
	errorCount := a.errorCount
	a.mu.Unlock()

	if err != nil {
		a.events.LogCheckFailure(a.name, errorCount, err)
	}
	if next != prev {
		a.events.LogHealthTransition(a.name, prev, next)
	}
}

// classifyHealth derives a health state from the lifetime counters. Critical
// wins over warning, warning over healthy.
func classifyHealth(success, errors int64) string {
	switch {
	case errors > 10:
		return HealthCritical
	case errors > 5:
		return HealthWarning
	case success > 0:
		return HealthHealthy
	default:
		return HealthUnknown
	}
}

// handleStatus tracks the status broadcasts of the other agents.
func (a *Base) handleStatus(_ context.Context, msg bus.Message) error {
	status, ok := msg.Payload.(bus.StatusPayload)
	if !ok || status.Agent == a.name {
		return nil
	}
	a.mu.Lock()
	a.peers[status.Agent] = status
	a.mu.Unlock()
	return nil
}

// PeerStatuses returns the most recent status broadcast from each peer agent.
func (a *Base) PeerStatuses() map[string]bus.StatusPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]bus.StatusPayload, len(a.peers))
	for name, s := range a.peers {
		out[name] = s
	}
	return out
}

// handleCommand reacts to system commands addressed to this agent or to all.
// Unrecognized commands are ignored. A coordination note is broadcast before
// the command is acted on, for operator visibility.
func (a *Base) handleCommand(ctx context.Context, msg bus.Message) error {
	cmd, ok := msg.Payload.(bus.CommandPayload)
	if !ok {
		return nil
	}
	if cmd.Target != bus.TargetAll && cmd.Target != a.name {
		return nil
	}
	if !msg.AddressedTo(a.name) {
		return nil
	}

	a.bus.Broadcast(ctx, a.name, bus.TypeCoordination, bus.PriorityLow,
		bus.CoordinationPayload{Info: fmt.Sprintf("%s handling command %q", a.name, cmd.Command)},
		bus.WithCorrelation(msg.ID),
	)

	switch cmd.Command {
	case bus.CommandStatus:
		a.broadcastStatus(ctx, msg.ID)
	case bus.CommandHealthCheck:
		a.broadcastHealth(ctx, msg.ID)
	case bus.CommandRestart:
		// Exit the loop; the orchestrator's supervisor notices the
		// termination and brings up a fresh instance. Stop is called on a
		// separate goroutine because it blocks on the loop, and the loop may
		// itself be publishing.
		go a.Stop()
	}
	return nil
}

func (a *Base) broadcastStatus(ctx context.Context, correlationID string) {
	s := a.Stats()
	status := "running"
	if !s.Running {
		status = "stopped"
	}
	a.bus.Broadcast(ctx, a.name, bus.TypeStatusUpdate, bus.PriorityNormal,
		bus.StatusPayload{
			Agent:         a.name,
			Status:        status,
			Uptime:        s.Uptime,
			CheckCount:    s.CheckCount,
			SuccessCount:  s.SuccessCount,
			ErrorCount:    s.ErrorCount,
			Health:        s.Health,
			AvgCheckTime:  s.AvgCheckTime,
			LastCheckTime: s.LastCheck,
		},
		bus.WithCorrelation(correlationID),
	)
}

func (a *Base) broadcastHealth(ctx context.Context, correlationID string) {
	s := a.Stats()
	var errorRate float64
	if s.CheckCount > 0 {
		errorRate = float64(s.ErrorCount) / float64(s.CheckCount)
	}
	a.bus.Broadcast(ctx, a.name, bus.TypeHealthCheck, bus.PriorityNormal,
		bus.HealthPayload{
			Agent:        a.name,
			Health:       s.Health,
			Running:      s.Running,
			Uptime:       s.Uptime,
			ErrorRate:    errorRate,
			AvgCheckTime: s.AvgCheckTime,
			Issues:       s.Issues,
		},
		bus.WithCorrelation(correlationID),
	)
}
