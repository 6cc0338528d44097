package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/decision"
	"github.com/hostsentry/hostsentry/internal/store"
)

// Action performs one remediation and returns a human-readable detail line.
type Action func(ctx context.Context) (string, error)

// Remediator executes remediation requests through a registry of named
// actions, guarded by a per-action cooldown and a per-issue attempt cap.
// Action selection goes through the decision provider with the rule engine
// as fallback. Requests arriving while healing is disabled are acknowledged
// with a failed result rather than silently dropped.
type Remediator struct {
	*Base
	healing  config.HealingConfig
	provider decision.Client
	fallback *decision.Fallback
	store    *store.Store
	sem      chan struct{}

	mu       sync.Mutex
	actions  map[string]Action
	lastRun  map[string]time.Time
	attempts map[string]int
}

// NewRemediator builds a remediator agent with the built-in action registry.
// provider and st may be nil.
func NewRemediator(cfg *config.Config, b *bus.Bus, provider decision.Client, st *store.Store) (*Remediator, error) {
	base, err := NewBase("remediator", cfg, b)
	if err != nil {
		return nil, err
	}
	ac, _ := cfg.Agent("remediator")
	maxConcurrent := ac.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	r := &Remediator{
		Base:     base,
		healing:  cfg.Healing,
		provider: provider,
		fallback: decision.NewFallback(cfg.Thresholds),
		store:    st,
		sem:      make(chan struct{}, maxConcurrent),
		actions:  make(map[string]Action),
		lastRun:  make(map[string]time.Time),
		attempts: make(map[string]int),
	}
	r.RegisterAction("free_memory", freeMemory)
	r.RegisterAction("collect_diagnostics", collectDiagnostics)
	r.SetCheck(r.maintain)
	return r, nil
}

// RegisterAction adds or replaces a named action.
func (r *Remediator) RegisterAction(name string, fn Action) {
	r.mu.Lock()
	r.actions[name] = fn
	r.mu.Unlock()
}

// Start registers the remediation-request subscription in addition to the
// defaults.
func (r *Remediator) Start(ctx context.Context) error {
	if err := r.Base.Start(ctx); err != nil {
		return err
	}
	r.Subscribe(bus.TypeRemediationRequest, r.handleRequest)
	return nil
}

// maintain is the periodic cycle: attempt counters for issues that have
// cooled down are forgotten so recurring problems get fresh budgets.
func (r *Remediator) maintain(_ context.Context) error {
	cutoff := time.Now().Add(-2 * r.healing.Cooldown.Std())
	r.mu.Lock()
	defer r.mu.Unlock()
	stale := true
	for _, last := range r.lastRun {
		if last.After(cutoff) {
			stale = false
			break
		}
	}
	if stale && len(r.attempts) > 0 {
		r.attempts = make(map[string]int)
	}
	return nil
}

func (r *Remediator) handleRequest(ctx context.Context, msg bus.Message) error {
	req, ok := msg.Payload.(bus.RemediationRequestPayload)
	if !ok {
		return fmt.Errorf("remediation_request payload is %T, want RemediationRequestPayload", msg.Payload)
	}

	if !r.healing.Enabled {
		r.publishResult(ctx, msg, req.Issue, "none", false, "automated healing is disabled", 0)
		return nil
	}

	r.mu.Lock()
	if r.healing.MaxAttempts > 0 && r.attempts[req.Issue] >= r.healing.MaxAttempts {
		r.mu.Unlock()
		r.publishResult(ctx, msg, req.Issue, "none", false, "attempt limit reached for this issue", 0)
		return nil
	}
	r.attempts[req.Issue]++
	r.mu.Unlock()

	action, fn, err := r.selectAction(ctx, req)
	if err != nil {
		r.publishResult(ctx, msg, req.Issue, "none", false, err.Error(), 0)
		return err
	}
	if fn == nil {
		r.publishResult(ctx, msg, req.Issue, action, true, "no action required", 0)
		return nil
	}

	r.mu.Lock()
	if last, ok := r.lastRun[action]; ok && time.Since(last) < r.healing.Cooldown.Std() {
		r.mu.Unlock()
		r.publishResult(ctx, msg, req.Issue, action, false, "action is cooling down", 0)
		return nil
	}
	r.lastRun[action] = time.Now()
	r.mu.Unlock()

	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	start := time.Now()
	detail, err := fn(ctx)
	elapsed := time.Since(start)
	success := err == nil
	if err != nil {
		detail = err.Error()
		r.AddIssue(fmt.Sprintf("action %s failed: %v", action, err), "warning")
	}
	r.publishResult(ctx, msg, req.Issue, action, success, detail, elapsed)
	return err
}

// selectAction picks an action from the registry. Suggested actions that
// exist in the registry are offered to the decision source; with no viable
// suggestions the request is answered with "none".
func (r *Remediator) selectAction(ctx context.Context, req bus.RemediationRequestPayload) (string, Action, error) {
	r.mu.Lock()
	var known []string
	for _, name := range req.Actions {
		if _, ok := r.actions[name]; ok {
			known = append(known, name)
		}
	}
	if len(known) == 0 {
		for name := range r.actions {
			known = append(known, name)
		}
		sort.Strings(known)
	}
	r.mu.Unlock()

	d, err := r.recommend(ctx, req, known)
	if err != nil {
		return "", nil, fmt.Errorf("remediation decision: %w", err)
	}

	name := d.Decision
	if name == "" || name == "none" || name == "no_action" {
		return "none", nil, nil
	}
	r.mu.Lock()
	fn, ok := r.actions[name]
	r.mu.Unlock()
	if !ok {
		return "none", nil, nil
	}
	return name, fn, nil
}

func (r *Remediator) recommend(ctx context.Context, req bus.RemediationRequestPayload, actions []string) (decision.Decision, error) {
	m := bus.MetricSnapshot{Timestamp: time.Now()}
	if r.provider == nil {
		return r.fallback.Recommend(ctx, req.Issue, m, actions)
	}
	d, err := r.provider.Recommend(ctx, req.Issue, m, actions)
	if err == nil {
		return d, nil
	}
	if decision.KindOf(err) == decision.KindQuotaExceeded {
		r.AddIssue("decision provider quota exhausted, using fallback", "warning")
	}
	return r.fallback.Recommend(ctx, req.Issue, m, actions)
}

func (r *Remediator) publishResult(ctx context.Context, req bus.Message, issue, action string, success bool, detail string, elapsed time.Duration) {
	result := bus.RemediationResultPayload{
		Issue:    issue,
		Action:   action,
		Success:  success,
		Detail:   detail,
		Duration: elapsed,
	}
	r.Bus().Broadcast(ctx, r.Name(), bus.TypeRemediationResult, bus.PriorityNormal, result,
		bus.WithCorrelation(req.ID))
	r.events.LogRemediation(action, issue, success, elapsed.Milliseconds())

	if r.store != nil {
		_ = r.store.RecordEntry(ctx, time.Now(), r.Name(), store.CategoryRemediation, result)
	}
}

// freeMemory asks the runtime to return unused pages to the OS.
func freeMemory(_ context.Context) (string, error) {
	debug.FreeOSMemory()
	return "released unused heap pages to the OS", nil
}

// collectDiagnostics captures the heaviest CPU consumers for later triage.
func collectDiagnostics(ctx context.Context) (string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("list processes: %w", err)
	}
	type usage struct {
		pid  int32
		name string
		cpu  float64
	}
	top := make([]usage, 0, len(procs))
	for _, p := range procs {
		pct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		top = append(top, usage{pid: p.Pid, name: name, cpu: pct})
	}
	sort.Slice(top, func(i, j int) bool { return top[i].cpu > top[j].cpu })
	if len(top) > 5 {
		top = top[:5]
	}

	detail := "top cpu consumers:"
	for _, u := range top {
		detail += fmt.Sprintf(" %s(%d)=%.1f%%", u.name, u.pid, u.cpu)
	}
	return detail, nil
}
