package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/store"
)

// maxNotifications bounds the in-memory notification log.
const maxNotifications = 100

// Notification is one routed event in the communicator's log.
type Notification struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Source   string    `json:"source"`
	Severity string    `json:"severity"`
	Text     string    `json:"text"`
}

// Communicator routes alerts, remediation results, and health reports into a
// bounded notification log and the persistence sink. Its periodic cycle
// emits a digest of traffic seen since the previous cycle.
type Communicator struct {
	*Base
	store *store.Store

	mu            sync.Mutex
	notifications []Notification
	sinceDigest   int
}

// NewCommunicator builds a communicator agent. st may be nil.
func NewCommunicator(cfg *config.Config, b *bus.Bus, st *store.Store) (*Communicator, error) {
	base, err := NewBase("communicator", cfg, b)
	if err != nil {
		return nil, err
	}
	c := &Communicator{Base: base, store: st}
	c.SetCheck(c.digest)
	return c, nil
}

// Start registers the routing subscriptions in addition to the defaults.
func (c *Communicator) Start(ctx context.Context) error {
	if err := c.Base.Start(ctx); err != nil {
		return err
	}
	c.Subscribe(bus.TypeAlert, c.handleAlert)
	c.Subscribe(bus.TypeRemediationResult, c.handleResult)
	c.Subscribe(bus.TypeHealthCheck, c.handleHealth)
	return nil
}

func (c *Communicator) handleAlert(ctx context.Context, msg bus.Message) error {
	alert, ok := msg.Payload.(bus.AlertPayload)
	if !ok {
		return fmt.Errorf("alert payload is %T, want AlertPayload", msg.Payload)
	}
	c.events.LogAlert(alert.Source, alert.Metric, alert.Value, alert.Limit, alert.Severity)
	c.record(ctx, Notification{
		At:       msg.Timestamp,
		Kind:     "alert",
		Source:   alert.Source,
		Severity: alert.Severity,
		Text:     alert.Detail,
	}, store.CategoryAlert, alert)
	return nil
}

func (c *Communicator) handleResult(ctx context.Context, msg bus.Message) error {
	result, ok := msg.Payload.(bus.RemediationResultPayload)
	if !ok {
		return fmt.Errorf("remediation_result payload is %T, want RemediationResultPayload", msg.Payload)
	}
	severity := "info"
	if !result.Success {
		severity = "warning"
	}
	c.record(ctx, Notification{
		At:       msg.Timestamp,
		Kind:     "remediation",
		Source:   msg.Sender,
		Severity: severity,
		Text:     fmt.Sprintf("%s: %s", result.Action, result.Detail),
	}, store.CategoryNotice, result)
	return nil
}

func (c *Communicator) handleHealth(ctx context.Context, msg bus.Message) error {
	health, ok := msg.Payload.(bus.HealthPayload)
	if !ok {
		return fmt.Errorf("health_check payload is %T, want HealthPayload", msg.Payload)
	}
	// Only degraded reports are worth a notification.
	if health.Health == HealthHealthy || health.Health == HealthUnknown {
		return nil
	}
	c.record(ctx, Notification{
		At:       msg.Timestamp,
		Kind:     "health",
		Source:   health.Agent,
		Severity: health.Health,
		Text:     fmt.Sprintf("%s reports %s (error rate %.2f)", health.Agent, health.Health, health.ErrorRate),
	}, store.CategoryNotice, health)
	return nil
}

func (c *Communicator) record(ctx context.Context, n Notification, category string, payload any) {
	c.mu.Lock()
	if len(c.notifications) >= maxNotifications {
		c.notifications = c.notifications[1:]
	}
	c.notifications = append(c.notifications, n)
	c.sinceDigest++
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.RecordEntry(ctx, n.At, c.Name(), category, payload); err != nil {
			c.AddIssue("notification persistence failed: "+err.Error(), "warning")
		}
	}
}

// Notifications returns up to n of the most recent notifications, oldest
// first.
func (c *Communicator) Notifications(n int) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.notifications) {
		n = len(c.notifications)
	}
	out := make([]Notification, n)
	copy(out, c.notifications[len(c.notifications)-n:])
	return out
}

// digest is the periodic cycle: a coordination note summarizing traffic
// since the previous cycle, skipped when nothing happened.
func (c *Communicator) digest(ctx context.Context) error {
	c.mu.Lock()
	count := c.sinceDigest
	c.sinceDigest = 0
	c.mu.Unlock()

	if count == 0 {
		return nil
	}
	c.Bus().Broadcast(ctx, c.Name(), bus.TypeCoordination, bus.PriorityLow,
		bus.CoordinationPayload{Info: fmt.Sprintf("%d notifications routed since last digest", count)})
	return nil
}
