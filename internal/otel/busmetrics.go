package otel

import (
	"context"

	"github.com/hostsentry/hostsentry/internal/bus"
)

// BusMetrics adapts Metrics to the message bus reporting interface.
type BusMetrics struct {
	m *Metrics
}

// NewBusMetrics wraps m for use as a bus.Metrics.
func NewBusMetrics(m *Metrics) *BusMetrics {
	return &BusMetrics{m: m}
}

func (b *BusMetrics) MessagePublished(t bus.Type, p bus.Priority) {
	b.m.RecordMessagePublished(context.Background(), string(t), int(p))
}

func (b *BusMetrics) MessageDropped(t bus.Type, p bus.Priority) {
	b.m.RecordMessageDropped(context.Background(), string(t), int(p))
}

func (b *BusMetrics) HandlerFailure(t bus.Type) {
	b.m.RecordHandlerFailure(context.Background(), string(t), "")
}
