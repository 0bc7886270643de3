// Package events publishes commission lifecycle events for notification and
// audit consumers. Delivery is fire-and-forget: failures are logged and
// counted, never returned to the engine.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/affiliate/internal/idgen"
)

// Type identifies an event.
type Type string

const (
	TypeCommissionCreated   Type = "commission.created"
	TypeCommissionReleased  Type = "commission.released"
	TypeCommissionPaid      Type = "commission.paid"
	TypeCommissionCancelled Type = "commission.cancelled"
	TypeCalculationFailed   Type = "commission.calculation_failed"
	TypeSettlementBatch     Type = "settlement.batch_completed"
	TypeChargebackRun       Type = "chargeback.run_completed"
	TypeBalanceWentNegative Type = "balance.negative"
)

// Event is one published notification.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Sink delivers events to a transport.
type Sink interface {
	Publish(ctx context.Context, event *Event) error
}

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "events",
		Name:      "emit_total",
		Help:      "Total events emitted by type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "events",
		Name:      "emit_errors_total",
		Help:      "Total event delivery failures by type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter fans events out to its sinks. A nil *Emitter is a no-op.
type Emitter struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewEmitter creates an emitter over sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sinks: sinks, logger: logger, timeout: 5 * time.Second}
}

func (e *Emitter) emit(eventType Type, data map[string]any) {
	if e == nil || len(e.sinks) == 0 {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	for _, s := range e.sinks {
		if err := s.Publish(ctx, event); err != nil {
			emitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("event publish failed", "event", eventType, "eventId", event.ID, "error", err)
		}
	}
}

// --- Commission record transitions ---

// EmitCommissionTransition emits one event for a record status change. An
// empty from means the record was just created.
func (e *Emitter) EmitCommissionTransition(recordID, orderID, agentID string, level int, from, to, amount string) {
	var t Type
	switch to {
	case "hold":
		t = TypeCommissionCreated
	case "ready":
		t = TypeCommissionReleased
	case "paid":
		t = TypeCommissionPaid
	case "cancelled":
		t = TypeCommissionCancelled
	default:
		t = Type("commission." + to)
	}
	e.emit(t, map[string]any{
		"recordId": recordID,
		"orderId":  orderID,
		"agentId":  agentID,
		"level":    level,
		"from":     from,
		"to":       to,
		"amount":   amount,
	})
}

// EmitCalculationFailed flags an order whose calculation exhausted retries.
func (e *Emitter) EmitCalculationFailed(orderID string, attempts int, reason string) {
	e.emit(TypeCalculationFailed, map[string]any{
		"orderId":  orderID,
		"attempts": attempts,
		"reason":   reason,
	})
}

// --- Batch runs ---

// EmitSettlementBatch summarizes a settlement run.
func (e *Emitter) EmitSettlementBatch(batchID string, settled, failed int, total string) {
	e.emit(TypeSettlementBatch, map[string]any{
		"batchId":      batchID,
		"settledCount": settled,
		"failedCount":  failed,
		"totalAmount":  total,
	})
}

// EmitChargebackRun summarizes a chargeback reversal for an order.
func (e *Emitter) EmitChargebackRun(orderID string, processed, insufficient, failed int, clawedBack string) {
	e.emit(TypeChargebackRun, map[string]any{
		"orderId":           orderID,
		"processedCount":    processed,
		"insufficientCount": insufficient,
		"failedCount":       failed,
		"totalClawedBack":   clawedBack,
	})
}

// EmitBalanceNegative alerts collections that an account went below zero.
func (e *Emitter) EmitBalanceNegative(siteID, agentID, balance, reference string) {
	e.emit(TypeBalanceWentNegative, map[string]any{
		"siteId":    siteID,
		"agentId":   agentID,
		"balance":   balance,
		"reference": reference,
	})
}

// --- Sinks ---

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, event *Event) error {
	s.Logger.Info("event", "eventId", event.ID, "type", event.Type, "data", event.Data)
	return nil
}

// Recorder keeps events in memory. Used by tests and the in-memory server.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *Recorder) Publish(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...Type) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		return append([]*Event(nil), r.events...)
	}
	var out []*Event
	for _, ev := range r.events {
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}
