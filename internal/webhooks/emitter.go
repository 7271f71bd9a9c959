package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/playora/playora/internal/idgen"
	"github.com/playora/playora/internal/order"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playora",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playora",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// orderEventTypes maps order lifecycle events to webhook event types.
var orderEventTypes = map[order.EventType]EventType{
	order.EventOrderCreated:      EventOrderCreated,
	order.EventOrderAccepted:     EventOrderAccepted,
	order.EventOrderCancelled:    EventOrderCancelled,
	order.EventOrderDelivered:    EventOrderDelivered,
	order.EventOrderConfirmed:    EventOrderConfirmed,
	order.EventOrderAutoReleased: EventOrderAutoReleased,
	order.EventOrderDisputed:     EventOrderDisputed,
}

// Emitter wraps a Dispatcher to deliver order lifecycle events to both
// participants' webhooks. All methods are fire-and-forget: errors are
// logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// EmitOrderEvent delivers an order event to the buyer's and seller's
// webhooks. Implements the order service's event emitter.
func (e *Emitter) EmitOrderEvent(evt order.Event) {
	if e == nil || e.d == nil || evt.Order == nil {
		return
	}
	eventType, ok := orderEventTypes[evt.Type]
	if !ok {
		return
	}

	data := map[string]interface{}{
		"orderId":  evt.Order.ID,
		"buyerId":  evt.Order.BuyerID,
		"sellerId": evt.Order.SellerID,
		"itemId":   evt.Order.ItemID,
		"itemKind": evt.Order.ItemKind,
		"status":   string(evt.Order.Status),
		"vpAmount": evt.Order.VPAmount,
		"vcAmount": evt.Order.VCAmount,
	}

	e.emit(evt.Order.BuyerID, eventType, data)
	e.emit(evt.Order.SellerID, eventType, data)
}

func (e *Emitter) emit(userID string, eventType EventType, data map[string]interface{}) {
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	// Bounds the subscription lookup only; each delivery carries its own
	// deadline inside the dispatcher.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "user", userID, "error", err)
	}
}

// Compile-time assertion that Emitter satisfies the order event emitter.
var _ order.EventEmitter = (*Emitter)(nil)
