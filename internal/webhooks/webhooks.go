// Package webhooks provides event notifications to external services.
//
// Users can register webhook URLs to receive notifications about their
// orders: creations, deliveries, confirmations, disputes, auto-releases.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/playora/playora/internal/metrics"
	"github.com/playora/playora/internal/retry"
	"github.com/playora/playora/internal/security"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventOrderCreated      EventType = "order.created"
	EventOrderAccepted     EventType = "order.accepted"
	EventOrderCancelled    EventType = "order.cancelled"
	EventOrderDelivered    EventType = "order.delivered"
	EventOrderConfirmed    EventType = "order.confirmed"
	EventOrderAutoReleased EventType = "order.auto_released"
	EventOrderDisputed     EventType = "order.disputed"
)

// deliveryTimeout caps one delivery end to end, covering every retry
// attempt plus backoff.
const deliveryTimeout = 60 * time.Second

// RetryConfig controls delivery retries and auto-deactivation.
type RetryConfig struct {
	MaxAttempts int           // attempts per delivery, including the first
	BaseDelay   time.Duration // delay before the first retry, doubled each attempt
	MaxFailures int           // consecutive failures before deactivating
}

// DefaultRetryConfig returns sensible delivery defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxFailures: 10,
	}
}

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"userId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        RetryConfig
	urlValidator func(string) error
	mu           sync.RWMutex
}

// NewDispatcher creates a new webhook dispatcher with default retries
func NewDispatcher(store Store) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig())
}

// NewDispatcherWithRetry creates a dispatcher with custom retry behavior
func NewDispatcherWithRetry(store Store, retry RetryConfig) *Dispatcher {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry:        retry,
		urlValidator: security.ValidateEndpointURL,
	}
}

// Dispatch sends an event to all relevant subscribers
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Send async to avoid blocking
		go d.send(sub, event)
	}

	return nil
}

// DispatchToUser sends an event to a specific user's webhooks
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Check if subscribed to this event type
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(sub, event)
				break
			}
		}
	}

	return nil
}

// send runs one delivery. It derives its own context: deliveries outlive
// the request that produced the event, so the caller's context must not
// be able to cancel them mid-flight.
func (d *Dispatcher) send(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("blocked URL: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.retry.MaxAttempts, d.retry.BaseDelay, func() error {
		status, err := d.attempt(ctx, sub, event, payload)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if status >= 200 && status < 300 {
			return nil
		}
		// Client errors other than 429 won't improve with retries
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return retry.Permanent(fmt.Errorf("status %d", status))
		}
		return fmt.Errorf("status %d", status)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.updateError(ctx, sub, err.Error())
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, event *Event, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Playora-Event", string(event.Type))
	req.Header.Set("X-Playora-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		signature := d.sign(payload, sub.Secret)
		req.Header.Set("X-Playora-Signature", signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Delivery bookkeeping is a read-modify-write on the subscription, so it
// runs under d.mu on a fresh read: concurrent deliveries to the same hook
// neither race on shared state nor lose failure counts.

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return
	}
	now := time.Now()
	cur.LastSuccess = &now
	cur.LastError = ""
	cur.ConsecutiveFailures = 0
	d.store.Update(ctx, cur)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return
	}
	cur.LastError = errMsg
	cur.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && cur.ConsecutiveFailures >= d.retry.MaxFailures {
		cur.Active = false
	}
	d.store.Update(ctx, cur)
}

// clone returns a deep copy so store reads never hand out shared state.
func (s *Subscription) clone() *Subscription {
	c := *s
	c.Events = append([]EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

// MemoryStore is an in-memory implementation for testing. Like the
// Postgres store, every read returns its own copy.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub.clone(), nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, sub.clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub.clone())
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
