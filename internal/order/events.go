package order

import "time"

// EventType identifies a lifecycle event emitted after a transition commits.
type EventType string

const (
	EventOrderCreated      EventType = "order_created"
	EventOrderAccepted     EventType = "order_accepted"
	EventOrderCancelled    EventType = "order_cancelled"
	EventOrderDelivered    EventType = "order_delivered"
	EventOrderConfirmed    EventType = "order_confirmed"
	EventOrderAutoReleased EventType = "order_auto_released"
	EventOrderDisputed     EventType = "order_disputed"
)

// Profile is the denormalized party info attached to events so consumers
// can render notifications without a second lookup.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Event is a committed lifecycle change. Emitted after the order and any
// ledger effect have both been applied, never before.
type Event struct {
	Type       EventType `json:"type"`
	Order      *Order    `json:"order"`
	Buyer      *Profile  `json:"buyer,omitempty"`
	Seller     *Profile  `json:"seller,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventEmitter receives lifecycle events. Emitters must not block; slow
// consumers buffer or drop on their side.
type EventEmitter interface {
	EmitOrderEvent(event Event)
}

// ProfileResolver looks up party profiles for event payloads. A nil
// resolver, or a lookup miss, leaves the profile fields empty.
type ProfileResolver interface {
	ResolveProfile(userID string) (*Profile, bool)
}
