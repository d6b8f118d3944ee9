package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventBookingCreated    = "booking.created"
	EventBookingConfirmed  = "booking.confirmed"
	EventBookingCancelled  = "booking.cancelled"
	EventBookingExpired    = "booking.expired"
	EventBookingAttendance = "booking.attendance"
	EventClassCancelled    = "class.cancelled"
)

// BookingEvents lists every booking lifecycle event type.
var BookingEvents = []string{
	EventBookingCreated,
	EventBookingConfirmed,
	EventBookingCancelled,
	EventBookingExpired,
	EventBookingAttendance,
}

// BookingEventPayload is the booking snapshot sent to event consumers.
type BookingEventPayload struct {
	BookingID         int64  `json:"booking_id"`
	MemberID          int64  `json:"member_id"`
	ClassID           int64  `json:"class_id"`
	ClassTitle        string `json:"class_title,omitempty"`
	Date              string `json:"date"`
	Status            string `json:"status"`
	CancelledByMember bool   `json:"cancelled_by_member,omitempty"`
	Attended          bool   `json:"attended,omitempty"`
	ChangedBy         string `json:"changed_by,omitempty"`
}

// ClassEventPayload is sent when an admin cancels a class occurrence.
type ClassEventPayload struct {
	ClassID  int64  `json:"class_id"`
	Title    string `json:"title"`
	Date     string `json:"date"`
	Affected int    `json:"affected"`
}

type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      zerolog.Logger
}

func NewEventBus(logger *zerolog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string][]EventHandler),
		logger:      logger.With().Str("component", "events").Logger(),
	}
}

func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish runs the handlers of the event type synchronously. A failing handler is logged
// and does not stop the others.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			b.logger.Warn().Err(err).Str("event_type", event.Type).Msg("event handler failed")
		}
	}
}

func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.Publish(&event)
	return nil
}

func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
