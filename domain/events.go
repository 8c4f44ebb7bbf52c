package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Server to client events.
const (
	EventTaskUpdated          = "task_updated"
	EventNotification         = "notification"
	EventSubscribed           = "subscribed"
	EventUnsubscribed         = "unsubscribed"
	EventSubscriptionRejected = "subscription_rejected"
)

// Client to server events.
const (
	EventJoinTask     = "join_task"
	EventLeaveTask    = "leave_task"
	EventJoinUserRoom = "join_user_room"
)

// Errors returned when an event cannot be built from an entity.
var (
	// ErrMissingEntityID means the entity has no _id to route by.
	ErrMissingEntityID = errors.New("entity id is required")
	// ErrMissingRecipient means a notification names no recipient room.
	ErrMissingRecipient = errors.New("notification recipient is required")
	// ErrUnknownKind means the event kind is neither task_updated nor notification.
	ErrUnknownKind = errors.New("unknown event kind")
)

// Event is produced once per successful mutation. Payload holds the full,
// already serialized entity snapshot.
type Event struct {
	Kind    string          `json:"kind"`
	Topics  []Topic         `json:"topics"`
	Payload json.RawMessage `json:"payload"`
}

// NewTaskUpdated builds the task_updated event for the task room of t.
func NewTaskUpdated(t Task) (Event, error) {
	if t.ID == "" {
		return Event{}, ErrMissingEntityID
	}
	data, err := sonic.Marshal(t)
	if err != nil {
		return Event{}, fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return Event{Kind: EventTaskUpdated, Topics: []Topic{TaskTopic(t.ID)}, Payload: data}, nil
}

// NewNotification builds the notification event for the recipient's room.
func NewNotification(n Notification) (Event, error) {
	if n.ID == "" {
		return Event{}, ErrMissingEntityID
	}
	if n.Recipient == "" {
		return Event{}, ErrMissingRecipient
	}
	data, err := sonic.Marshal(n)
	if err != nil {
		return Event{}, fmt.Errorf("marshal notification %s: %w", n.ID, err)
	}
	return Event{Kind: EventNotification, Topics: []Topic{UserTopic(n.Recipient)}, Payload: data}, nil
}

// NewEventFromRaw builds an event from an entity serialized by another
// process. The payload is kept byte for byte; only the routing keys are read
// from it.
func NewEventFromRaw(kind string, entity json.RawMessage) (Event, error) {
	switch kind {
	case EventTaskUpdated:
		var keys struct {
			ID string `json:"_id"`
		}
		if err := sonic.Unmarshal(entity, &keys); err != nil {
			return Event{}, fmt.Errorf("decode task: %w", err)
		}
		if keys.ID == "" {
			return Event{}, ErrMissingEntityID
		}
		return Event{Kind: kind, Topics: []Topic{TaskTopic(keys.ID)}, Payload: entity}, nil
	case EventNotification:
		var keys struct {
			ID        string `json:"_id"`
			Recipient string `json:"recipient"`
		}
		if err := sonic.Unmarshal(entity, &keys); err != nil {
			return Event{}, fmt.Errorf("decode notification: %w", err)
		}
		if keys.ID == "" {
			return Event{}, ErrMissingEntityID
		}
		if keys.Recipient == "" {
			return Event{}, ErrMissingRecipient
		}
		return Event{Kind: kind, Topics: []Topic{UserTopic(keys.Recipient)}, Payload: entity}, nil
	}
	return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// AllowedTopicKind reports which topic namespace an event kind may target.
func AllowedTopicKind(kind string) TopicKind {
	switch kind {
	case EventTaskUpdated:
		return TopicTask
	case EventNotification:
		return TopicUser
	}
	return TopicInvalid
}

// Frame returns the wire frame pushed to subscribers.
func (e Event) Frame() ([]byte, error) {
	return sonic.Marshal(Frame{Event: e.Kind, Data: e.Payload})
}
