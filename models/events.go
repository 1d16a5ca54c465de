package models

import (
	"encoding/json"
	"fmt"
)

// EventKind is the normalized change kind.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// EntityType tags which entity a change event carries.
type EntityType string

const (
	EntityPost         EntityType = "post"
	EntityComment      EntityType = "comment"
	EntityReaction     EntityType = "reaction"
	EntityExpert       EntityType = "expert"
	EntityFollow       EntityType = "follow"
	EntitySavedPost    EntityType = "saved_post"
	EntityNotification EntityType = "notification"
	EntityPresence     EntityType = "presence"
)

// wireEvent is the raw payload shape on the change bus and the WebSocket
// channel: {event_type, entity, topic, new, old?}.
type wireEvent struct {
	EventType EventKind       `json:"event_type"`
	Entity    EntityType      `json:"entity"`
	Topic     string          `json:"topic"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

// ChangeEvent is the normalized, typed change event. The payload is decoded
// exactly once, at the normalization boundary; downstream consumers use the
// typed accessors and never see raw JSON.
type ChangeEvent struct {
	Kind   EventKind
	Entity EntityType
	Topic  string

	payload interface{}
	old     interface{}
}

// NewChangeEvent builds an event from an already-typed payload. The payload
// must match the entity type; used on the publishing side.
func NewChangeEvent(kind EventKind, entity EntityType, topic string, payload, old interface{}) ChangeEvent {
	return ChangeEvent{
		Kind:    kind,
		Entity:  entity,
		Topic:   topic,
		payload: payload,
		old:     old,
	}
}

// NormalizeEvent decodes a raw bus/WebSocket frame into a typed ChangeEvent.
// Unknown entity types and undecodable payloads are errors, not silently
// dropped fields.
func NormalizeEvent(data []byte) (ChangeEvent, error) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to decode change event: %w", err)
	}

	switch we.EventType {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return ChangeEvent{}, fmt.Errorf("unknown event type: %q", we.EventType)
	}

	ev := ChangeEvent{
		Kind:   we.EventType,
		Entity: we.Entity,
		Topic:  we.Topic,
	}

	var err error
	ev.payload, err = decodeEntity(we.Entity, we.New)
	if err != nil {
		return ChangeEvent{}, err
	}
	if len(we.Old) > 0 {
		ev.old, err = decodeEntity(we.Entity, we.Old)
		if err != nil {
			return ChangeEvent{}, err
		}
	}

	return ev, nil
}

func decodeEntity(entity EntityType, data json.RawMessage) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}

	unmarshal := func(v interface{}) (interface{}, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", entity, err)
		}
		return v, nil
	}

	switch entity {
	case EntityPost:
		return unmarshal(&Post{})
	case EntityComment:
		return unmarshal(&Comment{})
	case EntityReaction:
		return unmarshal(&Reaction{})
	case EntityExpert:
		return unmarshal(&Expert{})
	case EntityFollow:
		return unmarshal(&Follow{})
	case EntitySavedPost:
		return unmarshal(&SavedPost{})
	case EntityNotification:
		return unmarshal(&Notification{})
	case EntityPresence:
		return unmarshal(&UserPresence{})
	default:
		return nil, fmt.Errorf("unknown entity type: %q", entity)
	}
}

// Marshal encodes the event back to the wire shape for publishing.
func (e ChangeEvent) Marshal() ([]byte, error) {
	we := wireEvent{
		EventType: e.Kind,
		Entity:    e.Entity,
		Topic:     e.Topic,
	}

	if e.payload != nil {
		data, err := json.Marshal(e.payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event payload: %w", err)
		}
		we.New = data
	}
	if e.old != nil {
		data, err := json.Marshal(e.old)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event old payload: %w", err)
		}
		we.Old = data
	}

	return json.Marshal(we)
}

// Typed accessors. Each returns nil when the event carries a different
// entity type.

func (e ChangeEvent) Post() *Post {
	p, _ := e.payload.(*Post)
	return p
}

func (e ChangeEvent) Comment() *Comment {
	c, _ := e.payload.(*Comment)
	return c
}

func (e ChangeEvent) Reaction() *Reaction {
	r, _ := e.payload.(*Reaction)
	return r
}

func (e ChangeEvent) Expert() *Expert {
	x, _ := e.payload.(*Expert)
	return x
}

func (e ChangeEvent) Follow() *Follow {
	f, _ := e.payload.(*Follow)
	return f
}

func (e ChangeEvent) SavedPost() *SavedPost {
	s, _ := e.payload.(*SavedPost)
	return s
}

func (e ChangeEvent) Notification() *Notification {
	n, _ := e.payload.(*Notification)
	return n
}

func (e ChangeEvent) Presence() *UserPresence {
	p, _ := e.payload.(*UserPresence)
	return p
}

// OldReaction returns the pre-image for reaction delete events.
func (e ChangeEvent) OldReaction() *Reaction {
	r, _ := e.old.(*Reaction)
	return r
}

// OldFollow returns the pre-image for follow delete events.
func (e ChangeEvent) OldFollow() *Follow {
	f, _ := e.old.(*Follow)
	return f
}

// OldSavedPost returns the pre-image for saved-post delete events.
func (e ChangeEvent) OldSavedPost() *SavedPost {
	s, _ := e.old.(*SavedPost)
	return s
}

// Topic helpers. Topics scope subscriptions: the feed, a single post, or a
// single user's private stream.

func FeedTopic() string          { return "feed" }
func PostTopic(id string) string { return "post:" + id }
func UserTopic(id string) string { return "user:" + id }
func ExpertsTopic() string       { return "experts" }
func PresenceTopic() string      { return "presence" }
