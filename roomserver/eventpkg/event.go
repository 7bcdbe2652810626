// Package eventpkg implements the Matrix event model: construction, the
// content-addressable event id, redaction and lazy typed content access.
package eventpkg

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-stateserver/stateserver/roomserver/powerlevel"
	"github.com/matrix-stateserver/stateserver/roomserver/types"
	"github.com/tidwall/gjson"
)

// Builder assembles the fields of a new event prior to it being given an id.
// Mirrors the shape of a Matrix event builder: sender, room, type, optional
// state key, graph parents, content.
type Builder struct {
	RoomID     string
	Sender     string
	Type       string
	StateKey   *string
	PrevEvents []string
	AuthEvents []string
	Depth      int64
	Content    json.RawMessage
	Redacts    string
}

// eventFields is the on-the-wire shape of an event, used both to marshal a
// freshly built event and to unmarshal one read from storage or federation.
type eventFields struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	Depth          int64           `json:"depth"`
	Content        json.RawMessage `json:"content"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Redacts        string          `json:"redacts,omitempty"`
}

// Event is an immutable, parsed Matrix event. The zero value is not useful;
// construct one via Build or Parse.
type Event struct {
	fields      eventFields
	roomVersion types.RoomVersion
	raw         []byte

	memberOnce    sync.Once
	memberContent *MemberContent

	createOnce    sync.Once
	createContent *CreateContent

	powerLevelsOnce    sync.Once
	powerLevelsContent *powerlevel.PowerLevels
}

// Build finalizes a Builder into an Event, computing its event id from the
// canonical JSON of its redacted form, per the content-addressable id scheme
// this core uses for every room version it supports.
func (b Builder) Build(now time.Time, roomVersion types.RoomVersion) (*Event, error) {
	if b.RoomID == "" || b.Sender == "" || b.Type == "" {
		return nil, types.NewError(types.ErrMalformedEvent, fmt.Errorf("room_id, sender and type are required"))
	}
	fields := eventFields{
		RoomID:         b.RoomID,
		Sender:         b.Sender,
		Type:           b.Type,
		StateKey:       b.StateKey,
		PrevEvents:     b.PrevEvents,
		AuthEvents:     b.AuthEvents,
		Depth:          b.Depth,
		Content:        b.Content,
		Redacts:        b.Redacts,
		OriginServerTS: now.UnixMilli(),
	}
	if fields.Content == nil {
		fields.Content = json.RawMessage(`{}`)
	}

	id, err := eventID(fields)
	if err != nil {
		return nil, types.NewError(types.ErrMalformedEvent, err)
	}
	fields.EventID = id

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, types.NewError(types.ErrMalformedEvent, err)
	}

	return &Event{fields: fields, roomVersion: roomVersion, raw: raw}, nil
}

// eventID computes the content-addressable id of an event from its
// redacted, canonical form. event_id, hashes and signatures are never part
// of the hashed form.
func eventID(fields eventFields) (string, error) {
	redactedContent := Redact(fields.Type, fields.Content)
	redactable := map[string]interface{}{
		"room_id":          fields.RoomID,
		"sender":           fields.Sender,
		"type":             fields.Type,
		"prev_events":      fields.PrevEvents,
		"auth_events":      fields.AuthEvents,
		"depth":            fields.Depth,
		"content":          json.RawMessage(redactedContent),
		"origin_server_ts": fields.OriginServerTS,
	}
	if fields.StateKey != nil {
		redactable["state_key"] = *fields.StateKey
	}
	if fields.Redacts != "" {
		redactable["redacts"] = fields.Redacts
	}

	asJSON, err := json.Marshal(redactable)
	if err != nil {
		return "", err
	}
	canonical, err := CanonicalJSON(asJSON)
	if err != nil {
		return "", err
	}
	return computeEventID(canonical), nil
}

// Parse builds an Event from previously-serialized event JSON (e.g. read
// back from storage or received over federation).
func Parse(raw []byte, roomVersion types.RoomVersion) (*Event, error) {
	var fields eventFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, types.NewError(types.ErrMalformedEvent, err)
	}
	if fields.EventID == "" || fields.RoomID == "" || fields.Sender == "" || fields.Type == "" {
		return nil, types.NewError(types.ErrMalformedEvent, fmt.Errorf("missing required event field"))
	}
	return &Event{fields: fields, roomVersion: roomVersion, raw: raw}, nil
}

func (e *Event) EventID() string             { return e.fields.EventID }
func (e *Event) RoomID() string              { return e.fields.RoomID }
func (e *Event) Sender() string              { return e.fields.Sender }
func (e *Event) Type() string                { return e.fields.Type }
func (e *Event) StateKey() *string           { return e.fields.StateKey }
func (e *Event) IsState() bool               { return e.fields.StateKey != nil }
func (e *Event) PrevEvents() []string        { return e.fields.PrevEvents }
func (e *Event) AuthEvents() []string        { return e.fields.AuthEvents }
func (e *Event) Depth() int64                { return e.fields.Depth }
func (e *Event) Content() json.RawMessage    { return e.fields.Content }
func (e *Event) OriginServerTS() int64       { return e.fields.OriginServerTS }
func (e *Event) Redacts() string             { return e.fields.Redacts }
func (e *Event) RoomVersion() types.RoomVersion { return e.roomVersion }
func (e *Event) JSON() []byte                { return e.raw }

// StateKeyTuple returns the StateKeyTuple this event occupies. Panics if the
// event is not a state event; callers must check IsState first.
func (e *Event) StateKeyTuple() types.StateKeyTuple {
	return types.StateKeyTuple{EventType: e.fields.Type, StateKey: *e.fields.StateKey}
}

// Get returns the raw JSON value at path within the event content, using
// gjson's dotted path syntax for the common case of a flat or lightly
// nested lookup without unmarshalling the whole content.
func (e *Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.fields.Content, path)
}
