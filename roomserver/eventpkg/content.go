package eventpkg

import (
	"encoding/json"

	"github.com/matrix-stateserver/stateserver/roomserver/powerlevel"
)

// Membership is one of the values an m.room.member event's membership field
// may take.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// MemberContent is the parsed content of an m.room.member event.
type MemberContent struct {
	Membership Membership `json:"membership"`
	DisplayName *string    `json:"displayname,omitempty"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
}

// CreateContent is the parsed content of an m.room.create event.
type CreateContent struct {
	Creator     string `json:"creator"`
	RoomVersion string `json:"room_version"`
}

// AsMember lazily parses the event's content as an m.room.member body. ok is
// false if the event is not of that type or its content doesn't parse.
func (e *Event) AsMember() (content MemberContent, ok bool) {
	if e.fields.Type != "m.room.member" {
		return MemberContent{}, false
	}
	e.memberOnce.Do(func() {
		var c MemberContent
		if err := json.Unmarshal(e.fields.Content, &c); err == nil {
			e.memberContent = &c
		}
	})
	if e.memberContent == nil {
		return MemberContent{}, false
	}
	return *e.memberContent, true
}

// AsCreate lazily parses the event's content as an m.room.create body.
func (e *Event) AsCreate() (content CreateContent, ok bool) {
	if e.fields.Type != "m.room.create" {
		return CreateContent{}, false
	}
	e.createOnce.Do(func() {
		var c CreateContent
		if err := json.Unmarshal(e.fields.Content, &c); err == nil {
			e.createContent = &c
		}
	})
	if e.createContent == nil {
		return CreateContent{}, false
	}
	return *e.createContent, true
}

// AsPowerLevels lazily parses the event's content as m.room.power_levels,
// applying Matrix's documented field defaults.
func (e *Event) AsPowerLevels() (pl powerlevel.PowerLevels, ok bool) {
	if e.fields.Type != "m.room.power_levels" {
		return powerlevel.PowerLevels{}, false
	}
	e.powerLevelsOnce.Do(func() {
		parsed := powerlevel.Parse(e.fields.Content)
		e.powerLevelsContent = &parsed
	})
	return *e.powerLevelsContent, true
}

// JoinRule returns the event's join_rule field when the event is an
// m.room.join_rules event.
func (e *Event) JoinRule() (string, bool) {
	if e.fields.Type != "m.room.join_rules" {
		return "", false
	}
	res := e.Get("join_rule")
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}

// HistoryVisibility returns the event's history_visibility field when the
// event is an m.room.history_visibility event.
func (e *Event) HistoryVisibility() (string, bool) {
	if e.fields.Type != "m.room.history_visibility" {
		return "", false
	}
	res := e.Get("history_visibility")
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}
