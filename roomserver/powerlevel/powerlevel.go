// Package powerlevel parses m.room.power_levels content and answers the
// level comparisons the authorization engine and state resolver need.
package powerlevel

import "encoding/json"

const (
	defaultUsersDefault   = 0
	defaultEventsDefault  = 0
	defaultStateDefault   = 50
	defaultBan            = 50
	defaultKick           = 50
	defaultRedact         = 50
	defaultInvite         = 0
)

// defaultEventLevels lists the event types Matrix assigns a non-zero default
// level when a power_levels event doesn't explicitly list them.
var defaultEventLevels = map[string]int64{
	"m.room.name":               50,
	"m.room.power_levels":       100,
	"m.room.history_visibility": 100,
	"m.room.canonical_alias":    50,
	"m.room.avatar":             50,
	"m.room.tombstone":          100,
	"m.room.server_acl":         100,
	"m.room.encryption":         100,
}

// PowerLevels is the parsed, defaulted content of a room's m.room.power_levels
// state event, or the synthetic all-powerful levels used before one exists.
type PowerLevels struct {
	Users         map[string]int64
	UsersDefault  int64
	Events        map[string]int64
	EventsDefault int64
	StateDefault  int64
	Ban           int64
	Kick          int64
	Redact        int64
	Invite        int64
}

type rawContent struct {
	Users         map[string]int64 `json:"users"`
	UsersDefault  *int64           `json:"users_default"`
	Events        map[string]int64 `json:"events"`
	EventsDefault *int64           `json:"events_default"`
	StateDefault  *int64           `json:"state_default"`
	Ban           *int64           `json:"ban"`
	Kick          *int64           `json:"kick"`
	Redact        *int64           `json:"redact"`
	Invite        *int64           `json:"invite"`
}

// Parse decodes content into PowerLevels, filling in Matrix's documented
// defaults for any field the event omits.
func Parse(content json.RawMessage) PowerLevels {
	var raw rawContent
	if len(content) > 0 {
		_ = json.Unmarshal(content, &raw)
	}
	pl := PowerLevels{
		Users:         raw.Users,
		UsersDefault:  defaultUsersDefault,
		Events:        raw.Events,
		EventsDefault: defaultEventsDefault,
		StateDefault:  defaultStateDefault,
		Ban:           defaultBan,
		Kick:          defaultKick,
		Redact:        defaultRedact,
		Invite:        defaultInvite,
	}
	if raw.UsersDefault != nil {
		pl.UsersDefault = *raw.UsersDefault
	}
	if raw.EventsDefault != nil {
		pl.EventsDefault = *raw.EventsDefault
	}
	if raw.StateDefault != nil {
		pl.StateDefault = *raw.StateDefault
	}
	if raw.Ban != nil {
		pl.Ban = *raw.Ban
	}
	if raw.Kick != nil {
		pl.Kick = *raw.Kick
	}
	if raw.Redact != nil {
		pl.Redact = *raw.Redact
	}
	if raw.Invite != nil {
		pl.Invite = *raw.Invite
	}
	if pl.Users == nil {
		pl.Users = map[string]int64{}
	}
	if pl.Events == nil {
		pl.Events = map[string]int64{}
	}
	return pl
}

// CreatorLevels returns the synthetic power levels in effect for a room that
// has no m.room.power_levels event yet: the creator is the only user and is
// implicitly the most powerful member of the room.
func CreatorLevels(creator string) PowerLevels {
	pl := Parse(nil)
	pl.Users = map[string]int64{creator: 100}
	return pl
}

// UserLevel returns the effective power level of user.
func (pl PowerLevels) UserLevel(user string) int64 {
	if lvl, ok := pl.Users[user]; ok {
		return lvl
	}
	return pl.UsersDefault
}

// EventLevel returns the power level required to send an event of eventType.
// isState selects the state-event default when the type isn't explicitly
// listed in Events.
func (pl PowerLevels) EventLevel(eventType string, isState bool) int64 {
	if lvl, ok := pl.Events[eventType]; ok {
		return lvl
	}
	if lvl, ok := defaultEventLevels[eventType]; ok {
		return lvl
	}
	if isState {
		return pl.StateDefault
	}
	return pl.EventsDefault
}

func (pl PowerLevels) CanInvite(user string) bool { return pl.UserLevel(user) >= pl.Invite }
func (pl PowerLevels) CanKick(user string) bool    { return pl.UserLevel(user) >= pl.Kick }
func (pl PowerLevels) CanBan(user string) bool      { return pl.UserLevel(user) >= pl.Ban }
func (pl PowerLevels) CanRedact(user string) bool   { return pl.UserLevel(user) >= pl.Redact }
func (pl PowerLevels) CanSendEvent(user, eventType string, isState bool) bool {
	return pl.UserLevel(user) >= pl.EventLevel(eventType, isState)
}

// CanRaiseOrEqual reports whether a user at senderLevel may set another
// user's, or a power-levels field's, level to target: raising or lowering a
// level to a value above the sender's own level is never allowed.
func CanRaiseOrEqual(senderLevel, target int64) bool {
	return senderLevel >= target
}
