package eventpkg

import "encoding/json"

// protocolFields are the top-level keys every redacted event retains
// regardless of type.
var protocolFields = []string{
	"event_id", "type", "room_id", "sender", "state_key",
	"content", "hashes", "signatures", "depth", "prev_events",
	"auth_events", "origin", "origin_server_ts",
}

// contentFieldsByType lists the content keys that survive redaction for a
// given event type. Types not present here lose their entire content.
var contentFieldsByType = map[string][]string{
	"m.room.create":              {"creator"},
	"m.room.join_rules":          {"join_rule"},
	"m.room.power_levels":        {"users", "users_default", "events", "events_default", "state_default", "ban", "kick", "redact"},
	"m.room.member":              {"membership"},
	"m.room.aliases":             {"aliases"},
	"m.room.history_visibility":  {"history_visibility"},
	"m.room.guest_access":        {"guest_access"},
}

// Redact returns the content a redaction of an event of the given type would
// retain, per the per-type redaction table. canonicalAlias and every other
// unlisted type are stripped entirely, matching upstream Matrix's redaction
// algorithm.
func Redact(eventType string, content json.RawMessage) json.RawMessage {
	keep, ok := contentFieldsByType[eventType]
	if !ok || len(content) == 0 {
		return json.RawMessage(`{}`)
	}

	var full map[string]json.RawMessage
	if err := json.Unmarshal(content, &full); err != nil {
		return json.RawMessage(`{}`)
	}

	kept := make(map[string]json.RawMessage, len(keep))
	for _, key := range keep {
		if v, ok := full[key]; ok {
			kept[key] = v
		}
	}

	out, err := json.Marshal(kept)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}
