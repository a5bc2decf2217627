package event

import "encoding/json"

// redactedContentFields lists, per event type, which content keys survive
// redaction (spec.md §4.3 table). Event types not listed here redact to an
// empty content object.
var redactedContentFields = map[string][]string{
	"m.room.create":             nil, // nil marker: keep the whole content, see Redact()
	"m.room.member":             {"membership", "join_authorised_via_users_server"},
	"m.room.join_rules":         {"join_rule", "allow"},
	"m.room.power_levels":       {"ban", "events", "events_default", "invite", "kick", "redact", "state_default", "users", "users_default"},
	"m.room.history_visibility": {"history_visibility"},
	"m.room.redaction":          {"redacts"},
}

// redactedTopLevelFields are the top-level event keys that survive
// redaction verbatim. "unsigned" is deliberately excluded: it is stripped.
var redactedTopLevelFields = []string{
	"event_id", "type", "room_id", "sender", "state_key", "depth",
	"prev_events", "auth_events", "origin_server_ts", "hashes", "signatures",
}

// Redact returns the JSON of this event reduced to the fields that survive
// redaction: the invariant top-level fields, plus the per-type content
// subset from the table in spec.md §4.3. This is used both for
// signature verification (every accepted event's signature covers its
// redacted form) and to actually persist a redaction.
func (e *Event) Redact() ([]byte, error) {
	return redactEventJSON(e.eventJSON, e.fields.Type)
}

func redactEventJSON(eventJSON []byte, eventType string) ([]byte, error) {
	var full map[string]json.RawMessage
	if err := json.Unmarshal(eventJSON, &full); err != nil {
		return nil, err
	}

	out := map[string]json.RawMessage{}
	for _, key := range redactedTopLevelFields {
		if v, ok := full[key]; ok {
			out[key] = v
		}
	}

	var content map[string]json.RawMessage
	if raw, ok := full["content"]; ok {
		_ = json.Unmarshal(raw, &content) // malformed/non-object content redacts to {}
	}
	newContent := map[string]json.RawMessage{}
	if keep, ok := redactedContentFields[eventType]; ok {
		if keep == nil {
			// m.room.create: keep everything.
			newContent = content
		} else {
			for _, k := range keep {
				if v, ok := content[k]; ok {
					newContent[k] = v
				}
			}
		}
	}
	contentJSON, err := json.Marshal(newContent)
	if err != nil {
		return nil, err
	}
	out["content"] = contentJSON

	return json.Marshal(out)
}
