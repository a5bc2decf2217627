package event

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/matrix-org/matrixcore/canonicaljson"
)

// deriveEventID computes the event ID for EventIDFormatV3: "$" followed by
// the unpadded URL-safe base64 SHA-256 of the canonical JSON of the
// redacted event with "signatures" and "age_ts" removed (spec.md §4.3).
// Redact() already strips "unsigned" (and therefore any nested age_ts);
// "signatures" is stripped here in addition since the redaction table
// itself retains it for other purposes (auth-chain signature
// verification on already-redacted events).
func deriveEventID(eventJSON []byte, eventType string) (string, error) {
	redacted, err := redactEventJSON(eventJSON, eventType)
	if err != nil {
		return "", err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(redacted, &m); err != nil {
		return "", err
	}
	delete(m, "signatures")
	delete(m, "age_ts")
	delete(m, "event_id")
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	canonical, err := canonicaljson.Canonicalize(b)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "$" + EncodeUnpaddedBase64URL(sum[:]), nil
}
