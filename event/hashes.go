package event

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/matrixcore/canonicaljson"
)

// ErrContentHashMismatch is returned by CheckContentHash on a hash
// failure (spec.md §4.7 step 2).
type ErrContentHashMismatch struct{}

func (ErrContentHashMismatch) Error() string { return "event: content hash mismatch" }

// contentHash computes the SHA-256 of the canonical JSON of eventJSON with
// "signatures", "hashes" and "unsigned" removed (spec.md §4.3).
func contentHash(eventJSON []byte) ([32]byte, error) {
	var full map[string]json.RawMessage
	if err := json.Unmarshal(eventJSON, &full); err != nil {
		return [32]byte{}, fmt.Errorf("event: contentHash: %w", err)
	}
	delete(full, "signatures")
	delete(full, "hashes")
	delete(full, "unsigned")
	hashable, err := json.Marshal(full)
	if err != nil {
		return [32]byte{}, err
	}
	canonical, err := canonicaljson.Canonicalize(hashable)
	if err != nil {
		return [32]byte{}, fmt.Errorf("event: contentHash: %w", err)
	}
	return sha256.Sum256(canonical), nil
}

// addContentHash sets eventJSON's "hashes.sha256" key to the content hash
// of the event, preserving every other key (including "unsigned", which
// the hash computation itself ignores but which must survive in the
// returned JSON).
func addContentHash(eventJSON []byte) ([]byte, error) {
	sum, err := contentHash(eventJSON)
	if err != nil {
		return nil, err
	}
	var full map[string]json.RawMessage
	if err := json.Unmarshal(eventJSON, &full); err != nil {
		return nil, err
	}
	hashesJSON, err := json.Marshal(EventHashes{Sha256: Base64String(sum[:])})
	if err != nil {
		return nil, err
	}
	full["hashes"] = hashesJSON
	return json.Marshal(full)
}

// CheckContentHash recomputes the content hash and compares it against
// the "hashes.sha256" the event carries (spec.md §4.7 step 2, §8 property
// 2). A malformed or absent hashes.sha256 is a mismatch, not a separate
// error class: both mean the event cannot be trusted.
func (e *Event) CheckContentHash() error {
	sum, err := contentHash(e.eventJSON)
	if err != nil {
		return err
	}
	if len(e.fields.Hashes.Sha256) != len(sum) {
		return ErrContentHashMismatch{}
	}
	for i := range sum {
		if e.fields.Hashes.Sha256[i] != sum[i] {
			return ErrContentHashMismatch{}
		}
	}
	return nil
}
