package event

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/matrixcore/canonicaljson"
)

// Signer produces an ed25519 signature over an already-canonicalized
// message. Implemented by keyring.LocalKey; kept as an interface here so
// this package never imports keyring (which imports event).
type Signer interface {
	Sign(message []byte) (Base64String, error)
}

// signingPayload computes the exact bytes a signature is made over:
// the canonical JSON of the redacted event (spec.md §4.3's per-type
// content table applied) with "signatures" additionally removed. Signing
// over the redacted form means the signature keeps verifying even after
// the event is later redacted for real (spec.md §4.7 step 3, and the
// reference SignEvent/VerifyEventSignature pair this is grounded on).
func signingPayload(eventJSON []byte, eventType string) ([]byte, error) {
	redacted, err := redactEventJSON(eventJSON, eventType)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(redacted, &m); err != nil {
		return nil, err
	}
	delete(m, "signatures")
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return canonicaljson.Canonicalize(b)
}

// SignEventJSON signs eventJSON with the given signer and embeds the
// resulting signature under signatures[serverName][keyID], preserving any
// signatures already present from other servers (e.g. an invite's
// counter-signature from the resident server).
func SignEventJSON(eventJSON []byte, eventType string, serverName ServerName, keyID string, signer Signer) ([]byte, error) {
	payload, err := signingPayload(eventJSON, eventType)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("event: sign: %w", err)
	}
	var full map[string]json.RawMessage
	if err := json.Unmarshal(eventJSON, &full); err != nil {
		return nil, err
	}
	sigs := map[ServerName]map[string]Base64String{}
	if raw, ok := full["signatures"]; ok {
		_ = json.Unmarshal(raw, &sigs)
	}
	if sigs[serverName] == nil {
		sigs[serverName] = map[string]Base64String{}
	}
	sigs[serverName][keyID] = sig
	sigsJSON, err := json.Marshal(sigs)
	if err != nil {
		return nil, err
	}
	full["signatures"] = sigsJSON
	return json.Marshal(full)
}

// Verifier checks a raw ed25519 signature against a payload and a public
// key. Implemented directly with golang.org/x/crypto/ed25519 by the
// keyring package's key-resolution logic, which knows how to fetch the
// right public key for (server, key_id) before calling this.
type Verifier func(publicKey, message, signature []byte) bool

// VerifySignature checks that eventJSON carries a valid signature from
// (serverName, keyID) using the given public key and verifier.
func VerifySignature(eventJSON []byte, eventType string, serverName ServerName, keyID string, publicKey []byte, verify Verifier) error {
	payload, err := signingPayload(eventJSON, eventType)
	if err != nil {
		return err
	}
	var full struct {
		Signatures map[ServerName]map[string]Base64String `json:"signatures"`
	}
	if err := json.Unmarshal(eventJSON, &full); err != nil {
		return err
	}
	sig, ok := full.Signatures[serverName][keyID]
	if !ok {
		return ErrSignatureMissing{Server: serverName, KeyID: keyID}
	}
	if !verify(publicKey, payload, sig) {
		return ErrSignatureInvalid{Server: serverName, KeyID: keyID}
	}
	return nil
}

// ErrSignatureMissing means the event carries no signature at all for the
// requested (server, key_id).
type ErrSignatureMissing struct {
	Server ServerName
	KeyID  string
}

func (e ErrSignatureMissing) Error() string {
	return fmt.Sprintf("event: no signature from %s/%s", e.Server, e.KeyID)
}

// ErrSignatureInvalid means a signature was present but did not verify.
type ErrSignatureInvalid struct {
	Server ServerName
	KeyID  string
}

func (e ErrSignatureInvalid) Error() string {
	return fmt.Sprintf("event: invalid signature from %s/%s", e.Server, e.KeyID)
}
