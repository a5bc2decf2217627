package keyring

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/canonicaljson"
	"github.com/matrix-org/matrixcore/event"
)

// verifyServerKeyResponse parses a GET /_matrix/key/v2/server body and
// checks its self-signature: the response is itself a signed blob that
// must verify against the key it names for keyID under its own
// signatures block (spec.md §4.2 — "verifies [it] against the key it
// already knows from that server (or, for first contact, against any key
// it announces)"). This core always has no prior key on first contact, so
// it trusts whichever self-signature matches an announced verify key;
// servers this core has talked to before reuse the cached key implicitly
// because Cache.Get only calls this path on a cache miss/expiry.
func verifyServerKeyResponse(body []byte, wantServer event.ServerName, wantKeyID string) (ServerKeyResponse, VerifyKey, error) {
	var resp ServerKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ServerKeyResponse{}, VerifyKey{}, fmt.Errorf("keyring: malformed key response: %w", err)
	}
	if resp.ServerName != wantServer {
		return ServerKeyResponse{}, VerifyKey{}, fmt.Errorf("keyring: key response server_name %q != requested %q", resp.ServerName, wantServer)
	}
	want, ok := resp.VerifyKeys[wantKeyID]
	if !ok {
		return ServerKeyResponse{}, VerifyKey{}, fmt.Errorf("keyring: key response does not carry key_id %q", wantKeyID)
	}

	sigs := resp.Signatures[wantServer]
	if len(sigs) == 0 {
		return ServerKeyResponse{}, VerifyKey{}, fmt.Errorf("keyring: key response carries no self-signature from %q", wantServer)
	}
	payload, err := selfSigningPayload(body)
	if err != nil {
		return ServerKeyResponse{}, VerifyKey{}, err
	}
	verified := false
	for sigKeyID, sig := range sigs {
		candidate, ok := resp.VerifyKeys[sigKeyID]
		if !ok {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(candidate.Key), payload, []byte(sig)) {
			verified = true
			break
		}
	}
	if !verified {
		return ServerKeyResponse{}, VerifyKey{}, fmt.Errorf("keyring: key response self-signature does not verify against any announced key")
	}

	vk := VerifyKey{Public: ed25519.PublicKey(want.Key), ValidUntilTS: cappedTTL(resp.ValidUntilTS)}
	return resp, vk, nil
}

// selfSigningPayload is the canonical JSON of the response with
// "signatures" removed, the payload a key-server response's self-signature
// covers (mirrors event signing: canonicalize-minus-signatures, signed).
func selfSigningPayload(body []byte) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	delete(m, "signatures")
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return canonicaljson.Canonicalize(b)
}

// Verify checks a request or event signature given the already-resolved
// public key, implementing event.Verifier's shape so it can be passed
// straight through to event.VerifySignature. ed25519.Verify panics on a
// key of the wrong length rather than returning false, so a malformed or
// missing key is rejected here first.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}
