// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fedclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/canonicaljson"
	"github.com/matrix-org/matrixcore/event"
)

// KeyResolver resolves a (server, key_id) to its current public key,
// matching keyring.Cache.Get's first return field narrowed to just what
// signature verification needs. Kept as a function type rather than an
// interface so this package never has to import keyring, mirroring the
// Fetcher split keyring.remote.go uses for the same reason in reverse.
type KeyResolver func(ctx context.Context, server event.ServerName, keyID string) (ed25519.PublicKey, error)

// ParsedXMatrix is one "X-Matrix ..." parameter set extracted from an
// Authorization header. A single request may carry more than one scheme
// value when multiple signing keys are in use; callers that only sign
// with one key_id can just take the first.
type ParsedXMatrix struct {
	Origin      event.ServerName
	Destination event.ServerName
	KeyID       string
	Signature   event.Base64String
}

// ParseXMatrixHeader parses the inverse of buildAuthHeader's output:
// `X-Matrix origin="...",destination="...",key="...",sig="..."`, tolerant
// of the destination parameter being absent (older servers omitted it;
// spec.md §4.8 does not require rejecting a request on that basis alone).
func ParseXMatrixHeader(header string) (ParsedXMatrix, error) {
	const prefix = "X-Matrix "
	if !strings.HasPrefix(header, prefix) {
		return ParsedXMatrix{}, fmt.Errorf("fedclient: not an X-Matrix authorization header")
	}
	params := strings.Split(header[len(prefix):], ",")
	var out ParsedXMatrix
	for _, p := range params {
		p = strings.TrimSpace(p)
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := kv[0]
		val := strings.Trim(kv[1], `"`)
		switch key {
		case "origin":
			out.Origin = event.ServerName(val)
		case "destination":
			out.Destination = event.ServerName(val)
		case "key":
			out.KeyID = val
		case "sig":
			sig, err := event.DecodeUnpaddedBase64(val)
			if err != nil {
				return ParsedXMatrix{}, fmt.Errorf("fedclient: X-Matrix sig is not valid base64: %w", err)
			}
			out.Signature = event.Base64String(sig)
		}
	}
	if out.Origin == "" || out.KeyID == "" || len(out.Signature) == 0 {
		return ParsedXMatrix{}, fmt.Errorf("fedclient: X-Matrix header missing origin, key, or sig")
	}
	return out, nil
}

// VerifyInbound checks that header is a valid X-Matrix signature by
// parsed.Origin over {method, uri, origin, destination, content?} for
// this request (spec.md §4.8's request-signing requirement, server side).
// localServerName is this server's own name, checked against the header's
// destination when present so a request signed for a different server
// isn't silently accepted.
func VerifyInbound(ctx context.Context, keys KeyResolver, localServerName event.ServerName, method, uri string, content []byte, header string) (event.ServerName, error) {
	parsed, err := ParseXMatrixHeader(header)
	if err != nil {
		return "", err
	}
	destination := parsed.Destination
	if destination == "" {
		destination = localServerName
	} else if destination != localServerName {
		return "", fmt.Errorf("fedclient: X-Matrix destination %q does not match this server", parsed.Destination)
	}

	payload := xMatrixAuthPayload{Method: method, URI: uri, Origin: parsed.Origin, Destination: destination}
	if len(content) > 0 {
		payload.Content = json.RawMessage(content)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fedclient: marshal inbound auth payload: %w", err)
	}
	canonical, err := canonicaljson.Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("fedclient: canonicalize inbound auth payload: %w", err)
	}

	publicKey, err := keys(ctx, parsed.Origin, parsed.KeyID)
	if err != nil {
		return "", fmt.Errorf("fedclient: resolve key %s/%s: %w", parsed.Origin, parsed.KeyID, err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("fedclient: resolved key %s/%s has the wrong length", parsed.Origin, parsed.KeyID)
	}
	if !ed25519.Verify(publicKey, canonical, []byte(parsed.Signature)) {
		return "", fmt.Errorf("fedclient: X-Matrix signature from %s does not verify", parsed.Origin)
	}
	return parsed.Origin, nil
}
