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

// Package fedclient is the outbound federation HTTP client: server
// discovery (spec.md §4.8), X-Matrix request signing, and the outbound
// request timeout. A failed request is returned to the caller as is; this
// package does not retry it.
package fedclient

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/matrixcore/canonicaljson"
	"github.com/matrix-org/matrixcore/event"
)

// Signer matches keyring.LocalKey's signing method, kept as an interface
// so this package never has to import keyring directly for the one method
// it needs.
type Signer interface {
	Sign(message []byte) (event.Base64String, error)
}

// xMatrixAuthPayload is the exact shape spec.md §4.8 signs: "canonical
// JSON of {method, uri, origin, destination, content?}", content embedded
// as a parsed value rather than an escaped string so the signature covers
// the request body's own canonical form, not a string wrapping it.
type xMatrixAuthPayload struct {
	Method      string              `json:"method"`
	URI         string              `json:"uri"`
	Origin      event.ServerName    `json:"origin"`
	Destination event.ServerName    `json:"destination"`
	Content     json.RawMessage     `json:"content,omitempty"`
}

// buildAuthHeader computes the X-Matrix header value for an outgoing
// request, signing {method, uri, origin, destination, content?} per
// spec.md §4.8.
func buildAuthHeader(method, uri string, origin, destination event.ServerName, content []byte, keyID string, signer Signer) (string, error) {
	payload := xMatrixAuthPayload{Method: method, URI: uri, Origin: origin, Destination: destination}
	if len(content) > 0 {
		payload.Content = json.RawMessage(content)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fedclient: marshal auth payload: %w", err)
	}
	canonical, err := canonicaljson.Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("fedclient: canonicalize auth payload: %w", err)
	}
	sig, err := signer.Sign(canonical)
	if err != nil {
		return "", fmt.Errorf("fedclient: sign auth payload: %w", err)
	}
	return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		origin, destination, keyID, sig.String()), nil
}
