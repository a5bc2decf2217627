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

package keyring

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/matrixcore/event"
)

// ServerKeyTTL is how far out this server announces its own key as valid,
// the publishing side of the same 24h ceiling Cache.Get enforces when
// consuming someone else's response.
const ServerKeyTTL = 24 * time.Hour

// LocalServerKeyResponse builds and self-signs this server's own
// GET /_matrix/key/v2/server body (spec.md §6): {server_name,
// valid_until_ts, verify_keys, signatures}, signed by local over its own
// canonical form exactly as verifyServerKeyResponse checks it on the way
// back in from a peer.
func LocalServerKeyResponse(serverName event.ServerName, local *LocalKey) ([]byte, error) {
	unsigned := map[string]interface{}{
		"server_name":    serverName,
		"valid_until_ts": int64(event.Timestamp(time.Now().Add(ServerKeyTTL).UnixMilli())),
		"verify_keys": map[string]interface{}{
			local.KeyID(): map[string]string{"key": event.Base64String(local.PublicKey()).String()},
		},
	}
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("keyring: marshal local key response: %w", err)
	}
	payload, err := selfSigningPayload(raw)
	if err != nil {
		return nil, fmt.Errorf("keyring: canonicalize local key response: %w", err)
	}
	sig, err := local.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("keyring: sign local key response: %w", err)
	}
	unsigned["signatures"] = map[string]interface{}{
		string(serverName): map[string]string{local.KeyID(): sig.String()},
	}
	signed, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("keyring: marshal signed local key response: %w", err)
	}
	return signed, nil
}
