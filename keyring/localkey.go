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

// Package keyring implements the server's own ed25519 keypair lifecycle
// plus the remote verify-key cache used to check signatures on events and
// requests from other servers (spec.md §4.2).
package keyring

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/event"
)

// LocalKey is this server's own signing identity: one ed25519 keypair,
// generated once and persisted to disk. Reads are far more frequent than
// the key ever changing, so a plain RWMutex (not atomic.Value) guards it
// per spec.md §5 ("the keyring (read-many, write-rare, guarded by RW lock)").
type LocalKey struct {
	mu     sync.RWMutex
	keyID  string
	public ed25519.PublicKey
	secret ed25519.PrivateKey
}

// KeyID returns the key identifier this keypair signs under, e.g.
// "ed25519:auto".
func (k *LocalKey) KeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keyID
}

// PublicKey returns this server's public key.
func (k *LocalKey) PublicKey() ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append(ed25519.PublicKey(nil), k.public...)
}

// Sign implements event.Signer.
func (k *LocalKey) Sign(message []byte) (event.Base64String, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.secret == nil {
		return nil, fmt.Errorf("keyring: local key not loaded")
	}
	return event.Base64String(ed25519.Sign(k.secret, message)), nil
}

// LoadOrGenerate reads an existing keypair from path, or generates and
// persists a new one if the file does not exist. The on-disk format is a
// single line: "<keyID> <hex-encoded-32-byte-seed>", deliberately plain
// text rather than a structured format since this is a local operator
// secret, not a wire format.
func LoadOrGenerate(path, keyID string) (*LocalKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateAndPersist(path, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: read %s: %w", path, err)
	}
	return parseKeyFile(data)
}

func generateAndPersist(path, keyID string) (*LocalKey, error) {
	public, secret, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate key: %w", err)
	}
	seed := secret.Seed()
	line := keyID + " " + hex.EncodeToString(seed) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return nil, fmt.Errorf("keyring: persist key to %s: %w", path, err)
	}
	return &LocalKey{keyID: keyID, public: public, secret: secret}, nil
}

func parseKeyFile(data []byte) (*LocalKey, error) {
	var keyID, seedHex string
	if _, err := fmt.Sscanf(string(data), "%s %s", &keyID, &seedHex); err != nil {
		return nil, fmt.Errorf("keyring: malformed key file: %w", err)
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("keyring: malformed key file seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keyring: key file seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	secret := ed25519.NewKeyFromSeed(seed)
	return &LocalKey{keyID: keyID, public: secret.Public().(ed25519.PublicKey), secret: secret}, nil
}
