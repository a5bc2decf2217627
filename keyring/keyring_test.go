package keyring

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/canonicaljson"
	"github.com/matrix-org/matrixcore/event"
)

// S3 Ed25519 KAT (spec.md §8).
func TestEd25519KAT(t *testing.T) {
	seed, err := base64.RawStdEncoding.DecodeString("YJDBA9Xnr2sVqXD9Vj7XVUnmFZcZrlw8Md7kMW+3XA1")
	if err != nil {
		t.Fatal(err)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	cases := []struct {
		message string
		wantSig string
	}{
		{"{}", "K8280/U9SSy9IVtjBuVeLr+HpOB4BQFWbg+UZaADMtTdGYI7Geitb76LTrr5QV/7Xg4ahLwYGYZzuHGZKM5ZAQ"},
		{`{"one":1,"two":"Two"}`, "KqmLSbO39/Bzb0QIYE82zqLwsA+PDzYIpIRA2sRQ4sL53+sN6/fpNSoqE7BP7vBZhG6kYdD13EIMJpvhJI+6Bw"},
	}
	for _, c := range cases {
		sig := ed25519.Sign(priv, []byte(c.message))
		got := base64.RawStdEncoding.EncodeToString(sig)
		if got != c.wantSig {
			t.Errorf("sign(%q) = %s, want %s", c.message, got, c.wantSig)
		}
	}
}

func TestLocalKeyGenerateAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.signing.key")

	k1, err := LoadOrGenerate(path, "ed25519:auto")
	if err != nil {
		t.Fatal(err)
	}
	if k1.KeyID() != "ed25519:auto" {
		t.Fatalf("unexpected key id %q", k1.KeyID())
	}
	sig1, err := k1.Sign([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(k1.PublicKey(), []byte("hello"), sig1) {
		t.Fatal("self-signature did not verify")
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("key file not persisted: %v", err)
	}

	k2, err := LoadOrGenerate(path, "ed25519:auto")
	if err != nil {
		t.Fatal(err)
	}
	if string(k1.PublicKey()) != string(k2.PublicKey()) {
		t.Fatal("reloaded key does not match generated key")
	}
}

func signedKeyResponse(t *testing.T, server event.ServerName, keyID string, pub ed25519.PublicKey, priv ed25519.PrivateKey, validUntil event.Timestamp) []byte {
	t.Helper()
	resp := map[string]interface{}{
		"server_name":    server,
		"valid_until_ts": validUntil,
		"verify_keys": map[string]interface{}{
			keyID: map[string]string{"key": base64.RawStdEncoding.EncodeToString(pub)},
		},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	canon, err := canonicaljson.Canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(priv, canon)
	var m map[string]json.RawMessage
	_ = json.Unmarshal(b, &m)
	sigs := map[event.ServerName]map[string]string{
		server: {keyID: base64.RawStdEncoding.EncodeToString(sig)},
	}
	sigsJSON, _ := json.Marshal(sigs)
	m["signatures"] = sigsJSON
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCacheFetchAndVerifySelfSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	server := event.ServerName("origin.example.org")
	validUntil := event.Timestamp(time.Now().Add(48 * time.Hour).UnixMilli())
	body := signedKeyResponse(t, server, "ed25519:1", pub, priv, validUntil)

	calls := 0
	fetch := func(ctx context.Context, s event.ServerName) ([]byte, error) {
		calls++
		return body, nil
	}
	cache := NewCache(fetch)

	vk, err := cache.Get(context.Background(), server, "ed25519:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(vk.Public) != string(pub) {
		t.Fatal("resolved public key does not match")
	}
	// TTL must be capped at now+24h even though the response said 48h.
	if vk.ValidUntilTS >= validUntil {
		t.Fatalf("TTL was not capped: got %d, published %d", vk.ValidUntilTS, validUntil)
	}

	if _, err := cache.Get(context.Background(), server, "ed25519:1"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected cached hit to avoid a second fetch, got %d calls", calls)
	}
}

func TestCacheSecondLookupAfterFailedFetchStaysAnError(t *testing.T) {
	server := event.ServerName("unreachable.example.org")
	calls := 0
	fetch := func(ctx context.Context, s event.ServerName) ([]byte, error) {
		calls++
		return nil, context.DeadlineExceeded
	}
	cache := NewCache(fetch)

	if _, err := cache.Get(context.Background(), server, "ed25519:1"); err == nil {
		t.Fatal("expected the first fetch to fail")
	}

	vk, err := cache.Get(context.Background(), server, "ed25519:1")
	if err == nil {
		t.Fatal("expected the cached negative entry to still be an error, not a zero-value success")
	}
	if vk.Public != nil {
		t.Fatalf("expected no public key on a cached failure, got %v", vk.Public)
	}
	if calls != 1 {
		t.Fatalf("expected the negative cache to avoid a second fetch within the TTL, got %d calls", calls)
	}
}

func TestVerifyRejectsWrongLengthKey(t *testing.T) {
	if Verify(nil, []byte("message"), []byte("sig")) {
		t.Fatal("expected a nil public key to fail verification rather than panic")
	}
	if Verify([]byte("too-short"), []byte("message"), []byte("sig")) {
		t.Fatal("expected a wrong-length public key to fail verification rather than panic")
	}
}

func TestCacheRejectsBadSelfSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	server := event.ServerName("origin.example.org")
	// Sign with a different private key than the one announced: self
	// signature must not verify.
	body := signedKeyResponse(t, server, "ed25519:1", pub, otherPriv, event.Timestamp(time.Now().Add(time.Hour).UnixMilli()))

	fetch := func(ctx context.Context, s event.ServerName) ([]byte, error) { return body, nil }
	cache := NewCache(fetch)
	if _, err := cache.Get(context.Background(), server, "ed25519:1"); err == nil {
		t.Fatal("expected self-signature verification failure")
	}
}
