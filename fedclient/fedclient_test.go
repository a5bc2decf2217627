package fedclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/event"
)

func newTestCache() *lru.LRU[event.ServerName, endpoint] {
	return lru.NewLRU[event.ServerName, endpoint](64, nil, time.Hour)
}

type testSigner struct{ priv ed25519.PrivateKey }

func (s testSigner) Sign(message []byte) (event.Base64String, error) {
	return event.Base64String(ed25519.Sign(s.priv, message)), nil
}

func TestBuildAuthHeaderShape(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	header, err := buildAuthHeader("GET", "/_matrix/federation/v1/version", "origin.example.org", "dest.example.org", nil, "ed25519:1", testSigner{priv})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`origin="origin.example.org"`, `destination="dest.example.org"`, `key="ed25519:1"`, `sig="`} {
		if !strings.Contains(header, want) {
			t.Fatalf("auth header missing %q: %s", want, header)
		}
	}
	if !strings.HasPrefix(header, "X-Matrix ") {
		t.Fatalf("expected X-Matrix scheme prefix, got %s", header)
	}
}

func TestBuildAuthHeaderEmbedsContentAsParsedValue(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	content := []byte(`{"b":2,"a":1}`)
	header1, err := buildAuthHeader("PUT", "/x", "a", "b", content, "ed25519:1", testSigner{priv})
	if err != nil {
		t.Fatal(err)
	}
	// Re-ordering the content's keys must not change the signature, since
	// both canonicalize identically once parsed as a value.
	reordered := []byte(`{"a":1,"b":2}`)
	header2, err := buildAuthHeader("PUT", "/x", "a", "b", reordered, "ed25519:1", testSigner{priv})
	if err != nil {
		t.Fatal(err)
	}
	if header1 != header2 {
		t.Fatalf("expected key-order-independent content to produce identical signatures, got %s vs %s", header1, header2)
	}
}

func TestVerifyInboundRoundTripsWithBuildAuthHeader(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	content := []byte(`{"pdus":[]}`)
	header, err := buildAuthHeader("PUT", "/_matrix/federation/v1/send/1", "origin.example.org", "dest.example.org", content, "ed25519:1", testSigner{priv})
	if err != nil {
		t.Fatal(err)
	}

	resolver := func(ctx context.Context, server event.ServerName, keyID string) (ed25519.PublicKey, error) {
		return pub, nil
	}
	origin, err := VerifyInbound(context.Background(), resolver, "dest.example.org", "PUT", "/_matrix/federation/v1/send/1", content, header)
	if err != nil {
		t.Fatalf("VerifyInbound: %v", err)
	}
	if origin != "origin.example.org" {
		t.Fatalf("unexpected origin %q", origin)
	}
}

func TestVerifyInboundRejectsWrongLengthKeyWithoutPanicking(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	header, err := buildAuthHeader("GET", "/_matrix/federation/v1/version", "origin.example.org", "dest.example.org", nil, "ed25519:1", testSigner{priv})
	if err != nil {
		t.Fatal(err)
	}

	resolver := func(ctx context.Context, server event.ServerName, keyID string) (ed25519.PublicKey, error) {
		return nil, nil // simulates a cached-negative lookup that slipped through with no error
	}
	if _, err := VerifyInbound(context.Background(), resolver, "dest.example.org", "GET", "/_matrix/federation/v1/version", nil, header); err == nil {
		t.Fatal("expected a nil resolved key to fail verification, not succeed")
	}
}

func TestDiscovererUsesWellKnown(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/matrix/server" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(wellKnownResponse{Server: "matrix.example.org:8449"})
	}))
	defer backend.Close()

	d := &Discoverer{httpClient: backend.Client(), cache: newTestCache()}
	host := strings.TrimPrefix(backend.URL, "https://")
	host = strings.TrimPrefix(host, "http://")
	ep, ok := d.lookupWellKnown(context.Background(), host)
	if !ok {
		t.Fatal("expected well-known lookup to succeed")
	}
	if ep.addr != "matrix.example.org:8449" {
		t.Fatalf("expected discovered addr from well-known, got %s", ep.addr)
	}
	if ep.hostHeader != "matrix.example.org:8449" {
		t.Fatalf("expected Host header to carry the well-known value, got %s", ep.hostHeader)
	}
}

func TestDiscovererFallsBackToDefaultPort(t *testing.T) {
	d := NewDiscoverer(nil)
	ep, _, err := d.resolveUncached(context.Background(), "unresolvable.invalid.example")
	if err != nil {
		t.Fatal(err)
	}
	if ep.addr != "unresolvable.invalid.example:8448" {
		t.Fatalf("expected fallback to default federation port, got %s", ep.addr)
	}
}
