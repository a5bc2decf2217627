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
	"net"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/matrix-org/matrixcore/event"
)

// wellKnownTTL bounds how long a successful .well-known lookup is trusted.
// The response's own cache headers are not read. It is also the fixed TTL
// of the whole discovery cache (see NewDiscoverer).
const wellKnownTTL = 1 * time.Hour

// srvTTL is similarly a fixed default since Go's net.LookupSRV doesn't
// surface the record TTL to callers.
const srvTTL = 1 * time.Hour

// negativeDiscoveryTTL is the TTL resolveUncached reports for a failed
// discovery (no well-known, no SRV, fall through to the default port).
// Resolve does not apply per-entry TTLs: every cached result, this one
// included, lives for the LRU's fixed wellKnownTTL.
const negativeDiscoveryTTL = 10 * time.Minute

const defaultFederationPort = "8448"

// endpoint is a resolved (host:port, Host header) pair for a server name.
type endpoint struct {
	addr       string // what to dial
	hostHeader string // what to send as the Host header / SNI
}

// Discoverer resolves Matrix server names to transport endpoints per
// spec.md §4.8: try .well-known, then SRV, then the fixed default port.
// Results are cached in an expirable LRU keyed by server name so repeated
// outbound requests to the same peer don't repeat the lookup.
type Discoverer struct {
	httpClient *http.Client
	cache      *lru.LRU[event.ServerName, endpoint]
}

// NewDiscoverer builds a Discoverer. httpClient is used only for the
// .well-known GET; pass nil to use http.DefaultClient.
func NewDiscoverer(httpClient *http.Client) *Discoverer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Discoverer{
		httpClient: httpClient,
		cache:      lru.NewLRU[event.ServerName, endpoint](4096, nil, wellKnownTTL),
	}
}

// Resolve returns the endpoint to dial for serverName, consulting the
// cache first.
func (d *Discoverer) Resolve(ctx context.Context, serverName event.ServerName) (endpoint, error) {
	if ep, ok := d.cache.Get(serverName); ok {
		return ep, nil
	}
	ep, ttl, err := d.resolveUncached(ctx, serverName)
	if err != nil {
		return endpoint{}, err
	}
	d.cache.Add(serverName, ep)
	_ = ttl // per-entry TTL isn't supported by this LRU variant; the LRU's own fixed TTL bounds staleness instead.
	return ep, nil
}

func (d *Discoverer) resolveUncached(ctx context.Context, serverName event.ServerName) (endpoint, time.Duration, error) {
	host, port, valid := event.ParseAndValidateServerName(serverName)
	if !valid {
		return endpoint{}, 0, fmt.Errorf("fedclient: invalid server name %q", serverName)
	}
	if port != -1 {
		// An explicit ":port" in the server name skips discovery entirely.
		addr := fmt.Sprintf("%s:%d", host, port)
		return endpoint{addr: addr, hostHeader: addr}, negativeDiscoveryTTL, nil
	}

	if ep, ok := d.lookupWellKnown(ctx, host); ok {
		return ep, wellKnownTTL, nil
	}
	if ep, ok := d.lookupSRV(host); ok {
		return ep, srvTTL, nil
	}
	addr := net.JoinHostPort(host, defaultFederationPort)
	return endpoint{addr: addr, hostHeader: addr}, negativeDiscoveryTTL, nil
}

type wellKnownResponse struct {
	Server string `json:"m.server"`
}

func (d *Discoverer) lookupWellKnown(ctx context.Context, host string) (endpoint, bool) {
	url := "https://" + host + "/.well-known/matrix/server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return endpoint{}, false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return endpoint{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return endpoint{}, false
	}
	var wk wellKnownResponse
	if err := json.NewDecoder(resp.Body).Decode(&wk); err != nil || wk.Server == "" {
		return endpoint{}, false
	}
	addr := wk.Server
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultFederationPort)
	}
	return endpoint{addr: addr, hostHeader: wk.Server}, true
}

func (d *Discoverer) lookupSRV(host string) (endpoint, bool) {
	_, addrs, err := net.LookupSRV("matrix-fed", "tcp", host)
	if (err != nil || len(addrs) == 0) {
		// Legacy service name, still in use by some deployments per the
		// historical federation DNS delegation spec.
		_, addrs, err = net.LookupSRV("matrix", "tcp", host)
	}
	if err != nil || len(addrs) == 0 {
		return endpoint{}, false
	}
	target := addrs[0]
	addr := net.JoinHostPort(trimTrailingDot(target.Target), fmt.Sprintf("%d", target.Port))
	return endpoint{addr: addr, hostHeader: host}, true
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
