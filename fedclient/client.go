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
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/matrixcore/event"
)

// DefaultRequestTimeout and DeviceListTimeout are spec.md §5's outbound
// request deadlines ("default 30s, 50s for device-list updates").
const (
	DefaultRequestTimeout = 30 * time.Second
	DeviceListTimeout     = 50 * time.Second
)

// ErrUnreachable means every candidate address for a destination failed.
type ErrUnreachable struct {
	Destination event.ServerName
	Cause       error
}

func (e ErrUnreachable) Error() string {
	return fmt.Sprintf("fedclient: %s unreachable: %v", e.Destination, e.Cause)
}

func (e ErrUnreachable) Unwrap() error { return e.Cause }

// ErrTimeout means the request deadline elapsed.
type ErrTimeout struct{ Destination event.ServerName }

func (e ErrTimeout) Error() string { return fmt.Sprintf("fedclient: timeout calling %s", e.Destination) }

// Client issues signed X-Matrix federation requests to other homeservers,
// carrying the discovery step (§4.8) and the outbound timeout policy
// (§5). Its RoundTrip dials the discovered address directly and sets the
// Host header/TLS ServerName separately, the same split
// `matrix-org-golang-matrixfederation/client.go`'s federationTripper uses
// to keep SNI from leaking the bare server name to middleboxes.
type Client struct {
	origin     event.ServerName
	keyID      string
	signer     Signer
	discoverer *Discoverer
	httpClient *http.Client
}

// NewClient builds a Client that signs outgoing requests as origin using
// (keyID, signer).
func NewClient(origin event.ServerName, keyID string, signer Signer) *Client {
	d := NewDiscoverer(nil)
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			rawConn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			conn := tls.Client(rawConn, &tls.Config{ServerName: ""})
			if err := conn.HandshakeContext(ctx); err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
	return &Client{
		origin:     origin,
		keyID:      keyID,
		signer:     signer,
		discoverer: d,
		httpClient: &http.Client{Transport: transport},
	}
}

// Do issues a signed request to destination at uriPath (the exact request
// URI the signature covers, e.g. "/_matrix/federation/v2/send_join/!r/$e")
// with the given method and JSON content (nil for bodyless requests), and
// returns the response body, status code, and any transport error.
func (c *Client) Do(ctx context.Context, method string, destination event.ServerName, uriPath string, content []byte) ([]byte, int, error) {
	timeout := DefaultRequestTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ep, err := c.discoverer.Resolve(ctx, destination)
	if err != nil {
		return nil, 0, ErrUnreachable{Destination: destination, Cause: err}
	}

	authHeader, err := buildAuthHeader(method, uriPath, c.origin, destination, content, c.keyID, c.signer)
	if err != nil {
		return nil, 0, fmt.Errorf("fedclient: build auth header: %w", err)
	}

	url := "https://" + ep.addr + uriPath
	var body io.Reader
	if content != nil {
		body = bytes.NewReader(content)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("fedclient: build request: %w", err)
	}
	req.Host = ep.hostHeader
	req.Header.Set("Authorization", authHeader)
	if content != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ErrTimeout{Destination: destination}
		}
		logrus.WithError(err).WithField("destination", destination).Debug("fedclient: request failed")
		return nil, 0, ErrUnreachable{Destination: destination, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("fedclient: read response body: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// FetchServerKey implements keyring.Fetcher: GET /_matrix/key/v2/server
// at destination, unauthenticated per spec.md §6 (key lookups are
// self-certifying, not X-Matrix-signed).
func (c *Client) FetchServerKey(ctx context.Context, destination event.ServerName) ([]byte, error) {
	ep, err := c.discoverer.Resolve(ctx, destination)
	if err != nil {
		return nil, ErrUnreachable{Destination: destination, Cause: err}
	}
	url := "https://" + ep.addr + "/_matrix/key/v2/server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Host = ep.hostHeader
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ErrUnreachable{Destination: destination, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fedclient: key server returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
