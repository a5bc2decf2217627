package keyring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/event"
)

// VerifyKey is one (server, key_id) public key plus the time it stops
// being trusted, the cache entry shape held behind each atomic.Value.
type VerifyKey struct {
	Public       ed25519.PublicKey
	ValidUntilTS event.Timestamp
}

func (k VerifyKey) expired(now time.Time) bool {
	return event.Timestamp(now.UnixMilli()) >= k.ValidUntilTS
}

// entry is what the sync.Map actually stores: an *atomic.Value so a
// refresh can swap in a new VerifyKey without taking a lock, per spec.md
// §5's "remote-key cache (lock-free map with per-entry atomic swap on
// refresh)". negative marks a cached fetch/verification failure; it is
// set once when the entry is built and the entry is never mutated in
// place afterwards (a refresh replaces the map entry wholesale), so it
// needs no synchronization of its own.
type entry struct {
	value    atomic.Value // holds VerifyKey
	negative bool
}

// Fetcher retrieves a server's current key response (the raw, still-signed
// JSON body of GET /_matrix/key/v2/server) from the network. Implemented
// by fedclient; kept as a function type here so keyring never imports
// fedclient (which imports keyring to verify what it fetches).
type Fetcher func(ctx context.Context, server event.ServerName) (keyResponseJSON []byte, err error)

// ServerKeyResponse is the shape of GET /_matrix/key/v2/server (spec.md §6).
type ServerKeyResponse struct {
	ServerName    event.ServerName                              `json:"server_name"`
	ValidUntilTS  event.Timestamp                                `json:"valid_until_ts"`
	VerifyKeys    map[string]struct{ Key event.Base64String `json:"key"` } `json:"verify_keys"`
	OldVerifyKeys map[string]struct {
		Key          event.Base64String `json:"key"`
		ExpiredTS    event.Timestamp     `json:"expired_ts"`
	} `json:"old_verify_keys,omitempty"`
	Signatures map[event.ServerName]map[string]event.Base64String `json:"signatures"`
}

// negativeCacheTTL bounds how long a failed lookup is remembered, so a
// server that is briefly unreachable doesn't get hammered with a fetch per
// incoming event, but a permanently wrong key_id doesn't get stuck forever.
const negativeCacheTTL = 5 * time.Minute

// Cache is the remote verify-key cache described by spec.md §4.2/§5:
// fetched on demand, accepted when the response is self-signed by one of
// the keys it announces, and cached until
// min(published_valid_until_ts, now+24h). A key already known for that
// server is not consulted when checking a new response.
type Cache struct {
	fetch   Fetcher
	entries sync.Map // key: cacheKey -> *entry

	// coalesce ensures at most one outstanding fetch per (server, key_id),
	// per spec.md §5 ("key-fetch requests coalesce by (server, key_id)").
	inflight sync.Map // key: cacheKey -> *sync.WaitGroup
}

type cacheKey struct {
	server event.ServerName
	keyID  string
}

// NewCache builds a Cache backed by the given Fetcher.
func NewCache(fetch Fetcher) *Cache {
	return &Cache{fetch: fetch}
}

// ErrKeyUnavailable means no verifying key could be obtained for
// (server, key_id); per spec.md §4.2 the caller must treat this as an
// event/request rejection, never retry-forever inline.
type ErrKeyUnavailable struct {
	Server event.ServerName
	KeyID  string
	Cause  error
}

func (e ErrKeyUnavailable) Error() string {
	return fmt.Sprintf("keyring: no verify key for %s/%s: %v", e.Server, e.KeyID, e.Cause)
}

func (e ErrKeyUnavailable) Unwrap() error { return e.Cause }

// Get returns a still-valid VerifyKey for (server, keyID), fetching and
// caching one if necessary.
func (c *Cache) Get(ctx context.Context, server event.ServerName, keyID string) (VerifyKey, error) {
	ck := cacheKey{server, keyID}
	if e, ok := c.entries.Load(ck); ok {
		en := e.(*entry)
		vk := en.value.Load().(VerifyKey)
		if !vk.expired(time.Now()) {
			if en.negative {
				return VerifyKey{}, ErrKeyUnavailable{Server: server, KeyID: keyID}
			}
			return vk, nil
		}
	}
	return c.fetchAndCache(ctx, ck)
}

func (c *Cache) fetchAndCache(ctx context.Context, ck cacheKey) (VerifyKey, error) {
	wgIface, loaded := c.inflight.LoadOrStore(ck, new(sync.WaitGroup))
	wg := wgIface.(*sync.WaitGroup)
	if loaded {
		wg.Wait()
		if e, ok := c.entries.Load(ck); ok {
			en := e.(*entry)
			if en.negative {
				return VerifyKey{}, ErrKeyUnavailable{Server: ck.server, KeyID: ck.keyID}
			}
			return en.value.Load().(VerifyKey), nil
		}
		return VerifyKey{}, ErrKeyUnavailable{Server: ck.server, KeyID: ck.keyID}
	}
	wg.Add(1)
	defer func() {
		c.inflight.Delete(ck)
		wg.Done()
	}()

	body, err := c.fetch(ctx, ck.server)
	if err != nil {
		c.cacheNegative(ck)
		return VerifyKey{}, ErrKeyUnavailable{Server: ck.server, KeyID: ck.keyID, Cause: err}
	}
	resp, vk, err := verifyServerKeyResponse(body, ck.server, ck.keyID)
	if err != nil {
		c.cacheNegative(ck)
		return VerifyKey{}, ErrKeyUnavailable{Server: ck.server, KeyID: ck.keyID, Cause: err}
	}
	c.store(ck, vk)
	// Opportunistically cache every other verify key this response carried,
	// so a burst of events signed with different key_ids from the same
	// server doesn't each trigger their own fetch.
	for kid, vkRaw := range resp.VerifyKeys {
		other := cacheKey{ck.server, kid}
		if other == ck {
			continue
		}
		c.store(other, VerifyKey{Public: ed25519.PublicKey(vkRaw.Key), ValidUntilTS: vk.ValidUntilTS})
	}
	return vk, nil
}

// Seed directly populates the cache for (server, keyID), bypassing the
// fetch/self-signature-verification path entirely. Used to pin this
// server's own signing key (already trusted, never fetched over HTTP)
// and by tests that need a known-good verify key without standing up a
// fake key server.
func (c *Cache) Seed(server event.ServerName, keyID string, vk VerifyKey) {
	c.store(cacheKey{server, keyID}, vk)
}

func (c *Cache) store(ck cacheKey, vk VerifyKey) {
	e := &entry{}
	e.value.Store(vk)
	c.entries.Store(ck, e)
}

func (c *Cache) cacheNegative(ck cacheKey) {
	e := &entry{negative: true}
	e.value.Store(VerifyKey{ValidUntilTS: event.Timestamp(time.Now().Add(negativeCacheTTL).UnixMilli())})
	c.entries.Store(ck, e)
}

// cappedTTL applies spec.md §4.2's min(published_valid_until_ts, now+24h).
func cappedTTL(published event.Timestamp) event.Timestamp {
	ceiling := event.Timestamp(time.Now().Add(24 * time.Hour).UnixMilli())
	if published < ceiling {
		return published
	}
	return ceiling
}
