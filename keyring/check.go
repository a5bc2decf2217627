package keyring

import (
	"context"
	"fmt"

	"github.com/matrix-org/matrixcore/event"
)

// Event is the minimal surface keyring needs from an event.Event, kept as
// an interface so this package does not have to import event for every
// accessor and so tests can use a fake.
type Event interface {
	JSON() []byte
	Type() string
	Origin() event.ServerName
	Signatures() map[event.ServerName]map[string]event.Base64String
}

// VerifyEventOrigin checks ev's signature from its origin server using
// keys resolved (and cached) through c, satisfying event.VerifySignature's
// Verifier argument with this package's ed25519 backend. Tries every
// key_id the event signed with under its origin and succeeds if any one
// verifies, since a server may rotate keys mid-flight.
func VerifyEventOrigin(ctx context.Context, c *Cache, ev Event) error {
	return VerifyEventFrom(ctx, c, ev, ev.Origin())
}

// VerifyEventFrom is VerifyEventOrigin generalized to an arbitrary server,
// for the events that carry more than one server's signature (an invite's
// counter-signature from the invited user's own server, alongside the
// inviter's).
func VerifyEventFrom(ctx context.Context, c *Cache, ev Event, server event.ServerName) error {
	sigs := ev.Signatures()[server]
	if len(sigs) == 0 {
		return fmt.Errorf("keyring: event carries no signature from %q", server)
	}
	var lastErr error
	for keyID := range sigs {
		vk, err := c.Get(ctx, server, keyID)
		if err != nil {
			lastErr = err
			continue
		}
		if err := event.VerifySignature(ev.JSON(), ev.Type(), server, keyID, vk.Public, Verify); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("keyring: no usable signature from %q", server)
	}
	return lastErr
}
