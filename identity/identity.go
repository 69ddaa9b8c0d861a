// Package identity implements peer identities and multiaddresses.
// A peer identity is derived deterministically from an integer seed at
// startup. The source of entropy is the seed CLI flag rather than a
// persisted key file, so restarting with the same seed always yields the
// same peer.
package identity

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// ID is a peer's stable identifier: the base-58 encoding of its ed25519
// public key, the textual form used everywhere a remote peer is named.
type ID string

// String renders the identity in its canonical base-58 form.
func (id ID) String() string { return string(id) }

// Identity is a node's own keypair plus its derived ID.
type Identity struct {
	Seed       int64
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	ID         ID
}

// FromSeed deterministically derives a keypair and ID from an integer seed.
// Equal seeds always yield equal identities.
func FromSeed(seed int64) Identity {
	var seedBytes [8]byte
	binary.BigEndian.PutUint64(seedBytes[:], uint64(seed))
	// Expand the 8-byte seed into the 32 bytes ed25519 needs for a
	// deterministic source, the way a KDF stretches low-entropy input.
	h := sha512.Sum512(seedBytes[:])
	priv := ed25519.NewKeyFromSeed(h[:32])
	pub := priv.Public().(ed25519.PublicKey)
	return Identity{
		Seed:       seed,
		PrivateKey: priv,
		PublicKey:  pub,
		ID:         ID(base58.Encode(pub)),
	}
}

// ParseID validates a base-58 peer ID string, as accepted from multiaddr
// peer components or HTTP path parameters.
func ParseID(s string) (ID, error) {
	if s == "" {
		return "", errors.New("identity: empty peer id")
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("identity: invalid base58 peer id %q: %w", s, err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return "", fmt.Errorf("identity: peer id %q has wrong length", s)
	}
	return ID(s), nil
}
