package identity

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// ErrEmptySecret is returned when the resolver is built without a server secret.
var ErrEmptySecret = errors.New("identity secret must not be empty")

// Identity is the hashed, non-reversible representation of a caller.
// Empty hash fields mean the corresponding raw signal was absent.
type Identity struct {
	IPHash       string `json:"ip_hash"`
	DeviceIDHash string `json:"device_id_hash,omitempty"`
	UserIDHash   string `json:"user_id_hash,omitempty"`
}

// Subject returns the most specific hash available: user, then device, then IP.
func (id Identity) Subject() string {
	switch {
	case id.UserIDHash != "":
		return id.UserIDHash
	case id.DeviceIDHash != "":
		return id.DeviceIDHash
	default:
		return id.IPHash
	}
}

// Signals are the raw transport signals an Identity is derived from.
type Signals struct {
	IP       string
	DeviceID string
	UserID   string
}

// Resolver derives Identities with a keyed BLAKE2b-256 hash.
// The same secret always yields the same hashes, so repeated traffic from one
// source accumulates against one counter key.
type Resolver struct {
	key []byte
}

// NewResolver creates a Resolver keyed by secret. Secrets longer than the
// BLAKE2b key limit are compressed to 32 bytes first.
func NewResolver(secret []byte) (*Resolver, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	key := secret
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(secret)
		key = sum[:]
	}
	return &Resolver{key: append([]byte(nil), key...)}, nil
}

// Resolve hashes each present signal independently. A missing IP is hashed as
// "unknown" so IP tracking never disappears.
func (r *Resolver) Resolve(sig Signals) Identity {
	ip := sig.IP
	if ip == "" {
		ip = UnknownIP
	}
	id := Identity{IPHash: r.Hash("ip", ip)}
	if sig.DeviceID != "" {
		id.DeviceIDHash = r.Hash("device", sig.DeviceID)
	}
	if sig.UserID != "" {
		id.UserIDHash = r.Hash("user", sig.UserID)
	}
	return id
}

// Hash returns the hex keyed hash of raw within a signal domain. Domains keep an
// IP and a device id with the same text from colliding.
func (r *Resolver) Hash(domain, raw string) string {
	h, err := blake2b.New256(r.key)
	if err != nil {
		// key length is validated in NewResolver
		panic(err)
	}
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}
