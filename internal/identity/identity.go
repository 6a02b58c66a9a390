// Package identity supplies actor keypairs and operation signatures.
//
// An actor's identity IS its Ed25519 public key: the 32-byte key doubles as
// the actor ID carried on every operation. There is no registration step and
// no certificate authority; possession of the private key is authorship.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// ActorID is the hex form of a 32-byte Ed25519 public key.
// Used as a map key throughout; the zero value is invalid.
type ActorID string

// Bytes returns the raw 32-byte public key.
func (a ActorID) Bytes() ([]byte, error) {
	raw, err := hex.DecodeString(string(a))
	if err != nil {
		return nil, fmt.Errorf("decode actor id: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("actor id: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return raw, nil
}

// Short returns a truncated form for log output.
func (a ActorID) Short() string {
	if len(a) <= 8 {
		return string(a)
	}
	return string(a[:8])
}

// Keypair is an actor-scoped Ed25519 signing key.
type Keypair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh keypair from crypto/rand.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{Public: pub, private: priv}, nil
}

// ActorID returns the actor identity derived from the public key.
func (k *Keypair) ActorID() ActorID {
	return ActorID(hex.EncodeToString(k.Public))
}

// Sign signs payload with the private key.
func (k *Keypair) Sign(payload []byte) []byte {
	return ed25519.Sign(k.private, payload)
}

// Verify checks sig over payload against the actor's public key.
// Malformed actor IDs verify as false, never as an error: a bad key on a
// remote operation is a rejection, not a local fault.
func Verify(actor ActorID, payload, sig []byte) bool {
	pub, err := actor.Bytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// Save writes the private key seed to path as hex with 0600 permissions.
func (k *Keypair) Save(path string) error {
	seed := hex.EncodeToString(k.private.Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	return nil
}

// Load reads a keypair from a seed file written by Save.
func Load(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	return FromSeedHex(trimNewline(string(data)))
}

// FromSeedHex reconstructs a keypair from a hex-encoded 32-byte seed.
func FromSeedHex(seedHex string) (*Keypair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		Public:  priv.Public().(ed25519.PublicKey),
		private: priv,
	}, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
