// Package keystore holds the private key material behind an
// OwnIdentity: P-256 ECDSA keypair generation, signing, and the
// routing-key derivation that produces an identity-id (spec.md §3).
// Key material itself is an opaque token to the rest of the trust
// graph kernel — nothing outside this package ever touches a private
// key directly.
package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/big"

	"github.com/trustmesh/trustmesh/internal/wotstore/errs"
)

// KeyStore generates and holds signing key material for one
// OwnIdentity and derives the identity-id it routes under.
type KeyStore interface {
	// IdentityID returns the base64 (no padding) of the 32-byte
	// routing key derived from the public key (spec.md §3).
	IdentityID() string
	// PublicKeyHex returns the hex-encoded uncompressed public key.
	PublicKeyHex() string
	// Sign signs data and returns a 64-byte r||s signature.
	Sign(data []byte) ([]byte, error)
	// Close releases any underlying session/handle.
	Close() error
}

// RoutingKey derives the 32-byte identity routing key from an
// uncompressed public key encoding, per spec.md §3 ("the base64 of
// the routing key of the identity's public key").
func RoutingKey(publicKeyBytes []byte) [32]byte {
	return sha256.Sum256(publicKeyBytes)
}

// IdentityIDFromPublicKey encodes RoutingKey as the 43-character
// base64url identity-id wotstore validates against.
func IdentityIDFromPublicKey(publicKeyBytes []byte) string {
	key := RoutingKey(publicKeyBytes)
	return base64.RawURLEncoding.EncodeToString(key[:])
}

// InMemoryKeyStore holds a freshly generated, process-resident P-256
// ECDSA keypair. This is the default keystore for a locally-created
// OwnIdentity.
type InMemoryKeyStore struct {
	private *ecdsa.PrivateKey
	public  []byte // uncompressed encoding, cached
	id      string
}

var _ KeyStore = (*InMemoryKeyStore)(nil)

// NewInMemoryKeyStore generates a fresh P-256 keypair.
func NewInMemoryKeyStore() (*InMemoryKeyStore, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errs.NewInternal("keystore", err)
	}
	pub := elliptic.Marshal(priv.Curve, priv.X, priv.Y)
	return &InMemoryKeyStore{
		private: priv,
		public:  pub,
		id:      IdentityIDFromPublicKey(pub),
	}, nil
}

func (k *InMemoryKeyStore) IdentityID() string   { return k.id }
func (k *InMemoryKeyStore) PublicKeyHex() string { return hex.EncodeToString(k.public) }

// Sign produces a 64-byte r||s signature, r and s each padded to 32
// bytes, matching the wire shape VerifySignature expects.
func (k *InMemoryKeyStore) Sign(data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, k.private, hash[:])
	if err != nil {
		return nil, errs.NewInternal("keystore", err)
	}
	sig := make([]byte, 64)
	rBytes, sBytes := r.Bytes(), s.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	return sig, nil
}

func (k *InMemoryKeyStore) Close() error { return nil }

// VerifySignature verifies a P-256 signature produced by any KeyStore
// implementation against a hex-encoded public key.
//
// publicKeyHex: hex-encoded uncompressed public key (65 bytes: 0x04 || X || Y).
// signatureHex: hex-encoded signature (64 bytes: r || s, each padded to 32 bytes).
func VerifySignature(publicKeyHex string, data []byte, signatureHex string) bool {
	if publicKeyHex == "" || signatureHex == "" {
		return false
	}
	publicKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), publicKeyBytes)
	if x == nil {
		return false
	}
	publicKey := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	signatureBytes, err := hex.DecodeString(signatureHex)
	if err != nil || len(signatureBytes) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(signatureBytes[:32])
	s := new(big.Int).SetBytes(signatureBytes[32:])

	hash := sha256.Sum256(data)
	return ecdsa.Verify(publicKey, hash[:], r, s)
}
