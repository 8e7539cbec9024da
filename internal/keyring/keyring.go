// Package keyring holds the node's signing identity and the public-key rings
// used to verify counterparties. Every trader and arbitrator is identified by
// a secp256k1 public-key ring; the trader id used to key dispute tickets is a
// fingerprint of that ring.
package keyring

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidKey        = errors.New("keyring: invalid private key")
	ErrInvalidPubKey     = errors.New("keyring: invalid public key ring")
	ErrInvalidSignature  = errors.New("keyring: invalid signature")
	ErrSignatureMismatch = errors.New("keyring: signature does not match public key ring")
)

// PubKeyRing is a hex-encoded compressed secp256k1 public key. It is the
// wire identity of a trader or arbitrator and is safe to share.
type PubKeyRing string

// KeyRing wraps the local signature keypair.
type KeyRing struct {
	priv *ecdsa.PrivateKey
}

// New generates a fresh random keyring.
func New() (*KeyRing, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("keyring: generate: %w", err)
	}
	return &KeyRing{priv: priv}, nil
}

// FromHex loads a keyring from a hex-encoded private key (no 0x prefix required).
func FromHex(hexKey string) (*KeyRing, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &KeyRing{priv: priv}, nil
}

// PubKeyRing returns the public-key ring for this keyring.
func (k *KeyRing) PubKeyRing() PubKeyRing {
	return PubKeyRing(hex.EncodeToString(crypto.CompressPubkey(&k.priv.PublicKey)))
}

// TraderID returns the fingerprint-derived trader id for this keyring.
func (k *KeyRing) TraderID() int64 {
	return k.PubKeyRing().TraderID()
}

// SignHash signs a 32-byte hash and returns the 65-byte signature hex-encoded.
func (k *KeyRing) SignHash(hash []byte) (string, error) {
	if len(hash) != 32 {
		return "", fmt.Errorf("keyring: hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := crypto.Sign(hash, k.priv)
	if err != nil {
		return "", fmt.Errorf("keyring: sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Bytes returns the decoded compressed public key, or an error if the ring
// is malformed.
func (r PubKeyRing) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(string(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	if _, err := crypto.DecompressPubkey(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return b, nil
}

// TraderID derives the integer trader id from the ring fingerprint.
// The id is stable for the lifetime of the key and strictly non-negative.
func (r PubKeyRing) TraderID() int64 {
	sum := crypto.Keccak256([]byte(r))
	id := int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63)) //nolint:gosec // top bit cleared
	return id
}

// VerifyHash checks a hex-encoded 65-byte signature over a 32-byte hash
// against this public-key ring.
func (r PubKeyRing) VerifyHash(hash []byte, sigHex string) error {
	if len(hash) != 32 {
		return fmt.Errorf("%w: hash must be 32 bytes", ErrInvalidSignature)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrInvalidSignature, len(sig))
	}

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if hex.EncodeToString(crypto.CompressPubkey(pub)) != string(r) {
		return ErrSignatureMismatch
	}
	return nil
}
