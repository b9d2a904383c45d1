package crypto

import (
	ed25519 "crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
)

const (
	Ed25519PrivKeySize   = ed25519.PrivateKeySize
	Ed25519PubKeySize    = ed25519.PublicKeySize
	Ed25519SignatureSize = ed25519.SignatureSize
)

// PrivateKey is the ed25519 key a peer signs its envelopes with
type PrivateKey struct{ ed25519.PrivateKey }

// NewPrivateKey() generates a new ed25519 private key
func NewPrivateKey() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: priv}, nil
}

// PrivateKeyFromString() decodes a hex encoded ed25519 private key
func PrivateKeyFromString(hexString string) (*PrivateKey, error) {
	bz, err := hex.DecodeString(hexString)
	if err != nil {
		return nil, err
	}
	if len(bz) != Ed25519PrivKeySize {
		return nil, errors.New("wrong ed25519 private key length")
	}
	return &PrivateKey{PrivateKey: bz}, nil
}

// String() returns the hex string representation of the private key
func (p *PrivateKey) String() string { return hex.EncodeToString(p.PrivateKey) }

// Sign() returns the ed25519 signature over msg
func (p *PrivateKey) Sign(msg []byte) []byte { return ed25519.Sign(p.PrivateKey, msg) }

// PublicKey() returns the public key that pairs with this private key
func (p *PrivateKey) PublicKey() PublicKey { return PublicKey(p.Public().(ed25519.PublicKey)) }

// MarshalJSON() implements the json.Marshaller interface
func (p *PrivateKey) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

// UnmarshalJSON() implements the json.Unmarshaler interface
func (p *PrivateKey) UnmarshalJSON(b []byte) (err error) {
	var s string
	if err = json.Unmarshal(b, &s); err != nil {
		return
	}
	key, err := PrivateKeyFromString(s)
	if err != nil {
		return
	}
	*p = *key
	return
}

// PublicKey is an ed25519 public key
type PublicKey []byte

// String() returns the hex encoding of the key
func (p PublicKey) String() string { return hex.EncodeToString(p) }

// Verify() checks an ed25519 signature over msg
func (p PublicKey) Verify(msg, sig []byte) bool {
	if len(p) != Ed25519PubKeySize || len(sig) != Ed25519SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(p), msg, sig)
}

// PublicKeyFromString() decodes a hex public key
func PublicKeyFromString(hexString string) (PublicKey, error) {
	bz, err := hex.DecodeString(hexString)
	if err != nil {
		return nil, err
	}
	if len(bz) != Ed25519PubKeySize {
		return nil, errors.New("wrong ed25519 public key length")
	}
	return bz, nil
}
