package lib

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/canopy-network/accord/lib/crypto"
)

/* This file contains the envelope: the validated, deduplicated unit of wire communication between peers */

const (
	MessageIDSize = crypto.IDSize // message ids are 128 bits
)

// PeerID identifies a peer on the wire, by default the hex encoding of its ed25519 public key
type PeerID string

// MessageID is an opaque 128-bit identifier, unique per logical message
type MessageID [MessageIDSize]byte

// NewMessageID() converts bytes into a MessageID
func NewMessageID(bz []byte) (id MessageID, err ErrorI) {
	if len(bz) != MessageIDSize {
		return id, ErrInvalidMessageID(len(bz))
	}
	copy(id[:], bz)
	return
}

// Bytes() returns a copy of the id as a byte slice
func (m MessageID) Bytes() []byte { return bytes.Clone(m[:]) }

// String() returns the hex encoding of the id
func (m MessageID) String() string { return hex.EncodeToString(m[:]) }

// IsZero() returns true if the id was never set
func (m MessageID) IsZero() bool { return m == MessageID{} }

// Compare() orders ids lexically by their bytes
func (m MessageID) Compare(o MessageID) int { return bytes.Compare(m[:], o[:]) }

// MarshalText() implements encoding.TextMarshaler so ids are hex in json
func (m MessageID) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText() implements encoding.TextUnmarshaler
func (m *MessageID) UnmarshalText(b []byte) error {
	bz, err := hex.DecodeString(string(b))
	if err != nil {
		return ErrStringToBytes(err)
	}
	id, e := NewMessageID(bz)
	if e != nil {
		return e
	}
	*m = id
	return nil
}

// Kind discriminates the envelope payload; a closed set with one resolver per variant
type Kind uint8

const (
	KindUnknown Kind = iota
	KindIntent       // contested resource claim
	KindVote         // weighted proposal vote
	KindMove         // game session move
	KindGossip       // free form topic message
)

var kindNames = map[Kind]string{
	KindIntent: "intent",
	KindVote:   "vote",
	KindMove:   "move",
	KindGossip: "gossip",
}

// Valid() returns true if the kind is a known variant
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// String() returns the lowercase name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// KindFromString() parses the name of a kind
func KindFromString(s string) (Kind, ErrorI) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return KindUnknown, ErrUnknownKind(0)
}

// MarshalText() implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText() implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(b []byte) error {
	kind, err := KindFromString(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Envelope is a single coordination message as it travels between peers
type Envelope struct {
	ID        MessageID `json:"messageId"`           // content-derived id
	Sender    PeerID    `json:"sender"`              // the authoring peer
	Kind      Kind      `json:"kind"`                // payload discriminant
	Payload   []byte    `json:"payload"`             // kind specific encoding
	Timestamp int64     `json:"timestamp"`           // unix milliseconds at the author
	Nonce     uint64    `json:"nonce"`               // per sender counter
	Signature HexBytes  `json:"signature,omitempty"` // optional ed25519 signature over SignBytes()
}

// NewEnvelope() creates an envelope with a content-derived message id
func NewEnvelope(sender PeerID, kind Kind, payload []byte, timestamp int64, nonce uint64) *Envelope {
	return &Envelope{
		ID:        DeriveMessageID(sender, kind, payload, nonce),
		Sender:    sender,
		Kind:      kind,
		Payload:   payload,
		Timestamp: timestamp,
		Nonce:     nonce,
	}
}

// DeriveMessageID() binds the message id to the sender, kind, nonce and payload
func DeriveMessageID(sender PeerID, kind Kind, payload []byte, nonce uint64) MessageID {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.ContentID([]byte(sender), []byte{byte(kind)}, n[:], payload)
}

// CheckID() ensures the message id was derived from the envelope contents
func (e *Envelope) CheckID() ErrorI {
	if e.ID != DeriveMessageID(e.Sender, e.Kind, e.Payload, e.Nonce) {
		return ErrMismatchID()
	}
	return nil
}

// SignBytes() returns the bytes covered by the signature: the id and the timestamp
func (e *Envelope) SignBytes() []byte {
	bz := make([]byte, MessageIDSize+8)
	copy(bz, e.ID[:])
	binary.BigEndian.PutUint64(bz[MessageIDSize:], uint64(e.Timestamp))
	return bz
}

// Sign() attaches the sender's signature
func (e *Envelope) Sign(pk *crypto.PrivateKey) { e.Signature = pk.Sign(e.SignBytes()) }

// VerifySignature() checks the signature against the sender's public key
func (e *Envelope) VerifySignature(pub crypto.PublicKey) ErrorI {
	if !pub.Verify(e.SignBytes(), e.Signature) {
		return ErrInvalidSignature()
	}
	return nil
}

// Time() converts the envelope timestamp to a time
func (e *Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }
