package codec

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/canopy-network/accord/lib"
)

// JSON is the human debuggable envelope form, content equivalent to Binary
type JSON struct {
	MaxSize int // max encoded size, 0 is unbounded
}

// jsonEnvelope is the wire shape of the json form
type jsonEnvelope struct {
	Version   int    `json:"version"`
	Kind      string `json:"kind"`
	MessageID string `json:"messageId"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Nonce     uint64 `json:"nonce"`
	Payload   []byte `json:"payload,omitempty"`   // base64
	Signature string `json:"signature,omitempty"` // hex
}

// Encode() writes the envelope as json
func (j *JSON) Encode(e *lib.Envelope) ([]byte, lib.ErrorI) {
	if !e.Kind.Valid() {
		return nil, lib.ErrUnknownKind(byte(e.Kind))
	}
	if e.Sender == "" {
		return nil, lib.ErrEmptySender()
	}
	bz, err := lib.MarshalJSON(jsonEnvelope{
		Version:   int(Version),
		Kind:      e.Kind.String(),
		MessageID: e.ID.String(),
		Sender:    string(e.Sender),
		Timestamp: e.Timestamp,
		Nonce:     e.Nonce,
		Payload:   e.Payload,
		Signature: hex.EncodeToString(e.Signature),
	})
	if err != nil {
		return nil, err
	}
	if err = checkSize(bz, j.MaxSize); err != nil {
		return nil, err
	}
	return bz, nil
}

// Decode() parses the json form, unknown fields are rejected
func (j *JSON) Decode(bz []byte) (*lib.Envelope, lib.ErrorI) {
	if err := checkSize(bz, j.MaxSize); err != nil {
		return nil, err
	}
	ptr := new(jsonEnvelope)
	decoder := json.NewDecoder(bytes.NewReader(bz))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(ptr); err != nil {
		return nil, lib.ErrMalformedJSON(err)
	}
	if decoder.More() {
		return nil, lib.ErrLengthMismatch(0, len(bz)-int(decoder.InputOffset()))
	}
	if ptr.Version != int(Version) {
		return nil, lib.ErrWrongVersion(byte(ptr.Version))
	}
	kind, e := lib.KindFromString(ptr.Kind)
	if e != nil {
		return nil, lib.ErrUnknownKind(0)
	}
	if ptr.Sender == "" {
		return nil, lib.ErrEmptySender()
	}
	idBytes, err := hex.DecodeString(ptr.MessageID)
	if err != nil {
		return nil, lib.ErrMalformedJSON(err)
	}
	id, e := lib.NewMessageID(idBytes)
	if e != nil {
		return nil, lib.ErrTruncated("message_id")
	}
	sig, err := hex.DecodeString(ptr.Signature)
	if err != nil {
		return nil, lib.ErrMalformedJSON(err)
	}
	return normalize(&lib.Envelope{
		ID:        id,
		Sender:    lib.PeerID(ptr.Sender),
		Kind:      kind,
		Payload:   ptr.Payload,
		Timestamp: ptr.Timestamp,
		Nonce:     ptr.Nonce,
		Signature: sig,
	}), nil
}
