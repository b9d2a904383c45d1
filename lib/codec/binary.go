package codec

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/canopy-network/accord/lib"
	pool "github.com/libp2p/go-buffer-pool"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary is the compact envelope form:
//
//	version(1) | kind(1) | message_id(16) | sender_len(uvarint) | sender |
//	timestamp(8, big endian) | nonce(8, big endian) | payload_len(uvarint) | payload |
//	signature_len(uvarint) | signature
//
// a zero signature_len means the envelope is unsigned, the sender must be valid utf-8 so the json form carries it losslessly
type Binary struct {
	MaxSize int // max encoded size, 0 is unbounded
}

// Encode() writes the envelope in the binary layout
func (b *Binary) Encode(e *lib.Envelope) ([]byte, lib.ErrorI) {
	if !e.Kind.Valid() {
		return nil, lib.ErrUnknownKind(byte(e.Kind))
	}
	if e.Sender == "" {
		return nil, lib.ErrEmptySender()
	}
	if !utf8.ValidString(string(e.Sender)) {
		return nil, lib.ErrInvalidSender()
	}
	size := 2 + lib.MessageIDSize + protowire.SizeBytes(len(e.Sender)) + 16 +
		protowire.SizeBytes(len(e.Payload)) + protowire.SizeBytes(len(e.Signature))
	// assemble in a pooled scratch buffer, the caller gets its own copy
	buf := pool.Get(size)
	defer pool.Put(buf)
	bz := append(buf[:0], Version, byte(e.Kind))
	bz = append(bz, e.ID[:]...)
	bz = protowire.AppendBytes(bz, []byte(e.Sender))
	bz = binary.BigEndian.AppendUint64(bz, uint64(e.Timestamp))
	bz = binary.BigEndian.AppendUint64(bz, e.Nonce)
	bz = protowire.AppendBytes(bz, e.Payload)
	bz = protowire.AppendBytes(bz, e.Signature)
	if err := checkSize(bz, b.MaxSize); err != nil {
		return nil, err
	}
	return bytes.Clone(bz), nil
}

// Decode() parses the binary layout, rejecting any deviation from it
func (b *Binary) Decode(bz []byte) (*lib.Envelope, lib.ErrorI) {
	if err := checkSize(bz, b.MaxSize); err != nil {
		return nil, err
	}
	r := reader{bz: bz}
	// version tag
	version, err := r.u8("version")
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, lib.ErrWrongVersion(version)
	}
	// kind discriminant
	kind, err := r.u8("kind")
	if err != nil {
		return nil, err
	}
	if !lib.Kind(kind).Valid() {
		return nil, lib.ErrUnknownKind(kind)
	}
	e := &lib.Envelope{Kind: lib.Kind(kind)}
	// fixed size message id
	id, err := r.fixed("message_id", lib.MessageIDSize)
	if err != nil {
		return nil, err
	}
	copy(e.ID[:], id)
	// variable length sender
	sender, err := r.prefixed("sender")
	if err != nil {
		return nil, err
	}
	if len(sender) == 0 {
		return nil, lib.ErrEmptySender()
	}
	if !utf8.Valid(sender) {
		return nil, lib.ErrInvalidSender()
	}
	e.Sender = lib.PeerID(sender)
	// fixed size timestamp and nonce
	ts, err := r.fixed("timestamp", 8)
	if err != nil {
		return nil, err
	}
	e.Timestamp = int64(binary.BigEndian.Uint64(ts))
	nonce, err := r.fixed("nonce", 8)
	if err != nil {
		return nil, err
	}
	e.Nonce = binary.BigEndian.Uint64(nonce)
	// length prefixed payload and signature
	if e.Payload, err = r.prefixed("payload"); err != nil {
		return nil, err
	}
	if e.Signature, err = r.prefixed("signature"); err != nil {
		return nil, err
	}
	// nothing may follow the signature
	if len(r.bz) != 0 {
		return nil, lib.ErrLengthMismatch(0, len(r.bz))
	}
	return normalize(e), nil
}

// reader consumes the binary layout field by field
type reader struct{ bz []byte }

// u8() consumes a single byte
func (r *reader) u8(field string) (byte, lib.ErrorI) {
	bz, err := r.fixed(field, 1)
	if err != nil {
		return 0, err
	}
	return bz[0], nil
}

// fixed() consumes exactly n bytes
func (r *reader) fixed(field string, n int) ([]byte, lib.ErrorI) {
	if len(r.bz) < n {
		return nil, lib.ErrTruncated(field)
	}
	out := r.bz[:n]
	r.bz = r.bz[n:]
	return out, nil
}

// prefixed() consumes a uvarint length and that many bytes, copying them out of the frame
func (r *reader) prefixed(field string) ([]byte, lib.ErrorI) {
	length, n := protowire.ConsumeVarint(r.bz)
	if n < 0 {
		return nil, lib.ErrTruncated(field + " length")
	}
	r.bz = r.bz[n:]
	if length > uint64(len(r.bz)) {
		return nil, lib.ErrLengthMismatch(length, len(r.bz))
	}
	out := bytes.Clone(r.bz[:length])
	r.bz = r.bz[length:]
	return out, nil
}
