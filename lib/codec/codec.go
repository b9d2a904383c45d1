package codec

import (
	"github.com/canopy-network/accord/lib"
)

/*
	The envelope codec turns envelopes into bytes and back. It is pure and stateless.

	Two content-equivalent forms are supported:
	- Binary: compact, byte exact layout every conformant peer agrees on
	- JSON: human debuggable
*/

const (
	Version byte = 0x01 // the only supported envelope version

	FormBinary = "binary"
	FormJSON   = "json"
)

// EnvelopeCodec is the interface model for envelope encoding and decoding
type EnvelopeCodec interface {
	Encode(e *lib.Envelope) ([]byte, lib.ErrorI)
	Decode(bz []byte) (*lib.Envelope, lib.ErrorI)
}

// ensure both forms implement the EnvelopeCodec interface
var (
	_ EnvelopeCodec = &Binary{}
	_ EnvelopeCodec = &JSON{}
)

// New() returns the codec for the configured wire form
func New(config lib.CodecConfig) EnvelopeCodec {
	if config.WireForm == FormJSON {
		return &JSON{MaxSize: config.MaxEnvelopeBytes}
	}
	return &Binary{MaxSize: config.MaxEnvelopeBytes}
}

// Decode() sniffs the form of the bytes and decodes with the matching codec
// the binary version tag can never be '{' so the forms are unambiguous
func Decode(bz []byte, maxSize int) (*lib.Envelope, lib.ErrorI) {
	if len(bz) > 0 && bz[0] == '{' {
		return (&JSON{MaxSize: maxSize}).Decode(bz)
	}
	return (&Binary{MaxSize: maxSize}).Decode(bz)
}

// checkSize() enforces the configured size limit, 0 disables it
func checkSize(bz []byte, maxSize int) lib.ErrorI {
	if maxSize > 0 && len(bz) > maxSize {
		return lib.ErrOversize(len(bz), maxSize)
	}
	return nil
}

// normalize() maps empty byte fields to nil so both forms decode identically
func normalize(e *lib.Envelope) *lib.Envelope {
	if len(e.Payload) == 0 {
		e.Payload = nil
	}
	if len(e.Signature) == 0 {
		e.Signature = nil
	}
	return e
}
