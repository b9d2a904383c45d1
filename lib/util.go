package lib

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
)

// MarshalJSON() serializes a message into a JSON byte slice
func MarshalJSON(message any) ([]byte, ErrorI) {
	bz, err := json.Marshal(message)
	if err != nil {
		return nil, ErrJSONMarshal(err)
	}
	return bz, nil
}

// MarshalJSONIndent() serializes a message into an indented JSON byte slice
func MarshalJSONIndent(message any) ([]byte, ErrorI) {
	bz, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		return nil, ErrJSONMarshal(err)
	}
	return bz, nil
}

// UnmarshalJSON() deserializes a JSON byte slice into the specified object
func UnmarshalJSON(bz []byte, ptr any) ErrorI {
	if err := json.Unmarshal(bz, ptr); err != nil {
		return ErrJSONUnmarshal(err)
	}
	return nil
}

// NewJSONFromFile() reads a json file from the data directory into the object
func NewJSONFromFile(o any, dataDirPath, filePath string) ErrorI {
	bz, err := os.ReadFile(filepath.Join(dataDirPath, filePath))
	if err != nil {
		return ErrReadFile(err)
	}
	return UnmarshalJSON(bz, o)
}

// SaveJSONToFile() writes the object as indented json into the data directory
func SaveJSONToFile(j any, dataDirPath, filePath string) ErrorI {
	bz, e := MarshalJSONIndent(j)
	if e != nil {
		return e
	}
	if err := os.WriteFile(filepath.Join(dataDirPath, filePath), bz, os.ModePerm); err != nil {
		return ErrWriteFile(err)
	}
	return nil
}

// BytesToString() converts a byte slice to a hexadecimal string
func BytesToString(b []byte) string { return hex.EncodeToString(b) }

// StringToBytes() converts a hexadecimal string back into a byte slice
func StringToBytes(s string) ([]byte, ErrorI) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrStringToBytes(err)
	}
	return b, nil
}

// HexBytes represents a byte slice that can be marshaled and unmarshalled as hex strings
type HexBytes []byte

// String() returns the HexBytes as a hexadecimal string
func (x HexBytes) String() string { return BytesToString(x) }

// Equal() compares the bytes of two HexBytes
func (x HexBytes) Equal(o HexBytes) bool { return bytes.Equal(x, o) }

// MarshalJSON() serializes the HexBytes to a JSON byte slice
func (x HexBytes) MarshalJSON() ([]byte, error) { return json.Marshal(BytesToString(x)) }

// UnmarshalJSON() deserializes a JSON byte slice into HexBytes
func (x *HexBytes) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	bz, err := StringToBytes(s)
	if err != nil {
		return err
	}
	*x = bz
	return nil
}

// UnixMS() converts a time to unix milliseconds
func UnixMS(t time.Time) int64 { return t.UnixMilli() }

// MSToDuration() converts a millisecond count to a duration
func MSToDuration(ms uint64) time.Duration { return time.Duration(ms) * time.Millisecond }

// CatchPanic() catches any panic in the function call or child function calls
func CatchPanic(l LoggerI) {
	if r := recover(); r != nil {
		l.Errorf("recovered from panic: %v\n%s", r, string(debug.Stack()))
	}
}

// JoinLenPrefix() appends the items together, each preceded by its uvarint length
func JoinLenPrefix(toAppend ...[]byte) (res []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	for _, item := range toAppend {
		if item == nil {
			continue
		}
		n := binary.PutUvarint(lenBuf[:], uint64(len(item)))
		res = append(append(res, lenBuf[:n]...), item...)
	}
	return
}

// DecodeLengthPrefixed() splits a key built by JoinLenPrefix() back into its segments
func DecodeLengthPrefixed(key []byte) (segments [][]byte) {
	for len(key) > 0 {
		length, n := binary.Uvarint(key)
		if n <= 0 || uint64(len(key)-n) < length {
			return
		}
		segments = append(segments, key[n:n+int(length)])
		key = key[n+int(length):]
	}
	return
}
