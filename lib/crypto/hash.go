package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"
)

const (
	HashSize = sha256.Size
	IDSize   = 16 // 128-bit content-derived identifiers
)

/*
	Hashing is used for three things in the coordination core:
	- sha256 for move ids, outcome digests and checkpoint state hashes
	- blake2b-128 for content-derived envelope ids
	- a merkle root over contribution ids as the coordination proof
*/

// Hasher() returns the global hashing algorithm used
func Hasher() hash.Hash { return sha256.New() }

// Hash() executes the global hashing algorithm on input bytes
func Hash(msg []byte) []byte {
	h := sha256.Sum256(msg)
	return h[:]
}

// HashString() returns the hex byte version of a hash
func HashString(msg []byte) string { return hex.EncodeToString(Hash(msg)) }

// HashConcat() hashes the concatenation of the parts
func HashConcat(parts ...[]byte) []byte {
	h := Hasher()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// ContentID() derives a 128-bit identifier from the parts, each part is length prefixed
// so that different splits of the same bytes never collide
func ContentID(parts ...[]byte) (id [IDSize]byte) {
	h, err := blake2b.New(IDSize, nil)
	if err != nil {
		// only possible with an invalid size or key
		panic(err)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	for _, p := range parts {
		n := binary.PutUvarint(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:n])
		h.Write(p)
	}
	copy(id[:], h.Sum(nil))
	return
}

// MerkleRoot() computes the root of a binary merkle tree over the items, in the order given
// an odd node at any level is paired with itself; an empty set has an empty root
func MerkleRoot(items [][]byte) []byte {
	if len(items) == 0 {
		return []byte{}
	}
	// hash the leaves
	level := make([][]byte, len(items))
	for i, item := range items {
		level[i] = Hash(item)
	}
	// fold each level into its parents until one node remains
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashConcat(level[i], right))
		}
		level = next
	}
	return level[0]
}
