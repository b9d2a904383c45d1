package codec

import (
	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

/*
	Payloads are encoded as protobuf wire format fields, written in field order with zero values omitted.
	The encoding is canonical: equal payloads always produce equal bytes, which move ids depend on.
*/

// intent fields
const (
	intentResourceKey protowire.Number = iota + 1
	intentActor
	intentPriority
	intentCreatedAt
	intentData
)

// vote fields
const (
	voteProposalID protowire.Number = iota + 1
	voteVoter
	voteChoice
	voteWeight
	voteCastAt
)

// move fields
const (
	moveSessionID protowire.Number = iota + 1
	moveSequenceNo
	moveActor
	moveData
	movePrevHash
)

// gossip fields
const (
	gossipTopic protowire.Number = iota + 1
	gossipData
)

// EncodeIntent() encodes an intent payload
func EncodeIntent(i *lib.Intent) []byte {
	var bz []byte
	bz = appendString(bz, intentResourceKey, i.ResourceKey)
	bz = appendString(bz, intentActor, string(i.Actor))
	bz = appendVarint(bz, intentPriority, i.Priority)
	bz = appendVarint(bz, intentCreatedAt, uint64(i.CreatedAt))
	bz = appendBytes(bz, intentData, i.Data)
	return bz
}

// DecodeIntent() decodes an intent payload
func DecodeIntent(bz []byte) (*lib.Intent, lib.ErrorI) {
	i := new(lib.Intent)
	err := consumeFields(bz, func(num protowire.Number, v fieldValue) {
		switch num {
		case intentResourceKey:
			i.ResourceKey = string(v.bytes)
		case intentActor:
			i.Actor = lib.PeerID(v.bytes)
		case intentPriority:
			i.Priority = v.varint
		case intentCreatedAt:
			i.CreatedAt = int64(v.varint)
		case intentData:
			i.Data = v.bytes
		}
	})
	if err != nil {
		return nil, lib.ErrMalformedPayload(lib.KindIntent, err)
	}
	return i, nil
}

// EncodeVote() encodes a vote payload
func EncodeVote(v *lib.Vote) []byte {
	var bz []byte
	bz = appendString(bz, voteProposalID, v.ProposalID)
	bz = appendString(bz, voteVoter, string(v.Voter))
	bz = appendVarint(bz, voteChoice, uint64(v.Choice))
	bz = appendVarint(bz, voteWeight, v.Weight)
	bz = appendVarint(bz, voteCastAt, uint64(v.CastAt))
	return bz
}

// DecodeVote() decodes a vote payload
func DecodeVote(bz []byte) (*lib.Vote, lib.ErrorI) {
	v := new(lib.Vote)
	err := consumeFields(bz, func(num protowire.Number, f fieldValue) {
		switch num {
		case voteProposalID:
			v.ProposalID = string(f.bytes)
		case voteVoter:
			v.Voter = lib.PeerID(f.bytes)
		case voteChoice:
			v.Choice = lib.Choice(f.varint)
		case voteWeight:
			v.Weight = f.varint
		case voteCastAt:
			v.CastAt = int64(f.varint)
		}
	})
	if err != nil {
		return nil, lib.ErrMalformedPayload(lib.KindVote, err)
	}
	return v, nil
}

// EncodeMove() encodes a move payload
func EncodeMove(m *lib.Move) []byte {
	var bz []byte
	bz = appendString(bz, moveSessionID, m.SessionID)
	bz = appendVarint(bz, moveSequenceNo, m.SequenceNo)
	bz = appendString(bz, moveActor, string(m.Actor))
	bz = appendBytes(bz, moveData, m.Data)
	bz = appendBytes(bz, movePrevHash, m.PrevHash)
	return bz
}

// DecodeMove() decodes a move payload
func DecodeMove(bz []byte) (*lib.Move, lib.ErrorI) {
	m := new(lib.Move)
	err := consumeFields(bz, func(num protowire.Number, f fieldValue) {
		switch num {
		case moveSessionID:
			m.SessionID = string(f.bytes)
		case moveSequenceNo:
			m.SequenceNo = f.varint
		case moveActor:
			m.Actor = lib.PeerID(f.bytes)
		case moveData:
			m.Data = f.bytes
		case movePrevHash:
			m.PrevHash = f.bytes
		}
	})
	if err != nil {
		return nil, lib.ErrMalformedPayload(lib.KindMove, err)
	}
	return m, nil
}

// MoveID() is the hash of the canonical move encoding
func MoveID(m *lib.Move) lib.HexBytes { return crypto.Hash(EncodeMove(m)) }

// EncodeGossip() encodes a gossip payload
func EncodeGossip(g *lib.GossipMessage) []byte {
	var bz []byte
	bz = appendString(bz, gossipTopic, g.Topic)
	bz = appendBytes(bz, gossipData, g.Data)
	return bz
}

// DecodeGossip() decodes a gossip payload
func DecodeGossip(bz []byte) (*lib.GossipMessage, lib.ErrorI) {
	g := new(lib.GossipMessage)
	err := consumeFields(bz, func(num protowire.Number, f fieldValue) {
		switch num {
		case gossipTopic:
			g.Topic = string(f.bytes)
		case gossipData:
			g.Data = f.bytes
		}
	})
	if err != nil {
		return nil, lib.ErrMalformedPayload(lib.KindGossip, err)
	}
	return g, nil
}

// fieldValue holds the decoded value of a single field
type fieldValue struct {
	varint uint64
	bytes  []byte
}

// consumeFields() walks the fields of a payload, skipping unknown ones
func consumeFields(bz []byte, fn func(num protowire.Number, v fieldValue)) error {
	for len(bz) > 0 {
		num, typ, n := protowire.ConsumeTag(bz)
		if n < 0 {
			return protowire.ParseError(n)
		}
		bz = bz[n:]
		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(bz)
		case protowire.BytesType:
			var b []byte
			b, n = protowire.ConsumeBytes(bz)
			if n >= 0 {
				v.bytes = append([]byte(nil), b...)
			}
		default:
			// unknown wire types are skipped
			if n = protowire.ConsumeFieldValue(num, typ, bz); n < 0 {
				return protowire.ParseError(n)
			}
			bz = bz[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		bz = bz[n:]
		fn(num, v)
	}
	return nil
}

// appendVarint() appends a varint field, omitting zero
func appendVarint(bz []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return bz
	}
	bz = protowire.AppendTag(bz, num, protowire.VarintType)
	return protowire.AppendVarint(bz, v)
}

// appendBytes() appends a length delimited field, omitting empty
func appendBytes(bz []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return bz
	}
	bz = protowire.AppendTag(bz, num, protowire.BytesType)
	return protowire.AppendBytes(bz, v)
}

// appendString() appends a string field, omitting empty
func appendString(bz []byte, num protowire.Number, v string) []byte {
	return appendBytes(bz, num, []byte(v))
}
