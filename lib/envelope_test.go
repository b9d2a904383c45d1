package lib

import (
	"encoding/json"
	"testing"

	"github.com/canopy-network/accord/lib/crypto"
	"github.com/stretchr/testify/require"
)

func TestDeriveMessageID(t *testing.T) {
	a := NewEnvelope("peer-a", KindIntent, []byte("payload"), 1000, 1)
	// same logical message, same id regardless of timestamp
	b := NewEnvelope("peer-a", KindIntent, []byte("payload"), 2000, 1)
	require.Equal(t, a.ID, b.ID)
	require.NoError(t, a.CheckID())
	tests := []struct {
		name string
		env  *Envelope
	}{
		{name: "different sender", env: NewEnvelope("peer-b", KindIntent, []byte("payload"), 1000, 1)},
		{name: "different kind", env: NewEnvelope("peer-a", KindVote, []byte("payload"), 1000, 1)},
		{name: "different nonce", env: NewEnvelope("peer-a", KindIntent, []byte("payload"), 1000, 2)},
		{name: "different payload", env: NewEnvelope("peer-a", KindIntent, []byte("other"), 1000, 1)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.NotEqual(t, a.ID, test.env.ID)
		})
	}
	// a forged id is detected
	forged := *a
	forged.Payload = []byte("tampered")
	require.Error(t, forged.CheckID())
}

func TestEnvelopeSignature(t *testing.T) {
	pk, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	env := NewEnvelope(PeerID(pk.PublicKey().String()), KindVote, []byte("v"), 1000, 7)
	env.Sign(pk)
	require.NoError(t, env.VerifySignature(pk.PublicKey()))
	// the timestamp is covered by the signature
	env.Timestamp++
	require.Error(t, env.VerifySignature(pk.PublicKey()))
}

func TestMessageIDText(t *testing.T) {
	id := DeriveMessageID("peer", KindMove, nil, 1)
	bz, err := json.Marshal(id)
	require.NoError(t, err)
	var got MessageID
	require.NoError(t, json.Unmarshal(bz, &got))
	require.Equal(t, id, got)
	// wrong length
	require.Error(t, json.Unmarshal([]byte(`"abcd"`), &got))
	_, e := NewMessageID([]byte{1, 2})
	require.Error(t, e)
	require.True(t, MessageID{}.IsZero())
	require.Equal(t, -1, MessageID{0}.Compare(MessageID{1}))
}

func TestKindText(t *testing.T) {
	for _, k := range []Kind{KindIntent, KindVote, KindMove, KindGossip} {
		bz, err := json.Marshal(k)
		require.NoError(t, err)
		var got Kind
		require.NoError(t, json.Unmarshal(bz, &got))
		require.Equal(t, k, got)
		require.True(t, k.Valid())
	}
	require.False(t, KindUnknown.Valid())
	require.False(t, Kind(9).Valid())
	var k Kind
	require.Error(t, json.Unmarshal([]byte(`"bogus"`), &k))
}

func TestSubjectKey(t *testing.T) {
	subject := SubjectKey(KindIntent, "42")
	require.Equal(t, "intent/42", subject)
	kind, key, err := SplitSubjectKey(subject)
	require.NoError(t, err)
	require.Equal(t, KindIntent, kind)
	require.Equal(t, "42", key)
	// keys may contain the separator
	_, key, err = SplitSubjectKey(SubjectKey(KindMove, "game/7"))
	require.NoError(t, err)
	require.Equal(t, "game/7", key)
	_, _, err = SplitSubjectKey("nokind")
	require.Error(t, err)
}

func TestOutcomeHashAndProof(t *testing.T) {
	ids := []MessageID{{1}, {2}, {3}}
	o := &Outcome{Subject: "intent/1", Kind: KindIntent, Epoch: 1, Status: StatusWon, Contributions: ids}
	require.Equal(t, o.Hash(), (&Outcome{Subject: "intent/1", Kind: KindIntent, Epoch: 1, Status: StatusWon, Contributions: ids}).Hash())
	other := *o
	other.Status = StatusCancelled
	require.NotEqual(t, o.Hash(), other.Hash())
	require.Equal(t, crypto.MerkleRoot([][]byte{ids[0][:], ids[1][:], ids[2][:]}), o.ContributionProof())
	// status round trips as text
	bz, err := json.Marshal(o)
	require.NoError(t, err)
	got := new(Outcome)
	require.NoError(t, json.Unmarshal(bz, got))
	require.Equal(t, o, got)
}

func TestJoinLenPrefix(t *testing.T) {
	long := make([]byte, 300)
	key := JoinLenPrefix([]byte("o"), []byte("subject"), nil, long)
	segments := DecodeLengthPrefixed(key)
	require.Equal(t, [][]byte{[]byte("o"), []byte("subject"), long}, segments)
}
