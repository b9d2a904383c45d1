package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/canopy-network/accord/lib"
	"github.com/stretchr/testify/require"
)

func newTestNetwork(t *testing.T, ids ...lib.PeerID) (*MemoryNetwork, map[lib.PeerID]*MemoryTransport, map[lib.PeerID]*recorder) {
	n := NewMemoryNetwork()
	transports, recorders := make(map[lib.PeerID]*MemoryTransport), make(map[lib.PeerID]*recorder)
	for _, id := range ids {
		tr, rec := n.Join(id), new(recorder)
		tr.SetHandler(rec)
		require.NoError(t, tr.Start())
		t.Cleanup(tr.Stop)
		transports[id], recorders[id] = tr, rec
	}
	return n, transports, recorders
}

func TestMemoryDeliversInOrder(t *testing.T) {
	n, tr, rec := newTestNetwork(t, "alice", "bob")
	require.NoError(t, n.Connect("alice", "bob"))
	require.Eventually(t, func() bool { return rec["bob"].connects("alice") == 1 }, time.Second, time.Millisecond)
	var sent [][]byte
	for i := 0; i < 100; i++ {
		msg := []byte(fmt.Sprintf("msg-%d", i))
		sent = append(sent, msg)
		require.NoError(t, tr["alice"].Send("bob", msg))
	}
	require.Eventually(t, func() bool { return len(rec["bob"].received("alice")) == 100 }, time.Second, time.Millisecond)
	require.Equal(t, sent, rec["bob"].received("alice"))
	require.Equal(t, []lib.PeerID{"bob"}, tr["alice"].Peers())
}

func TestMemorySendCopies(t *testing.T) {
	n, tr, rec := newTestNetwork(t, "alice", "bob")
	require.NoError(t, n.Connect("alice", "bob"))
	msg := []byte("original")
	require.NoError(t, tr["alice"].Send("bob", msg))
	copy(msg, "mutated!")
	require.Eventually(t, func() bool { return len(rec["bob"].received("alice")) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []byte("original"), rec["bob"].received("alice")[0])
}

func TestMemoryLinks(t *testing.T) {
	n, tr, rec := newTestNetwork(t, "alice", "bob", "carol", "dave")
	tests := []struct {
		name   string
		detail string
		err    lib.ErrorI
		run    func() lib.ErrorI
	}{
		{
			name:   "unlinked",
			detail: "sending without a link fails",
			err:    lib.ErrUnknownPeer("bob"),
			run:    func() lib.ErrorI { return tr["alice"].Send("bob", []byte("x")) },
		},
		{
			name:   "self",
			detail: "a peer cannot link to itself",
			err:    lib.ErrInvalidArgument(),
			run:    func() lib.ErrorI { return n.Connect("alice", "alice") },
		},
		{
			name:   "unknown",
			detail: "both peers must have joined",
			err:    lib.ErrUnknownPeer("eve"),
			run:    func() lib.ErrorI { return n.Connect("alice", "eve") },
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.err, test.run(), test.detail)
		})
	}
	// a full mesh links every pair once
	n.FullMesh()
	require.Equal(t, []lib.PeerID{"bob", "carol", "dave"}, tr["alice"].Peers())
	require.True(t, lib.IsCode(n.Connect("alice", "bob"), lib.P2PModule, lib.CodeDuplicatePeer))
	// a partition cuts the links between the halves only
	n.Partition([]lib.PeerID{"alice", "bob"}, []lib.PeerID{"carol", "dave"})
	require.Equal(t, []lib.PeerID{"bob"}, tr["alice"].Peers())
	require.Equal(t, []lib.PeerID{"dave"}, tr["carol"].Peers())
	require.Eventually(t, func() bool {
		return rec["alice"].disconnects("carol") == 1 && rec["carol"].disconnects("alice") == 1
	}, time.Second, time.Millisecond)
	// healing reconnects
	require.NoError(t, n.Connect("alice", "carol"))
	require.Eventually(t, func() bool { return rec["carol"].connects("alice") == 2 }, time.Second, time.Millisecond)
}

func TestMemoryStop(t *testing.T) {
	n, tr, rec := newTestNetwork(t, "alice", "bob")
	require.NoError(t, n.Connect("alice", "bob"))
	tr["bob"].Stop()
	require.Eventually(t, func() bool { return rec["alice"].disconnects("bob") == 1 }, time.Second, time.Millisecond)
	require.Empty(t, tr["alice"].Peers())
	require.True(t, lib.IsCode(tr["bob"].Send("alice", []byte("x")), lib.P2PModule, lib.CodeTransportStopped))
	require.True(t, lib.IsCode(tr["bob"].Start(), lib.P2PModule, lib.CodeTransportStopped))
}
