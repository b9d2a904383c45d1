package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/lib"
	"github.com/stretchr/testify/require"
)

func newTestGuard(capacity int) (*Guard, *clock.Mock) {
	c := clock.NewMock()
	c.Set(time.UnixMilli(1_700_000_000_000))
	config := lib.DedupConfig{
		WindowMS:    uint64(time.Minute.Milliseconds()),
		ClockSkewMS: uint64((5 * time.Second).Milliseconds()),
		Capacity:    capacity,
	}
	return NewGuard(config, c, lib.NewNullLogger()), c
}

func newEnvelope(c clock.Clock, sender lib.PeerID, nonce uint64) *lib.Envelope {
	return lib.NewEnvelope(sender, lib.KindVote, []byte{byte(nonce)}, c.Now().UnixMilli(), nonce)
}

func TestAdmit(t *testing.T) {
	g, c := newTestGuard(100)
	now := c.Now()
	tests := []struct {
		name     string
		detail   string
		env      *lib.Envelope
		expected Verdict
	}{
		{
			name:     "fresh",
			detail:   "first sighting inside the window",
			env:      newEnvelope(c, "a", 1),
			expected: Admitted,
		},
		{
			name:     "replay",
			detail:   "the same message id again",
			env:      newEnvelope(c, "a", 1),
			expected: Duplicate,
		},
		{
			name:     "too old",
			detail:   "timestamp older than the window",
			env:      lib.NewEnvelope("a", lib.KindVote, nil, now.Add(-2*time.Minute).UnixMilli(), 2),
			expected: Expired,
		},
		{
			name:     "too far in the future",
			detail:   "timestamp beyond the clock skew tolerance",
			env:      lib.NewEnvelope("a", lib.KindVote, nil, now.Add(10*time.Second).UnixMilli(), 3),
			expected: Expired,
		},
		{
			name:     "inside the skew",
			detail:   "timestamp slightly in the future is fine",
			env:      lib.NewEnvelope("a", lib.KindVote, nil, now.Add(4*time.Second).UnixMilli(), 4),
			expected: Admitted,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, g.Admit(test.env), test.detail)
		})
	}
}

func TestDuplicateAnyCount(t *testing.T) {
	g, c := newTestGuard(100)
	env := newEnvelope(c, "a", 1)
	require.Equal(t, Admitted, g.Admit(env))
	for i := 0; i < 10; i++ {
		// interleave other traffic
		g.Admit(newEnvelope(c, "b", uint64(i+1)))
		require.Equal(t, Duplicate, g.Admit(env))
	}
}

func TestWindowEviction(t *testing.T) {
	g, c := newTestGuard(100)
	first := newEnvelope(c, "a", 1)
	require.Equal(t, Admitted, g.Admit(first))
	c.Add(30 * time.Second)
	second := newEnvelope(c, "a", 2)
	require.Equal(t, Admitted, g.Admit(second))
	require.Equal(t, 2, g.Len())
	// the first entry falls out of the window on the next insert
	c.Add(31 * time.Second)
	require.Equal(t, Admitted, g.Admit(newEnvelope(c, "b", 1)))
	require.False(t, g.Seen(first.ID))
	require.True(t, g.Seen(second.ID))
	require.Equal(t, 2, g.Len())
	// a replay of the evicted message is expired, not re-admitted
	require.Equal(t, Expired, g.Admit(first))
}

func TestCapacityEviction(t *testing.T) {
	g, c := newTestGuard(3)
	envs := make([]*lib.Envelope, 5)
	for i := range envs {
		envs[i] = newEnvelope(c, "a", uint64(i+1))
		require.Equal(t, Admitted, g.Admit(envs[i]))
	}
	// bounded, oldest evicted first
	require.Equal(t, 3, g.Len())
	require.False(t, g.Seen(envs[0].ID))
	require.False(t, g.Seen(envs[1].ID))
	require.True(t, g.Seen(envs[2].ID))
	// an evicted message can't be proven unique so its replay is expired
	require.Equal(t, Expired, g.Admit(envs[1]))
	// other senders are unaffected by the floor
	require.Equal(t, Admitted, g.Admit(newEnvelope(c, "b", 1)))
	// new traffic from the same sender is admitted
	require.Equal(t, Admitted, g.Admit(newEnvelope(c, "a", 6)))
}

func TestFloodOfSenders(t *testing.T) {
	g, c := newTestGuard(10)
	for i := 0; i < 100_000; i++ {
		require.Equal(t, Admitted, g.Admit(newEnvelope(c, lib.PeerID(fmt.Sprintf("spoof-%d", i)), 1)))
	}
	// both tables stay within the capacity
	require.Equal(t, 10, g.Len())
	require.Equal(t, 10, g.Floors())
	// a sender whose floor was pushed out is only checked against the window
	first := newEnvelope(c, "spoof-0", 1)
	require.Equal(t, Admitted, g.Admit(first))
	// a recent floor still holds
	require.Equal(t, Expired, g.Admit(newEnvelope(c, "spoof-99989", 1)))
}

func TestForget(t *testing.T) {
	g, c := newTestGuard(1)
	require.Equal(t, Admitted, g.Admit(newEnvelope(c, "a", 1)))
	require.Equal(t, Admitted, g.Admit(newEnvelope(c, "b", 1)))
	require.Equal(t, 1, g.Floors())
	require.Equal(t, Expired, g.Admit(newEnvelope(c, "a", 1)))
	g.Forget("a")
	require.Zero(t, g.Floors())
	require.Equal(t, Admitted, g.Admit(newEnvelope(c, "a", 1)))
}

func TestVerdictString(t *testing.T) {
	require.Equal(t, "admitted", Admitted.String())
	require.Equal(t, "duplicate", Duplicate.String())
	require.Equal(t, "expired", Expired.String())
}
