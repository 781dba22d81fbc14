package eviction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRUEvictsUnreferencedCold(t *testing.T) {
	s := New(PolicyLRU, LFUConfig{})
	hot := &Metadata{Key: []byte("hot"), State: stateHot | refBit}
	cold := &Metadata{Key: []byte("cold"), State: stateCold}
	victim, ok := s.Evict([]*Metadata{hot, cold})
	require.True(t, ok)
	require.Equal(t, "cold", string([]*Metadata{hot, cold}[victim].Key))
}

func TestLFUEvictsLeastFrequent(t *testing.T) {
	s := New(PolicyLFU, LFUConfig{})
	a := &Metadata{Key: []byte("a"), Freq: 10}
	b := &Metadata{Key: []byte("b"), Freq: 1}
	sample := []*Metadata{a, b}
	victim, ok := s.Evict(sample)
	require.True(t, ok)
	require.Equal(t, "b", string(sample[victim].Key))
}

func TestTTLEvictsEarliestExpiry(t *testing.T) {
	s := New(PolicyTTL, LFUConfig{})
	now := time.Now()
	soon := &Metadata{Key: []byte("soon"), ExpiresAt: now.Add(time.Second)}
	later := &Metadata{Key: []byte("later"), ExpiresAt: now.Add(time.Hour)}
	never := &Metadata{Key: []byte("never")}
	sample := []*Metadata{later, never, soon}
	victim, ok := s.Evict(sample)
	require.True(t, ok)
	require.Equal(t, "soon", string(sample[victim].Key))
}

func TestRandomEvictsSomethingFromSample(t *testing.T) {
	s := New(PolicyRandom, LFUConfig{})
	sample := []*Metadata{{Key: []byte("a")}, {Key: []byte("b")}}
	victim, ok := s.Evict(sample)
	require.True(t, ok)
	require.Less(t, victim, len(sample))
}

func TestEvictEmptySampleReportsNotOK(t *testing.T) {
	for _, p := range []Policy{PolicyLRU, PolicyLFU, PolicyRandom, PolicyTTL} {
		_, ok := New(p, LFUConfig{}).Evict(nil)
		require.False(t, ok)
	}
}

func TestMetadataDecayHalves(t *testing.T) {
	m := &Metadata{Freq: 8}
	m.Decay()
	require.EqualValues(t, 4, m.Freq)
}
