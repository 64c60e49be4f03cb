package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCull_RespectsPins(t *testing.T) {
	s, clock, _ := newTestStore(t)

	// A is oldest, B in the middle, C newest.
	install(t, s, "A", []byte("a"))
	clock.Advance(time.Minute)
	install(t, s, "B", []byte("b"))
	clock.Advance(time.Minute)
	install(t, s, "C", []byte("c"))

	removed := s.Cull(map[string]bool{"B": true}, Policy{MaxInstallations: 1})

	assert.Equal(t, []string{"A"}, removed)
	assert.False(t, s.Has("A"))
	assert.True(t, s.Has("B"), "pinned version must never be culled")
	assert.True(t, s.Has("C"))
}

func TestCull_PinnedSurvivesEvenWhenAged(t *testing.T) {
	s, clock, _ := newTestStore(t)

	install(t, s, "A", []byte("a"))
	clock.Advance(48 * time.Hour)

	removed := s.Cull(map[string]bool{"A": true}, Policy{MaxAge: time.Hour})
	assert.Empty(t, removed)
	assert.True(t, s.Has("A"))
}

func TestCull_MaxAge(t *testing.T) {
	s, clock, _ := newTestStore(t)

	install(t, s, "old", []byte("a"))
	clock.Advance(48 * time.Hour)
	install(t, s, "fresh", []byte("b"))

	// Count limit not exceeded, but the age limit still applies.
	removed := s.Cull(nil, Policy{MaxInstallations: 10, MaxAge: 24 * time.Hour})

	assert.Equal(t, []string{"old"}, removed)
	assert.False(t, s.Has("old"))
	assert.True(t, s.Has("fresh"))
}

func TestCull_MaxInstallations_LRUOrder(t *testing.T) {
	s, clock, _ := newTestStore(t)

	install(t, s, "A", []byte("a"))
	clock.Advance(time.Minute)
	install(t, s, "B", []byte("b"))
	clock.Advance(time.Minute)
	install(t, s, "C", []byte("c"))
	clock.Advance(time.Minute)

	// Touching A makes it the most recently used.
	_, err := s.Path("A")
	require.NoError(t, err)

	removed := s.Cull(nil, Policy{MaxInstallations: 2})

	assert.Equal(t, []string{"B"}, removed)
	assert.True(t, s.Has("A"))
	assert.True(t, s.Has("C"))
}

func TestCull_ZeroPolicy(t *testing.T) {
	s, clock, _ := newTestStore(t)

	install(t, s, "A", []byte("a"))
	clock.Advance(365 * 24 * time.Hour)

	assert.Empty(t, s.Cull(nil, Policy{}))
	assert.True(t, s.Has("A"))
}

func TestCull_CombinedConstraints(t *testing.T) {
	s, clock, _ := newTestStore(t)

	install(t, s, "ancient", []byte("a"))
	clock.Advance(72 * time.Hour)
	install(t, s, "B", []byte("b"))
	clock.Advance(time.Minute)
	install(t, s, "C", []byte("c"))
	clock.Advance(time.Minute)
	install(t, s, "D", []byte("d"))

	// "ancient" exceeds MaxAge; of the rest, only the two most recently
	// used survive the count limit.
	removed := s.Cull(nil, Policy{MaxInstallations: 2, MaxAge: 24 * time.Hour})

	assert.ElementsMatch(t, []string{"ancient", "B"}, removed)
	assert.True(t, s.Has("C"))
	assert.True(t, s.Has("D"))
}
