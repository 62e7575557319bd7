package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cua-agent/cua-agent/internal/plan"
)

func TestEpisodeStore_SaveAndGet(t *testing.T) {
	s := NewEpisodeStore(t.TempDir())
	p, err := plan.New("plan-1", "open settings", []plan.Step{{ID: 1, Description: "open app"}})
	require.NoError(t, err)

	ep, err := s.Save(Episode{UserPrompt: "open settings", Plan: *p, Outcome: OutcomeSuccess, Summary: "done"})
	require.NoError(t, err)
	assert.NotEmpty(t, ep.ID)

	loaded, ok := s.Get(ep.ID)
	require.True(t, ok)
	assert.Equal(t, "open settings", loaded.UserPrompt)
	assert.Equal(t, OutcomeSuccess, loaded.Outcome)
}

func TestEpisodeStore_RecentReturnsNewestFirst(t *testing.T) {
	s := NewEpisodeStore(t.TempDir())
	first, err := s.Save(Episode{UserPrompt: "first", CreatedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	second, err := s.Save(Episode{UserPrompt: "second", CreatedAt: time.Now()})
	require.NoError(t, err)

	recent, err := s.Recent(3)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID)
	assert.Equal(t, first.ID, recent[1].ID)
}

func TestEpisodeStore_RecentLimitsCount(t *testing.T) {
	s := NewEpisodeStore(t.TempDir())
	for i := 0; i < 5; i++ {
		_, err := s.Save(Episode{UserPrompt: "x"})
		require.NoError(t, err)
	}
	recent, err := s.Recent(3)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestSemanticStore_SaveAndAll(t *testing.T) {
	s := NewSemanticStore(t.TempDir())
	_, err := s.Save(SemanticMemoryItem{Text: "the submit button is in the top right"})
	require.NoError(t, err)
	_, err = s.Save(SemanticMemoryItem{Text: "settings live under the gear icon"})
	require.NoError(t, err)

	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSemanticStore_GetMissingReturnsFalse(t *testing.T) {
	s := NewSemanticStore(t.TempDir())
	_, ok := s.Get("nonexistent")
	assert.False(t, ok)
}
