package skill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cua-agent/cua-agent/internal/action"
)

func sampleActions() []action.Action {
	return []action.Action{
		{Type: action.TypeLeftClick, X: 10, Y: 20},
		{Type: action.TypeType, Text: "hello"},
	}
}

func TestSave_AssignsFingerprintAndID(t *testing.T) {
	s := New(t.TempDir())
	sk, err := s.Save(ProceduralSkill{Name: "login", Actions: sampleActions()})
	require.NoError(t, err)
	assert.NotEmpty(t, sk.Fingerprint)
	assert.NotEmpty(t, sk.ID)
	assert.Equal(t, 0, sk.UsageCount)
}

func TestSave_DedupesByFingerprintAndMergesTags(t *testing.T) {
	s := New(t.TempDir())
	first, err := s.Save(ProceduralSkill{Name: "login", Actions: sampleActions(), Tags: []string{"auth"}})
	require.NoError(t, err)

	second, err := s.Save(ProceduralSkill{Name: "login", Actions: sampleActions(), Tags: []string{"retry"}})
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, 1, second.UsageCount)
	assert.ElementsMatch(t, []string{"auth", "retry"}, second.Tags)

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestResolve_ByNameAndByID(t *testing.T) {
	s := New(t.TempDir())
	sk, err := s.Save(ProceduralSkill{Name: "open-settings", Actions: sampleActions()})
	require.NoError(t, err)

	byName, ok := s.Resolve("open-settings")
	require.True(t, ok)
	assert.Equal(t, sk.Fingerprint, byName.Fingerprint)

	byID, ok := s.Resolve(sk.ID)
	require.True(t, ok)
	assert.Equal(t, sk.Fingerprint, byID.Fingerprint)

	_, ok = s.Resolve("nonexistent")
	assert.False(t, ok)
}

func TestRecordUsage_IncrementsCount(t *testing.T) {
	s := New(t.TempDir())
	sk, err := s.Save(ProceduralSkill{Name: "login", Actions: sampleActions()})
	require.NoError(t, err)

	s.RecordUsage(sk.Fingerprint)
	updated, ok := s.Get(sk.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, 1, updated.UsageCount)
	require.NotNil(t, updated.LastUsed)
}

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	fp1, err := Fingerprint(sampleActions())
	require.NoError(t, err)
	fp2, err := Fingerprint(sampleActions())
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestList_EmptyStoreReturnsNil(t *testing.T) {
	s := New(t.TempDir() + "/does-not-exist")
	all, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}
