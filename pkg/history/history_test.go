package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ghosthands/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "history.json"))
}

func TestStore_LoadOnMissingFileReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	records, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_AppendAndGet(t *testing.T) {
	s := newTestStore(t)
	record := &types.DeployRecord{ID: "d1", ImageTag: "v1", Status: types.DeployStatusCompleted}
	require.NoError(t, s.Append(record))

	got, err := s.Get("d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v1", got.ImageTag)
}

func TestStore_GetUnknownIDReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_RotatesAtMaxRecords(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < MaxRecords+10; i++ {
		require.NoError(t, s.Append(&types.DeployRecord{ID: NewID(), ImageTag: "v1"}))
	}
	records, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, records, MaxRecords)
}

func TestStore_LastSuccessfulSkipsFailures(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(&types.DeployRecord{ID: "d1", ImageTag: "v1", Status: types.DeployStatusCompleted}))
	require.NoError(t, s.Append(&types.DeployRecord{ID: "d2", ImageTag: "v2", Status: types.DeployStatusFailed}))

	last, err := s.LastSuccessful()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "d1", last.ID)
}

func TestStore_LastSuccessfulNoneReturnsNil(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(&types.DeployRecord{ID: "d1", Status: types.DeployStatusFailed}))
	last, err := s.LastSuccessful()
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestStore_ListNewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(&types.DeployRecord{ID: NewID(), ImageTag: "v1"}))
	}
	records, err := s.List(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestStore_UpdateUnknownIDErrors(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(&types.DeployRecord{ID: "nope"})
	assert.Error(t, err)
}

func TestStore_LoadMalformedFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not": "an array"}`), 0o644))

	s := NewStore(path)
	records, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_UpdateRewritesRecord(t *testing.T) {
	s := newTestStore(t)
	record := &types.DeployRecord{ID: "d1", Status: types.DeployStatusDeploying}
	require.NoError(t, s.Append(record))

	record.Status = types.DeployStatusCompleted
	require.NoError(t, s.Update(record))

	got, err := s.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeployStatusCompleted, got.Status)
}
