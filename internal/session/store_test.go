package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbranner/sessiond/internal/clock"
	"github.com/tbranner/sessiond/internal/statekv"
)

var storeEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *statekv.Mem, *clock.Fake) {
	t.Helper()
	kv := statekv.NewMem()
	fake := clock.NewFake(storeEpoch)
	return NewStore(kv, fake), kv, fake
}

func TestStoreRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t)

	data := SessionData{
		SessionID:      "sess-1",
		UserID:         "u-42",
		Token:          "tok-abc",
		TokenExpiresAt: storeEpoch.Add(time.Hour),
		LastActivity:   storeEpoch.Add(-time.Minute),
		State:          StateProcessing,
		ActiveTasks: []TaskRecord{
			{ID: "t1", Type: "export", Description: "monthly export", StartedAt: storeEpoch},
		},
	}
	require.NoError(t, s.Save(data))

	got, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, got)

	data.SchemaVersion = SchemaVersion
	assert.Equal(t, data, *got)
}

func TestStoreLoadEmpty(t *testing.T) {
	s, _, _ := newTestStore(t)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreInvalidStateClears(t *testing.T) {
	s, kv, _ := newTestStore(t)

	raw, err := json.Marshal(SessionData{
		SchemaVersion: SchemaVersion,
		Token:         "tok",
		State:         State("bogus"),
	})
	require.NoError(t, err)
	require.NoError(t, kv.Set(docKey, string(raw)))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)

	_, ok, err := kv.Get(docKey)
	require.NoError(t, err)
	assert.False(t, ok, "invalid document must be cleared from storage")
}

func TestStoreInvalidTaskClears(t *testing.T) {
	s, kv, _ := newTestStore(t)

	raw, err := json.Marshal(SessionData{
		SchemaVersion: SchemaVersion,
		State:         StateActive,
		ActiveTasks:   []TaskRecord{{ID: "", Type: "export", StartedAt: storeEpoch}},
	})
	require.NoError(t, err)
	require.NoError(t, kv.Set(docKey, string(raw)))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreLegacyReconstruction(t *testing.T) {
	s, kv, _ := newTestStore(t)

	expiry := storeEpoch.Add(30 * time.Minute)
	activity := storeEpoch.Add(-5 * time.Minute)
	require.NoError(t, kv.Set(legacyTokenKey, "legacy-tok"))
	require.NoError(t, kv.Set(legacyExpiryKey, expiry.Format(time.RFC3339)))
	require.NoError(t, kv.Set(legacyActivityKey, activity.Format(time.RFC3339)))
	require.NoError(t, kv.Set(legacyUserKey, "u-legacy"))
	tasks, err := json.Marshal([]TaskRecord{
		{ID: "t1", Type: "import", StartedAt: storeEpoch},
	})
	require.NoError(t, err)
	require.NoError(t, kv.Set(legacyTasksKey, string(tasks)))

	got, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "legacy-tok", got.Token)
	assert.Equal(t, "u-legacy", got.UserID)
	assert.Equal(t, StateActive, got.State)
	assert.True(t, got.TokenExpiresAt.Equal(expiry))
	assert.True(t, got.LastActivity.Equal(activity))
	require.Len(t, got.ActiveTasks, 1)
	assert.Equal(t, "t1", got.ActiveTasks[0].ID)
}

func TestStoreVersionMismatchFallsBackToLegacy(t *testing.T) {
	s, kv, _ := newTestStore(t)

	require.NoError(t, kv.Set(docKey, `{"schema_version":"1","state":"active","token":"doc-tok"}`))
	require.NoError(t, kv.Set(legacyTokenKey, "legacy-tok"))

	got, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "legacy-tok", got.Token)
}

func TestStoreClearRemovesEverything(t *testing.T) {
	s, kv, _ := newTestStore(t)

	require.NoError(t, s.Save(SessionData{State: StateActive, Token: "tok"}))
	require.NoError(t, kv.Set(legacyTokenKey, "legacy-tok"))
	require.NoError(t, s.Clear())

	keys, err := kv.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStorePrunesStaleOnConstruction(t *testing.T) {
	kv := statekv.NewMem()
	fake := clock.NewFake(storeEpoch)
	seed := NewStore(kv, fake)

	require.NoError(t, seed.Save(SessionData{
		Token:          "tok",
		TokenExpiresAt: storeEpoch.Add(-time.Minute),
		LastActivity:   storeEpoch.Add(-8 * 24 * time.Hour),
		State:          StateActive,
		ActiveTasks: []TaskRecord{
			{ID: "stale", Type: "export", StartedAt: storeEpoch.Add(-25 * time.Hour)},
			{ID: "fresh", Type: "export", StartedAt: storeEpoch.Add(-time.Hour)},
		},
	}))

	s := NewStore(kv, fake)
	got, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Empty(t, got.Token, "expired token must be dropped")
	assert.True(t, got.TokenExpiresAt.IsZero())
	assert.True(t, got.LastActivity.IsZero(), "week-old activity must be dropped")
	require.Len(t, got.ActiveTasks, 1)
	assert.Equal(t, "fresh", got.ActiveTasks[0].ID)
}

func TestStorePruneKeepsRecentSession(t *testing.T) {
	kv := statekv.NewMem()
	fake := clock.NewFake(storeEpoch)
	seed := NewStore(kv, fake)

	data := SessionData{
		Token:          "tok",
		TokenExpiresAt: storeEpoch.Add(time.Hour),
		LastActivity:   storeEpoch.Add(-time.Minute),
		State:          StateActive,
	}
	require.NoError(t, seed.Save(data))

	s := NewStore(kv, fake)
	got, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok", got.Token)
	assert.True(t, got.LastActivity.Equal(data.LastActivity))
}
