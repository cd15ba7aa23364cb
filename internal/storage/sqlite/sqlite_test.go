package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusplay/internal/event"
	"focusplay/internal/storage"
)

func setupTestDB(t *testing.T) (storage.Journal, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "test_focusplay.db")
	store := NewSQLiteJournal(dbPath)
	require.NoError(t, store.Init(context.Background()), "Failed to initialize test database")

	cleanup := func() {
		assert.NoError(t, store.Close(), "Failed to close test database")
	}
	return store, cleanup
}

func TestSaveAndGetEntry(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	entry := event.JournalEntry{
		Timestamp: now,
		Kind:      event.EntrySession,
		SessionID: "s-1",
		AppID:     "calc",
		State:     string(event.StatePaused),
		Title:     "Calculator",
		Message:   "step 12, paused by focus_lost",
	}

	id, err := store.SaveEntry(ctx, entry)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	got, err := store.GetEntries(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)

	entry.ID = id
	got[0].Timestamp = got[0].Timestamp.UTC().Truncate(time.Second)
	assert.Equal(t, entry, got[0])
}

func TestGetEntriesFiltering(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	t1 := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	t2 := t1.Add(1 * time.Minute)
	t3 := t1.Add(5 * time.Minute)
	t4 := t1.Add(15 * time.Minute)

	entries := []event.JournalEntry{
		{Timestamp: t1, Kind: event.EntryFocusState, State: "focused"},
		{Timestamp: t2, Kind: event.EntrySession, SessionID: "a", State: "running"},
		{Timestamp: t3, Kind: event.EntryFocusState, State: "unfocused"},
		{Timestamp: t4, Kind: event.EntryNotification, State: "error"},
	}
	for _, e := range entries {
		_, err := store.SaveEntry(ctx, e)
		require.NoError(t, err)
	}

	got, err := store.GetEntries(ctx, t1, t3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "focused", got[0].State)
	assert.Equal(t, "a", got[1].SessionID)
	assert.Equal(t, "unfocused", got[2].State)

	got, err = store.GetEntries(ctx, t1.Add(-time.Hour), t4.Add(time.Hour), event.EntryFocusState)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = store.GetEntries(ctx, t1.Add(-time.Hour), t4.Add(time.Hour), event.EntrySession, event.EntryNotification)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, event.EntrySession, got[0].Kind)
	assert.Equal(t, event.EntryNotification, got[1].Kind)

	got, err = store.GetEntries(ctx, t1.Add(10*time.Hour), t4.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 0)
}

func TestRecent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		_, err := store.SaveEntry(ctx, event.JournalEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Kind:      event.EntryConnection,
			Message:   string(rune('a' + i)),
		})
		require.NoError(t, err)
	}

	got, err := store.Recent(ctx, base, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "d", "e"}, []string{got[0].Message, got[1].Message, got[2].Message})

	got, err = store.Recent(ctx, base.Add(4*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSaveDefaultsTimestamp(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	_, err := store.SaveEntry(ctx, event.JournalEntry{Kind: event.EntryConnection, State: "connected"})
	require.NoError(t, err)

	got, err := store.Recent(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.WithinDuration(t, time.Now(), got[0].Timestamp, time.Minute)
}

func TestCloseDB(t *testing.T) {
	store, cleanup := setupTestDB(t)
	cleanup()

	_, err := store.SaveEntry(context.Background(), event.JournalEntry{Timestamp: time.Now(), Kind: event.EntryConnection})
	assert.Error(t, err)
}
