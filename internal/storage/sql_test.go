package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "schedbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data", "bot.db")}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err, "dsn required")
}

func TestListDueFiltersInactiveAndBanned(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertGroup(ctx, Group{ID: "101", Code: "305с11-4"}))
	require.NoError(t, st.UpsertSubscriber(ctx, 1, "alice"))
	require.NoError(t, st.SetPreference(ctx, 1, "101", "8:00"))
	require.NoError(t, st.SetPreference(ctx, 2, "101", "08:00"))
	require.NoError(t, st.SetPreference(ctx, 3, "101", "08:00"))
	require.NoError(t, st.SetPreference(ctx, 4, "102", "08:00"))
	require.NoError(t, st.SetPreference(ctx, 5, "101", "12:00"))

	require.NoError(t, st.DeactivatePreference(ctx, 2, "101"))
	require.NoError(t, st.SetBanned(ctx, 3, true))

	due, err := st.ListDue(ctx, "08:00")
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, Due{ChatID: 1, Username: "alice", GroupID: "101", GroupCode: "305с11-4", NotifyAt: "08:00"}, due[0])
	assert.Equal(t, int64(4), due[1].ChatID)
	assert.Equal(t, "", due[1].GroupCode, "unknown group code left for the scheduler to resolve")

	// Reactivation through SetPreference.
	require.NoError(t, st.SetPreference(ctx, 2, "101", "08:00"))
	due, err = st.ListDue(ctx, "08:00")
	require.NoError(t, err)
	assert.Len(t, due, 3)
}

func TestPreferencesAndDeactivateSubscriber(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetPreference(ctx, 7, "101", "20:00"))
	require.NoError(t, st.SetPreference(ctx, 7, "102", "22:00"))
	require.NoError(t, st.SetPreference(ctx, 7, "101", "16:00"))

	prefs, err := st.ListPreferences(ctx, 7)
	require.NoError(t, err)
	require.Len(t, prefs, 2)
	assert.Equal(t, "16:00", prefs[0].NotifyAt)
	assert.True(t, prefs[0].Active)

	n, err := st.DeactivateSubscriber(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	prefs, err = st.ListPreferences(ctx, 7)
	require.NoError(t, err)
	for _, p := range prefs {
		assert.False(t, p.Active)
	}
}

func TestNotFoundAndValidation(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	assert.True(t, errors.Is(st.SetBanned(ctx, 99, true), ErrNotFound))
	assert.True(t, errors.Is(st.DeactivatePreference(ctx, 99, "1"), ErrNotFound))
	assert.Error(t, st.SetPreference(ctx, 1, "101", "25:00"))
	assert.Error(t, st.SetPreference(ctx, 1, " ", "08:00"))
	assert.Error(t, st.UpsertGroup(ctx, Group{ID: "1"}))
}

func TestListRecipientsSkipsBanned(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, st.UpsertSubscriber(ctx, id, ""))
	}
	require.NoError(t, st.SetBanned(ctx, 2, true))

	got, err := st.ListRecipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, got)
}

func TestAuditAppendRecentPrune(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: old, Action: "broadcast", OK: 1}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Actor: "ops", Action: "cache.invalidate", Target: "all"}))

	got, err := st.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cache.invalidate", got[0].Action)
	assert.Equal(t, "ops", got[0].Actor)
	assert.True(t, got[1].At.Equal(old))

	n, err := st.PruneAudit(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRebind(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"SELECT 1", "SELECT 1"},
		{"a = ? AND b = ?", "a = $1 AND b = $2"},
		{"x = '?' AND y = ?", "x = '?' AND y = $1"},
	}
	for _, tt := range tests {
		if got := rebind(tt.in); got != tt.want {
			t.Fatalf("rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeClock(t *testing.T) {
	t.Parallel()
	got, err := NormalizeClock(" 8:05 ")
	require.NoError(t, err)
	assert.Equal(t, "08:05", got)
	_, err = NormalizeClock("8am")
	assert.Error(t, err)
}
