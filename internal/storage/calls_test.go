package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndListCalls(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, db.InsertCall(ctx, CallRecord{
		CallID: "c1", RemoteParty: "bob", Role: "initiator", Media: "video",
		StartedAt: base, AnsweredAt: base.Add(2 * time.Second), EndedAt: base.Add(62 * time.Second), Reason: "Hung up",
	}))
	require.NoError(t, db.InsertCall(ctx, CallRecord{
		CallID: "c2", RemoteParty: "carol", Role: "receiver", Media: "audio",
		StartedAt: base.Add(time.Hour), EndedAt: base.Add(time.Hour + 30*time.Second), Reason: "No answer",
	}))

	all, err := db.ListCalls(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c2", all[0].CallID, "newest first")
	assert.True(t, all[0].AnsweredAt.IsZero())
	assert.Zero(t, all[0].Duration())
	assert.Equal(t, time.Minute, all[1].Duration())
	assert.True(t, all[1].StartedAt.Equal(base))

	bobs, err := db.ListCalls(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, "Hung up", bobs[0].Reason)
}

func TestInsertCallReplaces(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Now()
	rec := CallRecord{CallID: "c1", RemoteParty: "bob", Role: "initiator", Media: "audio", StartedAt: now, EndedAt: now, Reason: "Busy"}
	require.NoError(t, db.InsertCall(ctx, rec))
	rec.Reason = "Call rejected"
	require.NoError(t, db.InsertCall(ctx, rec))

	all, err := db.ListCalls(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Call rejected", all[0].Reason)

	assert.Error(t, db.InsertCall(ctx, CallRecord{}))
}

func TestRecentPartiesAndPrune(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	for i, party := range []string{"bob", "carol", "bob", "dave"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.InsertCall(ctx, CallRecord{
			CallID: string(rune('a' + i)), RemoteParty: party, Role: "initiator", Media: "audio",
			StartedAt: at, EndedAt: at.Add(time.Second),
		}))
	}

	parties, err := db.RecentParties(ctx, 10)
	require.NoError(t, err)
	require.Len(t, parties, 3)
	assert.Equal(t, "dave", parties[0].PartyID)
	assert.Equal(t, "bob", parties[1].PartyID)
	assert.Equal(t, 2, parties[1].Calls)

	n, err := db.PruneCalls(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	left, err := db.ListCalls(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestMeta(t *testing.T) {
	db := openTest(t)
	v, err := db.GetMeta("schema")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, db.SetMeta("schema", "1"))
	require.NoError(t, db.SetMeta("schema", "2"))
	v, err = db.GetMeta("schema")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
	assert.Contains(t, db.Path(), "calls.db")
}
