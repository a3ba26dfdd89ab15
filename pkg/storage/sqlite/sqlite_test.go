package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amicus-social/amicus/pkg/pair"
	"github.com/amicus-social/amicus/pkg/policy"
	"github.com/amicus-social/amicus/pkg/storage"
	"github.com/amicus-social/amicus/pkg/storage/sqlcommon"
)

const testSchema = `
CREATE TABLE relationship_edges (
    lower_user_id  TEXT    NOT NULL,
    higher_user_id TEXT    NOT NULL,
    status         INTEGER NOT NULL,
    actor_user_id  TEXT    NOT NULL,
    version        INTEGER NOT NULL,
    ulid           TEXT    NOT NULL,
    inserted_at    TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL,
    PRIMARY KEY (lower_user_id, higher_user_id)
);

CREATE TABLE relationship_changes (
    ulid           TEXT PRIMARY KEY,
    lower_user_id  TEXT    NOT NULL,
    higher_user_id TEXT    NOT NULL,
    status         INTEGER NOT NULL,
    actor_user_id  TEXT    NOT NULL,
    version        INTEGER NOT NULL,
    changed_at     TIMESTAMP NOT NULL
);

CREATE TABLE users (
    user_id    TEXT PRIMARY KEY,
    policies   TEXT    NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

func newTestDatastore(t *testing.T) *Datastore {
	t.Helper()

	uri := filepath.Join(t.TempDir(), "amicus.db")
	ds, err := New(uri, sqlcommon.NewConfig())
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	_, err = ds.db.ExecContext(context.Background(), testSchema)
	require.NoError(t, err)

	return ds
}

func putEdge(t *testing.T, ds *Datastore, a, b pair.UserID, status pair.EdgeStatus, actor pair.UserID) storage.EdgeRecord {
	t.Helper()

	ctx := context.Background()
	current, err := ds.GetEdge(ctx, pair.MustNew(a, b))
	require.NoError(t, err)

	stored, err := ds.PutEdge(ctx, current.WithStatus(status, actor))
	require.NoError(t, err)
	return stored
}

func TestPrepareDSN(t *testing.T) {
	dsn, err := PrepareDSN("amicus.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "journal_mode%28WAL%29")
	require.Contains(t, dsn, "busy_timeout%28100%29")
	require.Contains(t, dsn, "_txlock=immediate")

	dsn, err = PrepareDSN("amicus.db?_pragma=journal_mode%28DELETE%29")
	require.NoError(t, err)
	require.Contains(t, dsn, "journal_mode%28DELETE%29")
	require.NotContains(t, dsn, "journal_mode%28WAL%29")
}

func TestEdgeRoundtrip(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	p := pair.MustNew("anne", "bob")

	absent, err := ds.GetEdge(ctx, p)
	require.NoError(t, err)
	require.True(t, absent.IsZero())

	stored := putEdge(t, ds, "anne", "bob", pair.StatusPending, "anne")
	require.Equal(t, int64(1), stored.Version)
	require.NotEmpty(t, stored.Ulid)

	got, err := ds.GetEdge(ctx, p)
	require.NoError(t, err)
	require.Equal(t, stored.Version, got.Version)
	require.Equal(t, pair.StatusPending, got.Status)
	require.Equal(t, pair.UserID("anne"), got.Actor)
}

func TestPutEdgeVersionConflict(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	p := pair.MustNew("anne", "bob")
	stale, err := ds.GetEdge(ctx, p)
	require.NoError(t, err)

	_, err = ds.PutEdge(ctx, stale.WithStatus(pair.StatusBlocked, "bob"))
	require.NoError(t, err)

	// Insert race: both writers read version 0.
	_, err = ds.PutEdge(ctx, stale.WithStatus(pair.StatusPending, "anne"))
	require.ErrorIs(t, err, storage.ErrEdgeVersionConflict)

	// Update race: stale version 1 after the edge moved to version 2.
	current, err := ds.GetEdge(ctx, p)
	require.NoError(t, err)
	_, err = ds.PutEdge(ctx, current.WithStatus(pair.StatusNone, "bob"))
	require.NoError(t, err)

	_, err = ds.PutEdge(ctx, current.WithStatus(pair.StatusPending, "anne"))
	require.ErrorIs(t, err, storage.ErrEdgeVersionConflict)
}

func TestReadFriendsAscending(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	putEdge(t, ds, "anne", "zoe", pair.StatusFriends, "anne")
	putEdge(t, ds, "anne", "bob", pair.StatusFriends, "bob")
	putEdge(t, ds, "anne", "charlie", pair.StatusPending, "anne")

	iter, err := ds.ReadFriends(ctx, "anne")
	require.NoError(t, err)
	defer iter.Stop()

	var friends []pair.UserID
	for {
		id, err := iter.Next(ctx)
		if err != nil {
			require.ErrorIs(t, err, storage.ErrIteratorDone)
			break
		}
		friends = append(friends, id)
	}
	require.Equal(t, []pair.UserID{"bob", "zoe"}, friends)
}

func TestReadChangesPagination(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	putEdge(t, ds, "anne", "bob", pair.StatusPending, "anne")
	putEdge(t, ds, "anne", "bob", pair.StatusFriends, "bob")
	putEdge(t, ds, "anne", "charlie", pair.StatusPending, "anne")

	page, token, err := ds.ReadChanges(ctx, storage.ReadChangesOptions{
		Pagination: storage.NewPaginationOptions(2, ""),
	})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotEmpty(t, token)
	require.Less(t, page[0].Ulid, page[1].Ulid)

	rest, _, err := ds.ReadChanges(ctx, storage.ReadChangesOptions{
		Pagination: storage.NewPaginationOptions(2, token),
	})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, pair.MustNew("anne", "charlie"), rest[0].Record.Pair)

	_, _, err = ds.ReadChanges(ctx, storage.ReadChangesOptions{
		Pagination: storage.NewPaginationOptions(2, "garbage"),
	})
	require.ErrorIs(t, err, storage.ErrInvalidContinuationToken)
}

func TestSubscribersNotifiedAfterCommit(t *testing.T) {
	ds := newTestDatastore(t)

	var seen []storage.EdgeChange
	ds.Subscribe(func(change storage.EdgeChange) {
		seen = append(seen, change)
	})

	stored := putEdge(t, ds, "anne", "bob", pair.StatusPending, "anne")
	require.Len(t, seen, 1)
	require.Equal(t, stored.Ulid, seen[0].Ulid)
}

func TestUserRoundtripAndDelete(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	_, err := ds.GetUser(ctx, "anne")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, ds.WriteUser(ctx, storage.UserRecord{
		ID: "anne",
		Policies: map[policy.ResourceClass]policy.Level{
			policy.ResourceClassProfile: policy.LevelPublic,
		},
	}))

	user, err := ds.GetUser(ctx, "anne")
	require.NoError(t, err)
	require.Equal(t, policy.LevelPublic, user.PolicyForClass(policy.ResourceClassProfile))
	require.Equal(t, policy.DefaultLevel, user.PolicyForClass(policy.ResourceClassComments))

	putEdge(t, ds, "anne", "bob", pair.StatusFriends, "anne")

	require.NoError(t, ds.DeleteUser(ctx, "anne"))

	_, err = ds.GetUser(ctx, "anne")
	require.ErrorIs(t, err, storage.ErrNotFound)

	rec, err := ds.GetEdge(ctx, pair.MustNew("anne", "bob"))
	require.NoError(t, err)
	require.Equal(t, pair.StatusNone, rec.Status)
	require.NotZero(t, rec.Version)

	require.ErrorIs(t, ds.DeleteUser(ctx, "anne"), storage.ErrNotFound)
}

func TestIsReady(t *testing.T) {
	ds := newTestDatastore(t)

	status, err := ds.IsReady(context.Background())
	require.NoError(t, err)
	require.True(t, status.IsReady)
}
