package relationship

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/amicus-social/amicus/pkg/pair"
	"github.com/amicus-social/amicus/pkg/storage"
	"github.com/amicus-social/amicus/pkg/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newCoordinator(t *testing.T, users ...pair.UserID) (*Coordinator, *memory.MemoryBackend) {
	t.Helper()

	ds := memory.New()
	t.Cleanup(ds.Close)

	for _, id := range users {
		require.NoError(t, ds.WriteUser(context.Background(), storage.UserRecord{ID: id}))
	}

	return NewCoordinator(ds), ds
}

func edgeStatus(t *testing.T, ds storage.RelationshipEdgeStore, a, b pair.UserID) pair.EdgeStatus {
	t.Helper()

	rec, err := ds.GetEdge(context.Background(), pair.MustNew(a, b))
	require.NoError(t, err)
	return rec.Status
}

func TestRequestAcceptLifecycle(t *testing.T) {
	c, ds := newCoordinator(t, "anne", "bob")
	ctx := context.Background()

	rec, err := c.Request(ctx, "anne", "bob")
	require.NoError(t, err)
	require.Equal(t, pair.StatusPending, rec.Status)
	require.Equal(t, pair.UserID("anne"), rec.Actor)
	require.Equal(t, int64(1), rec.Version)

	rec, err = c.Accept(ctx, "bob", "anne")
	require.NoError(t, err)
	require.Equal(t, pair.StatusFriends, rec.Status)
	require.Equal(t, int64(2), rec.Version)

	require.Equal(t, pair.StatusFriends, edgeStatus(t, ds, "anne", "bob"))
}

func TestRequesterCannotAcceptOwnRequest(t *testing.T) {
	c, _ := newCoordinator(t, "anne", "bob")
	ctx := context.Background()

	_, err := c.Request(ctx, "anne", "bob")
	require.NoError(t, err)

	_, err = c.Accept(ctx, "anne", "bob")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDeclineByEitherParty(t *testing.T) {
	var testCases = map[string]struct {
		decliner pair.UserID
		other    pair.UserID
	}{
		"recipient_declines": {decliner: "bob", other: "anne"},
		"requester_cancels":  {decliner: "anne", other: "bob"},
	}

	for name, test := range testCases {
		t.Run(name, func(t *testing.T) {
			c, ds := newCoordinator(t, "anne", "bob")
			ctx := context.Background()

			_, err := c.Request(ctx, "anne", "bob")
			require.NoError(t, err)

			rec, err := c.Decline(ctx, test.decliner, test.other)
			require.NoError(t, err)
			require.Equal(t, pair.StatusNone, rec.Status)
			require.Equal(t, pair.StatusNone, edgeStatus(t, ds, "anne", "bob"))
		})
	}
}

func TestUnfriend(t *testing.T) {
	c, ds := newCoordinator(t, "anne", "bob")
	ctx := context.Background()

	_, err := c.Request(ctx, "anne", "bob")
	require.NoError(t, err)
	_, err = c.Accept(ctx, "bob", "anne")
	require.NoError(t, err)

	rec, err := c.Unfriend(ctx, "bob", "anne")
	require.NoError(t, err)
	require.Equal(t, pair.StatusNone, rec.Status)
	require.NotZero(t, rec.Version, "unfriend tombstones, it never deletes")

	// The pair can start over.
	rec, err = c.Request(ctx, "bob", "anne")
	require.NoError(t, err)
	require.Equal(t, pair.StatusPending, rec.Status)
	require.Equal(t, pair.UserID("bob"), rec.Actor)
	require.Equal(t, pair.StatusPending, edgeStatus(t, ds, "anne", "bob"))
}

func TestInvalidTransitions(t *testing.T) {
	var testCases = map[string]struct {
		setup func(t *testing.T, c *Coordinator)
		act   func(c *Coordinator) error
	}{
		"request_while_pending": {
			setup: func(t *testing.T, c *Coordinator) {
				_, err := c.Request(context.Background(), "anne", "bob")
				require.NoError(t, err)
			},
			act: func(c *Coordinator) error {
				_, err := c.Request(context.Background(), "bob", "anne")
				return err
			},
		},
		"accept_without_request": {
			act: func(c *Coordinator) error {
				_, err := c.Accept(context.Background(), "bob", "anne")
				return err
			},
		},
		"decline_without_request": {
			act: func(c *Coordinator) error {
				_, err := c.Decline(context.Background(), "bob", "anne")
				return err
			},
		},
		"unfriend_without_friendship": {
			act: func(c *Coordinator) error {
				_, err := c.Unfriend(context.Background(), "anne", "bob")
				return err
			},
		},
		"unblock_without_block": {
			act: func(c *Coordinator) error {
				_, err := c.Unblock(context.Background(), "anne", "bob")
				return err
			},
		},
		"request_self": {
			act: func(c *Coordinator) error {
				_, err := c.Request(context.Background(), "anne", "anne")
				return err
			},
		},
	}

	for name, test := range testCases {
		t.Run(name, func(t *testing.T) {
			c, _ := newCoordinator(t, "anne", "bob")
			if test.setup != nil {
				test.setup(t, c)
			}
			require.ErrorIs(t, test.act(c), ErrInvalidTransition)
		})
	}
}

func TestBlockFromAnyState(t *testing.T) {
	var testCases = map[string]struct {
		setup func(t *testing.T, c *Coordinator)
	}{
		"from_none": {},
		"from_pending": {
			setup: func(t *testing.T, c *Coordinator) {
				_, err := c.Request(context.Background(), "bob", "anne")
				require.NoError(t, err)
			},
		},
		"from_friends": {
			setup: func(t *testing.T, c *Coordinator) {
				ctx := context.Background()
				_, err := c.Request(ctx, "bob", "anne")
				require.NoError(t, err)
				_, err = c.Accept(ctx, "anne", "bob")
				require.NoError(t, err)
			},
		},
	}

	for name, test := range testCases {
		t.Run(name, func(t *testing.T) {
			c, ds := newCoordinator(t, "anne", "bob")
			if test.setup != nil {
				test.setup(t, c)
			}

			rec, err := c.Block(context.Background(), "anne", "bob")
			require.NoError(t, err)
			require.Equal(t, pair.StatusBlocked, rec.Status)
			require.Equal(t, pair.UserID("anne"), rec.Actor)
			require.Equal(t, pair.StatusBlocked, edgeStatus(t, ds, "anne", "bob"))
		})
	}
}

func TestBlockIdempotentForSameActor(t *testing.T) {
	c, _ := newCoordinator(t, "anne", "bob")
	ctx := context.Background()

	first, err := c.Block(ctx, "anne", "bob")
	require.NoError(t, err)

	second, err := c.Block(ctx, "anne", "bob")
	require.NoError(t, err)
	require.Equal(t, first.Version, second.Version, "repeated block must not write")
}

func TestBlockByOtherSideWhileBlocked(t *testing.T) {
	c, _ := newCoordinator(t, "anne", "bob")
	ctx := context.Background()

	_, err := c.Block(ctx, "anne", "bob")
	require.NoError(t, err)

	_, err = c.Block(ctx, "bob", "anne")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOnlyBlockerUnblocks(t *testing.T) {
	c, ds := newCoordinator(t, "anne", "bob")
	ctx := context.Background()

	_, err := c.Block(ctx, "anne", "bob")
	require.NoError(t, err)

	_, err = c.Unblock(ctx, "bob", "anne")
	require.ErrorIs(t, err, ErrInvalidTransition)

	rec, err := c.Unblock(ctx, "anne", "bob")
	require.NoError(t, err)
	require.Equal(t, pair.StatusNone, rec.Status)
	require.Equal(t, pair.StatusNone, edgeStatus(t, ds, "anne", "bob"))
}

func TestBlockedPairCannotTransitionOtherwise(t *testing.T) {
	c, _ := newCoordinator(t, "anne", "bob")
	ctx := context.Background()

	_, err := c.Block(ctx, "anne", "bob")
	require.NoError(t, err)

	_, err = c.Request(ctx, "bob", "anne")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = c.Unfriend(ctx, "bob", "anne")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUnknownUserRejected(t *testing.T) {
	c, _ := newCoordinator(t, "anne")
	ctx := context.Background()

	_, err := c.Request(ctx, "anne", "ghost")
	require.ErrorIs(t, err, ErrUnknownUser)

	_, err = c.Request(ctx, "ghost", "anne")
	require.ErrorIs(t, err, ErrUnknownUser)
}

// interferingStore wedges a concurrent write between the coordinator's read
// and its commit, failing the first n CAS attempts.
type interferingStore struct {
	*memory.MemoryBackend
	remaining int
	interfere func()
}

func (s *interferingStore) PutEdge(ctx context.Context, rec storage.EdgeRecord) (storage.EdgeRecord, error) {
	if s.remaining > 0 {
		s.remaining--
		s.interfere()
	}
	return s.MemoryBackend.PutEdge(ctx, rec)
}

func TestTransitionRetriesOnceOnConflict(t *testing.T) {
	ds := memory.New()
	t.Cleanup(ds.Close)
	ctx := context.Background()

	for _, id := range []pair.UserID{"anne", "bob"} {
		require.NoError(t, ds.WriteUser(ctx, storage.UserRecord{ID: id}))
	}

	// Another session requests and cancels between the coordinator's read
	// and commit. The retry re-reads the bumped version and succeeds.
	wedge := &interferingStore{MemoryBackend: ds, remaining: 1}
	wedge.interfere = func() {
		rec, err := ds.GetEdge(ctx, pair.MustNew("anne", "bob"))
		require.NoError(t, err)
		_, err = ds.PutEdge(ctx, rec.WithStatus(pair.StatusPending, "bob"))
		require.NoError(t, err)
		rec, err = ds.GetEdge(ctx, pair.MustNew("anne", "bob"))
		require.NoError(t, err)
		_, err = ds.PutEdge(ctx, rec.WithStatus(pair.StatusNone, "bob"))
		require.NoError(t, err)
	}

	c := NewCoordinator(wedge)
	rec, err := c.Request(ctx, "anne", "bob")
	require.NoError(t, err)
	require.Equal(t, pair.StatusPending, rec.Status)
	require.Equal(t, pair.UserID("anne"), rec.Actor)
}

func TestTransitionGivesUpAfterSecondConflict(t *testing.T) {
	ds := memory.New()
	t.Cleanup(ds.Close)
	ctx := context.Background()

	for _, id := range []pair.UserID{"anne", "bob"} {
		require.NoError(t, ds.WriteUser(ctx, storage.UserRecord{ID: id}))
	}

	wedge := &interferingStore{MemoryBackend: ds, remaining: 2}
	wedge.interfere = func() {
		rec, err := ds.GetEdge(ctx, pair.MustNew("anne", "bob"))
		require.NoError(t, err)
		_, err = ds.PutEdge(ctx, rec.WithStatus(rec.Status, "bob"))
		require.NoError(t, err)
	}

	c := NewCoordinator(wedge)
	_, err := c.Request(ctx, "anne", "bob")
	require.ErrorIs(t, err, ErrEdgeConflict)
}

func TestConcurrentAcceptAndBlockEndsBlocked(t *testing.T) {
	c, ds := newCoordinator(t, "anne", "bob")
	ctx := context.Background()

	_, err := c.Request(ctx, "anne", "bob")
	require.NoError(t, err)

	done := make(chan error, 2)
	go func() {
		_, err := c.Accept(ctx, "bob", "anne")
		done <- err
	}()
	go func() {
		_, err := c.Block(ctx, "anne", "bob")
		done <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			// The only legal failure is the accept losing to the block.
			require.ErrorIs(t, err, ErrInvalidTransition)
		}
	}

	// Block is legal from both PENDING and FRIENDS, so whichever commit
	// order the race produced, the pair ends up blocked.
	require.Equal(t, pair.StatusBlocked, edgeStatus(t, ds, "anne", "bob"))
}
