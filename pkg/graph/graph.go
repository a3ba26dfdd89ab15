// Package graph answers relationship-derived queries over the edge store:
// relationship status, block checks, mutual friends, and friend listings.
// Every query is read-only and safe to run concurrently; traversal depth is
// capped at direct friendship, except mutual friends which intersects two
// direct friend sets and never recurses deeper.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"

	"github.com/amicus-social/amicus/pkg/logger"
	"github.com/amicus-social/amicus/pkg/pair"
	"github.com/amicus-social/amicus/pkg/storage"
)

var tracer = otel.Tracer("amicus/pkg/graph")

// QueryEngine evaluates relationship queries against a
// [storage.RelationshipEdgeStore]. Instances hold no mutable state and may
// be shared by any number of goroutines.
type QueryEngine struct {
	store  storage.RelationshipEdgeStore
	logger logger.Logger
}

// QueryEngineOpt configures a QueryEngine.
type QueryEngineOpt func(*QueryEngine)

// WithLogger sets the logger for the query engine.
func WithLogger(l logger.Logger) QueryEngineOpt {
	return func(e *QueryEngine) {
		e.logger = l
	}
}

// NewQueryEngine creates a QueryEngine backed by store.
func NewQueryEngine(store storage.RelationshipEdgeStore, opts ...QueryEngineOpt) *QueryEngine {
	e := &QueryEngine{
		store:  store,
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// RelationshipStatus returns the edge status between a and b. The result is
// independent of argument order.
func (e *QueryEngine) RelationshipStatus(ctx context.Context, a, b pair.UserID) (pair.EdgeStatus, error) {
	ctx, span := tracer.Start(ctx, "graph.RelationshipStatus")
	defer span.End()

	p, err := pair.New(a, b)
	if err != nil {
		return pair.StatusNone, err
	}

	rec, err := e.store.GetEdge(ctx, p)
	if err != nil {
		return pair.StatusNone, fmt.Errorf("read edge %s: %w", p, err)
	}

	return rec.Status, nil
}

// IsBlocked reports whether either side of the pair blocked the other.
// Every other query consults this first; no relationship computation may
// bypass it.
func (e *QueryEngine) IsBlocked(ctx context.Context, a, b pair.UserID) (bool, error) {
	status, err := e.RelationshipStatus(ctx, a, b)
	if err != nil {
		return false, err
	}

	return status == pair.StatusBlocked, nil
}

// MutualFriends returns an iterator over the users that are friends with
// both a and b, in ascending id order, stopping after limit ids (limit <= 0
// means no cap). The computation intersects the two direct friend sets and
// goes no deeper. A blocked pair has no visible mutual friends.
func (e *QueryEngine) MutualFriends(ctx context.Context, a, b pair.UserID, limit int) (storage.UserIDIterator, error) {
	ctx, span := tracer.Start(ctx, "graph.MutualFriends")
	defer span.End()

	blocked, err := e.IsBlocked(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if blocked {
		return storage.NewStaticIterator[pair.UserID](nil), nil
	}

	friendsOfA := storage.NewSortedSet()
	iterA, err := e.store.ReadFriends(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("read friends of %s: %w", a, err)
	}
	defer iterA.Stop()

	for {
		id, err := iterA.Next(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				break
			}
			return nil, err
		}
		friendsOfA.Add(id)
	}

	mutual := storage.NewSortedSet()
	iterB, err := e.store.ReadFriends(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("read friends of %s: %w", b, err)
	}
	defer iterB.Stop()

	for {
		id, err := iterB.Next(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				break
			}
			return nil, err
		}
		if friendsOfA.Exists(id) {
			mutual.Add(id)
		}
	}

	ids := mutual.Values()
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	return storage.NewStaticIterator(ids), nil
}

// FriendCount returns the number of confirmed friends of user.
func (e *QueryEngine) FriendCount(ctx context.Context, user pair.UserID) (int, error) {
	ctx, span := tracer.Start(ctx, "graph.FriendCount")
	defer span.End()

	iter, err := e.store.ReadFriends(ctx, user)
	if err != nil {
		return 0, err
	}
	defer iter.Stop()

	count := 0
	for {
		if _, err := iter.Next(ctx); err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				return count, nil
			}
			return 0, err
		}
		count++
	}
}

// Friends returns one page of user's confirmed friends in ascending id
// order, plus a continuation token for the next page (empty when
// exhausted).
func (e *QueryEngine) Friends(ctx context.Context, user pair.UserID, options storage.PaginationOptions) ([]pair.UserID, string, error) {
	ctx, span := tracer.Start(ctx, "graph.Friends")
	defer span.End()

	iter, err := e.store.ReadFriends(ctx, user)
	if err != nil {
		return nil, "", err
	}
	defer iter.Stop()

	var all []pair.UserID
	for {
		id, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				break
			}
			return nil, "", err
		}
		all = append(all, id)
	}

	from := 0
	if options.From != "" {
		from, err = strconv.Atoi(options.From)
		if err != nil || from < 0 {
			return nil, "", storage.ErrInvalidContinuationToken
		}
	}
	if from > len(all) {
		from = len(all)
	}

	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}

	to := from + pageSize
	if to >= len(all) {
		return all[from:], "", nil
	}

	return all[from:to], strconv.Itoa(to), nil
}
