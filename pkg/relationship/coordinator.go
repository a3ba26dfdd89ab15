// Package relationship serializes relationship state transitions: friend
// requests, accepts, declines, unfriending, blocking and unblocking. The
// coordinator enforces the state machine and resolves concurrent writes on
// the same pair through the store's optimistic version check.
//
// The state machine:
//
//	NONE            --request-->  PENDING(requester)
//	PENDING(A->B)   --accept(B)-> FRIENDS
//	PENDING(A->B)   --decline-->  NONE        (either party; requester = cancel)
//	FRIENDS         --unfriend--> NONE        (either party)
//	any             --block------>BLOCKED(blocker)
//	BLOCKED(A)      --unblock(A)->NONE
//
// Blocked always wins: when a block races any other transition, the losing
// writer retries against the post-block state and fails with
// ErrInvalidTransition.
package relationship

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/amicus-social/amicus/pkg/logger"
	"github.com/amicus-social/amicus/pkg/pair"
	"github.com/amicus-social/amicus/pkg/storage"
)

var tracer = otel.Tracer("amicus/pkg/relationship")

// action is a relationship state transition requested by one of the two
// users of a pair.
type action int

const (
	actionRequest action = iota
	actionAccept
	actionDecline
	actionUnfriend
	actionBlock
	actionUnblock
)

func (a action) String() string {
	switch a {
	case actionRequest:
		return "request"
	case actionAccept:
		return "accept"
	case actionDecline:
		return "decline"
	case actionUnfriend:
		return "unfriend"
	case actionBlock:
		return "block"
	case actionUnblock:
		return "unblock"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// Coordinator validates and commits relationship transitions. Instances
// may be safely shared by multiple goroutines; writes on the same pair are
// serialized by the store's version check, not by locks held here.
type Coordinator struct {
	store  storage.Datastore
	logger logger.Logger
}

// CoordinatorOpt configures a Coordinator.
type CoordinatorOpt func(*Coordinator)

// WithLogger sets the logger for committed transitions.
func WithLogger(l logger.Logger) CoordinatorOpt {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// NewCoordinator creates a Coordinator backed by store.
func NewCoordinator(store storage.Datastore, opts ...CoordinatorOpt) *Coordinator {
	c := &Coordinator{
		store:  store,
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Request sends a friend request from actor to other.
func (c *Coordinator) Request(ctx context.Context, actor, other pair.UserID) (storage.EdgeRecord, error) {
	return c.transition(ctx, actor, other, actionRequest)
}

// Accept confirms a pending friend request sent to actor.
func (c *Coordinator) Accept(ctx context.Context, actor, other pair.UserID) (storage.EdgeRecord, error) {
	return c.transition(ctx, actor, other, actionAccept)
}

// Decline rejects a pending friend request. Called by the requester it
// cancels the request; either party may decline.
func (c *Coordinator) Decline(ctx context.Context, actor, other pair.UserID) (storage.EdgeRecord, error) {
	return c.transition(ctx, actor, other, actionDecline)
}

// Unfriend dissolves an established friendship. Either party may unfriend.
func (c *Coordinator) Unfriend(ctx context.Context, actor, other pair.UserID) (storage.EdgeRecord, error) {
	return c.transition(ctx, actor, other, actionUnfriend)
}

// Block blocks other on behalf of actor. Blocking is legal from any state
// and supersedes it; repeating a block is a no-op returning the current
// edge.
func (c *Coordinator) Block(ctx context.Context, actor, other pair.UserID) (storage.EdgeRecord, error) {
	return c.transition(ctx, actor, other, actionBlock)
}

// Unblock lifts a block previously placed by actor. Only the blocker may
// unblock.
func (c *Coordinator) Unblock(ctx context.Context, actor, other pair.UserID) (storage.EdgeRecord, error) {
	return c.transition(ctx, actor, other, actionUnblock)
}

// transition runs the read-validate-commit cycle for one action. A write
// that loses the optimistic version check is retried exactly once against
// the refreshed state; a second loss surfaces ErrEdgeConflict.
func (c *Coordinator) transition(ctx context.Context, actor, other pair.UserID, act action) (storage.EdgeRecord, error) {
	ctx, span := tracer.Start(ctx, "relationship."+act.String())
	defer span.End()

	p, err := pair.New(actor, other)
	if err != nil {
		if errors.Is(err, pair.ErrSelfRelationship) {
			return storage.EdgeRecord{}, fmt.Errorf("%s targeting self: %w", act, ErrInvalidTransition)
		}
		return storage.EdgeRecord{}, err
	}

	if err := c.checkUsers(ctx, actor, other); err != nil {
		return storage.EdgeRecord{}, err
	}

	const attempts = 2
	for attempt := 0; attempt < attempts; attempt++ {
		current, err := c.store.GetEdge(ctx, p)
		if err != nil {
			return storage.EdgeRecord{}, fmt.Errorf("read edge %s: %w", p, err)
		}

		next, commit, err := nextState(current, act, actor)
		if err != nil {
			return storage.EdgeRecord{}, err
		}
		if !commit {
			// Idempotent no-op, e.g. repeating an existing block.
			return current, nil
		}

		stored, err := c.store.PutEdge(ctx, next)
		if err != nil {
			if errors.Is(err, storage.ErrEdgeVersionConflict) {
				continue
			}
			return storage.EdgeRecord{}, fmt.Errorf("commit %s on %s: %w", act, p, err)
		}

		c.logger.Info("relationship transition",
			zap.String("action", act.String()),
			zap.String("actor", string(actor)),
			zap.String("pair", p.Key()),
			zap.String("status", stored.Status.String()),
			zap.Int64("version", stored.Version),
		)
		return stored, nil
	}

	return storage.EdgeRecord{}, fmt.Errorf("%s on %s: %w", act, p, ErrEdgeConflict)
}

func (c *Coordinator) checkUsers(ctx context.Context, ids ...pair.UserID) error {
	for _, id := range ids {
		if _, err := c.store.GetUser(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("user %s: %w", id, ErrUnknownUser)
			}
			return fmt.Errorf("read user %s: %w", id, err)
		}
	}
	return nil
}

// nextState applies the transition table to the current edge. It returns
// the successor record and whether a commit is needed; commit == false
// means the action is an idempotent no-op.
func nextState(current storage.EdgeRecord, act action, actor pair.UserID) (storage.EdgeRecord, bool, error) {
	illegal := func() (storage.EdgeRecord, bool, error) {
		return storage.EdgeRecord{}, false, fmt.Errorf("%s from %s: %w", act, current.Status, ErrInvalidTransition)
	}

	switch act {
	case actionRequest:
		if current.Status != pair.StatusNone {
			return illegal()
		}
		return current.WithStatus(pair.StatusPending, actor), true, nil

	case actionAccept:
		if current.Status != pair.StatusPending || current.Actor == actor {
			return illegal()
		}
		return current.WithStatus(pair.StatusFriends, actor), true, nil

	case actionDecline:
		if current.Status != pair.StatusPending {
			return illegal()
		}
		return current.WithStatus(pair.StatusNone, actor), true, nil

	case actionUnfriend:
		if current.Status != pair.StatusFriends {
			return illegal()
		}
		return current.WithStatus(pair.StatusNone, actor), true, nil

	case actionBlock:
		if current.Status == pair.StatusBlocked {
			if current.Actor == actor {
				return current, false, nil
			}
			return illegal()
		}
		return current.WithStatus(pair.StatusBlocked, actor), true, nil

	case actionUnblock:
		if current.Status != pair.StatusBlocked || current.Actor != actor {
			return illegal()
		}
		return current.WithStatus(pair.StatusNone, actor), true, nil

	default:
		return illegal()
	}
}
