// Package authz is the access decision engine: it combines relationship
// state from the graph query engine with the owner's visibility policy and
// produces an allow/deny verdict for every read path.
package authz

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/amicus-social/amicus/internal/concurrency"
	"github.com/amicus-social/amicus/pkg/graph"
	"github.com/amicus-social/amicus/pkg/logger"
	"github.com/amicus-social/amicus/pkg/pair"
	"github.com/amicus-social/amicus/pkg/policy"
	"github.com/amicus-social/amicus/pkg/storage"
)

var tracer = otel.Tracer("amicus/pkg/authz")

// Reason explains an access decision.
type Reason string

const (
	ReasonSelfAccess          Reason = "self_access"
	ReasonBlocked             Reason = "blocked"
	ReasonPolicyPublic        Reason = "policy_public"
	ReasonPolicyFriendsMet    Reason = "policy_friends_required_met"
	ReasonPolicyFriendsUnmet  Reason = "policy_friends_required_unmet"
	ReasonPolicyPrivateDenied Reason = "policy_private_denied"

	// ReasonDenied is the generic denial used when the target does not
	// exist. It is indistinguishable from a policy denial on purpose, so a
	// viewer cannot enumerate accounts or probe relationship state.
	ReasonDenied Reason = "denied"
)

// Decision is the verdict of an authorization check. It is a plain derived
// value: denials are never modeled as errors.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow(r Reason) Decision { return Decision{Allowed: true, Reason: r} }
func deny(r Reason) Decision  { return Decision{Allowed: false, Reason: r} }

// Authorizer decides whether a viewer may see resources of an owner.
type Authorizer interface {
	// Authorize produces the verdict for viewer accessing owner's resources
	// of the given class. override narrows the owner's class policy for a
	// single resource; pass policy.LevelUnspecified when there is none.
	// Errors are reserved for infrastructure failures; a denial is a
	// Decision, not an error.
	Authorize(ctx context.Context, viewer, owner pair.UserID, class policy.ResourceClass, override policy.Level) (Decision, error)

	// Close releases resources held by the authorizer.
	Close()
}

// Engine is the stateless access decision engine. It holds no mutable
// state and is safe for unlimited concurrent use.
type Engine struct {
	graph  *graph.QueryEngine
	users  storage.UserStore
	logger logger.Logger
}

var _ Authorizer = (*Engine)(nil)

// EngineOpt configures an Engine.
type EngineOpt func(*Engine)

// WithLogger sets the decision logger. Decisions are logged at debug level.
func WithLogger(l logger.Logger) EngineOpt {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine builds an Engine from a graph query engine and a user store.
func NewEngine(g *graph.QueryEngine, users storage.UserStore, opts ...EngineOpt) *Engine {
	e := &Engine{
		graph:  g,
		users:  users,
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Authorize see [Authorizer].Authorize.
func (e *Engine) Authorize(ctx context.Context, viewer, owner pair.UserID, class policy.ResourceClass, override policy.Level) (Decision, error) {
	ctx, span := tracer.Start(ctx, "authz.Authorize")
	defer span.End()

	if err := pair.ValidateUserID(viewer); err != nil {
		return Decision{}, err
	}
	if !class.Valid() {
		return Decision{}, fmt.Errorf("unknown resource class %q", class)
	}

	if viewer == owner {
		return e.logged(viewer, owner, class, allow(ReasonSelfAccess)), nil
	}

	ownerRec, err := e.users.GetUser(ctx, owner)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Unknown owner and policy denial share one shape.
			return e.logged(viewer, owner, class, deny(ReasonDenied)), nil
		}
		return Decision{}, fmt.Errorf("read owner %s: %w", owner, err)
	}

	blocked, err := e.graph.IsBlocked(ctx, viewer, owner)
	if err != nil {
		return Decision{}, err
	}
	if blocked {
		return e.logged(viewer, owner, class, deny(ReasonBlocked)), nil
	}

	status, err := e.graph.RelationshipStatus(ctx, viewer, owner)
	if err != nil {
		return Decision{}, err
	}

	outcome := policy.Resolve(ownerRec.PolicyForClass(class), override, status, false)
	return e.logged(viewer, owner, class, decisionFromOutcome(outcome)), nil
}

// Close does not do anything for Engine.
func (e *Engine) Close() {}

func decisionFromOutcome(outcome policy.Outcome) Decision {
	switch outcome {
	case policy.OutcomePublicOK:
		return allow(ReasonPolicyPublic)
	case policy.OutcomeFriendsAllowed, policy.OutcomeOwnerAllowed:
		return allow(ReasonPolicyFriendsMet)
	case policy.OutcomeFriendsRequired:
		return deny(ReasonPolicyFriendsUnmet)
	default:
		return deny(ReasonPolicyPrivateDenied)
	}
}

func (e *Engine) logged(viewer, owner pair.UserID, class policy.ResourceClass, d Decision) Decision {
	e.logger.Debug("authorization decision",
		zap.String("viewer", string(viewer)),
		zap.String("owner", string(owner)),
		zap.String("resource_class", string(class)),
		zap.Bool("allowed", d.Allowed),
		zap.String("reason", string(d.Reason)),
	)
	return d
}

// Target identifies one resource for a batch authorization check.
type Target struct {
	Owner    pair.UserID
	Class    policy.ResourceClass
	Override policy.Level
}

// BatchAuthorize evaluates one viewer against many targets concurrently
// and returns the decisions in target order. maxParallel bounds the number
// of in-flight evaluations.
func BatchAuthorize(ctx context.Context, a Authorizer, viewer pair.UserID, targets []Target, maxParallel int) ([]Decision, error) {
	ctx, span := tracer.Start(ctx, "authz.BatchAuthorize")
	defer span.End()

	if maxParallel <= 0 {
		maxParallel = 1
	}

	decisions := make([]Decision, len(targets))
	p := concurrency.NewPool(ctx, maxParallel)
	for i, target := range targets {
		p.Go(func(ctx context.Context) error {
			d, err := a.Authorize(ctx, viewer, target.Owner, target.Class, target.Override)
			if err != nil {
				return err
			}
			decisions[i] = d
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	return decisions, nil
}
