// Package policy models per-user visibility policy and resolves it, together
// with relationship state, into an access outcome. Resolution is a pure
// function of its inputs so callers may cache results safely.
package policy

import (
	"errors"
	"fmt"

	"github.com/amicus-social/amicus/pkg/pair"
)

// Level is a visibility level. Levels are ordered by permissiveness, so the
// more restrictive of two levels is the numerically smaller one. The values
// are part of the persisted representation and must not be renumbered.
type Level int

const (
	// LevelUnspecified marks an absent per-resource override.
	LevelUnspecified Level = 0

	// LevelPrivate is visible to the owner only.
	LevelPrivate Level = 10

	// LevelFriendsOnly is visible to the owner and confirmed friends.
	LevelFriendsOnly Level = 20

	// LevelPublic is visible to everyone who is not blocked.
	LevelPublic Level = 30
)

func (l Level) String() string {
	switch l {
	case LevelUnspecified:
		return "unspecified"
	case LevelPrivate:
		return "private"
	case LevelFriendsOnly:
		return "friends_only"
	case LevelPublic:
		return "public"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Valid reports whether l is a concrete visibility level.
func (l Level) Valid() bool {
	switch l {
	case LevelPrivate, LevelFriendsOnly, LevelPublic:
		return true
	default:
		return false
	}
}

// ResourceClass names a class of user-owned resources that carries its own
// visibility policy.
type ResourceClass string

const (
	ResourceClassProfile      ResourceClass = "profile"
	ResourceClassPublications ResourceClass = "publications"
	// ResourceClassComments resolves against the policy of the user who owns
	// the publication the comment is attached to, not the comment author.
	ResourceClassComments   ResourceClass = "comments"
	ResourceClassFriendList ResourceClass = "friend_list"
)

// ResourceClasses lists every defined resource class.
func ResourceClasses() []ResourceClass {
	return []ResourceClass{
		ResourceClassProfile,
		ResourceClassPublications,
		ResourceClassComments,
		ResourceClassFriendList,
	}
}

// Valid reports whether c is a defined resource class.
func (c ResourceClass) Valid() bool {
	switch c {
	case ResourceClassProfile, ResourceClassPublications, ResourceClassComments, ResourceClassFriendList:
		return true
	default:
		return false
	}
}

// DefaultLevel is the visibility applied when a user never configured a
// policy for a class. New accounts start private.
const DefaultLevel = LevelPrivate

// ErrPolicyMisconfiguration is returned when a per-resource override would
// widen the owner's class-level policy. Overrides may only narrow.
var ErrPolicyMisconfiguration = errors.New("resource override is less restrictive than the class policy")

// ValidateOverride rejects an override that is wider than the class policy.
// It is evaluated when the override is written, never on the read path.
func ValidateOverride(classPolicy, override Level) error {
	if override == LevelUnspecified {
		return nil
	}
	if !override.Valid() {
		return fmt.Errorf("override %s: %w", override, ErrPolicyMisconfiguration)
	}
	if override > classPolicy {
		return fmt.Errorf("override %s widens class policy %s: %w", override, classPolicy, ErrPolicyMisconfiguration)
	}
	return nil
}

// Effective combines the class policy with an optional per-resource
// override. The most restrictive level wins, so a stale widening override
// can never grant more access than the class policy allows.
func Effective(classPolicy, override Level) Level {
	if !classPolicy.Valid() {
		classPolicy = DefaultLevel
	}
	if override == LevelUnspecified || !override.Valid() {
		return classPolicy
	}
	if override < classPolicy {
		return override
	}
	return classPolicy
}

// Outcome is the result of resolving a policy against relationship state.
type Outcome int

const (
	// OutcomeDeny denies access outright.
	OutcomeDeny Outcome = iota

	// OutcomePublicOK allows access because the effective policy is public.
	OutcomePublicOK

	// OutcomeFriendsAllowed allows access because the effective policy
	// requires friendship and the viewer is a friend (or the owner).
	OutcomeFriendsAllowed

	// OutcomeFriendsRequired denies access because the effective policy
	// requires friendship and the viewer is not a friend.
	OutcomeFriendsRequired

	// OutcomeOwnerAllowed allows access because the viewer owns the
	// resource. Owners always see their own resources.
	OutcomeOwnerAllowed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeny:
		return "deny"
	case OutcomePublicOK:
		return "public_ok"
	case OutcomeFriendsAllowed:
		return "friends_allowed"
	case OutcomeFriendsRequired:
		return "friends_required"
	case OutcomeOwnerAllowed:
		return "owner_allowed"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Allowed reports whether the outcome grants access.
func (o Outcome) Allowed() bool {
	return o == OutcomePublicOK || o == OutcomeFriendsAllowed || o == OutcomeOwnerAllowed
}

// Resolve evaluates the owner's class policy, an optional per-resource
// override, and the relationship status between viewer and owner into an
// Outcome. The rules, in order:
//
//  1. A blocked edge, in either direction, denies before any policy check.
//  2. The effective policy is the more restrictive of class policy and
//     override.
//  3. Private denies unless the viewer is the owner.
//  4. Friends-only allows iff the viewer is a friend or the owner.
//  5. Public allows.
//
// Resolve has no hidden state.
func Resolve(classPolicy, override Level, status pair.EdgeStatus, viewerIsOwner bool) Outcome {
	if status == pair.StatusBlocked {
		return OutcomeDeny
	}

	if viewerIsOwner {
		return OutcomeOwnerAllowed
	}

	switch Effective(classPolicy, override) {
	case LevelPrivate:
		return OutcomeDeny
	case LevelFriendsOnly:
		if status == pair.StatusFriends {
			return OutcomeFriendsAllowed
		}
		return OutcomeFriendsRequired
	case LevelPublic:
		return OutcomePublicOK
	default:
		return OutcomeDeny
	}
}
