// Package pair defines the vocabulary shared by every component of the
// relationship engine: user identifiers, the canonical unordered user pair
// under which relationship edges are stored, and the edge status enum.
package pair

import (
	"errors"
	"fmt"
	"strings"
)

// pairKeySeparator joins the two ids of a canonical pair into a stable
// storage key. It is reserved and may not appear inside a user id.
const pairKeySeparator = "|"

var (
	// ErrInvalidUserID is returned when a user id is empty or contains
	// reserved characters.
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrSelfRelationship is returned when both sides of a pair refer to
	// the same user. Relationship edges exist only between distinct users.
	ErrSelfRelationship = errors.New("relationship references a single user")
)

// UserID identifies a user. Identity issuance is external to this module;
// ids are treated as opaque strings.
type UserID string

// ValidateUserID reports whether id can participate in a relationship edge.
func ValidateUserID(id UserID) error {
	if id == "" {
		return ErrInvalidUserID
	}
	if strings.Contains(string(id), pairKeySeparator) {
		return fmt.Errorf("user id %q contains a reserved character: %w", id, ErrInvalidUserID)
	}
	return nil
}

// Pair is an unordered pair of distinct user ids normalized so that
// Lower < Higher. All edge storage is keyed by the canonical pair, which
// guarantees a single edge row regardless of which side initiated it.
type Pair struct {
	Lower  UserID
	Higher UserID
}

// New canonicalizes (a, b) into a Pair. It fails if either id is invalid
// or if both ids name the same user.
func New(a, b UserID) (Pair, error) {
	if err := ValidateUserID(a); err != nil {
		return Pair{}, err
	}
	if err := ValidateUserID(b); err != nil {
		return Pair{}, err
	}
	if a == b {
		return Pair{}, fmt.Errorf("user %q: %w", a, ErrSelfRelationship)
	}

	if a < b {
		return Pair{Lower: a, Higher: b}, nil
	}
	return Pair{Lower: b, Higher: a}, nil
}

// MustNew is like New but panics on invalid input. Intended for tests and
// static fixtures.
func MustNew(a, b UserID) Pair {
	p, err := New(a, b)
	if err != nil {
		panic(err)
	}
	return p
}

// Key returns the stable storage key for the pair.
func (p Pair) Key() string {
	return string(p.Lower) + pairKeySeparator + string(p.Higher)
}

// Involves reports whether id is one of the two users of the pair.
func (p Pair) Involves(id UserID) bool {
	return p.Lower == id || p.Higher == id
}

// Other returns the user on the opposite side of the pair from id.
// The second return value is false if id is not part of the pair.
func (p Pair) Other(id UserID) (UserID, bool) {
	switch id {
	case p.Lower:
		return p.Higher, true
	case p.Higher:
		return p.Lower, true
	default:
		return "", false
	}
}

func (p Pair) String() string {
	return p.Key()
}

// EdgeStatus is the state of the relationship edge between a pair of users.
type EdgeStatus int

const (
	// StatusNone means no relationship. An absent edge row and a row that
	// transitioned back to none are equivalent for every read path.
	StatusNone EdgeStatus = iota

	// StatusPending is a friend request awaiting a response. Directional:
	// the edge actor is the requester.
	StatusPending

	// StatusFriends is an established, symmetric friendship.
	StatusFriends

	// StatusBlocked means one side blocked the other. Directional: the edge
	// actor is the blocker. Blocked dominates every visibility decision.
	StatusBlocked
)

func (s EdgeStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusPending:
		return "pending"
	case StatusFriends:
		return "friends"
	case StatusBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined edge statuses.
func (s EdgeStatus) Valid() bool {
	return s >= StatusNone && s <= StatusBlocked
}
