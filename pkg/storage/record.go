package storage

import (
	"time"

	"github.com/amicus-social/amicus/pkg/pair"
	"github.com/amicus-social/amicus/pkg/policy"
)

// EdgeRecord is the persisted relationship state between a canonical pair
// of users. There is at most one record per pair.
//
// Actor disambiguates the directional statuses: for StatusPending it is the
// requester, for StatusBlocked the blocker. For the symmetric statuses it
// records the user whose action produced the current state.
//
// Version implements optimistic concurrency. A writer submits the version
// it read (0 for an absent edge) and the store bumps it by one on commit.
// Edges are never hard-deleted; a transition back to StatusNone keeps the
// row, and its version, so retries and audits stay well-defined.
type EdgeRecord struct {
	Pair       pair.Pair
	Status     pair.EdgeStatus
	Actor      pair.UserID
	Version    int64
	Ulid       string
	InsertedAt time.Time
	UpdatedAt  time.Time
}

// IsZero reports whether the record represents an absent edge.
func (r EdgeRecord) IsZero() bool {
	return r.Version == 0 && r.Status == pair.StatusNone
}

// WithStatus derives the successor record a writer submits to PutEdge:
// same pair and version (the CAS expectation), new status and actor.
func (r EdgeRecord) WithStatus(status pair.EdgeStatus, actor pair.UserID) EdgeRecord {
	return EdgeRecord{
		Pair:    r.Pair,
		Status:  status,
		Actor:   actor,
		Version: r.Version,
	}
}

// EdgeChange is a changelog entry recorded for every committed edge write,
// ordered by ULID.
type EdgeChange struct {
	Record    EdgeRecord
	Ulid      string
	Timestamp time.Time
}

// ChangeSubscriber receives committed edge changes. Subscribers run
// synchronously with the commit so that decision caches never observe a
// stale allow after a block; they must be fast and must not call back into
// the store.
type ChangeSubscriber func(EdgeChange)

// UserRecord is the persisted per-user state this module reads: the
// visibility policy for each resource class. Display attributes live with
// the excluded web layer.
type UserRecord struct {
	ID        pair.UserID
	Policies  map[policy.ResourceClass]policy.Level
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PolicyForClass returns the user's configured level for class, falling
// back to the default for unconfigured classes.
func (u UserRecord) PolicyForClass(class policy.ResourceClass) policy.Level {
	if l, ok := u.Policies[class]; ok && l.Valid() {
		return l
	}
	return policy.DefaultLevel
}
