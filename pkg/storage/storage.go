// Package storage contains storage interfaces and implementations for the
// relationship engine.
package storage

import (
	"context"
	"time"

	"github.com/amicus-social/amicus/pkg/pair"
)

// DefaultPageSize is used by paginated reads when the caller does not
// specify a page size.
const DefaultPageSize = 50

// PaginationOptions bound a paginated read.
type PaginationOptions struct {
	PageSize int
	From     string
}

// NewPaginationOptions fills in the default page size.
func NewPaginationOptions(ps int32, contToken string) PaginationOptions {
	pageSize := DefaultPageSize
	if ps != 0 {
		pageSize = int(ps)
	}

	return PaginationOptions{
		PageSize: pageSize,
		From:     contToken,
	}
}

// ReadChangesOptions bound a changelog read.
type ReadChangesOptions struct {
	Pagination PaginationOptions

	// HorizonOffset hides changes newer than now-offset, leaving room for
	// in-flight writes to land before consumers observe the log.
	HorizonOffset time.Duration
}

// RelationshipEdgeStore holds the relationship edge between every pair of
// users that ever interacted. It exclusively owns edge state.
type RelationshipEdgeStore interface {
	// GetEdge returns the edge stored for the canonical pair. An absent
	// edge is reported as a zero-version record with StatusNone, never as
	// an error.
	GetEdge(ctx context.Context, p pair.Pair) (EdgeRecord, error)

	// PutEdge commits rec, expecting rec.Version to match the currently
	// stored version (0 for an absent edge). On success it returns the
	// stored record with the bumped version and fresh timestamps. If a
	// concurrent writer advanced the edge first it fails with
	// ErrEdgeVersionConflict. Committed writes are appended to the
	// changelog and fanned out to subscribers before PutEdge returns.
	PutEdge(ctx context.Context, rec EdgeRecord) (EdgeRecord, error)

	// ReadEdges returns an iterator over every non-none edge that involves
	// user, in ascending order of the other user's id.
	ReadEdges(ctx context.Context, user pair.UserID) (EdgeIterator, error)

	// ReadFriends returns an iterator over the ids of user's confirmed
	// friends in ascending id order.
	ReadFriends(ctx context.Context, user pair.UserID) (UserIDIterator, error)

	// ReadChanges returns committed edge changes ordered by ULID, plus a
	// continuation token for the next page.
	ReadChanges(ctx context.Context, options ReadChangesOptions) ([]EdgeChange, string, error)

	// TombstoneUser transitions every edge involving user back to
	// StatusNone. Used when an account is deleted; the rows survive as
	// tombstones.
	TombstoneUser(ctx context.Context, user pair.UserID) error

	// Subscribe registers fn to run synchronously with every committed edge
	// write. See ChangeSubscriber for constraints.
	Subscribe(fn ChangeSubscriber)
}

// UserStore reads and writes the per-user visibility policy this module
// consumes. User registration and profile data live elsewhere.
type UserStore interface {
	// GetUser returns the stored user, or ErrNotFound.
	GetUser(ctx context.Context, id pair.UserID) (UserRecord, error)

	// WriteUser upserts the user's policy record.
	WriteUser(ctx context.Context, user UserRecord) error

	// DeleteUser removes the user and tombstones every relationship edge
	// referencing it.
	DeleteUser(ctx context.Context, id pair.UserID) error
}

// ReadinessStatus represents the readiness status of the datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string

	IsReady bool
}

// Datastore is the full persistence surface of the relationship engine.
type Datastore interface {
	RelationshipEdgeStore
	UserStore

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the datastore and cleans up any residual resources.
	Close()
}
