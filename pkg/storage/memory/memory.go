// Package memory provides an ephemeral memory-backed implementation of
// [storage.Datastore]. Instances may be safely shared by multiple
// goroutines.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/amicus-social/amicus/pkg/pair"
	"github.com/amicus-social/amicus/pkg/policy"
	"github.com/amicus-social/amicus/pkg/storage"
)

var tracer = otel.Tracer("amicus/pkg/storage/memory")

// StorageOption configures a [MemoryBackend] instance.
type StorageOption func(dataStore *MemoryBackend)

// MemoryBackend provides an ephemeral memory-backed implementation of
// [storage.Datastore].
type MemoryBackend struct {
	// map: canonical pair key => edge record
	edges map[string]storage.EdgeRecord // GUARDED_BY(mutexEdges).

	// changelog of committed edge writes, in commit order
	changes []storage.EdgeChange // GUARDED_BY(mutexEdges).

	// subscribers run inside the write lock so invalidation is atomic with
	// the commit
	subscribers []storage.ChangeSubscriber // GUARDED_BY(mutexEdges).

	mutexEdges sync.RWMutex

	// map: user id => user record
	users      map[pair.UserID]storage.UserRecord // GUARDED_BY(mutexUsers).
	mutexUsers sync.RWMutex
}

// Ensures that [MemoryBackend] implements the [storage.Datastore] interface.
var _ storage.Datastore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend] given the options.
func New(opts ...StorageOption) *MemoryBackend {
	ds := &MemoryBackend{
		edges: make(map[string]storage.EdgeRecord),
		users: make(map[pair.UserID]storage.UserRecord),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// Close does not do anything for [MemoryBackend].
func (s *MemoryBackend) Close() {}

// GetEdge see [storage.RelationshipEdgeStore].GetEdge.
func (s *MemoryBackend) GetEdge(ctx context.Context, p pair.Pair) (storage.EdgeRecord, error) {
	_, span := tracer.Start(ctx, "memory.GetEdge")
	defer span.End()

	s.mutexEdges.RLock()
	defer s.mutexEdges.RUnlock()

	if rec, ok := s.edges[p.Key()]; ok {
		return rec, nil
	}

	return storage.EdgeRecord{Pair: p, Status: pair.StatusNone}, nil
}

// PutEdge see [storage.RelationshipEdgeStore].PutEdge.
func (s *MemoryBackend) PutEdge(ctx context.Context, rec storage.EdgeRecord) (storage.EdgeRecord, error) {
	_, span := tracer.Start(ctx, "memory.PutEdge")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return storage.EdgeRecord{}, storage.ErrCancelled
	}

	s.mutexEdges.Lock()
	defer s.mutexEdges.Unlock()

	return s.commitLocked(rec)
}

// commitLocked applies the versioned upsert and fans out the change while
// holding the write lock.
func (s *MemoryBackend) commitLocked(rec storage.EdgeRecord) (storage.EdgeRecord, error) {
	key := rec.Pair.Key()
	now := time.Now().UTC()

	var currentVersion int64
	insertedAt := now
	if cur, ok := s.edges[key]; ok {
		currentVersion = cur.Version
		insertedAt = cur.InsertedAt
	}

	if rec.Version != currentVersion {
		return storage.EdgeRecord{}, storage.ErrEdgeVersionConflict
	}

	stored := storage.EdgeRecord{
		Pair:       rec.Pair,
		Status:     rec.Status,
		Actor:      rec.Actor,
		Version:    currentVersion + 1,
		Ulid:       ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		InsertedAt: insertedAt,
		UpdatedAt:  now,
	}
	s.edges[key] = stored

	change := storage.EdgeChange{
		Record:    stored,
		Ulid:      stored.Ulid,
		Timestamp: now,
	}
	s.changes = append(s.changes, change)

	for _, fn := range s.subscribers {
		fn(change)
	}

	return stored, nil
}

// ReadEdges see [storage.RelationshipEdgeStore].ReadEdges.
func (s *MemoryBackend) ReadEdges(ctx context.Context, user pair.UserID) (storage.EdgeIterator, error) {
	_, span := tracer.Start(ctx, "memory.ReadEdges")
	defer span.End()

	s.mutexEdges.RLock()
	defer s.mutexEdges.RUnlock()

	var matches []storage.EdgeRecord
	for _, rec := range s.edges {
		if rec.Status != pair.StatusNone && rec.Pair.Involves(user) {
			matches = append(matches, rec)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		a, _ := matches[i].Pair.Other(user)
		b, _ := matches[j].Pair.Other(user)
		return a < b
	})

	return storage.NewStaticIterator(matches), nil
}

// ReadFriends see [storage.RelationshipEdgeStore].ReadFriends.
func (s *MemoryBackend) ReadFriends(ctx context.Context, user pair.UserID) (storage.UserIDIterator, error) {
	_, span := tracer.Start(ctx, "memory.ReadFriends")
	defer span.End()

	s.mutexEdges.RLock()
	defer s.mutexEdges.RUnlock()

	friends := storage.NewSortedSet()
	for _, rec := range s.edges {
		if rec.Status != pair.StatusFriends || !rec.Pair.Involves(user) {
			continue
		}
		if other, ok := rec.Pair.Other(user); ok {
			friends.Add(other)
		}
	}

	return storage.NewStaticIterator(friends.Values()), nil
}

// ReadChanges see [storage.RelationshipEdgeStore].ReadChanges.
func (s *MemoryBackend) ReadChanges(ctx context.Context, options storage.ReadChangesOptions) ([]storage.EdgeChange, string, error) {
	_, span := tracer.Start(ctx, "memory.ReadChanges")
	defer span.End()

	s.mutexEdges.RLock()
	defer s.mutexEdges.RUnlock()

	var from *ulid.ULID
	if options.Pagination.From != "" {
		parsed, err := ulid.Parse(options.Pagination.From)
		if err != nil {
			return nil, "", storage.ErrInvalidContinuationToken
		}
		from = &parsed
	}

	horizon := time.Now().UTC().Add(-options.HorizonOffset)

	var matches []storage.EdgeChange
	for _, change := range s.changes {
		if change.Timestamp.After(horizon) {
			break
		}
		if from != nil {
			parsed, err := ulid.Parse(change.Ulid)
			if err != nil || parsed.Compare(*from) <= 0 {
				continue
			}
		}
		matches = append(matches, change)
	}

	pageSize := storage.DefaultPageSize
	if options.Pagination.PageSize > 0 {
		pageSize = options.Pagination.PageSize
	}
	if len(matches) > pageSize {
		matches = matches[:pageSize]
	}
	if len(matches) == 0 {
		return nil, "", nil
	}

	return matches, matches[len(matches)-1].Ulid, nil
}

// TombstoneUser see [storage.RelationshipEdgeStore].TombstoneUser.
func (s *MemoryBackend) TombstoneUser(ctx context.Context, user pair.UserID) error {
	_, span := tracer.Start(ctx, "memory.TombstoneUser")
	defer span.End()

	s.mutexEdges.Lock()
	defer s.mutexEdges.Unlock()

	return s.tombstoneUserLocked(user)
}

func (s *MemoryBackend) tombstoneUserLocked(user pair.UserID) error {
	for _, rec := range s.edges {
		if rec.Status == pair.StatusNone || !rec.Pair.Involves(user) {
			continue
		}
		if _, err := s.commitLocked(rec.WithStatus(pair.StatusNone, user)); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe see [storage.RelationshipEdgeStore].Subscribe.
func (s *MemoryBackend) Subscribe(fn storage.ChangeSubscriber) {
	s.mutexEdges.Lock()
	defer s.mutexEdges.Unlock()

	s.subscribers = append(s.subscribers, fn)
}

// GetUser see [storage.UserStore].GetUser.
func (s *MemoryBackend) GetUser(ctx context.Context, id pair.UserID) (storage.UserRecord, error) {
	_, span := tracer.Start(ctx, "memory.GetUser")
	defer span.End()

	s.mutexUsers.RLock()
	defer s.mutexUsers.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return storage.UserRecord{}, storage.ErrNotFound
	}

	return copyUser(user), nil
}

// WriteUser see [storage.UserStore].WriteUser.
func (s *MemoryBackend) WriteUser(ctx context.Context, user storage.UserRecord) error {
	_, span := tracer.Start(ctx, "memory.WriteUser")
	defer span.End()

	if err := pair.ValidateUserID(user.ID); err != nil {
		return err
	}

	s.mutexUsers.Lock()
	defer s.mutexUsers.Unlock()

	now := time.Now().UTC()
	stored := copyUser(user)
	stored.UpdatedAt = now
	if existing, ok := s.users[user.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}

	s.users[user.ID] = stored
	return nil
}

// DeleteUser see [storage.UserStore].DeleteUser.
func (s *MemoryBackend) DeleteUser(ctx context.Context, id pair.UserID) error {
	_, span := tracer.Start(ctx, "memory.DeleteUser")
	defer span.End()

	s.mutexUsers.Lock()
	if _, ok := s.users[id]; !ok {
		s.mutexUsers.Unlock()
		return storage.ErrNotFound
	}
	delete(s.users, id)
	s.mutexUsers.Unlock()

	s.mutexEdges.Lock()
	defer s.mutexEdges.Unlock()

	return s.tombstoneUserLocked(id)
}

// IsReady see [storage.Datastore].IsReady.
func (s *MemoryBackend) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

func copyUser(user storage.UserRecord) storage.UserRecord {
	out := user
	out.Policies = make(map[policy.ResourceClass]policy.Level, len(user.Policies))
	for class, level := range user.Policies {
		out.Policies[class] = level
	}
	return out
}
