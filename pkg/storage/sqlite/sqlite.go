// Package sqlite provides a SQLite based implementation of
// [storage.Datastore].
//
// The expected schema (provisioned by the embedding application; schema
// management is outside this module):
//
//	CREATE TABLE relationship_edges (
//	    lower_user_id  TEXT    NOT NULL,
//	    higher_user_id TEXT    NOT NULL,
//	    status         INTEGER NOT NULL,
//	    actor_user_id  TEXT    NOT NULL,
//	    version        INTEGER NOT NULL,
//	    ulid           TEXT    NOT NULL,
//	    inserted_at    TIMESTAMP NOT NULL,
//	    updated_at     TIMESTAMP NOT NULL,
//	    PRIMARY KEY (lower_user_id, higher_user_id)
//	);
//
//	CREATE TABLE relationship_changes (
//	    ulid           TEXT PRIMARY KEY,
//	    lower_user_id  TEXT    NOT NULL,
//	    higher_user_id TEXT    NOT NULL,
//	    status         INTEGER NOT NULL,
//	    actor_user_id  TEXT    NOT NULL,
//	    version        INTEGER NOT NULL,
//	    changed_at     TIMESTAMP NOT NULL
//	);
//
//	CREATE TABLE users (
//	    user_id    TEXT PRIMARY KEY,
//	    policies   TEXT    NOT NULL,
//	    created_at TIMESTAMP NOT NULL,
//	    updated_at TIMESTAMP NOT NULL
//	);
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/amicus-social/amicus/pkg/logger"
	"github.com/amicus-social/amicus/pkg/pair"
	"github.com/amicus-social/amicus/pkg/storage"
	"github.com/amicus-social/amicus/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("amicus/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// Datastore provides a SQLite based implementation of [storage.Datastore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector

	subscribers []storage.ChangeSubscriber // GUARDED_BY(mutexSubs).
	mutexSubs   sync.Mutex
}

// Ensures that Datastore implements the storage.Datastore interface.
var _ storage.Datastore = (*Datastore)(nil)

// PrepareDSN prepares a raw DSN from config for use with SQLite, specifying
// defaults for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	// Set journal mode and busy timeout pragmas if not specified.
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	// Set transaction mode to immediate if not specified.
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	sqlcommon.ApplyConnSettings(db, cfg)

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "amicus")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	_ = s.db.Close()
}

// GetEdge see [storage.RelationshipEdgeStore].GetEdge.
func (s *Datastore) GetEdge(ctx context.Context, p pair.Pair) (storage.EdgeRecord, error) {
	ctx, span := startTrace(ctx, "GetEdge")
	defer span.End()

	row := s.stbl.Select("lower_user_id", "higher_user_id", "status", "actor_user_id", "version", "ulid", "inserted_at", "updated_at").
		From("relationship_edges").
		Where(sq.Eq{"lower_user_id": string(p.Lower), "higher_user_id": string(p.Higher)}).
		QueryRowContext(ctx)

	rec, err := sqlcommon.ScanEdgeRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.EdgeRecord{Pair: p, Status: pair.StatusNone}, nil
		}
		return storage.EdgeRecord{}, sqlcommon.HandleSQLError(err)
	}

	return rec, nil
}

// PutEdge see [storage.RelationshipEdgeStore].PutEdge.
func (s *Datastore) PutEdge(ctx context.Context, rec storage.EdgeRecord) (storage.EdgeRecord, error) {
	ctx, span := startTrace(ctx, "PutEdge")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return storage.EdgeRecord{}, storage.ErrCancelled
	}

	newUlid := ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()).String()

	var stored storage.EdgeRecord
	err := busyRetry(func() error {
		txn, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = txn.Rollback() }()

		stored, err = sqlcommon.WriteEdgeTx(ctx, txn, s.stbl, rec, newUlid)
		if err != nil {
			return err
		}

		return txn.Commit()
	})
	if err != nil {
		return storage.EdgeRecord{}, err
	}

	s.notify(storage.EdgeChange{Record: stored, Ulid: stored.Ulid, Timestamp: stored.UpdatedAt})

	return stored, nil
}

// ReadEdges see [storage.RelationshipEdgeStore].ReadEdges.
func (s *Datastore) ReadEdges(ctx context.Context, user pair.UserID) (storage.EdgeIterator, error) {
	ctx, span := startTrace(ctx, "ReadEdges")
	defer span.End()

	records, err := s.edgesInvolving(ctx, user, 0)
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		a, _ := records[i].Pair.Other(user)
		b, _ := records[j].Pair.Other(user)
		return a < b
	})

	return storage.NewStaticIterator(records), nil
}

// ReadFriends see [storage.RelationshipEdgeStore].ReadFriends.
func (s *Datastore) ReadFriends(ctx context.Context, user pair.UserID) (storage.UserIDIterator, error) {
	ctx, span := startTrace(ctx, "ReadFriends")
	defer span.End()

	records, err := s.edgesInvolving(ctx, user, pair.StatusFriends)
	if err != nil {
		return nil, err
	}

	friends := storage.NewSortedSet()
	for _, rec := range records {
		if other, ok := rec.Pair.Other(user); ok {
			friends.Add(other)
		}
	}

	return storage.NewStaticIterator(friends.Values()), nil
}

// edgesInvolving returns the non-none edges that involve user, optionally
// filtered to a single status (0 means every non-none status).
func (s *Datastore) edgesInvolving(ctx context.Context, user pair.UserID, status pair.EdgeStatus) ([]storage.EdgeRecord, error) {
	query := s.stbl.Select("lower_user_id", "higher_user_id", "status", "actor_user_id", "version", "ulid", "inserted_at", "updated_at").
		From("relationship_edges").
		Where(sq.Or{
			sq.Eq{"lower_user_id": string(user)},
			sq.Eq{"higher_user_id": string(user)},
		})
	if status != pair.StatusNone {
		query = query.Where(sq.Eq{"status": int(status)})
	} else {
		query = query.Where(sq.NotEq{"status": int(pair.StatusNone)})
	}

	rows, err := query.QueryContext(ctx)
	if err != nil {
		return nil, sqlcommon.HandleSQLError(err)
	}
	defer rows.Close()

	var records []storage.EdgeRecord
	for rows.Next() {
		rec, err := sqlcommon.ScanEdgeRow(rows)
		if err != nil {
			return nil, sqlcommon.HandleSQLError(err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlcommon.HandleSQLError(err)
	}

	return records, nil
}

// ReadChanges see [storage.RelationshipEdgeStore].ReadChanges.
func (s *Datastore) ReadChanges(ctx context.Context, options storage.ReadChangesOptions) ([]storage.EdgeChange, string, error) {
	ctx, span := startTrace(ctx, "ReadChanges")
	defer span.End()

	if options.Pagination.From != "" {
		if _, err := ulid.Parse(options.Pagination.From); err != nil {
			return nil, "", storage.ErrInvalidContinuationToken
		}
	}

	pageSize := storage.DefaultPageSize
	if options.Pagination.PageSize > 0 {
		pageSize = options.Pagination.PageSize
	}

	query := s.stbl.Select("ulid", "lower_user_id", "higher_user_id", "status", "actor_user_id", "version", "changed_at").
		From("relationship_changes").
		Where(sq.LtOrEq{"changed_at": time.Now().UTC().Add(-options.HorizonOffset)}).
		OrderBy("ulid").
		Limit(uint64(pageSize))
	if options.Pagination.From != "" {
		query = query.Where(sq.Gt{"ulid": options.Pagination.From})
	}

	rows, err := query.QueryContext(ctx)
	if err != nil {
		return nil, "", sqlcommon.HandleSQLError(err)
	}
	defer rows.Close()

	var changes []storage.EdgeChange
	for rows.Next() {
		var (
			change storage.EdgeChange
			lower  string
			higher string
			status int
			actor  string
		)
		err := rows.Scan(&change.Ulid, &lower, &higher, &status, &actor, &change.Record.Version, &change.Timestamp)
		if err != nil {
			return nil, "", sqlcommon.HandleSQLError(err)
		}
		change.Record.Pair = pair.Pair{Lower: pair.UserID(lower), Higher: pair.UserID(higher)}
		change.Record.Status = pair.EdgeStatus(status)
		change.Record.Actor = pair.UserID(actor)
		change.Record.Ulid = change.Ulid
		change.Record.UpdatedAt = change.Timestamp
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, "", sqlcommon.HandleSQLError(err)
	}

	if len(changes) == 0 {
		return nil, "", nil
	}

	return changes, changes[len(changes)-1].Ulid, nil
}

// TombstoneUser see [storage.RelationshipEdgeStore].TombstoneUser.
func (s *Datastore) TombstoneUser(ctx context.Context, user pair.UserID) error {
	ctx, span := startTrace(ctx, "TombstoneUser")
	defer span.End()

	records, err := s.edgesInvolving(ctx, user, 0)
	if err != nil {
		return err
	}

	var committed []storage.EdgeChange
	err = busyRetry(func() error {
		txn, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = txn.Rollback() }()

		committed = committed[:0]
		for _, rec := range records {
			newUlid := ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()).String()
			stored, err := sqlcommon.WriteEdgeTx(ctx, txn, s.stbl, rec.WithStatus(pair.StatusNone, user), newUlid)
			if err != nil {
				return err
			}
			committed = append(committed, storage.EdgeChange{Record: stored, Ulid: stored.Ulid, Timestamp: stored.UpdatedAt})
		}

		return txn.Commit()
	})
	if err != nil {
		return err
	}

	for _, change := range committed {
		s.notify(change)
	}

	return nil
}

// Subscribe see [storage.RelationshipEdgeStore].Subscribe.
func (s *Datastore) Subscribe(fn storage.ChangeSubscriber) {
	s.mutexSubs.Lock()
	defer s.mutexSubs.Unlock()

	s.subscribers = append(s.subscribers, fn)
}

func (s *Datastore) notify(change storage.EdgeChange) {
	s.mutexSubs.Lock()
	defer s.mutexSubs.Unlock()

	for _, fn := range s.subscribers {
		fn(change)
	}
}

// GetUser see [storage.UserStore].GetUser.
func (s *Datastore) GetUser(ctx context.Context, id pair.UserID) (storage.UserRecord, error) {
	ctx, span := startTrace(ctx, "GetUser")
	defer span.End()

	var (
		user storage.UserRecord
		raw  []byte
	)
	err := s.stbl.Select("user_id", "policies", "created_at", "updated_at").
		From("users").
		Where(sq.Eq{"user_id": string(id)}).
		QueryRowContext(ctx).
		Scan(&user.ID, &raw, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return storage.UserRecord{}, sqlcommon.HandleSQLError(err)
	}

	user.Policies, err = sqlcommon.UnmarshalPolicies(raw)
	if err != nil {
		return storage.UserRecord{}, err
	}

	return user, nil
}

// WriteUser see [storage.UserStore].WriteUser.
func (s *Datastore) WriteUser(ctx context.Context, user storage.UserRecord) error {
	ctx, span := startTrace(ctx, "WriteUser")
	defer span.End()

	if err := pair.ValidateUserID(user.ID); err != nil {
		return err
	}

	raw, err := sqlcommon.MarshalPolicies(user.Policies)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return busyRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (user_id, policies, created_at, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET policies = excluded.policies, updated_at = excluded.updated_at`,
			string(user.ID), raw, now, now)
		return sqlcommon.HandleSQLError(err)
	})
}

// DeleteUser see [storage.UserStore].DeleteUser.
func (s *Datastore) DeleteUser(ctx context.Context, id pair.UserID) error {
	ctx, span := startTrace(ctx, "DeleteUser")
	defer span.End()

	var deleted bool
	err := busyRetry(func() error {
		res, err := s.stbl.Delete("users").
			Where(sq.Eq{"user_id": string(id)}).
			ExecContext(ctx)
		if err != nil {
			return sqlcommon.HandleSQLError(err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = rows > 0
		return nil
	})
	if err != nil {
		return err
	}
	if !deleted {
		return storage.ErrNotFound
	}

	return s.TombstoneUser(ctx, id)
}

// IsReady see [storage.Datastore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return storage.ReadinessStatus{}, err
	}

	return storage.ReadinessStatus{IsReady: true}, nil
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather
// than waiting for the lock. busyRetry retries the operation with a short
// backoff until the lock clears or the attempts run out.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
