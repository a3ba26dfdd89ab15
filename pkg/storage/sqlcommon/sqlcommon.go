// Package sqlcommon holds the configuration and helpers shared by the SQL
// based implementations of [storage.Datastore].
package sqlcommon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/amicus-social/amicus/pkg/logger"
	"github.com/amicus-social/amicus/pkg/pair"
	"github.com/amicus-social/amicus/pkg/policy"
	"github.com/amicus-social/amicus/pkg/storage"
)

// Config defines the configuration parameters for setting up and managing
// a sql connection.
type Config struct {
	Logger logger.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type used for configuring a Config object.
type DatastoreOption func(*Config)

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that enables the export of metrics
// in the Config.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig returns a Config with the provided options applied and a noop
// logger by default.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{Logger: logger.NewNoopLogger()}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// ApplyConnSettings applies the pool limits from cfg to db.
func ApplyConnSettings(db *sql.DB, cfg *Config) {
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// HandleSQLError maps driver-level errors onto the storage sentinels.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// MarshalPolicies encodes a policy map for storage in a single column.
func MarshalPolicies(policies map[policy.ResourceClass]policy.Level) ([]byte, error) {
	if policies == nil {
		policies = map[policy.ResourceClass]policy.Level{}
	}
	return json.Marshal(policies)
}

// UnmarshalPolicies decodes a policy column written by MarshalPolicies.
func UnmarshalPolicies(raw []byte) (map[policy.ResourceClass]policy.Level, error) {
	policies := map[policy.ResourceClass]policy.Level{}
	if len(raw) == 0 {
		return policies, nil
	}
	if err := json.Unmarshal(raw, &policies); err != nil {
		return nil, fmt.Errorf("decode policies column: %w", err)
	}
	return policies, nil
}

// ScanEdgeRow scans one relationship_edges row in column order
// (lower_user_id, higher_user_id, status, actor_user_id, version, ulid,
// inserted_at, updated_at).
func ScanEdgeRow(row sq.RowScanner) (storage.EdgeRecord, error) {
	var (
		rec    storage.EdgeRecord
		lower  string
		higher string
		status int
		actor  string
	)
	if err := row.Scan(&lower, &higher, &status, &actor, &rec.Version, &rec.Ulid, &rec.InsertedAt, &rec.UpdatedAt); err != nil {
		return storage.EdgeRecord{}, err
	}

	rec.Pair = pair.Pair{Lower: pair.UserID(lower), Higher: pair.UserID(higher)}
	rec.Status = pair.EdgeStatus(status)
	rec.Actor = pair.UserID(actor)
	return rec, nil
}

// WriteEdgeTx performs the versioned edge upsert inside txn using the
// provided statement builder, returning the stored record. The insert path
// covers version 0 (absent edge); the update path compares-and-swaps on
// the version column. A conflicting concurrent writer surfaces as
// [storage.ErrEdgeVersionConflict].
func WriteEdgeTx(ctx context.Context, txn *sql.Tx, stbl sq.StatementBuilderType, rec storage.EdgeRecord, newUlid string) (storage.EdgeRecord, error) {
	now := time.Now().UTC()

	stored := rec
	stored.Version = rec.Version + 1
	stored.Ulid = newUlid
	stored.UpdatedAt = now

	if rec.Version == 0 {
		stored.InsertedAt = now
		_, err := stbl.Insert("relationship_edges").
			Columns("lower_user_id", "higher_user_id", "status", "actor_user_id", "version", "ulid", "inserted_at", "updated_at").
			Values(string(rec.Pair.Lower), string(rec.Pair.Higher), int(rec.Status), string(rec.Actor), stored.Version, stored.Ulid, stored.InsertedAt, stored.UpdatedAt).
			RunWith(txn).
			ExecContext(ctx)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.EdgeRecord{}, storage.ErrEdgeVersionConflict
			}
			return storage.EdgeRecord{}, HandleSQLError(err)
		}
	} else {
		var insertedAt time.Time
		err := stbl.Select("inserted_at").
			From("relationship_edges").
			Where(sq.Eq{"lower_user_id": string(rec.Pair.Lower), "higher_user_id": string(rec.Pair.Higher)}).
			RunWith(txn).
			QueryRowContext(ctx).
			Scan(&insertedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.EdgeRecord{}, storage.ErrEdgeVersionConflict
			}
			return storage.EdgeRecord{}, HandleSQLError(err)
		}
		stored.InsertedAt = insertedAt

		res, err := stbl.Update("relationship_edges").
			Set("status", int(rec.Status)).
			Set("actor_user_id", string(rec.Actor)).
			Set("version", stored.Version).
			Set("ulid", stored.Ulid).
			Set("updated_at", stored.UpdatedAt).
			Where(sq.Eq{
				"lower_user_id":  string(rec.Pair.Lower),
				"higher_user_id": string(rec.Pair.Higher),
				"version":        rec.Version,
			}).
			RunWith(txn).
			ExecContext(ctx)
		if err != nil {
			return storage.EdgeRecord{}, HandleSQLError(err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return storage.EdgeRecord{}, HandleSQLError(err)
		}
		if rows == 0 {
			return storage.EdgeRecord{}, storage.ErrEdgeVersionConflict
		}
	}

	_, err := stbl.Insert("relationship_changes").
		Columns("ulid", "lower_user_id", "higher_user_id", "status", "actor_user_id", "version", "changed_at").
		Values(stored.Ulid, string(rec.Pair.Lower), string(rec.Pair.Higher), int(rec.Status), string(rec.Actor), stored.Version, stored.UpdatedAt).
		RunWith(txn).
		ExecContext(ctx)
	if err != nil {
		return storage.EdgeRecord{}, HandleSQLError(err)
	}

	return stored, nil
}

// isUniqueViolation matches the primary-key violation raised when two
// writers race to insert the first row for a pair. Both supported drivers
// surface the constraint name in the error text, which avoids a
// driver-specific errno switch here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
