// Package entitlementstore is the C2 durable per-shard store: one
// embedded SQLite database file per customer, holding a kv table (shard
// config and live entitlements) plus two append-only log tables,
// usage_records and verifications, whose AUTOINCREMENT rowids give the
// monotonically increasing local id the spec requires for free.
package entitlementstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/flexprice/usagelimiter/internal/domain/usagelog"
	ierr "github.com/flexprice/usagelimiter/internal/errors"
	"github.com/flexprice/usagelimiter/internal/types"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// Store is the embedded durable store for one shard (one customer).
type Store struct {
	db         *sqlx.DB
	customerID string
}

// Open opens (creating if necessary) the SQLite file for customerID under
// baseDir and runs any outstanding migrations, mirroring
// internal/postgres.NewDB's sqlx.Connect idiom over a file-backed driver
// instead of a network one.
func Open(ctx context.Context, baseDir, customerID string) (*Store, error) {
	path := filepath.Join(baseDir, sanitizeFilename(customerID)+".db")

	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, ierr.WithError(err).
			WithHintf("failed to open entitlement store for customer %s", customerID).
			Mark(ierr.ErrDatabase)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, ierr.WithError(err).
			WithHintf("failed to ping entitlement store for customer %s", customerID).
			Mark(ierr.ErrDatabase)
	}

	if err := runMigrations(db.DB); err != nil {
		return nil, ierr.WithError(err).
			WithHintf("failed to run migrations for customer %s", customerID).
			Mark(ierr.ErrDatabase)
	}

	return &Store{db: db, customerID: customerID}, nil
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- KV namespace ---

// Get returns the raw JSON value stored under key, if present.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM kv WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, ierr.WithError(err).WithHint("kv get failed").Mark(ierr.ErrDatabase)
	}
	return value, true, nil
}

// Put upserts a raw JSON value under key.
func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return ierr.WithError(err).WithHint("kv put failed").Mark(ierr.ErrDatabase)
	}
	return nil
}

// Delete removes key from the kv namespace.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return ierr.WithError(err).WithHint("kv delete failed").Mark(ierr.ErrDatabase)
	}
	return nil
}

// List returns every kv entry whose key has the given prefix.
func (s *Store) List(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("kv list failed").Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, ierr.WithError(err).WithHint("kv list scan failed").Mark(ierr.ErrDatabase)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- usage_records / verifications append-only logs ---

// InsertUsage appends a UsageRecord and returns its assigned local id.
func (s *Store) InsertUsage(ctx context.Context, rec *usagelog.UsageRecord) (int64, error) {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return 0, ierr.WithError(err).WithHint("failed to marshal usage metadata").Mark(ierr.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			entitlement_id, customer_id, project_id, feature_slug, usage, timestamp,
			idempotence_key, request_id, feature_plan_version_id, subscription_id,
			subscription_phase_id, subscription_item_id, feature_type, metadata, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.EntitlementID, rec.CustomerID, rec.ProjectID, rec.FeatureSlug, rec.Usage.String(), rec.Timestamp,
		rec.IdempotenceKey, rec.RequestID, rec.FeaturePlanVersionID, rec.SubscriptionID,
		rec.SubscriptionPhaseID, rec.SubscriptionItemID, string(rec.FeatureType), string(metadata), rec.CreatedAt,
	)
	if err != nil {
		return 0, ierr.WithError(err).WithHint("failed to insert usage record").Mark(ierr.ErrDatabase)
	}
	return res.LastInsertId()
}

// InsertVerification appends a VerificationRecord and returns its assigned local id.
func (s *Store) InsertVerification(ctx context.Context, rec *usagelog.VerificationRecord) (int64, error) {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return 0, ierr.WithError(err).WithHint("failed to marshal verification metadata").Mark(ierr.ErrValidation)
	}

	success := 0
	if rec.Success {
		success = 1
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO verifications (
			entitlement_id, customer_id, project_id, feature_slug, request_id, timestamp,
			success, latency, denied_reason, feature_plan_version_id, subscription_id,
			subscription_phase_id, subscription_item_id, feature_type, metadata, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.EntitlementID, rec.CustomerID, rec.ProjectID, rec.FeatureSlug, rec.RequestID, rec.Timestamp,
		success, rec.Latency.String(), string(rec.DeniedReason), rec.FeaturePlanVersionID, rec.SubscriptionID,
		rec.SubscriptionPhaseID, rec.SubscriptionItemID, string(rec.FeatureType), string(metadata), rec.CreatedAt,
	)
	if err != nil {
		return 0, ierr.WithError(err).WithHint("failed to insert verification record").Mark(ierr.ErrDatabase)
	}
	return res.LastInsertId()
}

// SelectUsageBatch returns up to limit usage_records with id > fromID, ordered
// by id, optionally filtered to a single featureSlug.
func (s *Store) SelectUsageBatch(ctx context.Context, fromID int64, limit int, featureSlug string) ([]usagelog.UsageRecord, error) {
	query := `SELECT id, entitlement_id, customer_id, project_id, feature_slug, usage, timestamp,
		idempotence_key, request_id, feature_plan_version_id, subscription_id,
		subscription_phase_id, subscription_item_id, feature_type, metadata, created_at
		FROM usage_records WHERE id > ?`
	args := []interface{}{fromID}
	if featureSlug != "" {
		query += ` AND feature_slug = ?`
		args = append(args, featureSlug)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("failed to select usage batch").Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	var out []usagelog.UsageRecord
	for rows.Next() {
		var rec usagelog.UsageRecord
		var usageStr, metadata string
		var featureType string
		if err := rows.Scan(&rec.ID, &rec.EntitlementID, &rec.CustomerID, &rec.ProjectID, &rec.FeatureSlug,
			&usageStr, &rec.Timestamp, &rec.IdempotenceKey, &rec.RequestID, &rec.FeaturePlanVersionID,
			&rec.SubscriptionID, &rec.SubscriptionPhaseID, &rec.SubscriptionItemID, &featureType,
			&metadata, &rec.CreatedAt); err != nil {
			return nil, ierr.WithError(err).WithHint("failed to scan usage record").Mark(ierr.ErrDatabase)
		}
		rec.FeatureType = types.FeatureType(featureType)
		if rec.Usage, err = decimal.NewFromString(usageStr); err != nil {
			return nil, ierr.WithError(err).WithHint("corrupt usage value in store").Mark(ierr.ErrDatabase)
		}
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			rec.Metadata = types.Metadata{}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SelectVerificationBatch returns up to limit verifications with id > fromID.
func (s *Store) SelectVerificationBatch(ctx context.Context, fromID int64, limit int, featureSlug string) ([]usagelog.VerificationRecord, error) {
	query := `SELECT id, entitlement_id, customer_id, project_id, feature_slug, request_id, timestamp,
		success, latency, denied_reason, feature_plan_version_id, subscription_id,
		subscription_phase_id, subscription_item_id, feature_type, metadata, created_at
		FROM verifications WHERE id > ?`
	args := []interface{}{fromID}
	if featureSlug != "" {
		query += ` AND feature_slug = ?`
		args = append(args, featureSlug)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("failed to select verification batch").Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	var out []usagelog.VerificationRecord
	for rows.Next() {
		var rec usagelog.VerificationRecord
		var latencyStr, metadata string
		var featureType string
		var success int
		if err := rows.Scan(&rec.ID, &rec.EntitlementID, &rec.CustomerID, &rec.ProjectID, &rec.FeatureSlug,
			&rec.RequestID, &rec.Timestamp, &success, &latencyStr, &rec.DeniedReason,
			&rec.FeaturePlanVersionID, &rec.SubscriptionID, &rec.SubscriptionPhaseID, &rec.SubscriptionItemID,
			&featureType, &metadata, &rec.CreatedAt); err != nil {
			return nil, ierr.WithError(err).WithHint("failed to scan verification record").Mark(ierr.ErrDatabase)
		}
		rec.Success = success != 0
		rec.FeatureType = types.FeatureType(featureType)
		var err2 error
		if rec.Latency, err2 = decimal.NewFromString(latencyStr); err2 != nil {
			return nil, ierr.WithError(err2).WithHint("corrupt latency value in store").Mark(ierr.ErrDatabase)
		}
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			rec.Metadata = types.Metadata{}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteUsageRange deletes usage_records rows with id in [firstID, lastID].
func (s *Store) DeleteUsageRange(ctx context.Context, firstID, lastID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE id BETWEEN ? AND ?`, firstID, lastID)
	if err != nil {
		return ierr.WithError(err).WithHint("failed to delete usage range").Mark(ierr.ErrDatabase)
	}
	return nil
}

// DeleteVerificationRange deletes verifications rows with id in [firstID, lastID].
func (s *Store) DeleteVerificationRange(ctx context.Context, firstID, lastID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM verifications WHERE id BETWEEN ? AND ?`, firstID, lastID)
	if err != nil {
		return ierr.WithError(err).WithHint("failed to delete verification range").Mark(ierr.ErrDatabase)
	}
	return nil
}

// CountAll returns the number of buffered rows remaining in both log
// tables, used by Reset to refuse wiping unflushed data.
func (s *Store) CountAll(ctx context.Context) (usageCount, verificationCount int64, err error) {
	if err = s.db.GetContext(ctx, &usageCount, `SELECT COUNT(*) FROM usage_records`); err != nil {
		return 0, 0, ierr.WithError(err).WithHint("failed to count usage records").Mark(ierr.ErrDatabase)
	}
	if err = s.db.GetContext(ctx, &verificationCount, `SELECT COUNT(*) FROM verifications`); err != nil {
		return 0, 0, ierr.WithError(err).WithHint("failed to count verifications").Mark(ierr.ErrDatabase)
	}
	return usageCount, verificationCount, nil
}

// DeleteAll wipes every kv entry and both log tables, used by Reset.
func (s *Store) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ierr.WithError(err).WithHint("failed to begin reset transaction").Mark(ierr.ErrDatabase)
	}
	defer tx.Rollback()

	for _, table := range []string{"kv", "usage_records", "verifications"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return ierr.WithError(err).WithHintf("failed to clear table %s", table).Mark(ierr.ErrDatabase)
		}
	}

	if err := tx.Commit(); err != nil {
		return ierr.WithError(err).WithHint("failed to commit reset transaction").Mark(ierr.ErrDatabase)
	}
	return nil
}
