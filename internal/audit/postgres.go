package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// advisoryLockKey serialises concurrent Append calls across all registry
// instances sharing the database. The value is arbitrary but must be the
// same everywhere.
const advisoryLockKey = int64(7_420_061_133)

// PostgresLog persists the hash-chained security event log to PostgreSQL.
// It implements the Log interface.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by the given connection pool.
// The security_events table must already contain the genesis row; Bootstrap
// inserts it when the table is empty.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

// Bootstrap inserts the genesis row if the table is empty. Safe to call on
// every startup.
func (l *PostgresLog) Bootstrap(ctx context.Context) error {
	g := genesisEntry()
	eventJSON, err := json.Marshal(g.Event)
	if err != nil {
		return fmt.Errorf("marshal genesis event: %w", err)
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO security_events (idx, timestamp, event_id, event_type, severity, source, target, event, data_hash, prev_hash, hash)
		 SELECT 0, $1, $2, $3, $4, $5, '', $6, $7, $8, $9
		 WHERE NOT EXISTS (SELECT 1 FROM security_events WHERE idx = 0)`,
		g.Timestamp, uuid.Nil, g.Event.EventType, string(g.Event.Severity),
		g.Event.Source, eventJSON, g.DataHash, g.PrevHash, g.Hash,
	)
	if err != nil {
		return fmt.Errorf("bootstrap audit log: %w", err)
	}
	return nil
}

// Append implements Log. It acquires a PostgreSQL advisory lock, reads the
// chain tail, computes the new entry hash, and inserts it within a single
// transaction.
func (l *PostgresLog) Append(ctx context.Context, ev model.SecurityEvent) (*Entry, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	dataHash, err := eventDataHash(ev)
	if err != nil {
		return nil, err
	}
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Transaction-scoped advisory lock; released on commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM security_events ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read audit log tail: %w", err)
	}

	entry := &Entry{
		Index:     prevIdx + 1,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Event:     ev,
		DataHash:  dataHash,
		PrevHash:  prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO security_events (idx, timestamp, event_id, event_type, severity, source, target, event, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.Index, entry.Timestamp, ev.ID, ev.EventType, string(ev.Severity),
		ev.Source, ev.Target, eventJSON, entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}

	l.logger.Debug("audit entry appended",
		zap.Int("idx", entry.Index),
		zap.String("event_type", ev.EventType),
		zap.String("severity", string(ev.Severity)),
	)
	return entry, nil
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, index int) (*Entry, error) {
	entry := &Entry{}
	var eventJSON []byte
	if err := l.pool.QueryRow(ctx,
		`SELECT idx, timestamp, event, data_hash, prev_hash, hash
		 FROM security_events WHERE idx = $1`, index,
	).Scan(
		&entry.Index, &entry.Timestamp, &eventJSON,
		&entry.DataHash, &entry.PrevHash, &entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", index, err)
	}
	if err := json.Unmarshal(eventJSON, &entry.Event); err != nil {
		return nil, fmt.Errorf("decode audit entry %d: %w", index, err)
	}
	return entry, nil
}

// Query implements Log. Equality filters are pushed into SQL; the remaining
// filter fields are applied in memory after decoding.
func (l *PostgresLog) Query(ctx context.Context, filter model.EventFilter) ([]model.SecurityEvent, error) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	conds = append(conds, "idx > 0")
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.Source != "" {
		add("source = $%d", filter.Source)
	}
	if filter.Target != "" {
		add("target = $%d", filter.Target)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("timestamp <= $%d", filter.Until)
	}

	query := "SELECT event FROM security_events WHERE " + strings.Join(conds, " AND ") + " ORDER BY idx DESC"

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []model.SecurityEvent
	for rows.Next() {
		var eventJSON []byte
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		var ev model.SecurityEvent
		if err := json.Unmarshal(eventJSON, &ev); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		if filter.MinSeverity != "" && !ev.Severity.AtLeast(filter.MinSeverity) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM security_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Verify implements Log. It streams all rows ordered by idx and validates
// the hash chain. O(n) in log length.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT idx, timestamp, event, data_hash, prev_hash, hash
		 FROM security_events ORDER BY idx ASC`,
	)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr := &Entry{}
		var eventJSON []byte
		if err := rows.Scan(
			&curr.Index, &curr.Timestamp, &eventJSON,
			&curr.DataHash, &curr.PrevHash, &curr.Hash,
		); err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		if err := json.Unmarshal(eventJSON, &curr.Event); err != nil {
			return fmt.Errorf("decode audit entry %d: %w", curr.Index, err)
		}

		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}

		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM security_events ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get audit log root: %w", err)
	}
	return hash, nil
}
