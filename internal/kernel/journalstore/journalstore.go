// Package journalstore mirrors journal records into Redis and Postgres
// so they can be looked up by sequence number without scanning the
// authoritative append-only segment files. Neither
// store is ever consulted for replay or integrity verification — the
// journal's segment files and hash chain remain the single source of
// truth; these mirrors exist purely to make the journal queryable.
package journalstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/aioscore/kernel/internal/kernel/journal"
)

// Mirror writes journal records to a non-authoritative Redis cache
// (recent-record lookups by sequence number) and a Postgres table (durable,
// queryable history). Either backend may be nil, in which case writes
// to it are skipped — a kernel can run with one, both, or neither.
type Mirror struct {
	redis *redis.Client
	pg    *sql.DB
	ttl   time.Duration
}

// Config configures a Mirror's backing stores.
type Config struct {
	RedisAddr   string
	PostgresDSN string
	RedisTTL    time.Duration
}

// Open connects to the configured backends. A blank address/DSN leaves
// that backend nil rather than erroring, so a deployment can opt into
// just one mirror.
func Open(cfg Config) (*Mirror, error) {
	m := &Mirror{ttl: cfg.RedisTTL}
	if m.ttl <= 0 {
		m.ttl = 24 * time.Hour
	}

	if cfg.RedisAddr != "" {
		m.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("journalstore: open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("journalstore: ping postgres: %w", err)
		}
		if _, err := db.Exec(schemaDDL); err != nil {
			return nil, fmt.Errorf("journalstore: migrate schema: %w", err)
		}
		m.pg = db
	}

	return m, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS journal_records (
	seq        BIGINT PRIMARY KEY,
	kind       SMALLINT NOT NULL,
	hash       TEXT NOT NULL,
	prev_hash  TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Record mirrors rec into whichever backends are configured. Failures
// here are logged by the caller and never block the authoritative
// journal.Append that produced rec.
func (m *Mirror) Record(ctx context.Context, rec *journal.Record) error {
	if m.redis != nil {
		key := fmt.Sprintf("journal:seq:%d", rec.Seq)
		if err := m.redis.Set(ctx, key, rec.Marshal(), m.ttl).Err(); err != nil {
			return fmt.Errorf("journalstore: redis set: %w", err)
		}
	}

	if m.pg != nil {
		_, err := m.pg.ExecContext(ctx,
			`INSERT INTO journal_records (seq, kind, hash, prev_hash, payload) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (seq) DO NOTHING`,
			rec.Seq, int(rec.Kind), fmt.Sprintf("%x", rec.Hash), fmt.Sprintf("%x", rec.PrevHash), rec.Payload)
		if err != nil {
			return fmt.Errorf("journalstore: postgres insert: %w", err)
		}
	}

	return nil
}

// BySeq looks up a mirrored record by sequence number from Redis, the
// fast path for a recent-record query.
func (m *Mirror) BySeq(ctx context.Context, seq uint64) (*journal.Record, error) {
	if m.redis == nil {
		return nil, fmt.Errorf("journalstore: redis mirror not configured")
	}
	key := fmt.Sprintf("journal:seq:%d", seq)
	data, err := m.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("journalstore: redis get: %w", err)
	}
	rec, _, err := journal.UnmarshalRecord(data)
	return rec, err
}

// Close releases both backend connections.
func (m *Mirror) Close() error {
	var firstErr error
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			firstErr = err
		}
	}
	if m.pg != nil {
		if err := m.pg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
