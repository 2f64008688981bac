// Package store persists closed and rejected sessions to SQLite when
// sessions.storage is set to "sqlite"; the in-memory manager works
// without it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/riftproxy/socksentry/internal/session"
)

// SQLiteStore wraps a SQLite connection holding the sessions and
// metrics_snapshots tables described in the persisted state layout.
type SQLiteStore struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Open opens or creates the SQLite database at databaseURL and ensures
// its schema exists.
func Open(databaseURL string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open sqlite session store: %w", err)
	}
	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time TEXT NOT NULL,
	source_ip TEXT NOT NULL,
	dest_addr TEXT NOT NULL,
	dest_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	bytes_sent INTEGER NOT NULL,
	bytes_received INTEGER NOT NULL,
	packets_sent INTEGER NOT NULL,
	packets_received INTEGER NOT NULL,
	status TEXT NOT NULL,
	close_reason TEXT NOT NULL,
	acl_decision TEXT NOT NULL,
	acl_rule_matched TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS metrics_snapshots (
	timestamp TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
`
	_, err := s.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrate session store schema: %w", err)
	}
	return nil
}

// SaveSession upserts a closed or rejected session record, keyed by
// session id.
func (s *SQLiteStore) SaveSession(r session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
INSERT INTO sessions (
	session_id, user, start_time, end_time, source_ip, dest_addr, dest_port,
	protocol, bytes_sent, bytes_received, packets_sent, packets_received,
	status, close_reason, acl_decision, acl_rule_matched
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	end_time = excluded.end_time,
	bytes_sent = excluded.bytes_sent,
	bytes_received = excluded.bytes_received,
	packets_sent = excluded.packets_sent,
	packets_received = excluded.packets_received,
	status = excluded.status,
	close_reason = excluded.close_reason
`
	_, err := s.conn.Exec(query,
		r.ID.String(), r.User,
		r.Start.Format(time.RFC3339Nano), r.End.Format(time.RFC3339Nano),
		r.SourceIP, r.DestAddr.String(), r.DestPort, r.Protocol.String(),
		r.BytesSent, r.BytesReceived, r.PacketsSent, r.PacketsReceived,
		r.Status.String(), r.CloseReason,
		r.AclDecision.String(), r.AclRuleMatched,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", r.ID, err)
	}
	return nil
}

// Retain deletes sessions whose end_time is older than now-retention,
// per the retention_days cleanup policy.
func (s *SQLiteStore) Retain(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).Format(time.RFC3339Nano)
	res, err := s.conn.ExecContext(ctx, `DELETE FROM sessions WHERE end_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retain sessions: %w", err)
	}
	return res.RowsAffected()
}

// SaveMetricsSnapshot records an arbitrary serialized metrics payload
// at the current timestamp.
func (s *SQLiteStore) SaveMetricsSnapshot(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`INSERT INTO metrics_snapshots (timestamp, payload) VALUES (?, ?)
		 ON CONFLICT(timestamp) DO UPDATE SET payload = excluded.payload`,
		time.Now().Format(time.RFC3339Nano), payload,
	)
	if err != nil {
		return fmt.Errorf("save metrics snapshot: %w", err)
	}
	return nil
}

// RunRetentionLoop deletes expired sessions every interval until ctx
// is done, matching the cleanup_interval_hours config knob.
func (s *SQLiteStore) RunRetentionLoop(ctx context.Context, interval time.Duration, retention time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Retain(ctx, retention); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
