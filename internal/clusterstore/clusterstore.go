// Package clusterstore durably records the proxy's known slave pool in
// Postgres so a restarted ttproxy has somewhere to seed its in-memory
// registry from instead of starting with an empty slave list until the
// next poll tick fills it in. It is never authoritative: the registry's
// once-a-second poll of live server_info/env_list_all always overwrites
// whatever a slave's row here says, the same way the teacher's
// ClusterNodeRecord store was a warm-start cache in front of its own
// live heartbeat-driven registry.
package clusterstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SlaveRecord is one configured slave's last-known identity, persisted
// purely so the proxy can warm-start its placement view before the
// first poll cycle completes.
type SlaveRecord struct {
	Addr          string
	LastSeen      time.Time
	VmTotal       int32
	CPUTotal      int32
	MemTotal      int32
	DiskTotal     int32
	SupportedList []string
}

// Store is a Postgres-backed durable slave registry.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool against dsn and ensures the slave-pool
// schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("clusterstore: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("clusterstore: create pool: %w", err)
	}
	s := &Store{pool: pool}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("clusterstore: ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS proxy_slaves (
			addr           TEXT PRIMARY KEY,
			vm_total       INTEGER NOT NULL DEFAULT 0,
			cpu_total      INTEGER NOT NULL DEFAULT 0,
			mem_total      INTEGER NOT NULL DEFAULT 0,
			disk_total     INTEGER NOT NULL DEFAULT 0,
			supported_list JSONB NOT NULL DEFAULT '[]',
			last_seen      TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("clusterstore: ensure schema: %w", err)
	}
	return nil
}

// Upsert records the current identity of one slave, called once per
// poll cycle for every slave that answered.
func (s *Store) Upsert(ctx context.Context, rec SlaveRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proxy_slaves (addr, vm_total, cpu_total, mem_total, disk_total, supported_list, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (addr) DO UPDATE SET
			vm_total       = EXCLUDED.vm_total,
			cpu_total      = EXCLUDED.cpu_total,
			mem_total      = EXCLUDED.mem_total,
			disk_total     = EXCLUDED.disk_total,
			supported_list = EXCLUDED.supported_list,
			last_seen      = EXCLUDED.last_seen
	`, rec.Addr, rec.VmTotal, rec.CPUTotal, rec.MemTotal, rec.DiskTotal, rec.SupportedList, rec.LastSeen)
	if err != nil {
		return fmt.Errorf("clusterstore: upsert %s: %w", rec.Addr, err)
	}
	return nil
}

// List returns every recorded slave, most recently seen first, used to
// seed the registry on startup before the first live poll completes.
func (s *Store) List(ctx context.Context) ([]SlaveRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT addr, vm_total, cpu_total, mem_total, disk_total, supported_list, last_seen
		FROM proxy_slaves
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("clusterstore: list: %w", err)
	}
	defer rows.Close()

	var out []SlaveRecord
	for rows.Next() {
		var rec SlaveRecord
		if err := rows.Scan(&rec.Addr, &rec.VmTotal, &rec.CPUTotal, &rec.MemTotal, &rec.DiskTotal, &rec.SupportedList, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("clusterstore: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a slave that has dropped out of the configured pool.
func (s *Store) Delete(ctx context.Context, addr string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM proxy_slaves WHERE addr = $1`, addr)
	if err != nil {
		return fmt.Errorf("clusterstore: delete %s: %w", addr, err)
	}
	return nil
}

// ensure pgx.ErrNoRows stays reachable to callers that query a single
// row through the pool directly, matching the teacher's Store surface.
var ErrNoRows = pgx.ErrNoRows
