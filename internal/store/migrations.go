package store

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one numbered, reversible schema step.
type Migration struct {
	Version int
	Name    string
	Up      []string
	Down    []string
}

// migrations is the declared, ordered schema history. Versions are contiguous
// starting at 1; the applied set recorded in schema_migrations must always be
// a prefix of this list.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create agent peers",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS agent_peers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				hostname TEXT NOT NULL UNIQUE,
				tailscale_ip TEXT,
				tailscale_hostname TEXT,
				public_key TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active',
				last_seen_at INTEGER,
				joined_at INTEGER NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_peers_status ON agent_peers(status)`,
		},
		Down: []string{`DROP TABLE IF EXISTS agent_peers`},
	},
	{
		Version: 2,
		Name:    "create peer keys",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS peer_keys (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				peer_hostname TEXT NOT NULL UNIQUE,
				shared_secret TEXT NOT NULL,
				algorithm TEXT NOT NULL DEFAULT 'aes-256-gcm',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				FOREIGN KEY (peer_hostname) REFERENCES agent_peers(hostname) ON DELETE CASCADE
			)`,
		},
		Down: []string{`DROP TABLE IF EXISTS peer_keys`},
	},
	{
		Version: 3,
		Name:    "create join tokens",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS join_tokens (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				token TEXT NOT NULL UNIQUE,
				issuer_hostname TEXT NOT NULL,
				expires_at INTEGER NOT NULL,
				used INTEGER NOT NULL DEFAULT 0,
				used_by_hostname TEXT,
				used_at INTEGER,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_join_tokens_expires ON join_tokens(expires_at)`,
		},
		Down: []string{`DROP TABLE IF EXISTS join_tokens`},
	},
	{
		Version: 4,
		Name:    "create host info",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS host_info (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				hostname TEXT NOT NULL UNIQUE,
				local_ip TEXT,
				tailscale_ip TEXT,
				tailscale_hostname TEXT,
				docker_version TEXT,
				tailscale_installed INTEGER NOT NULL DEFAULT 0,
				portainer_installed INTEGER NOT NULL DEFAULT 0,
				provisioned_at INTEGER,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
		},
		Down: []string{`DROP TABLE IF EXISTS host_info`},
	},
	{
		Version: 5,
		Name:    "create audit log",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp INTEGER NOT NULL,
				level TEXT NOT NULL DEFAULT 'INFO',
				event TEXT NOT NULL,
				peer TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				success INTEGER NOT NULL DEFAULT 1,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp)`,
		},
		Down: []string{`DROP TABLE IF EXISTS audit_log`},
	},
}

// Migrations returns the declared schema history.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return out
}

func (s *Store) ensureMigrationTable() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`)
	return err
}

// AppliedVersions returns the recorded migration versions, ascending.
func (s *Store) AppliedVersions() ([]int, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// CurrentVersion returns the highest applied version, 0 when none.
func (s *Store) CurrentVersion() (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// checkPrefix verifies the applied set is {1..k}.
func checkPrefix(applied []int) error {
	sort.Ints(applied)
	for i, v := range applied {
		if v != i+1 {
			return fmt.Errorf("%w: applied set %v", ErrMigrationPrefix, applied)
		}
		if v > len(migrations) {
			return fmt.Errorf("%w: version %d is not declared", ErrMigrationPrefix, v)
		}
	}
	return nil
}

// migrate applies all pending migrations in order. Called on open.
func (s *Store) migrate() error {
	if err := s.ensureMigrationTable(); err != nil {
		return fmt.Errorf("migration table: %w", err)
	}
	applied, err := s.AppliedVersions()
	if err != nil {
		return err
	}
	if err := checkPrefix(applied); err != nil {
		return err
	}
	for v := len(applied) + 1; v <= len(migrations); v++ {
		if err := s.applyUp(migrations[v-1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyUp(m Migration) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, stmt := range m.Up {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		_, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, s.unix())
		return err
	})
}

func (s *Store) applyDown(m Migration) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, stmt := range m.Down {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("rollback %d (%s): %w", m.Version, m.Name, err)
			}
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, m.Version)
		return err
	})
}

// MigrateUp applies the next pending migration. No-op when fully migrated.
func (s *Store) MigrateUp() error {
	current, err := s.CurrentVersion()
	if err != nil {
		return err
	}
	if current >= len(migrations) {
		return nil
	}
	return s.applyUp(migrations[current])
}

// MigrateDown rolls back the most recent migration. No-op at version 0.
func (s *Store) MigrateDown() error {
	current, err := s.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return nil
	}
	return s.applyDown(migrations[current-1])
}

// MigrateTo moves the schema to the target version: applying forward is
// inclusive of target, rolling backward rolls back every version above
// target.
func (s *Store) MigrateTo(target int) error {
	if target < 0 || target > len(migrations) {
		return fmt.Errorf("migration version %d out of range (0-%d)", target, len(migrations))
	}
	current, err := s.CurrentVersion()
	if err != nil {
		return err
	}
	for current < target {
		if err := s.MigrateUp(); err != nil {
			return err
		}
		current++
	}
	for current > target {
		if err := s.MigrateDown(); err != nil {
			return err
		}
		current--
	}
	return nil
}

// MigrationStatus is one row of `halvor db migrate status`.
type MigrationStatus struct {
	Version     int
	Name        string
	Applied     bool
	CanRollback bool
}

// Status reports every declared migration and whether it is applied.
func (s *Store) Status() ([]MigrationStatus, error) {
	applied, err := s.AppliedVersions()
	if err != nil {
		return nil, err
	}
	appliedSet := map[int]bool{}
	for _, v := range applied {
		appliedSet[v] = true
	}
	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		out = append(out, MigrationStatus{
			Version:     m.Version,
			Name:        m.Name,
			Applied:     appliedSet[m.Version],
			CanRollback: len(m.Down) > 0,
		})
	}
	return out, nil
}
