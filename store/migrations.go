package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// upgrade is one forward-only schema change applied on top of schemaSQL.
// The number of applied upgrades is kept in PRAGMA user_version, so entries
// are only ever appended.
type upgrade struct {
	name string
	run  func(ctx context.Context, tx *sql.Tx) error
}

var upgrades = []upgrade{
	{name: "query_log.stripped", run: addColumn("query_log", "stripped", "JSON")},
	{name: "glossary", run: execScript(glossarySQL)},
}

// SchemaVersion reports how many upgrades the database has applied.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading user_version: %w", err)
	}
	return v, nil
}

// upgradeSchema applies every upgrade past the recorded user_version, each in
// its own transaction together with the version bump.
func (s *Store) upgradeSchema(ctx context.Context) error {
	have, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if have > len(upgrades) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", have, len(upgrades))
	}
	for i := have; i < len(upgrades); i++ {
		u, next := upgrades[i], i+1
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			if err := u.run(ctx, tx); err != nil {
				return err
			}
			// PRAGMA arguments cannot be bound.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", next))
			return err
		})
		if err != nil {
			return fmt.Errorf("schema upgrade %d (%s): %w", next, u.name, err)
		}
		slog.Info("schema upgraded", "version", next, "step", u.name)
	}
	return nil
}

func execScript(script string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, script)
		return err
	}
}

// addColumn adds a column unless the table already has it; fresh databases
// get most columns from schemaSQL.
func addColumn(table, column, decl string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		ok, err := hasColumn(ctx, tx, table, column)
		if err != nil || ok {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
		return err
	}
}

func hasColumn(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
