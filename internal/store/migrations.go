package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var schemaV1 string

// schemaUpgrades lists schema scripts in order: index i upgrades a database
// at user_version i to i+1. Append only; released versions never change.
var schemaUpgrades = []string{schemaV1}

// ensureSchema brings the database up to the schema this build expects,
// tracking progress in SQLite's user_version pragma. Each upgrade script
// runs in one transaction together with its version bump, so a crash leaves
// the database either fully on the old version or fully on the new one.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if current > len(schemaUpgrades) {
		return fmt.Errorf("database schema v%d is newer than this build supports (v%d)",
			current, len(schemaUpgrades))
	}

	for v := current; v < len(schemaUpgrades); v++ {
		if err := applyUpgrade(ctx, db, v+1, schemaUpgrades[v]); err != nil {
			return err
		}
	}
	return nil
}

func applyUpgrade(ctx context.Context, db *sql.DB, target int, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema upgrade v%d: %w", target, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema upgrade v%d: %w", target, err)
		}
	}
	// PRAGMA does not take bind parameters; target is a trusted constant.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
		return fmt.Errorf("record schema v%d: %w", target, err)
	}
	return tx.Commit()
}

// sqlStatements strips comment-only lines from a script, then splits it on
// semicolons into executable statements.
func sqlStatements(script string) []string {
	var clean strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		clean.WriteString(line)
		clean.WriteByte('\n')
	}

	var stmts []string
	for _, raw := range strings.Split(clean.String(), ";") {
		if s := strings.TrimSpace(raw); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
