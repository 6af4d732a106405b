//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()

	// Ensure tables exist (mirrors migrations/0002_ledger.sql)
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id              VARCHAR(40) PRIMARY KEY,
			escrow_id       VARCHAR(40) NOT NULL,
			milestone_id    VARCHAR(40) NOT NULL,
			entry_type      VARCHAR(20) NOT NULL,
			amount_cents    BIGINT NOT NULL,
			fee_cents       BIGINT NOT NULL DEFAULT 0,
			payee_cents     BIGINT NOT NULL DEFAULT 0,
			external_txn_id VARCHAR(255) NOT NULL UNIQUE,
			actor_id        VARCHAR(100),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS audit_records (
			id              VARCHAR(40) PRIMARY KEY,
			event_type      VARCHAR(40) NOT NULL,
			escrow_ref      VARCHAR(40) NOT NULL,
			milestone_id    VARCHAR(40) NOT NULL,
			amount_cents    BIGINT NOT NULL DEFAULT 0,
			actor_id        VARCHAR(100),
			external_txn_id VARCHAR(255),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM ledger_entries")
		db.ExecContext(ctx, "DELETE FROM audit_records")
		db.Close()
	}

	return db, cleanup
}

func TestPostgresLedger_AppendAndList(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	payin := NewEntry("esc_pg1", "mls_pg1", EntryPayin, 1000, 0, 0, "txn_pg_1", "")
	if err := store.Append(ctx, payin); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	payout := NewEntry("esc_pg1", "mls_pg1", EntryPayout, 1000, 50, 950, "txn_pg_2", "usr_client")
	if err := store.Append(ctx, payout); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, err := store.ListByEscrow(ctx, "esc_pg1")
	if err != nil {
		t.Fatalf("ListByEscrow failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Got %d entries, want 2", len(entries))
	}
	if entries[0].Type != EntryPayin {
		t.Errorf("First entry type = %s, want payin (oldest first)", entries[0].Type)
	}
	if entries[1].FeeCents != 50 || entries[1].PayeeCents != 950 {
		t.Errorf("Payout split = %d/%d, want 50/950", entries[1].FeeCents, entries[1].PayeeCents)
	}

	has, err := store.HasExternalTxn(ctx, "txn_pg_1")
	if err != nil {
		t.Fatalf("HasExternalTxn failed: %v", err)
	}
	if !has {
		t.Error("HasExternalTxn = false, want true")
	}
}

func TestPostgresLedger_DuplicateExternalTxn(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Append(ctx, NewEntry("esc_pg2", "mls_pg2", EntryPayin, 1000, 0, 0, "txn_pg_dup", "")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	err := store.Append(ctx, NewEntry("esc_pg2", "mls_pg2", EntryPayin, 1000, 0, 0, "txn_pg_dup", ""))
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("Duplicate Append = %v, want ErrDuplicateEntry", err)
	}
}

func TestPostgresAudit_AppendAndList(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPostgresAuditStore(db)
	ctx := context.Background()

	if err := store.Append(ctx, NewAuditRecord("payin.success", "ext_pg1", "mls_pg1", 1000, "", "txn_pg_a1")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(ctx, NewAuditRecord("payout.success", "ext_pg1", "mls_pg1", 1000, "usr_client", "txn_pg_a2")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	records, err := store.ListByEscrow(ctx, "ext_pg1")
	if err != nil {
		t.Fatalf("ListByEscrow failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Got %d records, want 2", len(records))
	}
	if records[0].EventType != "payin.success" {
		t.Errorf("First record = %s, want payin.success (oldest first)", records[0].EventType)
	}
}
