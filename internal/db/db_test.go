package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func TestInitCreatesSchema(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("COMMSLEDGER_DATA_DIR", tmp)

	if err := Init(""); err != nil {
		t.Fatalf("init: %v", err)
	}
	db, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := CheckSchema(context.Background(), db); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	for _, view := range []string{"recent_conversations", "contact_statistics", "platform_summary"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'view' AND name = ?`, view).Scan(&name); err != nil {
			t.Fatalf("missing view %s: %v", view, err)
		}
	}

	// Init is idempotent.
	if err := InitDB(db); err != nil {
		t.Fatalf("re-init: %v", err)
	}
}

func TestCheckSchemaMissing(t *testing.T) {
	db, err := OpenPath(DriverModernc, filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := CheckSchema(context.Background(), db); !errors.Is(err, ErrSchemaMissing) {
		t.Fatalf("expected ErrSchemaMissing, got %v", err)
	}
}

func TestOpenPathRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenPath("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestSavepointRollsBackOnlyFailedWork(t *testing.T) {
	db, err := OpenPath(DriverModernc, filepath.Join(t.TempDir(), "sp.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE t (v INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx := context.Background()
	err = RunTx(ctx, db, func(tx *sql.Tx) error {
		if err := Savepoint(ctx, tx, "ok", func() error {
			_, err := tx.Exec(`INSERT INTO t (v) VALUES (1)`)
			return err
		}); err != nil {
			return err
		}
		boom := errors.New("boom")
		if err := Savepoint(ctx, tx, "bad", func() error {
			if _, err := tx.Exec(`INSERT INTO t (v) VALUES (2)`); err != nil {
				return err
			}
			return boom
		}); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run tx: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row after partial rollback, got %d", n)
	}
}

func TestIsBusy(t *testing.T) {
	if !IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatalf("expected busy")
	}
	if IsBusy(errors.New("UNIQUE constraint failed")) {
		t.Fatalf("unexpected busy")
	}
	if IsBusy(nil) {
		t.Fatalf("nil is not busy")
	}
}
