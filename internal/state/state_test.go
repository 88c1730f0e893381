package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Napageneral/commsledger/internal/db"
)

func TestSetGet(t *testing.T) {
	database, err := db.OpenPath(db.DriverModernc, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()
	if err := db.InitDB(database); err != nil {
		t.Fatalf("init: %v", err)
	}
	ctx := context.Background()

	if _, ok, err := Get(ctx, database, "inbox", "live_status"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := Set(ctx, database, "inbox", "live_status", "running"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := Set(ctx, database, "inbox", "live_status", "stopped"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := Get(ctx, database, "inbox", "live_status")
	if err != nil || !ok || v != "stopped" {
		t.Fatalf("unexpected value %q ok=%v err=%v", v, ok, err)
	}

	all, err := All(ctx, database, "inbox")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 || all["live_status"] != "stopped" {
		t.Fatalf("unexpected map %v", all)
	}
}
