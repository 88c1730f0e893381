package bus

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Napageneral/commsledger/internal/db"
)

func TestEmitAndList(t *testing.T) {
	database, err := db.OpenPath(db.DriverModernc, filepath.Join(t.TempDir(), "bus.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()
	if err := db.InitDB(database); err != nil {
		t.Fatalf("init: %v", err)
	}
	ctx := context.Background()

	if err := Emit(ctx, database, TypeRunStarted, "mail", "", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := Emit(ctx, database, TypeIdentityMerged, "mail", "2", map[string]int64{"survivor": 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	// Events emitted in a rolled-back transaction disappear with it.
	boom := errors.New("boom")
	err = db.RunTx(ctx, database, func(tx *sql.Tx) error {
		if err := Emit(ctx, tx, TypeChunkCommitted, "mail", "", nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	events, err := List(ctx, database, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Type != TypeIdentityMerged || *events[1].SubjectID != "2" || *events[1].Payload != `{"survivor":1}` {
		t.Fatalf("unexpected event %+v", events[1])
	}
	if events[0].SubjectID != nil {
		t.Fatalf("empty subject should be NULL")
	}

	after, err := List(ctx, database, events[0].Seq, 10)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected 1 event after seq, got %d", len(after))
	}

	if err := Emit(ctx, database, "", "", "", nil); err == nil {
		t.Fatalf("expected error for empty type")
	}
}
