package identity

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Napageneral/commsledger/internal/db"
	"github.com/Napageneral/commsledger/internal/record"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.OpenPath(db.DriverModernc, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.InitDB(database); err != nil {
		t.Fatalf("init db: %v", err)
	}
	return database
}

func resolveAll(t *testing.T, database *sql.DB, r *Resolver, people ...record.Person) []Resolution {
	t.Helper()
	ctx := context.Background()
	var out []Resolution
	err := db.RunTx(ctx, database, func(tx *sql.Tx) error {
		for _, p := range people {
			res, err := r.Resolve(ctx, tx, p)
			if err != nil {
				return err
			}
			out = append(out, res)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return out
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"  +1 (707) 287-4936 ": "+17072874936",
		"(707) 287-4936":       "+17072874936",
		"17072874936":          "+17072874936",
		"447700900123":         "+447700900123",
		"+44 7700 900123":      "+447700900123",
		"6376797":              "6376797",
		"":                     "",
		"n/a":                  "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q)=%q want %q", in, got, want)
		}
	}
}

func TestAliasesIncludeDerivedSignals(t *testing.T) {
	got := Aliases(record.Person{PlatformID: "(555) 123-4567", Platform: record.PlatformIMessage, Email: "A@Example.com"})
	want := []Alias{
		{Kind: "imessage", Value: "(555) 123-4567"},
		{Kind: KindEmail, Value: "a@example.com"},
		{Kind: KindPhone, Value: "+15551234567"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("aliases=%v want %v", got, want)
	}
	if a, ok := ParseAliasKey("phone:555-123-4567"); !ok || a.Value != "+15551234567" {
		t.Fatalf("unexpected parsed alias %v %v", a, ok)
	}
	if _, ok := ParseAliasKey("fax:123"); ok {
		t.Fatalf("unknown kind should not parse")
	}
}

func TestResolveCreatesThenReuses(t *testing.T) {
	database := openTestDB(t)
	r := NewResolver(nil)

	res := resolveAll(t, database, r,
		record.Person{PlatformID: "a@example.com", Platform: record.PlatformGmail, DisplayName: "Ana"},
		record.Person{PlatformID: "a@example.com", Platform: record.PlatformGCal, Email: "A@EXAMPLE.com"},
	)
	if !res[0].Created || res[1].Created {
		t.Fatalf("expected create then reuse: %+v", res)
	}
	if res[0].ID != res[1].ID {
		t.Fatalf("expected case-insensitive email match, got %d and %d", res[0].ID, res[1].ID)
	}

	ident, err := Get(context.Background(), database, res[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ident.DisplayName != "Ana" || ident.Email != "a@example.com" {
		t.Fatalf("unexpected identity %+v", ident)
	}
}

func TestResolveRejectsEmptyIdentifier(t *testing.T) {
	database := openTestDB(t)
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), database, record.Person{Platform: record.PlatformGmail})
	if !errors.Is(err, ErrNoIdentifier) {
		t.Fatalf("expected ErrNoIdentifier, got %v", err)
	}
}

func bridgePeople() (a, b, c record.Person) {
	a = record.Person{PlatformID: "+15551234567", Platform: record.PlatformIMessage}
	b = record.Person{PlatformID: "a@example.com", Platform: record.PlatformGmail, Email: "a@example.com", DisplayName: "Ana"}
	c = record.Person{PlatformID: "contact-42", Platform: record.PlatformGoogleTakeoutContacts, Phone: "555-123-4567", Email: "a@example.com"}
	return
}

func TestMergeIsOrderIndependent(t *testing.T) {
	a, b, c := bridgePeople()
	perms := [][]record.Person{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}

	var want []Alias
	for i, perm := range perms {
		database := openTestDB(t)
		r := NewResolver(nil)
		resolveAll(t, database, r, perm...)

		survivors, err := List(context.Background(), database, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(survivors) != 1 {
			t.Fatalf("perm %d: expected one identity, got %d", i, len(survivors))
		}
		if survivors[0].ID != 1 {
			t.Fatalf("perm %d: expected lowest id to survive, got %d", i, survivors[0].ID)
		}
		if i == 0 {
			want = survivors[0].Aliases
			continue
		}
		if !reflect.DeepEqual(survivors[0].Aliases, want) {
			t.Fatalf("perm %d: aliases %v differ from %v", i, survivors[0].Aliases, want)
		}
	}
	if len(want) != 5 {
		t.Fatalf("expected 5 aliases (imessage, phone, gmail, email, contacts), got %v", want)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	r := NewResolver(nil)
	a, b, c := bridgePeople()

	res := resolveAll(t, database, r, a, b, c)
	if len(res[2].Merged) != 1 || res[2].Merged[0] != 2 || res[2].ID != 1 {
		t.Fatalf("expected identity 2 merged into 1, got %+v", res[2])
	}

	again := resolveAll(t, database, r, c, a, b)
	for _, x := range again {
		if x.ID != 1 || len(x.Merged) != 0 || x.Created {
			t.Fatalf("re-resolve should be a no-op, got %+v", x)
		}
	}

	ctx := context.Background()
	loser, err := Get(ctx, database, 2)
	if err != nil {
		t.Fatalf("get loser: %v", err)
	}
	if loser.MergedInto == nil || *loser.MergedInto != 1 || len(loser.Aliases) != 0 {
		t.Fatalf("loser should remain as a merged row without aliases: %+v", loser)
	}
	surv, err := Get(ctx, database, 1)
	if err != nil {
		t.Fatalf("get survivor: %v", err)
	}
	if surv.DisplayName != "Ana" {
		t.Fatalf("expected name backfilled from merged identity, got %q", surv.DisplayName)
	}

	if c, err := Canonical(ctx, database, 2); err != nil || c != 1 {
		t.Fatalf("merged identity should lead to its survivor: %d %v", c, err)
	}
}

type fakeNames map[string]string

func (f fakeNames) Lookup(_ context.Context, a Alias) (string, bool) {
	n, ok := f[a.Key()]
	return n, ok
}

func TestNameSourceBackfill(t *testing.T) {
	database := openTestDB(t)
	r := NewResolver(fakeNames{"phone:+15551234567": "Ana Lima"})
	res := resolveAll(t, database, r, record.Person{PlatformID: "+15551234567", Platform: record.PlatformWhatsApp})

	ident, err := Get(context.Background(), database, res[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ident.DisplayName != "Ana Lima" || ident.Phone != "+15551234567" {
		t.Fatalf("unexpected identity %+v", ident)
	}
}

func TestMarkMe(t *testing.T) {
	database := openTestDB(t)
	r := NewResolver(nil)
	ctx := context.Background()
	res, err := r.MarkMe(ctx, database, record.Person{PlatformID: "me@example.com", Platform: record.PlatformGmail})
	if err != nil {
		t.Fatalf("mark me: %v", err)
	}
	ident, err := Get(ctx, database, res.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ident.IsMe {
		t.Fatalf("expected is_me")
	}
}
