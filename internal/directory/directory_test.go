package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Napageneral/commsledger/internal/collab"
	"github.com/Napageneral/commsledger/internal/identity"
)

const contactsCSV = `Name,Email,Phone,Organization
Ana Lima,ANA@example.com,(555) 123-4567,
,,+44 7700 900123,Acme Ltd
,,,
`

func TestLoadCSV(t *testing.T) {
	d, err := LoadCSV(strings.NewReader(contactsCSV))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Len() != 3 {
		t.Fatalf("expected 3 indexed identifiers, got %d", d.Len())
	}
	ctx := context.Background()
	cases := map[identity.Alias]string{
		{Kind: identity.KindEmail, Value: "ana@example.com"}:    "Ana Lima",
		{Kind: identity.KindPhone, Value: "+15551234567"}:       "Ana Lima",
		{Kind: identity.KindPhone, Value: "+447700900123"}:      "Acme Ltd",
		{Kind: "imessage", Value: "+15551234567"}:               "",
		{Kind: identity.KindEmail, Value: "nobody@example.com"}: "",
	}
	for alias, want := range cases {
		got, found, err := d.Lookup(ctx, alias)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if got != want || found != (want != "") {
			t.Fatalf("lookup %s = %q,%v want %q", alias.Key(), got, found, want)
		}
	}
}

type countingSource struct {
	calls int
	err   error
}

func (c *countingSource) Lookup(_ context.Context, alias identity.Alias) (string, bool, error) {
	c.calls++
	if c.err != nil {
		return "", false, c.err
	}
	if alias.Value == "known" {
		return "Known Person", true, nil
	}
	return "", false, nil
}

func TestCacheNeverEvictsAndCachesMisses(t *testing.T) {
	src := &countingSource{}
	c := NewCache(src, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if name, ok := c.Lookup(ctx, identity.Alias{Kind: "email", Value: "known"}); !ok || name != "Known Person" {
			t.Fatalf("unexpected lookup %q %v", name, ok)
		}
		if _, ok := c.Lookup(ctx, identity.Alias{Kind: "email", Value: "unknown"}); ok {
			t.Fatalf("expected miss")
		}
	}
	if src.calls != 2 {
		t.Fatalf("expected one source call per alias, got %d", src.calls)
	}
	hits, misses := c.Stats()
	if hits != 4 || misses != 2 {
		t.Fatalf("unexpected stats hits=%d misses=%d", hits, misses)
	}
}

func TestCacheTreatsErrorsAsMisses(t *testing.T) {
	src := &countingSource{err: errors.New("collaborator down")}
	c := NewCache(src, nil)
	for i := 0; i < 2; i++ {
		if _, ok := c.Lookup(context.Background(), identity.Alias{Kind: "phone", Value: "+1"}); ok {
			t.Fatalf("expected miss on error")
		}
	}
	if src.calls != 1 {
		t.Fatalf("expected failing lookup to be cached, got %d calls", src.calls)
	}

	var nilCache *Cache
	if _, ok := nilCache.Lookup(context.Background(), identity.Alias{}); ok {
		t.Fatalf("nil cache must miss")
	}
}

func TestChain(t *testing.T) {
	d, err := LoadCSV(strings.NewReader(contactsCSV))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := Chain{&countingSource{err: errors.New("down")}, d}
	name, ok, err := ch.Lookup(context.Background(), identity.Alias{Kind: "email", Value: "ana@example.com"})
	if err != nil || !ok || name != "Ana Lima" {
		t.Fatalf("unexpected chain result %q %v %v", name, ok, err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "lookup.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCommandLookup(t *testing.T) {
	script := writeScript(t, `if [ "$2" = "+15551234567" ]; then echo "Ana Lima"; exit 0; fi
exit 1
`)
	c := &Command{Path: script, Retrier: &collab.Retrier{MaxAttempts: 2, InitialDelay: time.Millisecond, Timeout: 5 * time.Second}}
	ctx := context.Background()

	name, ok, err := c.Lookup(ctx, identity.Alias{Kind: identity.KindPhone, Value: "+15551234567"})
	if err != nil || !ok || name != "Ana Lima" {
		t.Fatalf("unexpected hit result %q %v %v", name, ok, err)
	}
	_, ok, err = c.Lookup(ctx, identity.Alias{Kind: identity.KindPhone, Value: "+10000000000"})
	if err != nil || ok {
		t.Fatalf("expected clean miss, got %v %v", ok, err)
	}
	_, ok, err = c.Lookup(ctx, identity.Alias{Kind: "imessage", Value: "+15551234567"})
	if err != nil || ok {
		t.Fatalf("platform aliases are not handled by default")
	}
}

func TestCommandLookupExhaustsOnFailure(t *testing.T) {
	script := writeScript(t, "exit 3\n")
	c := &Command{Path: script, Retrier: &collab.Retrier{MaxAttempts: 2, InitialDelay: time.Millisecond}}
	_, ok, err := c.Lookup(context.Background(), identity.Alias{Kind: identity.KindEmail, Value: "a@example.com"})
	if ok || !errors.Is(err, collab.ErrExhausted) {
		t.Fatalf("expected exhausted error, got %v %v", ok, err)
	}
}
