// Package ledger is an in-memory mirror of ingested records with a contact
// registry keyed by alias, used for ad hoc queries and flat-file export
// without a database.
package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Napageneral/commsledger/internal/identity"
	"github.com/Napageneral/commsledger/internal/record"
	"github.com/Napageneral/commsledger/internal/results"
)

// Contact is one registry entry; bridged aliases share an entry.
type Contact struct {
	Name    string   `json:"name,omitempty"`
	Aliases []string `json:"aliases"`
}

// Ledger holds records in insertion order. It is not safe for concurrent use.
type Ledger struct {
	start    time.Time
	records  []record.Record
	seen     map[string]struct{}
	parent   map[string]string
	contacts map[string]*Contact
}

// New returns a ledger that drops records older than start. A zero start
// keeps everything.
func New(start time.Time) *Ledger {
	return &Ledger{
		start:    start,
		seen:     map[string]struct{}{},
		parent:   map[string]string{},
		contacts: map[string]*Contact{},
	}
}

// Add keeps rec when it passes the start date and has not been added
// before. It reports whether the record was kept.
func (l *Ledger) Add(rec record.Record) bool {
	if !l.start.IsZero() && rec.Timestamp.Before(l.start) {
		return false
	}
	if _, ok := l.seen[rec.ID]; ok {
		return false
	}
	l.seen[rec.ID] = struct{}{}
	l.records = append(l.records, rec)
	l.register(rec.Sender)
	for _, p := range rec.Recipients {
		l.register(p)
	}
	return true
}

// Len returns the number of records kept.
func (l *Ledger) Len() int { return len(l.records) }

// register unions every alias of p into one registry entry.
func (l *Ledger) register(p record.Person) {
	aliases := identity.Aliases(p)
	if len(aliases) == 0 {
		return
	}
	root := l.find(aliases[0].Key())
	for _, a := range aliases[1:] {
		root = l.union(root, l.find(a.Key()))
	}
	if c := l.contacts[root]; c.Name == "" && p.DisplayName != "" {
		c.Name = p.DisplayName
	}
}

func (l *Ledger) find(key string) string {
	if _, ok := l.parent[key]; !ok {
		l.parent[key] = key
		l.contacts[key] = &Contact{Aliases: []string{key}}
		return key
	}
	for l.parent[key] != key {
		l.parent[key] = l.parent[l.parent[key]]
		key = l.parent[key]
	}
	return key
}

// union keeps the lexically smaller root so the result is order-independent.
func (l *Ledger) union(a, b string) string {
	if a == b {
		return a
	}
	if b < a {
		a, b = b, a
	}
	l.parent[b] = a
	ca, cb := l.contacts[a], l.contacts[b]
	ca.Aliases = append(ca.Aliases, cb.Aliases...)
	if ca.Name == "" {
		ca.Name = cb.Name
	}
	delete(l.contacts, b)
	return a
}

// Contacts returns the registry entries with sorted aliases.
func (l *Ledger) Contacts() []Contact {
	out := make([]Contact, 0, len(l.contacts))
	for _, c := range l.contacts {
		aliases := append([]string(nil), c.Aliases...)
		sort.Strings(aliases)
		out = append(out, Contact{Name: c.Name, Aliases: aliases})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Aliases[0] < out[j].Aliases[0] })
	return out
}

// ConversationsWith returns, in timeline order, every record whose sender or
// recipients belong to the contact behind key ("email:x", "phone:x" or
// "<platform>:<id>").
func (l *Ledger) ConversationsWith(key string) ([]record.Record, error) {
	alias, ok := identity.ParseAliasKey(key)
	if !ok {
		return nil, fmt.Errorf("invalid contact key %q", key)
	}
	if _, ok := l.parent[alias.Key()]; !ok {
		return nil, nil
	}
	target := l.find(alias.Key())

	var out []record.Record
	for _, rec := range l.Timeline() {
		people := append([]record.Person{rec.Sender}, rec.Recipients...)
		for _, p := range people {
			if l.belongs(p, target) {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

func (l *Ledger) belongs(p record.Person, root string) bool {
	for _, a := range identity.Aliases(p) {
		if _, ok := l.parent[a.Key()]; ok && l.find(a.Key()) == root {
			return true
		}
	}
	return false
}

// Timeline returns the records sorted by timestamp, ties broken by id.
func (l *Ledger) Timeline() []record.Record {
	out := append([]record.Record(nil), l.records...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Export is the JSON export document.
type Export struct {
	TotalMessages  int             `json:"total_messages"`
	Platforms      []string        `json:"platforms"`
	UniqueContacts int             `json:"unique_contacts"`
	Messages       []record.Record `json:"messages"`
}

// Snapshot builds the export document.
func (l *Ledger) Snapshot() Export {
	platforms := map[string]struct{}{}
	for _, rec := range l.records {
		platforms[string(rec.Platform)] = struct{}{}
	}
	names := make([]string, 0, len(platforms))
	for p := range platforms {
		names = append(names, p)
	}
	sort.Strings(names)
	return Export{
		TotalMessages:  len(l.records),
		Platforms:      names,
		UniqueContacts: len(l.contacts),
		Messages:       l.Timeline(),
	}
}

// ExportJSON writes the snapshot as indented JSON.
func (l *Ledger) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l.Snapshot()); err != nil {
		return fmt.Errorf("failed to write ledger json: %w", err)
	}
	return nil
}

const (
	rule        = "================================================================================"
	thinRule    = "--------------------------------------------------------------------------------"
	previewText = 200
	textLayout  = "2006-01-02 15:04:05"
)

// ExportText writes a human-readable timeline grouped by UTC day.
func (l *Ledger) ExportText(w io.Writer) error {
	var b strings.Builder
	b.WriteString(rule + "\nUNIFIED MESSAGE LEDGER - TIMELINE\n" + rule + "\n")

	day := ""
	for _, rec := range l.Timeline() {
		if d := rec.Timestamp.UTC().Format("2006-01-02 (Monday)"); d != day {
			day = d
			fmt.Fprintf(&b, "\n## %s\n", day)
		}
		fmt.Fprintf(&b, "\n[%s] %s\n", strings.ToUpper(string(rec.Platform)), rec.Timestamp.UTC().Format(textLayout))
		fmt.Fprintf(&b, "From: %s\n", label(rec.Sender))
		if len(rec.Recipients) > 0 {
			names := make([]string, len(rec.Recipients))
			for i, p := range rec.Recipients {
				names[i] = label(p)
			}
			fmt.Fprintf(&b, "To: %s\n", strings.Join(names, ", "))
		}
		if rec.Subject != "" {
			fmt.Fprintf(&b, "Subject: %s\n", rec.Subject)
		}
		if rec.EventStart != nil {
			end := ""
			if rec.EventEnd != nil {
				end = rec.EventEnd.UTC().Format(textLayout)
			}
			fmt.Fprintf(&b, "Event: %s - %s\n", rec.EventStart.UTC().Format(textLayout), end)
		}
		fmt.Fprintf(&b, "\n%s\n%s\n", preview(rec.Body), thinRule)
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write ledger text: %w", err)
	}
	return nil
}

func label(p record.Person) string {
	for _, s := range []string{p.DisplayName, p.Email, p.Phone, p.PlatformID} {
		if s != "" {
			return s
		}
	}
	return "unknown"
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= previewText {
		return body
	}
	return string(r[:previewText]) + "..."
}

// LoadResults builds a ledger from a results file.
func LoadResults(path string, start time.Time) (*Ledger, error) {
	recs, err := results.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l := New(start)
	for _, rec := range recs {
		l.Add(rec)
	}
	return l, nil
}
