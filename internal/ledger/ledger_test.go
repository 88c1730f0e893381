package ledger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/commsledger/internal/record"
	"github.com/Napageneral/commsledger/internal/results"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, p record.Platform, offset time.Duration, sender record.Person, recipients ...record.Person) record.Record {
	return record.Record{
		ID:         id,
		Platform:   p,
		Timestamp:  base.Add(offset),
		Sender:     sender,
		Recipients: recipients,
		Body:       "body of " + id,
	}
}

var (
	alexPhone = record.Person{Platform: record.PlatformIMessage, PlatformID: "+15551234567"}
	alexEmail = record.Person{Platform: record.PlatformGmail, PlatformID: "a@example.com", Email: "a@example.com", DisplayName: "Alex"}
	alexCard  = record.Person{Platform: record.PlatformGoogleTakeoutContacts, PlatformID: "c1", Email: "A@example.com", Phone: "555-123-4567"}
	me        = record.Person{Platform: record.PlatformIMessage, PlatformID: "+15550000000"}
	sam       = record.Person{Platform: record.PlatformWhatsApp, PlatformID: "sam", DisplayName: "Sam"}
)

func sample() *Ledger {
	l := New(time.Time{})
	l.Add(rec("imessage:2", record.PlatformIMessage, 2*time.Hour, alexPhone, me))
	l.Add(rec("gmail:1", record.PlatformGmail, time.Hour, alexEmail, me))
	l.Add(rec("whatsapp:3", record.PlatformWhatsApp, 26*time.Hour, sam, me))
	return l
}

func TestRegistryBridgesAliases(t *testing.T) {
	l := sample()
	assert.Len(t, l.Contacts(), 4)

	l.Add(rec("googletakeoutcontacts:c1", record.PlatformGoogleTakeoutContacts, 3*time.Hour, alexCard))
	contacts := l.Contacts()
	require.Len(t, contacts, 3)

	var alex *Contact
	for i := range contacts {
		for _, a := range contacts[i].Aliases {
			if a == "email:a@example.com" {
				alex = &contacts[i]
			}
		}
	}
	require.NotNil(t, alex)
	assert.Equal(t, "Alex", alex.Name)
	assert.Contains(t, alex.Aliases, "phone:+15551234567")
	assert.Contains(t, alex.Aliases, "imessage:+15551234567")
}

func TestConversationsWith(t *testing.T) {
	l := sample()
	l.Add(rec("googletakeoutcontacts:c1", record.PlatformGoogleTakeoutContacts, 3*time.Hour, alexCard))

	got, err := l.ConversationsWith("email:A@Example.com")
	require.NoError(t, err)
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"gmail:1", "imessage:2", "googletakeoutcontacts:c1"}, ids)

	got, err = l.ConversationsWith("phone:(555) 000-0000")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = l.ConversationsWith("email:nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = l.ConversationsWith("bogus")
	assert.Error(t, err)
}

func TestStartDateAndDedup(t *testing.T) {
	l := New(base.Add(90 * time.Minute))
	assert.False(t, l.Add(rec("gmail:1", record.PlatformGmail, time.Hour, alexEmail)))
	assert.True(t, l.Add(rec("imessage:2", record.PlatformIMessage, 2*time.Hour, alexPhone)))
	assert.False(t, l.Add(rec("imessage:2", record.PlatformIMessage, 2*time.Hour, alexPhone)))
	assert.Equal(t, 1, l.Len())
}

func TestExportJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sample().ExportJSON(&buf))

	var doc struct {
		TotalMessages  int      `json:"total_messages"`
		Platforms      []string `json:"platforms"`
		UniqueContacts int      `json:"unique_contacts"`
		Messages       []struct {
			ID        string `json:"id"`
			Timestamp string `json:"timestamp"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 3, doc.TotalMessages)
	assert.Equal(t, []string{"gmail", "imessage", "whatsapp"}, doc.Platforms)
	assert.Equal(t, 4, doc.UniqueContacts)
	require.Len(t, doc.Messages, 3)
	assert.Equal(t, "gmail:1", doc.Messages[0].ID)
	assert.Equal(t, "2024-03-01T13:00:00.000Z", doc.Messages[0].Timestamp)
}

func TestExportText(t *testing.T) {
	l := sample()
	start, end := base.Add(30*time.Hour), base.Add(31*time.Hour)
	ev := rec("gcal:e1", record.PlatformGCal, 29*time.Hour, record.Person{Platform: record.PlatformGCal, PlatformID: "o@example.com", Email: "o@example.com"})
	ev.Subject = "Review"
	ev.EventStart, ev.EventEnd = &start, &end
	ev.Body = strings.Repeat("x", 250)
	l.Add(ev)

	var buf bytes.Buffer
	require.NoError(t, l.ExportText(&buf))
	out := buf.String()

	assert.Contains(t, out, "UNIFIED MESSAGE LEDGER - TIMELINE")
	assert.Contains(t, out, "## 2024-03-01 (Friday)")
	assert.Contains(t, out, "## 2024-03-02 (Saturday)")
	assert.Contains(t, out, "[GMAIL] 2024-03-01 13:00:00\nFrom: Alex\nTo: +15550000000\n")
	assert.Contains(t, out, "Subject: Review\nEvent: 2024-03-02 18:00:00 - 2024-03-02 19:00:00\n")
	assert.Contains(t, out, strings.Repeat("x", 200)+"...\n")
	assert.Less(t, strings.Index(out, "[GMAIL]"), strings.Index(out, "[IMESSAGE]"))
}

func TestLoadResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	w, err := results.Open(path)
	require.NoError(t, err)
	r1 := rec("gmail:1", record.PlatformGmail, time.Hour, alexEmail, me)
	r2 := rec("imessage:2", record.PlatformIMessage, 2*time.Hour, alexPhone, me)
	require.NoError(t, w.Append([]record.Record{r1, r2, r1}))
	require.NoError(t, w.Close())

	l, err := LoadResults(path, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())
}
