package project

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/commsledger/internal/db"
	"github.com/Napageneral/commsledger/internal/identity"
	"github.com/Napageneral/commsledger/internal/record"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.OpenPath(db.DriverModernc, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.InitDB(database))
	return database
}

func newProjector(opts Options) *Projector {
	return New(identity.NewResolver(nil), opts, nil)
}

func mkRecord(t *testing.T, id string, offset int, sender record.Person, recipients ...record.Person) *record.Record {
	t.Helper()
	prefix, _, _ := strings.Cut(id, ":")
	p, err := record.ParsePlatform(prefix)
	require.NoError(t, err)
	rec := &record.Record{
		ID:         id,
		Platform:   p,
		Timestamp:  base.Add(time.Duration(offset) * time.Minute),
		Sender:     sender,
		Recipients: recipients,
		Body:       "hello from " + id,
	}
	require.NoError(t, rec.Finalize(0))
	return rec
}

func project(t *testing.T, database *sql.DB, p *Projector, recs ...*record.Record) []Result {
	t.Helper()
	ctx := context.Background()
	var out []Result
	err := db.RunTx(ctx, database, func(tx *sql.Tx) error {
		for _, rec := range recs {
			res, err := p.Project(ctx, tx, rec)
			if err != nil {
				return err
			}
			out = append(out, res)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func count(t *testing.T, database *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, database.QueryRow(query, args...).Scan(&n))
	return n
}

func phonePerson() record.Person {
	return record.Person{Platform: record.PlatformIMessage, PlatformID: "+15551234567"}
}

func emailPerson() record.Person {
	return record.Person{Platform: record.PlatformGmail, PlatformID: "a@example.com", Email: "a@example.com"}
}

func bridgePerson() record.Person {
	return record.Person{
		Platform:    record.PlatformGoogleTakeoutContacts,
		PlatformID:  "c1",
		DisplayName: "Alex",
		Email:       "A@Example.com",
		Phone:       "(555) 123-4567",
	}
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append([]int{}, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestBridgingRecordsYieldOneContact(t *testing.T) {
	for _, order := range permutations(3) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			database := openTestDB(t)
			p := newProjector(Options{})
			recs := []*record.Record{
				mkRecord(t, "imessage:1", 0, phonePerson()),
				mkRecord(t, "gmail:9", 1, emailPerson()),
				mkRecord(t, "googletakeoutcontacts:c1", 2, bridgePerson()),
			}
			for _, i := range order {
				project(t, database, p, recs[i])
			}

			assert.Equal(t, 1, count(t, database, `SELECT COUNT(*) FROM contacts`))
			assert.Equal(t, 3, count(t, database, `SELECT COUNT(*) FROM messages`))
			assert.Equal(t, 3, count(t, database, `SELECT message_count FROM contacts`))
			assert.Equal(t, 1, count(t, database, `SELECT COUNT(*) FROM identities WHERE merged_into IS NULL`))

			var name sql.NullString
			require.NoError(t, database.QueryRow(`SELECT display_name FROM contacts`).Scan(&name))
			assert.Equal(t, "Alex", name.String)
		})
	}
}

func TestDuplicateRecordIsNoop(t *testing.T) {
	database := openTestDB(t)
	p := newProjector(Options{})
	rec := mkRecord(t, "imessage:1", 0, phonePerson(), emailPerson())

	first := project(t, database, p, rec)
	second := project(t, database, p, rec)

	assert.Equal(t, OutcomeInserted, first[0].Outcome)
	assert.Equal(t, OutcomeDuplicate, second[0].Outcome)
	assert.Equal(t, first[0].MessageID, second[0].MessageID)
	assert.Equal(t, 1, count(t, database, `SELECT COUNT(*) FROM messages`))
	assert.Equal(t, 1, count(t, database, `SELECT message_count FROM conversations`))
}

func groupRecord(t *testing.T, id string, thread string, n int, offset int) *record.Record {
	t.Helper()
	sender := record.Person{Platform: record.PlatformWhatsApp, PlatformID: fmt.Sprintf("%s-p0", thread)}
	var recipients []record.Person
	for i := 1; i < n; i++ {
		recipients = append(recipients, record.Person{Platform: record.PlatformWhatsApp, PlatformID: fmt.Sprintf("%s-p%d", thread, i)})
	}
	rec := mkRecord(t, id, offset, sender, recipients...)
	rec.ThreadID = thread
	return rec
}

func TestGroupCeilingExcludesLargeConversation(t *testing.T) {
	database := openTestDB(t)
	p := newProjector(Options{})

	res := project(t, database, p, groupRecord(t, "whatsapp:1", "big", 8, 0))

	assert.Equal(t, OutcomeSuppressed, res[0].Outcome)
	assert.Equal(t, 0, count(t, database, `SELECT COUNT(*) FROM messages`))
	assert.Equal(t, 0, count(t, database, `SELECT COUNT(*) FROM conversation_participants`))
	assert.Equal(t, 0, count(t, database, `SELECT COUNT(*) FROM conversations`))
	assert.Equal(t, 1, count(t, database, `SELECT COUNT(*) FROM suppressed_conversations WHERE thread_id = 'big'`))

	// Exactly at the ceiling is kept.
	res = project(t, database, p, groupRecord(t, "whatsapp:2", "seven", 7, 1))
	assert.Equal(t, OutcomeInserted, res[0].Outcome)
	assert.Equal(t, 7, count(t, database, `SELECT participant_count FROM conversations WHERE thread_id = 'seven'`))
	assert.Equal(t, 1, count(t, database, `SELECT is_group FROM conversations WHERE thread_id = 'seven'`))
}

func TestGroupCeilingPurgesGrowingConversation(t *testing.T) {
	database := openTestDB(t)
	p := newProjector(Options{})

	first := groupRecord(t, "whatsapp:1", "grow", 4, 0)
	project(t, database, p, first)
	require.Equal(t, 1, count(t, database, `SELECT COUNT(*) FROM messages`))

	// Four new people join: the union is eight.
	second := groupRecord(t, "whatsapp:2", "grow", 1, 1)
	for i := 10; i < 14; i++ {
		second.Recipients = append(second.Recipients, record.Person{Platform: record.PlatformWhatsApp, PlatformID: fmt.Sprintf("grow-p%d", i)})
	}
	require.NoError(t, second.Finalize(0))
	res := project(t, database, p, second)

	assert.Equal(t, OutcomeSuppressed, res[0].Outcome)
	assert.Equal(t, 0, count(t, database, `SELECT COUNT(*) FROM messages`))
	assert.Equal(t, 0, count(t, database, `SELECT COUNT(*) FROM conversations`))
	assert.Equal(t, 0, count(t, database, `SELECT COUNT(*) FROM conversation_participants`))

	// Later records for the key stay suppressed.
	res = project(t, database, p, groupRecord(t, "whatsapp:3", "grow", 2, 2))
	assert.Equal(t, OutcomeSuppressed, res[0].Outcome)
}

func TestAggregatesMatchRows(t *testing.T) {
	database := openTestDB(t)
	p := newProjector(Options{})

	me := record.Person{Platform: record.PlatformIMessage, PlatformID: "+15550000000"}
	require.NoError(t, db.RunTx(context.Background(), database, func(tx *sql.Tx) error {
		return p.MarkMe(context.Background(), tx, []record.Person{me})
	}))

	var recs []*record.Record
	for i := 0; i < 6; i++ {
		other := record.Person{Platform: record.PlatformIMessage, PlatformID: fmt.Sprintf("+1555000000%d", i%3+1)}
		sender, recipient := other, me
		if i%2 == 0 {
			sender, recipient = me, other
		}
		recs = append(recs, mkRecord(t, fmt.Sprintf("imessage:%d", i), 10-i, sender, recipient))
	}
	project(t, database, p, recs...)

	// Bridge two of the phones through one contact card.
	card := mkRecord(t, "googletakeoutcontacts:card", 20, record.Person{
		Platform: record.PlatformGoogleTakeoutContacts, PlatformID: "card",
		Phone: "+15550000001", Email: "x@example.com",
	}, record.Person{Platform: record.PlatformGoogleTakeoutContacts, PlatformID: "x@example.com", Email: "x@example.com", Phone: "+15550000002"})
	project(t, database, p, card)

	assert.Equal(t, 0, count(t, database, `
		SELECT COUNT(*) FROM conversations c
		WHERE c.message_count != (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.conversation_id)
	`))
	assert.Equal(t, 0, count(t, database, `
		SELECT COUNT(*) FROM contacts co
		WHERE co.message_count != (SELECT COUNT(*) FROM messages m WHERE m.sender_id = co.contact_id)
	`))
	assert.Equal(t, 0, count(t, database, `
		SELECT COUNT(*) FROM conversations c
		WHERE c.participant_count != (SELECT COUNT(*) FROM conversation_participants cp WHERE cp.conversation_id = c.conversation_id)
	`))
	assert.Equal(t, 0, count(t, database, `
		SELECT COUNT(*) FROM messages WHERE sender_id NOT IN (SELECT contact_id FROM contacts)
	`))
	assert.Equal(t, 3, count(t, database, `SELECT COUNT(*) FROM messages WHERE is_sent = 1`))

	var first, last string
	require.NoError(t, database.QueryRow(`SELECT MIN(first_message_at), MAX(last_message_at) FROM conversations`).Scan(&first, &last))
	assert.Equal(t, record.FormatTime(base.Add(5*time.Minute)), first)
	assert.Equal(t, record.FormatTime(base.Add(20*time.Minute)), last)
}

func TestCalendarEvents(t *testing.T) {
	database := openTestDB(t)
	p := newProjector(Options{})
	organizer := record.Person{Platform: record.PlatformGCal, PlatformID: "o@example.com", Email: "o@example.com"}

	ok := mkRecord(t, "gcal:evt1", 0, organizer)
	start, end := base.Add(time.Hour), base.Add(2*time.Hour)
	ok.EventStart, ok.EventEnd = &start, &end
	ok.EventLocation = "Room 1"
	ok.EventRecurring = true
	project(t, database, p, ok)

	var loc string
	var recurring bool
	require.NoError(t, database.QueryRow(`SELECT event_location, is_recurring FROM calendar_events`).Scan(&loc, &recurring))
	assert.Equal(t, "Room 1", loc)
	assert.True(t, recurring)

	bad := mkRecord(t, "gcal:evt2", 1, organizer)
	bad.EventStart, bad.EventEnd = &end, &start
	_, err := p.Project(context.Background(), database, bad)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, 1, count(t, database, `SELECT COUNT(*) FROM messages`))
}

func TestRepliesAndTags(t *testing.T) {
	database := openTestDB(t)
	p := newProjector(Options{})

	parent := mkRecord(t, "gmail:m1", 0, emailPerson())
	parent.Subject = "Plans"
	parent.Tags = []string{"INBOX", "IMPORTANT", "INBOX"}
	child := mkRecord(t, "gmail:m2", 1, emailPerson())
	child.ReplyTo = "gmail:m1"
	child.Tags = []string{" ", "INBOX"}
	project(t, database, p, parent, child)

	assert.Equal(t, 3, count(t, database, `SELECT COUNT(*) FROM message_tags`))
	assert.Equal(t, 1, count(t, database, `
		SELECT COUNT(*) FROM messages c JOIN messages p ON c.reply_to_message_id = p.message_id
		WHERE c.platform_message_id = 'm2' AND p.platform_message_id = 'm1' AND c.is_reply = 1
	`))

	var name string
	require.NoError(t, database.QueryRow(`SELECT conversation_name FROM conversations WHERE thread_id LIKE 'dm:%' LIMIT 1`).Scan(&name))
	assert.Equal(t, "Plans", name)
}
