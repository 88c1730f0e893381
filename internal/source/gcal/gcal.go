// Package gcal normalizes calendar-API events into records. Events come from
// a JSON export on disk or from the gog CLI.
package gcal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Napageneral/commsledger/internal/collab"
	"github.com/Napageneral/commsledger/internal/record"
	"github.com/Napageneral/commsledger/internal/source"
)

// Options configure a calendar source. File wins over the CLI when set.
type Options struct {
	File string

	Command   string
	Account   string
	Calendars []string
	From      time.Time
	To        time.Time
	Retrier   *collab.Retrier

	MaxText int
}

func (o Options) withDefaults() Options {
	if o.Command == "" {
		o.Command = "gog"
	}
	if len(o.Calendars) == 0 {
		o.Calendars = []string{"primary"}
	}
	if o.To.IsZero() {
		o.To = time.Now().AddDate(1, 0, 0)
	}
	if o.From.IsZero() {
		o.From = o.To.AddDate(-5, 0, 0)
	}
	if o.Retrier == nil {
		o.Retrier = &collab.Retrier{MaxAttempts: 1}
	}
	return o
}

var _ source.Source = (*Source)(nil)

// Source streams calendar events.
type Source struct {
	name string
	opts Options
}

// New returns a calendar source.
func New(name string, opts Options) (*Source, error) {
	opts = opts.withDefaults()
	if opts.File == "" {
		if strings.TrimSpace(opts.Account) == "" {
			return nil, fmt.Errorf("account email is required for calendar source %s", name)
		}
		if _, err := exec.LookPath(opts.Command); err != nil {
			return nil, fmt.Errorf("%s not found in PATH: %w", opts.Command, err)
		}
	}
	return &Source{name: name, opts: opts}, nil
}

func (s *Source) Name() string { return s.name }

type eventsResponse struct {
	Events        []json.RawMessage `json:"events"`
	NextPageToken string            `json:"nextPageToken"`
}

type event struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"` // confirmed|cancelled|tentative
	Summary          string   `json:"summary"`
	Description      string   `json:"description"`
	Location         string   `json:"location"`
	HTMLLink         string   `json:"htmlLink"`
	RecurringEventID string   `json:"recurringEventId"`
	Recurrence       []string `json:"recurrence"`

	Start eventTime `json:"start"`
	End   eventTime `json:"end"`

	Organizer *eventPerson  `json:"organizer"`
	Creator   *eventPerson  `json:"creator"`
	Attendees []eventPerson `json:"attendees"`
}

type eventTime struct {
	Date     string `json:"date"`     // all-day
	DateTime string `json:"dateTime"` // RFC3339
	TimeZone string `json:"timeZone"`
}

type eventPerson struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Self        bool   `json:"self"`
	Response    string `json:"responseStatus"`
}

// Stream yields one item per event. CLI pages are all fetched before the
// first yield. A page that still fails after retrying becomes one failed
// item keyed by calendar and page token, and the next calendar is fetched.
func (s *Source) Stream(ctx context.Context) iter.Seq2[source.RawItem, error] {
	return func(yield func(source.RawItem, error) bool) {
		if s.opts.File != "" {
			events, err := readFile(s.opts.File)
			if err != nil {
				yield(source.RawItem{}, err)
				return
			}
			emit(ctx, eventItems(nil, "file", events), yield)
			return
		}

		var items []source.RawItem
		for _, cal := range s.opts.Calendars {
			pageToken := ""
			n := 0
			for {
				resp, err := s.fetchPage(ctx, cal, pageToken)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					items = append(items, source.RawItem{Key: PageKey(cal, pageToken), Err: err})
					break
				}
				items = eventItems(items, fmt.Sprintf("%s#%d", cal, n), resp.Events)
				n++
				if resp.NextPageToken == "" || len(resp.Events) == 0 {
					break
				}
				pageToken = resp.NextPageToken
			}
		}
		emit(ctx, items, yield)
	}
}

// PageKey names a calendar page that could not be fetched.
func PageKey(calendarID, pageToken string) string {
	if pageToken == "" {
		pageToken = "first"
	}
	return fmt.Sprintf("%s:%s#page:%s", record.PlatformGCal, calendarID, pageToken)
}

func eventItems(items []source.RawItem, prefix string, events []json.RawMessage) []source.RawItem {
	for i, raw := range events {
		items = append(items, source.RawItem{Key: fmt.Sprintf("%s.%d", prefix, i), Data: raw})
	}
	return items
}

func emit(ctx context.Context, items []source.RawItem, yield func(source.RawItem, error) bool) {
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if !yield(item, nil) {
			return
		}
	}
}

// readFile accepts either a gog response object or a bare array of events.
func readFile(path string) ([]json.RawMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calendar export: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(b, &events); err != nil {
			return nil, fmt.Errorf("failed to parse calendar export: %w", err)
		}
		return events, nil
	}
	var resp eventsResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse calendar export: %w", err)
	}
	return resp.Events, nil
}

func (s *Source) fetchPage(ctx context.Context, calendarID, pageToken string) (eventsResponse, error) {
	args := []string{
		"calendar", "events", calendarID,
		"--json",
		"--from", s.opts.From.Format(time.RFC3339),
		"--to", s.opts.To.Format(time.RFC3339),
		"--max", "250",
		"--account", s.opts.Account,
	}
	if pageToken != "" {
		args = append(args, "--page", pageToken)
	}
	return collab.Call(ctx, s.opts.Retrier, func(ctx context.Context) (eventsResponse, error) {
		cmd := exec.CommandContext(ctx, s.opts.Command, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		b, err := cmd.Output()
		if err != nil {
			return eventsResponse{}, fmt.Errorf("%s calendar events failed (cal=%s): %w (stderr: %s)",
				s.opts.Command, calendarID, err, strings.TrimSpace(stderr.String()))
		}
		var resp eventsResponse
		if err := json.Unmarshal(b, &resp); err != nil {
			return eventsResponse{}, fmt.Errorf("failed to parse events json: %w", err)
		}
		return resp, nil
	})
}

// Normalize maps one event onto the calendar extension of a record. The
// organizer is the sender and attendees are recipients.
func (s *Source) Normalize(_ context.Context, item source.RawItem) record.Result {
	var e event
	if err := json.Unmarshal(item.Data, &e); err != nil {
		return record.Skip(record.SkipMalformed, fmt.Sprintf("%s: %v", item.Key, err))
	}
	if strings.TrimSpace(e.ID) == "" {
		return record.Skip(record.SkipMalformed, item.Key+": event without id")
	}

	start, err := parseEventTime(e.Start)
	if err != nil {
		return record.Skip(record.SkipMalformed, fmt.Sprintf("%s: start: %v", item.Key, err))
	}

	organizer := e.Organizer
	if organizer == nil || organizer.Email == "" {
		organizer = e.Creator
	}
	if organizer == nil || organizer.Email == "" {
		for i := range e.Attendees {
			if e.Attendees[i].Self && e.Attendees[i].Email != "" {
				organizer = &e.Attendees[i]
				break
			}
		}
	}
	if organizer == nil || organizer.Email == "" {
		return record.Skip(record.SkipMalformed, item.Key+": event without organizer")
	}

	body := strings.TrimSpace(e.Description)
	if body == "" {
		body = e.Summary
	}

	rec := &record.Record{
		ID:             record.MakeID(record.PlatformGCal, localID(e.ID)),
		Platform:       record.PlatformGCal,
		Timestamp:      start,
		Sender:         person(*organizer),
		Subject:        e.Summary,
		Body:           body,
		ThreadID:       e.RecurringEventID,
		EventStart:     &start,
		EventLocation:  e.Location,
		EventStatus:    e.Status,
		EventRecurring: e.RecurringEventID != "" || len(e.Recurrence) > 0,
		RawData: map[string]any{
			"event_id":  e.ID,
			"html_link": e.HTMLLink,
		},
	}
	if e.End.Date != "" || e.End.DateTime != "" {
		end, err := parseEventTime(e.End)
		if err != nil {
			return record.Skip(record.SkipMalformed, fmt.Sprintf("%s: end: %v", item.Key, err))
		}
		rec.EventEnd = &end
	}
	for _, a := range e.Attendees {
		if a.Email == "" || strings.EqualFold(a.Email, organizer.Email) {
			continue
		}
		rec.Recipients = append(rec.Recipients, person(a))
	}

	if err := rec.Finalize(s.opts.MaxText); err != nil {
		return record.Skip(record.SkipMalformed, fmt.Sprintf("%s: %v", item.Key, err))
	}
	return record.Keep(rec)
}

func person(p eventPerson) record.Person {
	email := strings.ToLower(strings.TrimSpace(p.Email))
	return record.Person{
		DisplayName: p.DisplayName,
		Email:       email,
		PlatformID:  email,
		Platform:    record.PlatformGCal,
	}
}

func parseEventTime(t eventTime) (time.Time, error) {
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, err
		}
		return v.UTC(), nil
	}
	if t.Date != "" {
		// All-day: interpret as midnight UTC.
		return time.Parse("2006-01-02", t.Date)
	}
	return time.Time{}, fmt.Errorf("missing time")
}

// localID keeps API ids as-is and hashes anything outside the id alphabet.
func localID(id string) string {
	if record.IsValidID("x:" + id) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:12])
}
