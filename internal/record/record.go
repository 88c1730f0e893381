// Package record defines the canonical Person and Record shapes every source
// normalizes into, plus the validation applied once at the normalization
// boundary.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidRecord is wrapped by every validation failure.
var ErrInvalidRecord = errors.New("invalid record")

// Platform identifies the source a Record or Person was seen on.
type Platform string

const (
	PlatformIMessage              Platform = "imessage"
	PlatformWhatsApp              Platform = "whatsapp"
	PlatformGmail                 Platform = "gmail"
	PlatformGCal                  Platform = "gcal"
	PlatformGoogleTakeoutCal      Platform = "googletakeoutcal"
	PlatformGoogleTakeoutChat     Platform = "googletakeoutchat"
	PlatformGoogleTakeoutMeet     Platform = "googletakeoutmeet"
	PlatformGoogleTakeoutContacts Platform = "googletakeoutcontacts"
)

var platforms = map[Platform]struct{}{
	PlatformIMessage:              {},
	PlatformWhatsApp:              {},
	PlatformGmail:                 {},
	PlatformGCal:                  {},
	PlatformGoogleTakeoutCal:      {},
	PlatformGoogleTakeoutChat:     {},
	PlatformGoogleTakeoutMeet:     {},
	PlatformGoogleTakeoutContacts: {},
}

// Platforms returns the supported platforms in sorted order.
func Platforms() []Platform {
	out := make([]Platform, 0, len(platforms))
	for p := range platforms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	_, ok := platforms[p]
	return ok
}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unsupported platform %q", ErrInvalidRecord, s)
	}
	return p, nil
}

// Person is one sighting of a contact under one platform's native identifier.
type Person struct {
	DisplayName string   `json:"displayName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	PlatformID  string   `json:"platformId"`
	Platform    Platform `json:"platform"`
}

// Key is the (platform, platformId) pair as "platform:platformId".
func (p Person) Key() string {
	return string(p.Platform) + ":" + p.PlatformID
}

// Record is one canonical message, email, or calendar event.
type Record struct {
	ID           string    `json:"id"`
	Platform     Platform  `json:"platform"`
	Timestamp    time.Time `json:"-"`
	Sender       Person    `json:"sender"`
	Recipients   []Person  `json:"recipients,omitempty"`
	Participants []Person  `json:"participants,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Body         string    `json:"body"`
	Attachments  []string  `json:"attachments,omitempty"`
	ThreadID     string    `json:"threadId,omitempty"`
	IsRead       *bool     `json:"isRead,omitempty"`
	IsStarred    *bool     `json:"isStarred,omitempty"`
	IsReply      *bool     `json:"isReply,omitempty"`
	ReplyTo      string    `json:"replyTo,omitempty"`
	Tags         []string  `json:"tags,omitempty"`

	EventStart     *time.Time `json:"-"`
	EventEnd       *time.Time `json:"-"`
	EventLocation  string     `json:"eventLocation,omitempty"`
	EventStatus    string     `json:"eventStatus,omitempty"`
	EventRecurring bool       `json:"eventRecurring,omitempty"`

	RawData map[string]any `json:"rawData,omitempty"`
}

// MakeID builds a record id from a platform and a source-local id.
func MakeID(p Platform, localID string) string {
	return string(p) + ":" + localID
}

// LocalID returns the source-local part of the record id.
func (r *Record) LocalID() string {
	if i := strings.IndexByte(r.ID, ':'); i >= 0 {
		return r.ID[i+1:]
	}
	return r.ID
}

// HasEvent reports whether the calendar extension is populated.
func (r *Record) HasEvent() bool {
	return r.EventStart != nil
}

// Replying reports whether the record is a reply.
func (r *Record) Replying() bool {
	if r.IsReply != nil {
		return *r.IsReply
	}
	return r.ReplyTo != ""
}

const (
	PlaceholderAttachment = "[Attachment]"
	PlaceholderEmpty      = "[No content]"
)

// Finalize repairs and validates a freshly normalized record: strings are
// sanitized and truncated to maxText runes (0 = default), timestamps are
// clamped to UTC, an empty body becomes a placeholder, and participants are
// recomputed as sender ∪ recipients.
func (r *Record) Finalize(maxText int) error {
	if maxText <= 0 {
		maxText = DefaultMaxText
	}

	r.ID = strings.TrimSpace(r.ID)
	r.Subject = SanitizeText(r.Subject, maxText)
	r.Body = SanitizeText(r.Body, maxText)
	if strings.TrimSpace(r.Body) == "" {
		if len(r.Attachments) > 0 {
			r.Body = PlaceholderAttachment
		} else {
			r.Body = PlaceholderEmpty
		}
	}
	r.EventLocation = SanitizeText(r.EventLocation, maxText)

	r.Timestamp = r.Timestamp.UTC()
	if r.EventStart != nil {
		t := r.EventStart.UTC()
		r.EventStart = &t
	}
	if r.EventEnd != nil {
		t := r.EventEnd.UTC()
		r.EventEnd = &t
	}

	r.Sender = cleanPerson(r.Sender)
	for i := range r.Recipients {
		r.Recipients[i] = cleanPerson(r.Recipients[i])
	}
	r.Participants = Participants(r.Sender, r.Recipients)

	return r.Validate()
}

func cleanPerson(p Person) Person {
	p.DisplayName = SanitizeText(strings.TrimSpace(p.DisplayName), 512)
	p.Email = strings.TrimSpace(p.Email)
	p.Phone = strings.TrimSpace(p.Phone)
	p.PlatformID = strings.TrimSpace(p.PlatformID)
	return p
}

// Participants returns sender ∪ recipients, de-duplicated by (platform, platformId),
// sender first.
func Participants(sender Person, recipients []Person) []Person {
	out := make([]Person, 0, len(recipients)+1)
	seen := make(map[string]struct{}, len(recipients)+1)
	for _, p := range append([]Person{sender}, recipients...) {
		if p.PlatformID == "" {
			continue
		}
		k := p.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Validate checks the invariants every downstream component relies on.
func (r *Record) Validate() error {
	if !r.Platform.Valid() {
		return fmt.Errorf("%w: unsupported platform %q", ErrInvalidRecord, r.Platform)
	}
	if !IsValidID(r.ID) {
		return fmt.Errorf("%w: malformed id %q", ErrInvalidRecord, r.ID)
	}
	if !strings.HasPrefix(r.ID, string(r.Platform)+":") {
		return fmt.Errorf("%w: id %q does not match platform %q", ErrInvalidRecord, r.ID, r.Platform)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: %s: missing timestamp", ErrInvalidRecord, r.ID)
	}
	if r.Body == "" {
		return fmt.Errorf("%w: %s: empty body", ErrInvalidRecord, r.ID)
	}
	if err := validatePerson(r.Sender); err != nil {
		return fmt.Errorf("%w: %s: sender: %v", ErrInvalidRecord, r.ID, err)
	}
	for i, p := range r.Recipients {
		if err := validatePerson(p); err != nil {
			return fmt.Errorf("%w: %s: recipient %d: %v", ErrInvalidRecord, r.ID, i, err)
		}
	}
	if r.EventEnd != nil && r.EventStart == nil {
		return fmt.Errorf("%w: %s: event end without start", ErrInvalidRecord, r.ID)
	}
	return nil
}

func validatePerson(p Person) error {
	if p.PlatformID == "" {
		return errors.New("empty platformId")
	}
	if !p.Platform.Valid() {
		return fmt.Errorf("unsupported platform %q", p.Platform)
	}
	if p.Email != "" && !IsValidEmail(p.Email) {
		return fmt.Errorf("malformed email %q", p.Email)
	}
	return nil
}

type recordJSON Record

type recordWire struct {
	*recordJSON
	Timestamp  string  `json:"timestamp"`
	EventStart *string `json:"eventStart,omitempty"`
	EventEnd   *string `json:"eventEnd,omitempty"`
}

// MarshalJSON writes timestamps as ISO-8601 UTC.
func (r Record) MarshalJSON() ([]byte, error) {
	w := recordWire{recordJSON: (*recordJSON)(&r), Timestamp: FormatTime(r.Timestamp)}
	if r.EventStart != nil {
		s := FormatTime(*r.EventStart)
		w.EventStart = &s
	}
	if r.EventEnd != nil {
		s := FormatTime(*r.EventEnd)
		w.EventEnd = &s
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts ISO-8601 timestamps with or without a zone; zoneless
// values are taken as UTC.
func (r *Record) UnmarshalJSON(b []byte) error {
	w := recordWire{recordJSON: (*recordJSON)(r)}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Timestamp != "" {
		t, err := ParseTime(w.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: timestamp: %v", ErrInvalidRecord, err)
		}
		r.Timestamp = t
	}
	if w.EventStart != nil && *w.EventStart != "" {
		t, err := ParseTime(*w.EventStart)
		if err != nil {
			return fmt.Errorf("%w: eventStart: %v", ErrInvalidRecord, err)
		}
		r.EventStart = &t
	}
	if w.EventEnd != nil && *w.EventEnd != "" {
		t, err := ParseTime(*w.EventEnd)
		if err != nil {
			return fmt.Errorf("%w: eventEnd: %v", ErrInvalidRecord, err)
		}
		r.EventEnd = &t
	}
	return nil
}

// StoreLayout is the fixed-width UTC layout used in the relational store.
const StoreLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in StoreLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(StoreLayout)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses an ISO-8601 timestamp and returns it in UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
