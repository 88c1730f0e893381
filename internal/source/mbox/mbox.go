// Package mbox reads mail archives (mbox exports such as Google Takeout)
// and normalizes each message into a record.
package mbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"

	"github.com/Napageneral/commsledger/internal/record"
	"github.com/Napageneral/commsledger/internal/source"
)

// Options configure an mbox source.
type Options struct {
	// Platform stamped on records and people. Defaults to gmail.
	Platform record.Platform
	// MaxMessageBytes caps one raw message; the remainder is dropped.
	MaxMessageBytes int64
	// MaxText bounds subject and body length (0 = default).
	MaxText int
}

func (o Options) withDefaults() Options {
	if o.Platform == "" {
		o.Platform = record.PlatformGmail
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 50 * 1024 * 1024
	}
	return o
}

var _ source.Source = (*Source)(nil)

// Source streams messages from one mbox file.
type Source struct {
	name   string
	path   string
	opts   Options
	md     *converter.Converter
	strict *bluemonday.Policy
}

// New returns a source for the mbox at path.
func New(name, path string, opts Options) *Source {
	return &Source{
		name: name,
		path: path,
		opts: opts.withDefaults(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		strict: bluemonday.StrictPolicy(),
	}
}

func (s *Source) Name() string { return s.name }

// Stream splits the file on "From " separator lines.
func (s *Source) Stream(ctx context.Context) iter.Seq2[source.RawItem, error] {
	return func(yield func(source.RawItem, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			yield(source.RawItem{}, fmt.Errorf("failed to open mbox: %w", err))
			return
		}
		defer f.Close()
		split(ctx, f, s.opts.MaxMessageBytes, yield)
	}
}

func split(ctx context.Context, r io.Reader, maxBytes int64, yield func(source.RawItem, error) bool) {
	reader := bufio.NewReader(r)
	var buf bytes.Buffer
	var size int64
	var overLimit bool
	n := 0

	flush := func() bool {
		defer func() {
			buf.Reset()
			size = 0
			overLimit = false
		}()
		if len(bytes.TrimSpace(buf.Bytes())) == 0 {
			return true
		}
		n++
		data := make([]byte, buf.Len())
		copy(data, buf.Bytes())
		return yield(source.RawItem{Key: "message " + strconv.Itoa(n), Data: data}, nil)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			yield(source.RawItem{}, fmt.Errorf("failed reading mbox: %w", err))
			return
		}

		if strings.HasPrefix(line, "From ") {
			if !flush() {
				return
			}
		} else if !overLimit {
			// mboxrd escapes body lines starting with "From ".
			if strings.HasPrefix(line, ">") && strings.HasPrefix(strings.TrimLeft(line, ">"), "From ") {
				line = line[1:]
			}
			size += int64(len(line))
			if size > maxBytes {
				overLimit = true
			} else {
				buf.WriteString(line)
			}
		}

		if err == io.EOF {
			flush()
			return
		}
	}
}

// Normalize parses one raw message.
func (s *Source) Normalize(_ context.Context, item source.RawItem) record.Result {
	mr, err := mail.CreateReader(bytes.NewReader(item.Data))
	if err != nil && !message.IsUnknownCharset(err) {
		return record.Skip(record.SkipMalformed, fmt.Sprintf("%s: %v", item.Key, err))
	}
	h := mr.Header

	from, _ := h.AddressList("From")
	if len(from) == 0 || from[0].Address == "" {
		return record.Skip(record.SkipMalformed, item.Key+": no From address")
	}

	ts, err := h.Date()
	if err != nil || ts.IsZero() {
		return record.Skip(record.SkipMalformed, item.Key+": missing or invalid Date")
	}

	subject, _ := h.Subject()
	body, attachments := s.readBody(mr)

	labels := labelsFromHeader(h)
	messageID, _ := h.MessageID()
	localID := localIDFor(messageID, h.Get("X-GM-MSGID"), ts, from[0].Address, subject, body)

	rec := &record.Record{
		ID:          record.MakeID(s.opts.Platform, localID),
		Platform:    s.opts.Platform,
		Timestamp:   ts,
		Sender:      s.person(from[0]),
		Subject:     subject,
		Body:        body,
		Attachments: attachments,
		ThreadID:    threadIDFor(h),
		Tags:        labels,
		RawData: map[string]any{
			"message_id": messageID,
		},
	}
	for _, key := range []string{"To", "Cc", "Bcc"} {
		addrs, _ := h.AddressList(key)
		for _, a := range addrs {
			if a.Address != "" {
				rec.Recipients = append(rec.Recipients, s.person(a))
			}
		}
	}

	if len(labels) > 0 {
		read := !hasLabel(labels, "UNREAD")
		starred := hasLabel(labels, "STARRED")
		rec.IsRead, rec.IsStarred = &read, &starred
	}
	if parents, _ := h.MsgIDList("In-Reply-To"); len(parents) > 0 {
		rec.ReplyTo = record.MakeID(s.opts.Platform, hashID(parents[0]))
	}
	if gm := strings.TrimSpace(h.Get("X-GM-MSGID")); gm != "" {
		rec.RawData["gmail_id"] = gm
	}

	if err := rec.Finalize(s.opts.MaxText); err != nil {
		return record.Skip(record.SkipMalformed, fmt.Sprintf("%s: %v", item.Key, err))
	}
	return record.Keep(rec)
}

func (s *Source) person(a *mail.Address) record.Person {
	email := strings.ToLower(strings.TrimSpace(a.Address))
	return record.Person{
		DisplayName: strings.TrimSpace(a.Name),
		Email:       email,
		PlatformID:  email,
		Platform:    s.opts.Platform,
	}
}

// readBody prefers text/plain, falling back to converted HTML.
func (s *Source) readBody(mr *mail.Reader) (string, []string) {
	var plain, html strings.Builder
	var attachments []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			break
		}
		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			b, err := io.ReadAll(io.LimitReader(p.Body, 2*1024*1024))
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			switch ct {
			case "text/html":
				html.Write(b)
			case "text/plain", "":
				plain.Write(b)
			}
		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			if name == "" {
				name = "attachment"
			}
			attachments = append(attachments, name)
		}
	}

	if text := strings.TrimSpace(plain.String()); text != "" {
		return text, attachments
	}
	return s.htmlToText(html.String()), attachments
}

func (s *Source) htmlToText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	md, err := s.md.ConvertString(html)
	if err == nil && strings.TrimSpace(md) != "" {
		return strings.TrimSpace(md)
	}
	return strings.TrimSpace(s.strict.Sanitize(html))
}

// localIDFor derives the record id from Message-ID so In-Reply-To headers
// resolve to it. Gmail's X-GM-MSGID and a content hash are fallbacks.
func localIDFor(messageID, gmailID string, ts time.Time, from, subject, body string) string {
	if messageID = strings.TrimSpace(messageID); messageID != "" {
		return hashID(messageID)
	}
	if gmailID = strings.TrimSpace(gmailID); gmailID != "" && record.IsValidID("x:"+gmailID) {
		return gmailID
	}
	return hashID(fmt.Sprintf("%d|%s|%s|%s", ts.Unix(), from, subject, body))
}

func hashID(s string) string {
	sum := sha256.Sum256([]byte(strings.Trim(strings.TrimSpace(s), "<>")))
	return hex.EncodeToString(sum[:12])
}

// threadIDFor uses Gmail's thread id, else the root of References, else
// leaves the record to the direct-conversation key.
func threadIDFor(h mail.Header) string {
	if thr := strings.TrimSpace(h.Get("X-GM-THRID")); thr != "" {
		return thr
	}
	if thr := strings.TrimSpace(h.Get("X-Gmail-Threadid")); thr != "" {
		return thr
	}
	if refs, _ := h.MsgIDList("References"); len(refs) > 0 {
		return hashID(refs[0])
	}
	if parents, _ := h.MsgIDList("In-Reply-To"); len(parents) > 0 {
		return hashID(parents[0])
	}
	return ""
}

// labelsFromHeader handles forms like: (\Inbox Important "Some Label").
func labelsFromHeader(h mail.Header) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, key := range []string{"X-GM-LABELS", "X-Gmail-Labels", "X-Google-Labels"} {
		v := strings.TrimSpace(h.Get(key))
		if v == "" {
			continue
		}
		v = strings.TrimPrefix(v, "(")
		v = strings.TrimSuffix(v, ")")
		v = strings.NewReplacer("\"", "", "\t", " ", "\r", " ", "\n", " ").Replace(v)
		for _, p := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			p = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(p, "\\")))
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
