package mbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Napageneral/commsledger/internal/record"
)

const fixture = "From someone@example.com Sat Jan 01 00:00:00 2022\n" +
	"Date: Sat, 01 Jan 2022 00:00:00 +0000\n" +
	"From: Someone <Someone@Example.com>\n" +
	"To: Tyler <tyler@intent-systems.com>\n" +
	"Subject: =?UTF-8?Q?Hello?=\n" +
	"Message-ID: <msg-1@example.com>\n" +
	"X-GM-MSGID: 111\n" +
	"X-GM-THRID: 222\n" +
	"X-GM-LABELS: (\\Inbox IMPORTANT UNREAD)\n" +
	"\n" +
	"Body 1\n" +
	">From the archive\n" +
	"\n" +
	"From tyler@intent-systems.com Sat Jan 02 00:00:00 2022\n" +
	"Date: Sun, 02 Jan 2022 00:00:00 +0000\n" +
	"From: Tyler <tyler@intent-systems.com>\n" +
	"To: Someone <someone@example.com>\n" +
	"Cc: third@example.com\n" +
	"Subject: Re: Hello\n" +
	"Message-ID: <msg-2@example.com>\n" +
	"In-Reply-To: <msg-1@example.com>\n" +
	"X-GM-THRID: 222\n" +
	"X-GM-LABELS: (SENT)\n" +
	"MIME-Version: 1.0\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\n" +
	"\n" +
	"--b1\n" +
	"Content-Type: text/html; charset=utf-8\n" +
	"\n" +
	"<p>Body <b>2</b></p>\n" +
	"--b1\n" +
	"Content-Type: application/pdf\n" +
	"Content-Disposition: attachment; filename=\"plan.pdf\"\n" +
	"\n" +
	"JVBERi0=\n" +
	"--b1--\n" +
	"\n" +
	"From nobody Sat Jan 03 00:00:00 2022\n" +
	"Subject: no sender or date\n" +
	"\n" +
	"orphan\n"

func normalizeAll(t *testing.T, src *Source) ([]*record.Record, []record.Result) {
	t.Helper()
	ctx := context.Background()
	var kept []*record.Record
	var skipped []record.Result
	for item, err := range src.Stream(ctx) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		res := src.Normalize(ctx, item)
		if res.Skipped() {
			skipped = append(skipped, res)
			continue
		}
		kept = append(kept, res.Record)
	}
	return kept, skipped
}

func TestNormalizeTakeoutMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mbox")
	if err := os.WriteFile(path, []byte(fixture), 0644); err != nil {
		t.Fatalf("write mbox: %v", err)
	}

	kept, skipped := normalizeAll(t, New("mail", path, Options{}))
	if len(kept) != 2 {
		t.Fatalf("expected 2 records, got %d", len(kept))
	}
	if len(skipped) != 1 || skipped[0].Reason != record.SkipMalformed {
		t.Fatalf("expected one malformed skip, got %+v", skipped)
	}

	first, second := kept[0], kept[1]
	if first.Platform != record.PlatformGmail || !strings.HasPrefix(first.ID, "gmail:") {
		t.Fatalf("unexpected id %q", first.ID)
	}
	if first.Subject != "Hello" {
		t.Fatalf("subject not decoded: %q", first.Subject)
	}
	if first.Sender.PlatformID != "someone@example.com" || first.Sender.DisplayName != "Someone" {
		t.Fatalf("unexpected sender %+v", first.Sender)
	}
	if !strings.Contains(first.Body, "From the archive") || strings.Contains(first.Body, ">From") {
		t.Fatalf("mboxrd escape not undone: %q", first.Body)
	}
	if first.IsRead == nil || *first.IsRead {
		t.Fatalf("UNREAD label should clear isRead")
	}
	if strings.Join(first.Tags, ",") != "INBOX,IMPORTANT,UNREAD" {
		t.Fatalf("unexpected tags %v", first.Tags)
	}
	if first.ThreadID != "222" || second.ThreadID != "222" {
		t.Fatalf("thread ids not carried: %q %q", first.ThreadID, second.ThreadID)
	}

	if second.ReplyTo != first.ID || !second.Replying() {
		t.Fatalf("reply not linked: %q vs %q", second.ReplyTo, first.ID)
	}
	if strings.Contains(second.Body, "<p>") || !strings.Contains(second.Body, "2") {
		t.Fatalf("html body not converted: %q", second.Body)
	}
	if len(second.Attachments) != 1 || second.Attachments[0] != "plan.pdf" {
		t.Fatalf("unexpected attachments %v", second.Attachments)
	}
	if len(second.Participants) != 3 {
		t.Fatalf("expected sender plus two recipients, got %d", len(second.Participants))
	}
}

func TestStableIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mbox")
	if err := os.WriteFile(path, []byte(fixture), 0644); err != nil {
		t.Fatalf("write mbox: %v", err)
	}
	a, _ := normalizeAll(t, New("mail", path, Options{}))
	b, _ := normalizeAll(t, New("mail", path, Options{}))
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("ids differ across runs: %q vs %q", a[i].ID, b[i].ID)
		}
	}
}

func TestMaxMessageBytesTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.mbox")
	big := "From a@example.com Sat Jan 01 00:00:00 2022\n" +
		"Date: Sat, 01 Jan 2022 00:00:00 +0000\n" +
		"From: a@example.com\n" +
		"Message-ID: <big@example.com>\n" +
		"\n" +
		strings.Repeat("line of text\n", 1000)
	if err := os.WriteFile(path, []byte(big), 0644); err != nil {
		t.Fatalf("write mbox: %v", err)
	}
	kept, _ := normalizeAll(t, New("mail", path, Options{MaxMessageBytes: 1024}))
	if len(kept) != 1 {
		t.Fatalf("expected 1 record, got %d", len(kept))
	}
	if len(kept[0].Body) > 1024 {
		t.Fatalf("body not capped: %d bytes", len(kept[0].Body))
	}
}
