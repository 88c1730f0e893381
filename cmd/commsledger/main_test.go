package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Napageneral/commsledger/internal/ingest"
	"github.com/Napageneral/commsledger/internal/sync"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("chats: %w", ingest.ErrInterrupted), exitInterrupted},
		{context.Canceled, exitInterrupted},
		{fmt.Errorf("mail: %w", ingest.ErrFatal), exitFailed},
		{errors.New("boom"), exitFailed},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestFileSource(t *testing.T) {
	if got := fileSourceName("/tmp/export/chats.2024.jsonl"); got != "file-chats.2024" {
		t.Fatalf("unexpected source name %q", got)
	}
	sc := fileSource(sync.TypeGCal, "events.json")
	if sc.Options["file"] != "events.json" || !sc.Enabled {
		t.Fatalf("gcal file should use the file option: %+v", sc)
	}
	sc = fileSource(sync.TypeMbox, "inbox.mbox")
	if sc.Options["path"] != "inbox.mbox" {
		t.Fatalf("mbox file should use the path option: %+v", sc)
	}
}
