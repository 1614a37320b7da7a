package mailparse_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dealflow/internal/mailparse"
)

const contractEmail = `From: contracts@buildwell.com.au
To: deals@onecorpaustralia.com.au
Subject: Contract Request - Lot 95 Fake Rise VIC 3336
Attachment: Contract_Lot95_V1.pdf

Hi team,

Please find attached the Contract for the purchasers.

Regards,
Buildwell`

func TestParse(t *testing.T) {
	msg, err := mailparse.Parse(strings.NewReader(contractEmail))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.From != "contracts@buildwell.com.au" {
		t.Fatalf("from = %q", msg.From)
	}
	if len(msg.To) != 1 || msg.To[0] != "deals@onecorpaustralia.com.au" {
		t.Fatalf("to = %v", msg.To)
	}
	if msg.Subject != "Contract Request - Lot 95 Fake Rise VIC 3336" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0] != "Contract_Lot95_V1.pdf" {
		t.Fatalf("attachments = %v", msg.Attachments)
	}
	if !strings.HasPrefix(msg.Body, "Hi team,") || !strings.HasSuffix(msg.Body, "Buildwell") {
		t.Fatalf("body = %q", msg.Body)
	}
	if strings.Contains(msg.Body, "Attachment:") {
		t.Fatalf("attachment line leaked into body: %q", msg.Body)
	}
}

func TestParseAttachmentLineInsideBody(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@example.com",
		"To: b@example.com",
		"Subject: files",
		"",
		"See attached.",
		"Attachments: one.pdf, two.pdf",
		"Thanks.",
	}, "\n")
	msg, err := mailparse.Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msg.Attachments) != 2 || msg.Attachments[0] != "one.pdf" || msg.Attachments[1] != "two.pdf" {
		t.Fatalf("attachments = %v", msg.Attachments)
	}
	if msg.Body != "See attached.\nThanks." {
		t.Fatalf("body = %q", msg.Body)
	}
}

func TestParseBodyLabel(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@example.com",
		"To: b@example.com",
		"Subject: label",
		"body:",
		"First line.",
	}, "\n")
	msg, err := mailparse.Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Body != "First line." {
		t.Fatalf("body = %q", msg.Body)
	}
}

func TestParseAddressLists(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@example.com",
		"To: [b@example.com; c@example.com]",
		"Cc: d@example.com, e@example.com",
		"Subject: lists",
		"",
		"Hello.",
	}, "\n")
	msg, err := mailparse.Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msg.To) != 2 || msg.To[0] != "b@example.com" || msg.To[1] != "c@example.com" {
		t.Fatalf("to = %v", msg.To)
	}
	if len(msg.Cc) != 2 || msg.Cc[0] != "d@example.com" {
		t.Fatalf("cc = %v", msg.Cc)
	}
}

func TestParseMissingHeaders(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"To: b@example.com\nSubject: s\n\nx", "missing From: header"},
		{"From: a@example.com\nSubject: s\n\nx", "missing To: header"},
		{"From: a@example.com\nTo: b@example.com\n\nx", "missing Subject: header"},
	}
	for _, tc := range cases {
		_, err := mailparse.Parse(strings.NewReader(tc.raw))
		if err == nil || err.Error() != tc.want {
			t.Errorf("err = %v, want %q", err, tc.want)
		}
	}
}

func TestParseDirSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.txt")
	bad := filepath.Join(dir, "bad.txt")
	if err := os.WriteFile(good, []byte(contractEmail), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("not an email at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	msgs, err := mailparse.ParseDir(dir, "")
	if err != nil {
		t.Fatalf("parse dir: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[0].Path != good {
		t.Fatalf("path = %q", msgs[0].Path)
	}
}

func TestParseDirRejectsNonDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := mailparse.ParseDir(file, ""); err == nil {
		t.Fatal("expected error for non-directory")
	}
}
