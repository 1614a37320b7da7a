// Package mailparse reads the plain-text email dumps the pipeline ingests.
//
// The format is deliberately loose: From/To/Cc/Subject header lines, optional
// Attachment(s) lines, then the body after the first blank line or a Body:
// label. Attachment lines are hoisted out of the body wherever they appear.
package mailparse

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Message is one parsed email.
type Message struct {
	Path        string   `json:"path,omitempty"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	Cc          []string `json:"cc,omitempty"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
}

var (
	attachmentLineRe   = regexp.MustCompile(`(?i)^Attachments?:`)
	attachmentPrefixRe = regexp.MustCompile(`(?i)^Attachments?:\s*`)
	attachmentBodyRe   = regexp.MustCompile(`(?im)^Attachments?:\s*(.+?)\s*$`)
	bracketRe          = regexp.MustCompile(`^\[|\]$`)
)

// Parse reads one email from r.
func Parse(r io.Reader) (*Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parse(string(raw))
}

// ParseFile parses the email at path.
func ParseFile(path string) (*Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	msg, err := parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	msg.Path = path
	return msg, nil
}

// ParseDir parses every file in dir matching pattern (default *.txt),
// skipping files that fail to parse.
func ParseDir(dir, pattern string) ([]*Message, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	if pattern == "" {
		pattern = "*.txt"
	}
	paths, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	var msgs []*Message
	for _, path := range paths {
		msg, err := ParseFile(path)
		if err != nil {
			log.Printf("mailparse: skipping %v", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func parse(content string) (*Message, error) {
	msg := &Message{}
	inBody := false
	var bodyLines []string

	for _, line := range strings.Split(content, "\n") {
		stripped := strings.TrimSpace(line)

		if strings.HasPrefix(line, "From:") {
			msg.From = strings.TrimSpace(line[5:])
			continue
		}
		if strings.HasPrefix(line, "To:") {
			msg.To = splitAddresses(line[3:])
			continue
		}
		if strings.HasPrefix(line, "Cc:") || strings.HasPrefix(line, "CC:") {
			msg.Cc = splitAddresses(line[3:])
			continue
		}
		if strings.HasPrefix(line, "Subject:") {
			msg.Subject = strings.TrimSpace(line[8:])
			continue
		}
		if attachmentLineRe.MatchString(stripped) {
			text := attachmentPrefixRe.ReplaceAllString(stripped, "")
			if text != "" {
				msg.Attachments = append(msg.Attachments, splitList(text)...)
			}
			continue
		}

		if !inBody {
			if stripped == "" || strings.EqualFold(stripped, "body:") {
				inBody = true
				continue
			}
		}
		if inBody {
			if strings.EqualFold(stripped, "body:") {
				continue
			}
			bodyLines = append(bodyLines, line)
		}
	}

	msg.Body = strings.TrimSpace(strings.Join(bodyLines, "\n"))
	if len(msg.Attachments) == 0 {
		msg.Attachments = attachmentsFromBody(msg.Body)
	}

	if msg.From == "" {
		return nil, errors.New("missing From: header")
	}
	if len(msg.To) == 0 {
		return nil, errors.New("missing To: header")
	}
	if msg.Subject == "" {
		return nil, errors.New("missing Subject: header")
	}
	return msg, nil
}

// splitAddresses handles comma, semicolon and bracketed address lists.
func splitAddresses(s string) []string {
	s = bracketRe.ReplaceAllString(strings.TrimSpace(s), "")
	sep := ","
	if strings.Contains(s, ";") {
		sep = ";"
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func attachmentsFromBody(body string) []string {
	var out []string
	for _, m := range attachmentBodyRe.FindAllStringSubmatch(body, -1) {
		out = append(out, splitList(m[1])...)
	}
	return out
}
