// Package ingest imports event mentions produced by the upstream extraction
// collaborator. Input is JSON Lines, one mention per line:
//
//	{"mention_id": "m-001", "country": "China", "date": "2024-08-15",
//	 "text": "China announces forum for September",
//	 "source_document_ids": ["xinhua-20240815-1"],
//	 "recipients": ["Egypt"]}
//
// Imports are idempotent: a mention id seen before is skipped, never
// overwritten. Malformed lines are counted and reported, not fatal.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/inkwellnews/storyline/internal/store"
)

type mentionLine struct {
	MentionID  string   `json:"mention_id"`
	Country    string   `json:"country"`
	Date       string   `json:"date"`
	Text       string   `json:"text"`
	SourceDocs []string `json:"source_document_ids"`
	Recipients []string `json:"recipients"`
}

// Report summarizes one import run.
type Report struct {
	Lines    int
	Imported int
	Skipped  int // already present
	Invalid  int
	Errors   []string // first few validation failures, line-numbered
}

const maxReportedErrors = 25

// Run reads JSONL mentions and inserts them. Country and date-range filters
// apply before insertion; empty filter values match everything.
func Run(ctx context.Context, s store.Store, r io.Reader, country, from, to string) (*Report, error) {
	report := &Report{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var raw mentionLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			recordInvalid(report, fmt.Sprintf("line %d: invalid JSON: %v", report.Lines, err))
			continue
		}

		m, err := toMention(raw)
		if err != nil {
			recordInvalid(report, fmt.Sprintf("line %d: %v", report.Lines, err))
			continue
		}

		if country != "" && m.Country != country {
			continue
		}
		if from != "" && m.Date < from {
			continue
		}
		if to != "" && m.Date > to {
			continue
		}

		inserted, err := s.AddMention(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("inserting mention %s: %w", m.ID, err)
		}
		if inserted {
			report.Imported++
		} else {
			report.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return report, nil
}

func toMention(raw mentionLine) (*store.Mention, error) {
	id := strings.TrimSpace(raw.MentionID)
	if id == "" {
		return nil, fmt.Errorf("missing mention_id")
	}
	country := strings.TrimSpace(raw.Country)
	if country == "" {
		return nil, fmt.Errorf("mention %s: missing country", id)
	}
	if !store.ValidDate(raw.Date) {
		return nil, fmt.Errorf("mention %s: invalid date %q", id, raw.Date)
	}
	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return nil, fmt.Errorf("mention %s: missing text", id)
	}
	docs := trimAll(raw.SourceDocs)
	if len(docs) == 0 {
		return nil, fmt.Errorf("mention %s: no source documents", id)
	}

	return &store.Mention{
		ID:         id,
		Country:    country,
		Date:       raw.Date,
		Content:    text,
		Recipients: trimAll(raw.Recipients),
		SourceDocs: docs,
	}, nil
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func recordInvalid(report *Report, msg string) {
	report.Invalid++
	if len(report.Errors) < maxReportedErrors {
		report.Errors = append(report.Errors, msg)
	}
}
