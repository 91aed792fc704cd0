package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/kvcoord/api"
)

type outputMode string

const (
	outputJSON outputMode = "json"
	outputText outputMode = "text"
)

func parseOutputMode(s string) (outputMode, error) {
	switch outputMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", outputJSON:
		return outputJSON, nil
	case outputText:
		return outputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (json|text)", s)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeJSONLine writes v as a single compact line.
func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func humanizeBytes(n int) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func describePair(p *api.KVPair) string {
	holder := "-"
	if p.Session != "" {
		holder = p.Session
	}
	return fmt.Sprintf("%s\tsize=%s\tmodify=%s\tlock=%s\tflags=%#x\tsession=%s",
		p.Key, humanizeBytes(len(p.Value)), humanize.Comma(int64(p.ModifyIndex)),
		humanize.Comma(int64(p.LockIndex)), p.Flags, holder)
}

func describeSession(s *api.SessionEntry) string {
	ttl := s.TTL
	if ttl == "" {
		ttl = "-"
	}
	return fmt.Sprintf("%s\tname=%q\tnode=%s\tbehavior=%s\tttl=%s\tcreated=%s",
		s.ID, s.Name, s.Node, s.Behavior, ttl, humanize.Comma(int64(s.CreateIndex)))
}

func describeAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
