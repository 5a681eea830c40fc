// Package validate checks and canonicalizes observation submissions before
// they enter the enrichment pipeline. Everything here is pure: no I/O, no
// clock reads, no randomness. Identifier minting happens in the ingest layer
// so repeated normalization of the same input yields the same output.
package validate

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"engram/internal/types"
)

// Content bounds. Oversize fields are rejected rather than truncated so the
// submitting application learns about the problem.
const (
	MaxHighlightChars = 10000
	MaxNoteChars      = 50000
	MaxRawKeys        = 64
	MaxRawDepth       = 8
)

// Submission is the wire shape applications send. Timestamp arrives as an
// ISO-8601 string; everything else maps directly onto the canonical record.
type Submission struct {
	ID        string                 `json:"id,omitempty"`
	UserID    string                 `json:"user_id"`
	Timestamp string                 `json:"timestamp"`
	Source    string                 `json:"source"`
	Highlight string                 `json:"highlight"`
	Note      string                 `json:"note"`
	Address   string                 `json:"address"`
	Tags      []string               `json:"tags"`
	Access    string                 `json:"access"`
	Raw       map[string]interface{} `json:"raw,omitempty"`
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks a submission against the schema rules and reports every
// problem found. A nil return means the submission is acceptable.
func Validate(sub *Submission) error {
	var errs types.ValidationErrors

	addErr := func(field, reason string) {
		errs = append(errs, &types.ValidationError{Field: field, Reason: reason})
	}

	if sub == nil {
		addErr("record", "submission is nil")
		return errs
	}

	if strings.TrimSpace(sub.UserID) == "" {
		addErr("user_id", "missing required field")
	}
	if strings.TrimSpace(sub.Source) == "" {
		addErr("source", "missing required field")
	}
	if strings.TrimSpace(sub.Highlight) == "" {
		addErr("highlight", "missing required field")
	}
	if strings.TrimSpace(sub.Address) == "" {
		addErr("address", "missing required field")
	}

	if strings.TrimSpace(sub.Timestamp) == "" {
		addErr("timestamp", "missing required field")
	} else if _, err := ParseTimestamp(sub.Timestamp); err != nil {
		addErr("timestamp", fmt.Sprintf("invalid format: %v", err))
	}

	if !types.AccessLevel(sub.Access).Valid() {
		addErr("access", fmt.Sprintf("invalid access level %q", sub.Access))
	}

	if n := utf8.RuneCountInString(sub.Highlight); n > MaxHighlightChars {
		addErr("highlight", fmt.Sprintf("too long: %d chars (max %d)", n, MaxHighlightChars))
	}
	if n := utf8.RuneCountInString(sub.Note); n > MaxNoteChars {
		addErr("note", fmt.Sprintf("too long: %d chars (max %d)", n, MaxNoteChars))
	}

	if len(sub.Raw) > MaxRawKeys {
		addErr("raw", fmt.Sprintf("too many keys: %d (max %d)", len(sub.Raw), MaxRawKeys))
	}
	if depth := rawDepth(sub.Raw, 1); depth > MaxRawDepth {
		addErr("raw", fmt.Sprintf("nested too deeply: %d levels (max %d)", depth, MaxRawDepth))
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// rawDepth measures nesting of the opaque metadata map so a hostile payload
// cannot smuggle unbounded structure into storage.
func rawDepth(m map[string]interface{}, level int) int {
	if len(m) == 0 {
		return level - 1
	}
	deepest := level
	if level > MaxRawDepth {
		return level
	}
	for _, v := range m {
		switch child := v.(type) {
		case map[string]interface{}:
			if d := rawDepth(child, level+1); d > deepest {
				deepest = d
			}
		case []interface{}:
			for _, item := range child {
				if nested, ok := item.(map[string]interface{}); ok {
					if d := rawDepth(nested, level+1); d > deepest {
						deepest = d
					}
				}
			}
		}
	}
	return deepest
}

// =============================================================================
// NORMALIZATION
// =============================================================================

// Normalize converts a submission into a canonical record: timestamp parsed
// to UTC, tags lowercased and deduplicated, raw metadata guaranteed non-nil.
// It is idempotent; normalizing an already-normalized record changes nothing.
func Normalize(sub *Submission) (*types.Record, error) {
	ts, err := ParseTimestamp(sub.Timestamp)
	if err != nil {
		return nil, &types.ValidationError{Field: "timestamp", Reason: err.Error()}
	}

	raw := sub.Raw
	if raw == nil {
		raw = map[string]interface{}{}
	}

	return &types.Record{
		ID:        strings.TrimSpace(sub.ID),
		UserID:    strings.TrimSpace(sub.UserID),
		Timestamp: ts.UTC(),
		Source:    strings.TrimSpace(sub.Source),
		Highlight: sub.Highlight,
		Note:      sub.Note,
		Address:   strings.TrimSpace(sub.Address),
		Tags:      NormalizeTags(sub.Tags),
		Access:    types.AccessLevel(sub.Access),
		Raw:       raw,
	}, nil
}

// NormalizeTags lowercases, trims, deduplicates, and sorts a tag set. Sorted
// output keeps content hashes stable regardless of submission order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// timestampLayouts are tried in order. RFC3339 covers well-behaved clients;
// the rest tolerate common ISO-8601 variants without zone designators.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp string. Layouts without an
// explicit zone are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
