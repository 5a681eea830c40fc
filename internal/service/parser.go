package service

import (
	"regexp"
	"strings"

	"engram/internal/types"
)

// ParsedIntent is the parser's reading of one natural language write request.
// A zero Op with Confidence below the recognition floor means no actionable
// intent was found.
type ParsedIntent struct {
	Op         types.OpType  `json:"op,omitempty"`
	Confidence float64       `json:"confidence"`
	Tags       []string      `json:"tags,omitempty"`
	Sources    []string      `json:"sources,omitempty"`
	AllScope   bool          `json:"all_scope,omitempty"`
	Filter     *types.Filter `json:"filter,omitempty"`
}

// Recognized reports whether the parser found an actionable intent.
func (p ParsedIntent) Recognized() bool { return p.Op != "" }

// Parser turns free-form user text into a write intent. Implementations must
// be safe for concurrent use.
type Parser interface {
	Parse(input string) ParsedIntent
}

// confidenceFloor is the minimum score an intent needs to be actionable.
// Anything weaker answers "no intent" rather than guessing.
const confidenceFloor = 0.3

// actionVote maps one trigger word to an intent label and its base score.
type actionVote struct {
	intent string
	score  float64
}

// phrasePattern is a regex over the normalized input that boosts one intent.
type phrasePattern struct {
	re     *regexp.Regexp
	intent string
	boost  float64
}

// keywordParser recognizes write intents from trigger-word votes, phrase
// boosts, and scope cues. No model calls; recognition stays deterministic
// and instant.
type keywordParser struct {
	actions   map[string][]actionVote
	phrases   []phrasePattern
	quoted    *regexp.Regexp
	sources   []*regexp.Regexp
	allScope  *regexp.Regexp
	getRidOf  *regexp.Regexp
	opByLabel map[string]types.OpType
}

// NewKeywordParser builds the deterministic keyword parser.
func NewKeywordParser() Parser {
	return &keywordParser{
		actions: map[string][]actionVote{
			"create":     {{"create", 0.8}},
			"add":        {{"create", 0.6}, {"bulk_tag", 0.4}},
			"make":       {{"create", 0.6}},
			"update":     {{"update", 0.8}},
			"modify":     {{"update", 0.7}},
			"edit":       {{"update", 0.7}},
			"change":     {{"update", 0.6}},
			"delete":     {{"delete", 0.9}},
			"remove":     {{"delete", 0.8}},
			"tag":        {{"bulk_tag", 0.8}},
			"label":      {{"bulk_tag", 0.7}},
			"categorize": {{"bulk_tag", 0.7}},
			"retag":      {{"bulk_retag", 0.8}},
			"organize":   {{"reorganize", 0.8}},
			"reorganize": {{"reorganize", 0.9}},
			"merge":      {{"merge", 0.8}},
			"combine":    {{"merge", 0.7}},
			"split":      {{"split", 0.8}},
			"clean":      {{"cleanup", 0.7}},
			"cleanup":    {{"cleanup", 0.8}},
		},
		phrases: []phrasePattern{
			{regexp.MustCompile(`add.*tag`), "bulk_tag", 0.5},
			{regexp.MustCompile(`retag.*all`), "bulk_retag", 0.5},
			{regexp.MustCompile(`delete.*all`), "delete", 0.5},
			{regexp.MustCompile(`clean.*up`), "cleanup", 0.5},
			{regexp.MustCompile(`merge.*duplicate`), "merge", 0.5},
			{regexp.MustCompile(`organize.*by`), "reorganize", 0.5},
			{regexp.MustCompile(`update.*note`), "update", 0.5},
			{regexp.MustCompile(`create.*new`), "create", 0.5},
		},
		quoted: regexp.MustCompile(`"([^"]+)"`),
		sources: []*regexp.Regexp{
			regexp.MustCompile(`from (\w+)`),
			regexp.MustCompile(`in (\w+)`),
			regexp.MustCompile(`(\w+) app`),
			regexp.MustCompile(`(\w+) extension`),
		},
		allScope: regexp.MustCompile(`\b(all|everything)\b|my entire`),
		getRidOf: regexp.MustCompile(`get rid of`),
		opByLabel: map[string]types.OpType{
			"create":     types.OpCreate,
			"update":     types.OpUpdate,
			"delete":     types.OpDelete,
			"bulk_tag":   types.OpBulkTag,
			"bulk_retag": types.OpBulkRetag,
			"reorganize": types.OpBatchUpdate,
			"merge":      types.OpMerge,
			"split":      types.OpSplit,
			"cleanup":    types.OpDelete,
		},
	}
}

func (p *keywordParser) Parse(input string) ParsedIntent {
	text := strings.ToLower(strings.TrimSpace(input))
	if text == "" {
		return ParsedIntent{}
	}
	// Multi-word synonyms fold into their single-word trigger before the
	// word scan; single-word synonyms carry their own votes.
	text = p.getRidOf.ReplaceAllString(text, "delete")

	out := ParsedIntent{
		Tags:     p.extractQuoted(input),
		AllScope: p.allScope.MatchString(text),
	}
	out.Sources = p.extractSources(text)

	scores := map[string]float64{}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	})
	tagAction := false
	for _, w := range words {
		for _, v := range p.actions[w] {
			if v.score > scores[v.intent] {
				scores[v.intent] = v.score
			}
		}
		switch w {
		case "tag", "label", "categorize":
			tagAction = true
		}
	}
	for _, ph := range p.phrases {
		if ph.re.MatchString(text) {
			scores[ph.intent] += ph.boost
		}
	}
	if out.AllScope && tagAction {
		scores["bulk_tag"] += 0.3
	}
	if strings.Contains(text, "duplicate") || strings.Contains(text, "same") {
		scores["merge"] += 0.4
	}

	best, bestScore := "", 0.0
	for label, score := range scores {
		if score > bestScore {
			best, bestScore = label, score
		}
	}
	if bestScore < confidenceFloor {
		return out
	}
	out.Op = p.opByLabel[best]
	out.Confidence = min(bestScore, 1.0)
	out.Filter = p.targetFilter(out)
	return out
}

// extractQuoted pulls double-quoted phrases from the raw input, preserving
// their original case.
func (p *keywordParser) extractQuoted(input string) []string {
	var tags []string
	for _, m := range p.quoted.FindAllStringSubmatch(input, -1) {
		tags = append(tags, m[1])
	}
	return tags
}

func (p *keywordParser) extractSources(text string) []string {
	seen := map[string]bool{}
	var sources []string
	for _, re := range p.sources {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			s := m[1]
			if stopword(s) || seen[s] {
				continue
			}
			seen[s] = true
			sources = append(sources, s)
		}
	}
	return sources
}

// targetFilter derives the record selection for bulk intents. An explicit
// whole-corpus scope yields an open filter; otherwise the first quoted tag,
// then the first named source, narrows it.
func (p *keywordParser) targetFilter(pi ParsedIntent) *types.Filter {
	if pi.AllScope {
		return &types.Filter{}
	}
	if len(pi.Tags) > 0 {
		return &types.Filter{Tags: []string{pi.Tags[0]}}
	}
	if len(pi.Sources) > 0 {
		return &types.Filter{Sources: []string{pi.Sources[0]}}
	}
	return &types.Filter{}
}

// stopword screens source captures that are grammar, not app names.
func stopword(w string) bool {
	switch w {
	case "the", "my", "a", "an", "all", "this", "that", "them", "it", "order", "one", "here", "there":
		return true
	}
	return false
}
