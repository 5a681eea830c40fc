package service

import (
	"context"
	"fmt"
	"time"

	"engram/internal/index"
	"engram/internal/logging"
	"engram/internal/types"
)

// SearchRequest is one multi-strategy retrieval call.
type SearchRequest struct {
	UserID       string
	Text         string
	Filter       *types.Filter
	TimeRange    *types.TimeRange
	Limit        int
	MinRelevance float64
	Strategies   []index.Strategy
}

// Search runs the full strategy set (or the requested subset) and returns
// fused, ranked results. Limits are capped at 50.
func (s *Service) Search(ctx context.Context, req *SearchRequest) (*index.Response, error) {
	if req == nil || req.UserID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "search requires a user id"}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	return s.searcher.Search(ctx, &index.Query{
		UserID:       req.UserID,
		Text:         req.Text,
		Filter:       req.Filter,
		TimeRange:    req.TimeRange,
		Limit:        limit,
		MinRelevance: req.MinRelevance,
		Strategies:   req.Strategies,
	})
}

// RelevantItem is one retrieval hit shaped for question answering.
type RelevantItem struct {
	ID             string        `json:"id"`
	ContentSummary string        `json:"content_summary"`
	Relevance      float64       `json:"relevance_score"`
	Metadata       *ItemMetadata `json:"metadata,omitempty"`
}

// ItemMetadata is the optional provenance block on a RelevantItem.
type ItemMetadata struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Attention float64   `json:"attention_weight"`
	Quality   float64   `json:"quality_score"`
}

// RelevantAnswer is the response to QueryRelevantForQuestion.
type RelevantAnswer struct {
	Items    []RelevantItem `json:"items"`
	Degraded bool           `json:"degraded,omitempty"`
}

// QueryRelevantForQuestion retrieves the records most relevant to a natural
// language question, semantic and fulltext strategies only. The answer is
// profile-independent: two users with identical corpora get identical items.
func (s *Service) QueryRelevantForQuestion(ctx context.Context, userID, question string, limit int, minRelevance float64, includeMetadata bool) (*RelevantAnswer, error) {
	if userID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "question retrieval requires a user id"}
	}
	if question == "" {
		return nil, &types.ValidationError{Field: "question", Reason: "question is empty"}
	}
	if len(question) > maxQuestionChars {
		return nil, &types.ValidationError{
			Field:  "question",
			Reason: fmt.Sprintf("question of %d chars exceeds the %d-char cap", len(question), maxQuestionChars),
		}
	}
	if limit <= 0 {
		limit = 5
	}
	if limit > maxQuestionLimit {
		limit = maxQuestionLimit
	}

	resp, err := s.searcher.Search(ctx, &index.Query{
		UserID:       userID,
		Text:         question,
		Limit:        limit,
		MinRelevance: minRelevance,
		Strategies:   []index.Strategy{index.StrategySemantic, index.StrategyFulltext},
	})
	if err != nil {
		return nil, err
	}

	ans := &RelevantAnswer{
		Items:    make([]RelevantItem, 0, len(resp.Results)),
		Degraded: resp.Degraded,
	}
	for _, r := range resp.Results {
		item := RelevantItem{
			ID:             r.Record.ID,
			ContentSummary: summarize(r.Record.Highlight),
			Relevance:      r.Relevance,
		}
		if includeMetadata {
			item.Metadata = &ItemMetadata{
				Source:    r.Record.Source,
				Timestamp: r.Record.Timestamp,
				Attention: r.Record.Attention,
				Quality:   r.Record.Quality,
			}
		}
		ans.Items = append(ans.Items, item)
	}
	logging.IndexDebug("question retrieval user=%s hits=%d degraded=%v", userID, len(ans.Items), ans.Degraded)
	return ans, nil
}

// summarize truncates a highlight to its first 100 characters.
func summarize(highlight string) string {
	const max = 100
	runes := []rune(highlight)
	if len(runes) <= max {
		return highlight
	}
	return string(runes[:max])
}
