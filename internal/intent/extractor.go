// Package intent derives typed profile signals from enriched records. Three
// rule families run per record: content keywords, behavior metrics, and
// source/sentiment context. Extraction is deterministic given the record and
// performs no I/O; intent ids are derived from the record id so re-running
// extraction yields the same intents.
package intent

import (
	"fmt"
	"math"
	"strings"

	"engram/internal/logging"
	"engram/internal/types"
)

// Rule thresholds.
const (
	highAttentionMin   = 0.7
	revisitGoalMin     = 3
	learningConfidence = 0.8
	workConfidence     = 0.7
	chatbotConfidence  = 0.6
	styleConfidence    = 0.5

	// Description text is capped so profile components stay compact.
	descriptionMaxChars = 100
)

var learningKeywords = []string{"learn", "understand", "study", "tutorial", "guide", "how to"}
var workKeywords = []string{"project", "task", "deadline", "meeting", "work", "job", "career"}

// Extractor derives intents from records. Zero value is ready to use.
type Extractor struct{}

// Extract runs all rule families against a record and returns zero or more
// typed intents. Soft-deleted records yield nothing.
func (e Extractor) Extract(rec *types.Record) []types.Intent {
	if rec == nil || rec.Deleted {
		return nil
	}

	var intents []types.Intent
	intents = append(intents, e.contentIntents(rec)...)
	intents = append(intents, e.behaviorIntents(rec)...)
	intents = append(intents, e.contextIntents(rec)...)

	if len(intents) > 0 {
		logging.IntentDebug("record %s yielded %d intents", rec.ID, len(intents))
	}
	return intents
}

// contentIntents fires on learning and work vocabulary in the record text.
func (Extractor) contentIntents(rec *types.Record) []types.Intent {
	var intents []types.Intent
	lowered := strings.ToLower(rec.Highlight + rec.Note)

	if matchesAny(lowered, learningKeywords) {
		topics := rec.EnhancedTags
		if len(topics) > 3 {
			topics = topics[:3]
		}
		intents = append(intents, types.Intent{
			ID:          rec.ID + "_learning",
			UserID:      rec.UserID,
			Kind:        types.KindCoreInterest,
			Description: "Learning interest in: " + strings.Join(topics, ", "),
			Embedding:   rec.Embedding,
			Confidence:  learningConfidence,
			Attention:   rec.Attention,
			SourceApp:   rec.Source,
			RecordID:    rec.ID,
			Context:     map[string]interface{}{"topics": rec.EnhancedTags, "content_type": "learning"},
		})
	}

	if matchesAny(lowered, workKeywords) {
		intents = append(intents, types.Intent{
			ID:          rec.ID + "_work",
			UserID:      rec.UserID,
			Kind:        types.KindWorkContext,
			Description: "Work-related activity: " + truncate(rec.Highlight, descriptionMaxChars),
			Embedding:   rec.Embedding,
			Confidence:  workConfidence,
			Attention:   rec.Attention,
			SourceApp:   rec.Source,
			RecordID:    rec.ID,
			Context:     map[string]interface{}{"work_area": rec.EnhancedTags, "priority": "medium"},
		})
	}

	return intents
}

// behaviorIntents fires on the attention signals: strong attention marks a
// core interest, repeated revisits mark a persistent goal.
func (Extractor) behaviorIntents(rec *types.Record) []types.Intent {
	var intents []types.Intent

	if rec.Attention > highAttentionMin {
		intents = append(intents, types.Intent{
			ID:          rec.ID + "_core",
			UserID:      rec.UserID,
			Kind:        types.KindCoreInterest,
			Description: "High attention on: " + truncate(rec.Highlight, descriptionMaxChars),
			Embedding:   rec.Embedding,
			Confidence:  rec.Attention,
			Attention:   rec.Attention,
			SourceApp:   rec.Source,
			RecordID:    rec.ID,
			Context:     map[string]interface{}{"intensity": "high"},
		})
	}

	if rec.AttentionMetrics != nil && rec.AttentionMetrics.AddressRevisit > revisitGoalMin {
		revisit := rec.AttentionMetrics.AddressRevisit
		intents = append(intents, types.Intent{
			ID:          rec.ID + "_goal",
			UserID:      rec.UserID,
			Kind:        types.KindCurrentGoal,
			Description: "Persistent goal related to: " + rec.Address,
			Embedding:   rec.Embedding,
			Confidence:  math.Min(float64(revisit)/10.0, 1.0),
			Attention:   rec.Attention,
			SourceApp:   rec.Source,
			RecordID:    rec.ID,
			Context:     map[string]interface{}{"revisit_count": revisit, "persistence": "high"},
		})
	}

	return intents
}

// contextIntents fires on the originating app and on non-neutral sentiment.
func (Extractor) contextIntents(rec *types.Record) []types.Intent {
	var intents []types.Intent

	if strings.Contains(rec.Source, "chatbot") || strings.Contains(rec.Source, "chat") {
		ctx := map[string]interface{}{"interaction_type": "ai_chat"}
		if rec.Semantic != nil {
			ctx["topics"] = rec.Semantic.Topics
		}
		intents = append(intents, types.Intent{
			ID:          rec.ID + "_learning_style",
			UserID:      rec.UserID,
			Kind:        types.KindLearningPreference,
			Description: "AI-assisted learning preference",
			Embedding:   rec.Embedding,
			Confidence:  chatbotConfidence,
			Attention:   rec.Attention,
			SourceApp:   rec.Source,
			RecordID:    rec.ID,
			Context:     ctx,
		})
	}

	if rec.Semantic != nil && rec.Semantic.Sentiment != types.SentimentNeutral {
		intents = append(intents, types.Intent{
			ID:          rec.ID + "_communication",
			UserID:      rec.UserID,
			Kind:        types.KindCommunicationStyle,
			Description: fmt.Sprintf("Communication style: %s", rec.Semantic.Sentiment),
			Embedding:   rec.Embedding,
			Confidence:  styleConfidence,
			Attention:   rec.Attention,
			SourceApp:   rec.Source,
			RecordID:    rec.ID,
			Context:     map[string]interface{}{"sentiment": string(rec.Semantic.Sentiment), "style_indicator": true},
		})
	}

	return intents
}

func matchesAny(lowered string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
