package service

import (
	"context"
	"strings"
	"time"

	"engram/internal/index"
	"engram/internal/logging"
	"engram/internal/profile"
	"engram/internal/types"
)

// GetContext renders the user's current profile as a context view. When
// currentRequest is non-empty the view's relevant-context section is ordered
// against it.
func (s *Service) GetContext(ctx context.Context, userID, currentRequest string, includeDetails bool) (*profile.ContextView, error) {
	if userID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "context rendering requires a user id"}
	}
	return s.renderer.Render(ctx, userID, currentRequest, includeDetails)
}

// KnowledgeComponent is one retrieval hit packaged for prompt assembly.
type KnowledgeComponent struct {
	ContentSummary string    `json:"content_summary"`
	Relevance      float64   `json:"relevance_score"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
	ComponentType  string    `json:"component_type"`
}

// Enhancement combines a personalization prompt with the knowledge context
// retrieved for one question.
type Enhancement struct {
	PersonalizedPrompt  string               `json:"personalized_prompt"`
	KnowledgeComponents []KnowledgeComponent `json:"knowledge_components"`
	PSPSummary          *profile.ContextView `json:"psp_summary,omitempty"`
	Degraded            bool                 `json:"degraded,omitempty"`
}

// enhancementMinRelevance floors the retrieval feeding prompt assembly;
// weakly related records dilute answers more than they help.
const enhancementMinRelevance = 0.5

const fallbackPrompt = "You are a helpful AI assistant. Use the provided context to answer questions accurately."

// PersonalizedEnhancement prepares a question for answering: a system prompt
// derived from the user's profile plus the knowledge components most relevant
// to the question. A missing or unreadable profile degrades to a generic
// prompt; retrieval failures degrade to an empty knowledge set. Only both
// failing is an error.
func (s *Service) PersonalizedEnhancement(ctx context.Context, userID, question string, contextLimit int) (*Enhancement, error) {
	if userID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "enhancement requires a user id"}
	}
	if question == "" {
		return nil, &types.ValidationError{Field: "question", Reason: "question is empty"}
	}
	if contextLimit <= 0 {
		contextLimit = 5
	}
	if contextLimit > maxContextLimit {
		contextLimit = maxContextLimit
	}

	enh := &Enhancement{}

	view, viewErr := s.renderer.Render(ctx, userID, question, false)
	if viewErr != nil {
		logging.ServiceWarn("enhancement for %s proceeding without profile: %v", userID, viewErr)
		enh.PersonalizedPrompt = fallbackPrompt
		enh.Degraded = true
	} else {
		enh.PersonalizedPrompt = personalizedPrompt(view)
		enh.PSPSummary = view
	}

	resp, searchErr := s.searcher.Search(ctx, &index.Query{
		UserID:       userID,
		Text:         question,
		Limit:        contextLimit,
		MinRelevance: enhancementMinRelevance,
		Strategies:   []index.Strategy{index.StrategySemantic, index.StrategyFulltext},
	})
	if searchErr != nil {
		if viewErr != nil {
			return nil, searchErr
		}
		logging.ServiceWarn("enhancement for %s proceeding without knowledge context: %v", userID, searchErr)
		enh.Degraded = true
	} else {
		enh.Degraded = enh.Degraded || resp.Degraded
		enh.KnowledgeComponents = make([]KnowledgeComponent, 0, len(resp.Results))
		for _, r := range resp.Results {
			enh.KnowledgeComponents = append(enh.KnowledgeComponents, KnowledgeComponent{
				ContentSummary: summarize(r.Record.Highlight),
				Relevance:      r.Relevance,
				Source:         r.Record.Source,
				Timestamp:      r.Record.Timestamp,
				ComponentType:  "knowledge",
			})
		}
	}

	return enh, nil
}

// personalizedPrompt renders a profile into system-prompt sentences. Empty
// sections are skipped so a thin profile yields a short prompt.
func personalizedPrompt(view *profile.ContextView) string {
	parts := []string{"You are an AI assistant that provides personalized responses."}
	if sect := joinCapped(view.CoreInterests, 5); sect != "" {
		parts = append(parts, "User interests: "+sect+".")
	}
	if sect := joinCapped(view.LearningPreferences, 3); sect != "" {
		parts = append(parts, "Learning style: "+sect+".")
	}
	if sect := joinCapped(view.CommunicationStyle, 2); sect != "" {
		parts = append(parts, "Communication style: "+sect+".")
	}
	parts = append(parts,
		"Use the provided knowledge context to give accurate answers.",
		"Combine your knowledge with the user's personalization preferences.")
	return strings.Join(parts, " ")
}

func joinCapped(items []string, max int) string {
	if len(items) > max {
		items = items[:max]
	}
	return strings.Join(items, ", ")
}
