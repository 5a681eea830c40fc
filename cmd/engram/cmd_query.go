// Package main implements the retrieval commands: search, ask, context,
// and enhance.
package main

import (
	"context"
	"fmt"
	"strings"

	"engram/internal/index"
	"engram/internal/profile"
	"engram/internal/service"
	"engram/internal/types"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	searchLimit    int
	searchMinRel   float64
	searchTags     []string
	searchSources  []string
	searchStrats   []string
	askLimit       int
	askMinRel      float64
	askMetadata    bool
	contextDetails bool
	contextRequest string
	enhanceLimit   int
)

// searchCmd runs a multi-strategy retrieval over the user's corpus
var searchCmd = &cobra.Command{
	Use:   "search [text...]",
	Short: "Search the memory corpus",
	Long: `Runs a fused multi-strategy retrieval (semantic, fulltext, high-influence,
recent) over the user's corpus and prints the ranked results.

Examples:
  engram search sqlite write contention
  engram search --tag go --source web concurrency
  engram search --strategy recent --limit 20`,
	RunE: runSearch,
}

// askCmd retrieves the records most relevant to a question
var askCmd = &cobra.Command{
	Use:   "ask [question...]",
	Short: "Retrieve the memories most relevant to a question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

// contextCmd renders the synthesized context view
var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Show the user's synthesized context view",
	Long: `Renders the personalized context view synthesized from the user's profile:
core interests, current goals, learning preferences, communication style,
and work context.`,
	RunE: runContext,
}

// enhanceCmd builds a personalized prompt enhancement for a question
var enhanceCmd = &cobra.Command{
	Use:   "enhance [question...]",
	Short: "Build a personalized prompt enhancement for a question",
	Long: `Combines the user's context view with the memories relevant to the question
into a personalized system prompt plus supporting knowledge components,
ready to prepend to an LLM request.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnhance,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum results")
	searchCmd.Flags().Float64Var(&searchMinRel, "min-relevance", 0, "Relevance floor (0-1)")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "Filter by tag (repeatable)")
	searchCmd.Flags().StringSliceVar(&searchSources, "source", nil, "Filter by source app (repeatable)")
	searchCmd.Flags().StringSliceVar(&searchStrats, "strategy", nil, "Strategies to run (semantic, fulltext, high_influence, recent)")

	askCmd.Flags().IntVar(&askLimit, "limit", 5, "Maximum items")
	askCmd.Flags().Float64Var(&askMinRel, "min-relevance", 0, "Relevance floor (0-1)")
	askCmd.Flags().BoolVar(&askMetadata, "metadata", false, "Include source and timing metadata")

	contextCmd.Flags().BoolVar(&contextDetails, "details", false, "Include raw profile components")
	contextCmd.Flags().StringVar(&contextRequest, "request", "", "Current request, to focus the relevant-context section")

	enhanceCmd.Flags().IntVar(&enhanceLimit, "limit", 5, "Maximum knowledge components")
}

func runSearch(cmd *cobra.Command, args []string) error {
	user, err := resolveUser()
	if err != nil {
		return err
	}

	strategies, err := parseStrategies(searchStrats)
	if err != nil {
		return err
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req := &service.SearchRequest{
		UserID:       user,
		Text:         joinArgs(args),
		Limit:        searchLimit,
		MinRelevance: searchMinRel,
		Strategies:   strategies,
	}
	if len(searchTags) > 0 || len(searchSources) > 0 {
		req.Filter = &types.Filter{Tags: searchTags, Sources: searchSources}
	}

	logger.Debug("Searching corpus", zap.String("user", user), zap.String("text", req.Text))

	resp, err := svc.Search(ctx, req)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if jsonOut {
		return printJSON(resp)
	}

	if resp.Degraded {
		fmt.Printf("note: degraded results, strategies unavailable: %s\n\n", joinStrategies(resp.FailedStrategies))
	}
	if len(resp.Results) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for i, r := range resp.Results {
		fmt.Printf("%2d. [%.2f] %s\n", i+1, r.Relevance, firstLine(r.Record.Highlight))
		fmt.Printf("    id=%s source=%s %s", r.Record.ID, r.Record.Source, r.Record.Timestamp.Format("2006-01-02"))
		if len(r.Record.Tags) > 0 {
			fmt.Printf(" tags=%s", strings.Join(r.Record.Tags, ","))
		}
		fmt.Printf(" via=%s\n", joinStrategies(r.Strategies))
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	user, err := resolveUser()
	if err != nil {
		return err
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	question := joinArgs(args)
	answer, err := svc.QueryRelevantForQuestion(ctx, user, question, askLimit, askMinRel, askMetadata)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if jsonOut {
		return printJSON(answer)
	}

	if answer.Degraded {
		fmt.Println("note: degraded results (some retrieval strategies unavailable)")
	}
	if len(answer.Items) == 0 {
		fmt.Println("Nothing relevant found.")
		return nil
	}
	for i, item := range answer.Items {
		fmt.Printf("%2d. [%.2f] %s\n", i+1, item.Relevance, item.ContentSummary)
		if item.Metadata != nil {
			fmt.Printf("    %s, %s (attention %.2f)\n",
				item.Metadata.Source, item.Metadata.Timestamp.Format("2006-01-02"), item.Metadata.Attention)
		}
	}
	return nil
}

func runContext(cmd *cobra.Command, args []string) error {
	user, err := resolveUser()
	if err != nil {
		return err
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	view, err := svc.GetContext(ctx, user, contextRequest, contextDetails)
	if err != nil {
		return fmt.Errorf("render context: %w", err)
	}

	if jsonOut {
		return printJSON(view)
	}

	fmt.Print(renderMarkdown(contextMarkdown(view)))
	return nil
}

func runEnhance(cmd *cobra.Command, args []string) error {
	user, err := resolveUser()
	if err != nil {
		return err
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	question := joinArgs(args)
	enh, err := svc.PersonalizedEnhancement(ctx, user, question, enhanceLimit)
	if err != nil {
		return fmt.Errorf("enhancement failed: %w", err)
	}

	if jsonOut {
		return printJSON(enh)
	}

	var md strings.Builder
	md.WriteString("# Personalized prompt\n\n")
	md.WriteString(enh.PersonalizedPrompt)
	md.WriteString("\n")
	if len(enh.KnowledgeComponents) > 0 {
		md.WriteString("\n## Knowledge context\n\n")
		for _, kc := range enh.KnowledgeComponents {
			md.WriteString(fmt.Sprintf("- [%.2f] %s (%s, %s)\n",
				kc.Relevance, kc.ContentSummary, kc.Source, kc.Timestamp.Format("2006-01-02")))
		}
	}
	if enh.Degraded {
		md.WriteString("\n_Degraded: parts of the enhancement were unavailable._\n")
	}
	fmt.Print(renderMarkdown(md.String()))
	return nil
}

// contextMarkdown lays the view out as a markdown document for terminal
// rendering.
func contextMarkdown(view *profile.ContextView) string {
	var md strings.Builder
	md.WriteString(fmt.Sprintf("# Memory context for %s\n\n", view.UserID))
	md.WriteString(fmt.Sprintf("%d active components, updated %s\n",
		view.ActiveComponentsCount, view.LastUpdated.Format("2006-01-02 15:04")))

	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		md.WriteString(fmt.Sprintf("\n## %s\n\n", title))
		for _, it := range items {
			md.WriteString(fmt.Sprintf("- %s\n", it))
		}
	}
	section("Core interests", view.CoreInterests)
	section("Current goals", view.CurrentGoals)
	section("Learning preferences", view.LearningPreferences)
	section("Communication style", view.CommunicationStyle)
	section("Work context", view.WorkContext)
	section("High-priority focus", view.HighPriorityFocus)
	section("Relevant to this request", view.RelevantContext)

	if len(view.Components) > 0 {
		md.WriteString("\n## Components\n\n")
		md.WriteString("| Kind | Priority | Weight | Description |\n")
		md.WriteString("|------|----------|--------|-------------|\n")
		for _, c := range view.Components {
			md.WriteString(fmt.Sprintf("| %s | %s | %.3f | %s |\n",
				c.Kind, c.Priority, c.NormalizedWeight, firstLine(c.Description)))
		}
	}
	return md.String()
}

// renderMarkdown renders markdown for the terminal, falling back to the raw
// text when the renderer cannot be built.
func renderMarkdown(md string) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return out
}

func parseStrategies(names []string) ([]index.Strategy, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var out []index.Strategy
	for _, name := range names {
		s := index.Strategy(strings.TrimSpace(name))
		valid := false
		for _, known := range index.AllStrategies {
			if s == known {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("unknown strategy %q (want one of: %s)", name, joinStrategies(index.AllStrategies))
		}
		out = append(out, s)
	}
	return out, nil
}

func joinStrategies(strategies []index.Strategy) string {
	parts := make([]string, len(strategies))
	for i, s := range strategies {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// firstLine truncates content to one displayable line.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > 120 {
		return string(runes[:117]) + "..."
	}
	return s
}
