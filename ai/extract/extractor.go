// Package extract turns raw text into structured facts, entities, and
// reconciliation operations via LLM prompts with strict JSON contracts.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/t0ken-ai/memoryx/ai/llm"
)

// Fact is one atomic extracted statement.
type Fact struct {
	Content    string `json:"content"`
	Category   string `json:"category"`
	Importance string `json:"importance"`
}

// Entity is a named thing mentioned in a fact.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relation is a directed edge between two entities.
type Relation struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// Extraction is the combined entity output for one text.
type Extraction struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Extractor runs the extraction prompts against the chat service.
type Extractor struct {
	llm   llm.Service
	model string

	factPrompt    string
	entityPrompt  string
	summaryPrompt string
}

// Option tweaks an Extractor.
type Option func(*Extractor)

// WithPrompts overrides the default prompt templates. Empty strings keep
// the defaults.
func WithPrompts(fact, entity, summary string) Option {
	return func(e *Extractor) {
		if fact != "" {
			e.factPrompt = fact
		}
		if entity != "" {
			e.entityPrompt = entity
		}
		if summary != "" {
			e.summaryPrompt = summary
		}
	}
}

// NewExtractor creates an Extractor on top of the LLM service.
func NewExtractor(service llm.Service, model string, opts ...Option) *Extractor {
	e := &Extractor{
		llm:           service,
		model:         model,
		factPrompt:    DefaultFactPrompt,
		entityPrompt:  DefaultEntityPrompt,
		summaryPrompt: DefaultSummaryPrompt,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Summarize condenses conversation text before extraction. On failure the
// original text is returned so ingestion can continue un-summarized.
func (e *Extractor) Summarize(ctx context.Context, text string) string {
	out, err := e.llm.Chat(ctx, e.model, []llm.Message{
		llm.SystemPrompt("You are a conversation summarizer. Summarize concisely, keep every fact, drop noise."),
		llm.UserMessage(fmt.Sprintf(e.summaryPrompt, text)),
	})
	if err != nil {
		slog.Warn("summarize failed, using original text", "error", err)
		return text
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return text
	}
	slog.Debug("conversation summarized", "in_chars", len(text), "out_chars", len(out))
	return out
}

// ExtractFacts splits text into categorized atomic facts.
func (e *Extractor) ExtractFacts(ctx context.Context, text string) ([]Fact, error) {
	out, err := e.llm.Chat(ctx, e.model, []llm.Message{
		llm.UserMessage(fmt.Sprintf(e.factPrompt, text)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "extract facts")
	}

	var parsed struct {
		Facts []Fact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(stripFences(out)), &parsed); err != nil {
		return nil, errors.Wrapf(err, "parse fact response: %.120s", out)
	}
	return FilterFacts(parsed.Facts), nil
}

// ExtractEntities pulls entities and relations out of one fact.
func (e *Extractor) ExtractEntities(ctx context.Context, text string) (*Extraction, error) {
	out, err := e.llm.Chat(ctx, e.model, []llm.Message{
		llm.UserMessage(fmt.Sprintf(e.entityPrompt, text)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "extract entities")
	}

	parsed := &Extraction{}
	if err := json.Unmarshal([]byte(stripFences(out)), parsed); err != nil {
		return nil, errors.Wrapf(err, "parse entity response: %.120s", out)
	}
	for i := range parsed.Entities {
		if parsed.Entities[i].Type == "" {
			parsed.Entities[i].Type = inferEntityType(parsed.Entities[i].Name)
		}
	}
	return parsed, nil
}

var trivialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(hi|hello|hey|ok|okay|thanks|thank you|bye|goodbye)[.!?]*$`),
	regexp.MustCompile(`(?i)^(yes|no|sure|maybe)[.!?]*$`),
	regexp.MustCompile(`(?i)^(nice|good|great) (weather|day|morning|evening)`),
}

// FilterFacts drops facts that are too short or trivially content-free,
// and normalizes unknown categories to "fact".
func FilterFacts(facts []Fact) []Fact {
	kept := make([]Fact, 0, len(facts))
	for _, f := range facts {
		content := strings.TrimSpace(f.Content)
		if utf8.RuneCountInString(content) < 2 {
			continue
		}
		if isTrivial(content) {
			continue
		}
		f.Content = content
		if !validCategory(f.Category) {
			f.Category = "fact"
		}
		if f.Importance == "" {
			f.Importance = "medium"
		}
		kept = append(kept, f)
	}
	return kept
}

func isTrivial(content string) bool {
	for _, re := range trivialPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

func validCategory(category string) bool {
	switch category {
	case "preference", "fact", "plan", "experience", "opinion", "correction", "other":
		return true
	}
	return false
}

var entityTypeKeywords = []struct {
	entityType string
	keywords   []string
}{
	{"location", []string{"city", "town", "york", "london", "paris", "tokyo", "berlin", "beijing", "shanghai", "street", "avenue"}},
	{"organization", []string{"inc", "corp", "company", "ltd", "google", "microsoft", "amazon", "university", "school", "team"}},
	{"skill", []string{"python", "java", "javascript", "go", "rust", "c++", "sql", "react", "docker", "kubernetes", "linux"}},
	{"item", []string{"coffee", "tea", "wine", "beer", "pizza", "sushi", "book", "phone", "laptop"}},
}

// inferEntityType assigns a type by keyword when the extractor returned
// an entity without one. Defaults to person, matching how bare names most
// often show up in conversation.
func inferEntityType(name string) string {
	lower := strings.ToLower(name)
	for _, group := range entityTypeKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.entityType
			}
		}
	}
	return "person"
}

// EntitiesFromNames rebuilds typed entities from bare names stored in
// vector payloads.
func EntitiesFromNames(names []string) []Entity {
	entities := make([]Entity, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		entities = append(entities, Entity{Name: name, Type: inferEntityType(name)})
	}
	return entities
}

// stripFences removes a markdown code fence if the model wrapped its JSON
// in one, and trims anything before the first brace.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	return strings.TrimSpace(s)
}
