package categorize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/store"
	"google.golang.org/genai"
)

// DefaultSuggestModelName is the default Gemini model used for category
// suggestions.
const DefaultSuggestModelName = "gemini-2.5-flash"

// GeminiSuggester is the concrete implementation of Suggester that asks
// Gemini to pick one of the owner's visible categories.
type GeminiSuggester struct {
	categories store.RuleRepository
	model      string
}

// NewGeminiSuggester creates a suggester for the given model, falling back
// to DefaultSuggestModelName when empty.
func NewGeminiSuggester(categories store.RuleRepository, model string) *GeminiSuggester {
	if model == "" {
		model = DefaultSuggestModelName
	}
	return &GeminiSuggester{categories: categories, model: model}
}

// SuggestCategory implements the Suggester interface. The model must answer
// with strict JSON naming one of the offered category ids, or null.
func (s *GeminiSuggester) SuggestCategory(ctx context.Context, ownerID, merchantName, description string, amount float64) (*domain.CategorySuggestion, error) {
	categories, err := s.categories.ListCategories(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("SuggestCategory: list categories: %w", err)
	}
	if len(categories) == 0 {
		return nil, nil
	}

	var taxonomy strings.Builder
	taxonomy.WriteString("Available categories (id: name):\n")
	for _, c := range categories {
		fmt.Fprintf(&taxonomy, "- %s: %s\n", c.CategoryID, c.Name)
	}

	prompt := "You are a transaction categorizer.\n\n" +
		taxonomy.String() + "\n" +
		fmt.Sprintf("Transaction:\n- merchant: %q\n- description: %q\n- amount: %.2f\n\n", merchantName, description, amount) +
		"Pick the single best category for this transaction.\n" +
		"Output STRICT JSON only, no Markdown, in this shape:\n" +
		"{\"category_id\": \"<one of the ids above>\", \"confidence\": <number 0.0-1.0>}\n" +
		"If none of the categories fits, output exactly: null\n"

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("SuggestCategory: create genai client: %w", err)
	}

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}

	resp, err := client.Models.GenerateContent(ctx, s.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("SuggestCategory: generate content: %w", err)
	}

	rawText := strings.TrimSpace(resp.Text())
	if rawText == "" || rawText == "null" {
		return nil, nil
	}

	// Tolerate code fences the same way the extraction parser does.
	rawText = strings.TrimPrefix(rawText, "```json")
	rawText = strings.Trim(rawText, "` \n")

	var parsed struct {
		CategoryID string  `json:"category_id"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(rawText), &parsed); err != nil {
		return nil, fmt.Errorf("SuggestCategory: unmarshal JSON: %w\nraw response: %s", err, rawText)
	}
	if parsed.CategoryID == "" {
		return nil, nil
	}

	// Reject ids the model invented.
	for _, c := range categories {
		if c.CategoryID == parsed.CategoryID {
			return &domain.CategorySuggestion{
				CategoryID:   parsed.CategoryID,
				CategoryName: c.Name,
				Confidence:   parsed.Confidence,
			}, nil
		}
	}
	return nil, nil
}

// Ensure GeminiSuggester implements Suggester.
var _ Suggester = (*GeminiSuggester)(nil)
