package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"google.golang.org/genai"
)

// DefaultModelName is the default Gemini model used for document extraction.
const DefaultModelName = "gemini-2.5-flash"

// GeminiParser is the concrete implementation of AIParser that uses Gemini.
type GeminiParser struct {
	model string
}

// NewGeminiParser creates a parser for the given model, falling back to
// DefaultModelName when empty.
func NewGeminiParser(model string) *GeminiParser {
	if model == "" {
		model = DefaultModelName
	}
	return &GeminiParser{model: model}
}

// ParseDocument sends the document to Gemini and returns the parsed JSON
// output. It expects the model to return a STRICT JSON array of transactions.
func (p *GeminiParser) ParseDocument(ctx context.Context, data []byte, mimeType string, importType domain.ImportType) (map[string]interface{}, error) {
	fullPrompt := buildExtractionPrompt(importType)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("ParseDocument: create genai client: %w", err)
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: fullPrompt},
				{
					InlineData: &genai.Blob{
						MIMEType: mimeType,
						Data:     data,
					},
				},
			},
		},
	}

	resp, err := client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("ParseDocument: generate content: %w", err)
	}

	rawText := resp.Text()
	if rawText == "" {
		return nil, fmt.Errorf("ParseDocument: empty response from model")
	}

	// Clean up Markdown fences / extra text if the model ignored instructions.
	clean := cleanModelJSON(rawText)

	var parsed interface{}
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		return nil, fmt.Errorf("ParseDocument: unmarshal JSON: %w\nraw response: %s", err, rawText)
	}

	// Expect top-level array; for flexibility we just wrap it under "transactions".
	return map[string]interface{}{
		"transactions": parsed,
	}, nil
}

func buildExtractionPrompt(importType domain.ImportType) string {
	var intro string
	switch importType {
	case domain.ImportTypeReceipts:
		intro = "You are a receipt parser. The attached document is a purchase receipt (photo or PDF).\n" +
			"Extract the overall purchase as a single transaction with the store as the merchant.\n"
	case domain.ImportTypeInvoices:
		intro = "You are an invoice parser. The attached document is an invoice.\n" +
			"Extract the invoice total as a single transaction with the issuer as the merchant.\n"
	default:
		intro = "You are a financial statement parser. The attached document is a bank or card statement.\n" +
			"Parse ALL transactions in the statement.\n"
	}

	basePrompt := intro + "\n" +
		"Task:\n" +
		"- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n" +
		"- Output a JSON array of objects.\n\n" +
		"Each object must have these fields:\n" +
		"- \"merchant_name\": string\n" +
		"- \"description\": string\n" +
		"- \"date\": string, ISO format \"YYYY-MM-DD\"\n" +
		"- \"amount\": number (positive for money IN, negative for money OUT)\n" +
		"- \"currency\": string (e.g. \"GBP\")\n\n"

	rulesPrompt := "Rules:\n" +
		"- If the statement has separate \"paid out\" / \"paid in\" columns, convert to a single signed \"amount\".\n" +
		"- Purchases and payments made BY the account holder are money OUT (negative).\n" +
		"- If the merchant cannot be determined, use the most specific counterparty text available.\n\n" +
		"Return ONLY valid raw JSON.\n" +
		"Do NOT wrap the response in code fences.\n" +
		"Do NOT use ```json or any Markdown.\n" +
		"Output must begin with \"[\" and end with \"]\".\n"

	return basePrompt + rulesPrompt
}

func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	// Handle ```json ... ``` or ``` ... ``` wrappers.
	if strings.HasPrefix(s, "```") {
		// Drop the first line (``` or ```json).
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			// Single-line weirdness; just return as-is.
			return s
		}
		s = strings.TrimSpace(s)
	}

	// Remove trailing ``` if present.
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)

	// Extra safety: if there's still junk around the JSON array,
	// try to keep only from the first '[' to the last ']'.
	if start := strings.Index(s, "["); start != -1 {
		if end := strings.LastIndex(s, "]"); end != -1 && end > start {
			s = s[start : end+1]
			s = strings.TrimSpace(s)
		}
	}

	return s
}

// Ensure GeminiParser implements AIParser.
var _ AIParser = (*GeminiParser)(nil)
