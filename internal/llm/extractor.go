// Package llm - extractor.go provides structured-output prompts for the
// search and scoring stages.
package llm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jonathan/creator-pipeline/internal/prompts"
)

// ExtractionSchema defines the structure of a JSON answer expected from the LLM.
type ExtractionSchema struct {
	Name        string        // Schema name (e.g., "QueryExpansion")
	Description string        // System prompt preamble describing the task
	Fields      []SchemaField // Expected output fields
	Rules       []string      // Extra instructions appended after the structure
}

// SchemaField defines a single field in the output.
type SchemaField struct {
	Name        string // JSON field name
	Type        string // Type hint: "string", "[]string", "integer"
	Description string // Description for the LLM
	Required    bool   // Whether this field is required
}

// BuildExtractionPrompt constructs the LLM prompt from schema and input text.
func BuildExtractionPrompt(schema ExtractionSchema, inputText string) string {
	var sb strings.Builder

	sb.WriteString(schema.Description)
	sb.WriteString("\n\n")

	sb.WriteString("Return ONLY valid JSON matching this exact structure:\n{\n")
	for i, field := range schema.Fields {
		typeHint := field.Type
		if typeHint == "" {
			typeHint = "string"
		}
		requiredHint := ""
		if field.Required {
			requiredHint = " (required)"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\": %s%s", field.Name, typeHint, requiredHint))
		if field.Description != "" {
			sb.WriteString(fmt.Sprintf(" // %s", field.Description))
		}
		if i < len(schema.Fields)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n\n")

	sb.WriteString("IMPORTANT:\n")
	for _, rule := range schema.Rules {
		sb.WriteString("- ")
		sb.WriteString(rule)
		sb.WriteString("\n")
	}
	sb.WriteString("- Return ONLY the JSON object, no markdown, no explanation, no code blocks.\n\n")

	sb.WriteString("Input:\n\"\"\"\n")
	sb.WriteString(inputText)
	sb.WriteString("\n\"\"\"\n")

	return sb.String()
}

// QueryExpansionSchema asks for alternative phrasings of a creator search query.
func QueryExpansionSchema(limit int) ExtractionSchema {
	return ExtractionSchema{
		Name:        "QueryExpansion",
		Description: prompts.MustGet(prompts.Creators, "query-expansion"),
		Fields: []SchemaField{
			{Name: "queries", Type: "[]string", Description: "alternative search queries", Required: true},
		},
		Rules: prompts.Lines(prompts.Format(prompts.MustGet(prompts.Creators, "query-expansion-rules"), map[string]string{
			"Limit": strconv.Itoa(limit),
		})),
	}
}

// ProfileFitSchema asks for a 1-10 fit score of one creator against a business brief.
func ProfileFitSchema(businessFitQuery string) ExtractionSchema {
	return ExtractionSchema{
		Name: "ProfileFit",
		Description: prompts.Format(prompts.MustGet(prompts.Creators, "profile-fit"), map[string]string{
			"Brief": businessFitQuery,
		}),
		Fields: []SchemaField{
			{Name: "score", Type: "integer", Description: "fit from 1 (poor) to 10 (excellent)", Required: true},
			{Name: "rationale", Type: "string", Description: "one or two sentences", Required: true},
		},
		Rules: prompts.Lines(prompts.MustGet(prompts.Creators, "profile-fit-rules")),
	}
}
