// Package extract turns a context bundle into one validated PINAX record:
// prompt assembly, the model call, and post-processing of the model's JSON.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Arke-Institute/arke-metadata-service/internal/fetch"
	"github.com/Arke-Institute/arke-metadata-service/internal/pinax"
	"github.com/Arke-Institute/arke-metadata-service/internal/providers"
)

const (
	// Generation parameters for the extraction call.
	temperature = 0.2
	maxTokens   = 1024

	// defaultAccessURLBase prefixes generated access URLs when the caller
	// does not supply one.
	defaultAccessURLBase = "https://arke.institute/"

	// defaultSource fills the source field when the model leaves it empty.
	defaultSource = "PINAX"
)

// ParseError marks model output that is not a usable JSON object.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse error: " + e.Reason
}

// Input carries everything needed to extract one record.
type Input struct {
	Bundle *fetch.Bundle

	// CustomPrompt is appended to the system prompt.
	CustomPrompt string

	// Institution, when set, overrides the model's institution field.
	Institution string

	// Overrides are caller-supplied fields merged over the model output.
	Overrides pinax.Record

	// AccessURL overrides the generated access URL.
	AccessURL string

	// RequestID tags the model call for tracing.
	RequestID string
}

// Result is one extracted record with its validation outcome and the model
// call's usage for cost accounting.
type Result struct {
	Record     pinax.Record          `json:"record"`
	Validation pinax.Validation      `json:"validation"`
	Usage      *providers.ChatResult `json:"usage,omitempty"`
}

// Extractor runs the extraction pipeline against one LLM client.
type Extractor struct {
	client providers.LLMClient
	model  string
	logger *slog.Logger
}

// Config configures an Extractor.
type Config struct {
	Client providers.LLMClient
	Model  string
	Logger *slog.Logger
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{client: cfg.Client, model: cfg.Model, logger: logger}
}

// Extract runs prompt assembly, the model call, and post-processing.
// A record that parses but fails schema validation is still returned; the
// validation outcome rides along for the caller to surface.
func (e *Extractor) Extract(ctx context.Context, in Input) (*Result, error) {
	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: SystemPrompt(in.CustomPrompt)},
			{Role: "user", Content: UserPrompt(in.Bundle)},
		},
		Model:          e.model,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: &providers.ResponseFormat{Type: "json_object"},
		RequestID:      in.RequestID,
	}

	chatResult, err := e.client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal([]byte(chatResult.Content), &decoded); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("model output is not JSON: %v", err)}
	}
	if err := checkShape(decoded); err != nil {
		return nil, err
	}
	raw, ok := decoded.(map[string]any)
	if !ok {
		return nil, &ParseError{Reason: "model output is not a JSON object"}
	}

	record := postProcess(pinax.Record(raw), in)
	validation := pinax.Validate(record)

	e.logger.Debug("extraction complete",
		"directory", in.Bundle.DirectoryName,
		"valid", validation.Valid,
		"prompt_tokens", chatResult.PromptTokens,
		"completion_tokens", chatResult.CompletionTokens,
		"cost_usd", chatResult.CostUSD,
	)

	return &Result{Record: record, Validation: validation, Usage: chatResult}, nil
}

// postProcess applies overrides and fills derived fields. Overrides win
// over model output; generated values only fill gaps.
func postProcess(record pinax.Record, in Input) pinax.Record {
	if in.Institution != "" {
		record["institution"] = in.Institution
	}
	for k, v := range in.Overrides {
		record[k] = v
	}

	if record.GetString("id") == "" {
		record["id"] = pinax.NewID()
	}

	if in.AccessURL != "" {
		record["access_url"] = in.AccessURL
	} else if record.GetString("access_url") == "" {
		record["access_url"] = defaultAccessURLBase + record.GetString("id")
	}

	if record.GetString("source") == "" {
		record["source"] = defaultSource
	}

	// Empty creators and subject lists are noise for the validator; drop them.
	if s, ok := record["creator"].(string); ok && s == "" {
		delete(record, "creator")
	}
	if list, ok := record["subjects"].([]any); ok && len(list) == 0 {
		delete(record, "subjects")
	}

	if created := record.GetString("created"); created != "" {
		record["created"] = pinax.NormalizeDate(created)
	}
	if typ := record.GetString("type"); typ != "" {
		record["type"] = pinax.NormalizeType(typ)
	}

	// Null-valued optional fields from the model add nothing downstream.
	for k, v := range record {
		if v == nil {
			delete(record, k)
		}
	}
	return record
}
