package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"receiptflow/config"
	"receiptflow/model"
	"receiptflow/pkg/logger"

	"github.com/Role1776/gigago"
)

const extractionSystemPrompt = "You are a meticulous financial document parser. You read receipt and invoice documents and extract key information into structured JSON. Accuracy matters more than completeness: never invent a value that is not present in the document."

const extractionPromptTemplate = `Extract the structured data from the receipt document at this URL:

%s

Return ONLY a valid JSON object, with no commentary and no markdown fences, in exactly this shape:

{
  "file_display_name": "a short human readable name for this receipt",
  "merchant_name": "",
  "merchant_address": "",
  "merchant_contact": "",
  "transaction_date": "YYYY-MM-DD",
  "transaction_amount": "the total amount of the transaction, summing all items",
  "currency": "ISO 4217 code",
  "receipt_summary": "a human readable summary of the receipt: merchant, date, total, currency, and key details about the items. If both an invoice number and a receipt number are present, mention both.",
  "items": [
    {"name": "", "quantity": 0, "unit_price": 0, "total_price": 0}
  ]
}

RULES:
- If a field is not present on the document, use an empty string. Do not guess and do not substitute zero or placeholder text.
- Quantities and prices are plain numbers without currency symbols.
- Return the JSON object only.`

// ModelClient is the slice of the language-model client the agent needs.
// It exists so tests can substitute a canned model.
type ModelClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// gigagoModel adapts a gigago generative model to ModelClient.
type gigagoModel struct {
	client *gigago.Client
	model  *gigago.GenerativeModel
}

func newGigagoModel(ctx context.Context, cfg *config.ModelConfig) (*gigagoModel, error) {
	opts := []gigago.Option{}
	if cfg.Scope != "" {
		opts = append(opts, gigago.WithCustomScope(cfg.Scope))
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, gigago.WithCustomInsecureSkipVerify(true))
	}

	client, err := gigago.NewClient(ctx, cfg.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	generativeModel := client.GenerativeModel(cfg.ModelName)
	generativeModel.SystemInstruction = extractionSystemPrompt
	// Low temperature for deterministic, structured output
	generativeModel.Temperature = 0.1

	return &gigagoModel{
		client: client,
		model:  generativeModel,
	}, nil
}

func (m *gigagoModel) Generate(ctx context.Context, prompt string) (string, error) {
	messages := []gigago.Message{
		{Role: gigago.RoleUser, Content: prompt},
	}

	resp, err := m.model.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("model call failed: %w: %v", model.ErrTransient, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in model response: %w", model.ErrTransient)
	}

	return resp.Choices[0].Message.Content, nil
}

func (m *gigagoModel) Close() {
	if m.client != nil {
		m.client.Close()
	}
}

// ExtractionAgent wraps a single bounded language-model call. One
// invocation is one model request: the agent never loops or re-queries,
// retrying is the orchestrator's call to make.
type ExtractionAgent struct {
	llm              ModelClient
	maxResponseBytes int
	close            func()
}

func NewExtractionAgent(ctx context.Context, cfg *config.ModelConfig) (*ExtractionAgent, error) {
	m, err := newGigagoModel(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &ExtractionAgent{
		llm:              m,
		maxResponseBytes: cfg.MaxResponseBytes,
		close:            m.Close,
	}, nil
}

// newExtractionAgentWithModel wires an arbitrary ModelClient, used by tests.
func newExtractionAgentWithModel(llm ModelClient, maxResponseBytes int) *ExtractionAgent {
	return &ExtractionAgent{
		llm:              llm,
		maxResponseBytes: maxResponseBytes,
	}
}

// Extract asks the model for structured data about the document and
// validates the response at the boundary. A response that does not decode
// into the expected structure surfaces a schema error and nothing is
// persisted; an oversized response counts as a transient failure because
// the size ceiling acts like a timeout.
func (a *ExtractionAgent) Extract(ctx context.Context, receiptID, documentURL string) (*model.ExtractionCandidate, error) {
	prompt := fmt.Sprintf(extractionPromptTemplate, documentURL)

	content, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	if a.maxResponseBytes > 0 && len(content) > a.maxResponseBytes {
		return nil, fmt.Errorf("model response of %d bytes exceeds ceiling of %d: %w",
			len(content), a.maxResponseBytes, model.ErrTransient)
	}

	candidate, err := parseCandidate(content)
	if err != nil {
		logger.Warn(ctx, "model output failed schema validation",
			"receipt_id", receiptID,
			"error", err,
		)
		return nil, err
	}

	// The record id is bound by the pipeline, never trusted from the model
	candidate.ReceiptID = receiptID

	logger.Info(ctx, "extraction candidate produced",
		"receipt_id", receiptID,
		"merchant", candidate.MerchantName,
		"items", len(candidate.Items),
	)

	return candidate, nil
}

// Close releases the underlying model client.
func (a *ExtractionAgent) Close() error {
	if a.close != nil {
		a.close()
	}
	return nil
}

// parseCandidate pulls the JSON object out of the model response and
// decodes it. Models occasionally wrap output in markdown fences or add a
// preamble despite instructions; anything beyond that is a schema error.
func parseCandidate(content string) (*model.ExtractionCandidate, error) {
	content = strings.TrimSpace(content)

	jsonStart := strings.Index(content, "{")
	jsonEnd := strings.LastIndex(content, "}")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd < jsonStart {
		return nil, fmt.Errorf("no JSON object in model response: %w", model.ErrSchema)
	}

	jsonStr := content[jsonStart : jsonEnd+1]

	var candidate model.ExtractionCandidate
	if err := json.Unmarshal([]byte(jsonStr), &candidate); err != nil {
		// Strip markdown code fences if present and try once more
		cleaned := strings.TrimSpace(content)
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)

		if err := json.Unmarshal([]byte(cleaned), &candidate); err != nil {
			return nil, fmt.Errorf("model response is not the expected structure: %w: %v", model.ErrSchema, err)
		}
	}

	return &candidate, nil
}
