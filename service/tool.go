package service

import (
	"context"
	"fmt"

	"receiptflow/model"
	"receiptflow/pkg/logger"
)

// ReceiptWriter is the slice of the receipt store the extraction tool
// writes through.
type ReceiptWriter interface {
	ApplyExtraction(c *model.ExtractionCandidate) (ownerID string, alreadyApplied bool, err error)
}

// UsageTracker records metered usage events.
type UsageTracker interface {
	Track(ctx context.Context, event, subject string) error
}

// ExtractionTool is the sole write path for extraction results. The agent
// cannot reach the store except through it, so validation here cannot be
// bypassed. The tool never retries: retry policy belongs to the
// orchestrator.
type ExtractionTool struct {
	store   ReceiptWriter
	metrics UsageTracker
}

// ToolResult echoes the persisted fields back to the agent caller.
type ToolResult struct {
	Status         string     `json:"status"` // ok, failed
	ReceiptID      string     `json:"receipt_id"`
	DisplayName    string     `json:"display_name,omitempty"`
	MerchantName   string     `json:"merchant_name,omitempty"`
	Amount         string     `json:"transaction_amount,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	ItemsPersisted int        `json:"items_persisted"`
	ItemsDropped   int        `json:"items_dropped"`
	Error          string     `json:"error,omitempty"`
	AlreadyApplied bool       `json:"already_applied,omitempty"`
}

func NewExtractionTool(store ReceiptWriter, metrics UsageTracker) *ExtractionTool {
	return &ExtractionTool{
		store:   store,
		metrics: metrics,
	}
}

// Save validates the candidate and persists it, moving the receipt to
// processed. Line items with negative numeric fields are dropped rather
// than failing the whole record: real receipts are noisy and one bad row
// should not discard an otherwise valid extraction. On success a "scan"
// usage event is emitted best-effort, and skipped when the extraction was
// already applied so duplicate deliveries meter at most once.
func (t *ExtractionTool) Save(ctx context.Context, c *model.ExtractionCandidate) (*ToolResult, error) {
	if c.ReceiptID == "" {
		return failedResult(c, 0, "missing receipt id"),
			fmt.Errorf("candidate has no receipt id: %w", model.ErrValidation)
	}

	kept := make([]model.LineItem, 0, len(c.Items))
	dropped := 0
	for _, item := range c.Items {
		if !item.Valid() {
			dropped++
			logger.Warn(ctx, "dropping line item with negative numeric field",
				"receipt_id", c.ReceiptID,
				"item", item.Name,
			)
			continue
		}
		kept = append(kept, item)
	}

	sanitized := *c
	sanitized.Items = kept

	ownerID, alreadyApplied, err := t.store.ApplyExtraction(&sanitized)
	if err != nil {
		return failedResult(c, dropped, err.Error()), err
	}

	if alreadyApplied {
		logger.Info(ctx, "extraction result already persisted",
			"receipt_id", c.ReceiptID,
		)
	} else if trackErr := t.metrics.Track(ctx, "scan", ownerID); trackErr != nil {
		// Best-effort: the persisted extraction stands even if metering fails
		logger.Warn(ctx, "failed to track scan event",
			"receipt_id", c.ReceiptID,
			"error", trackErr,
		)
	}

	return &ToolResult{
		Status:         "ok",
		ReceiptID:      c.ReceiptID,
		DisplayName:    c.FileDisplayName,
		MerchantName:   c.MerchantName,
		Amount:         c.TransactionAmount,
		Currency:       c.Currency,
		ItemsPersisted: len(kept),
		ItemsDropped:   dropped,
		AlreadyApplied: alreadyApplied,
	}, nil
}

func failedResult(c *model.ExtractionCandidate, dropped int, msg string) *ToolResult {
	return &ToolResult{
		Status:       "failed",
		ReceiptID:    c.ReceiptID,
		ItemsDropped: dropped,
		Error:        msg,
	}
}
