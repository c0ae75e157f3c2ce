package model

import (
	"time"
)

// Receipt represents one uploaded document and its extraction outcome
type Receipt struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	FileHandle string    `json:"file_handle"`
	FileName   string    `json:"file_name"`
	MimeType   string    `json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
	Status     string    `json:"status"` // pending, processed, failed

	// Extraction-derived fields, empty until the pipeline succeeds
	DisplayName       string     `json:"display_name,omitempty"`
	MerchantName      string     `json:"merchant_name,omitempty"`
	MerchantAddress   string     `json:"merchant_address,omitempty"`
	MerchantContact   string     `json:"merchant_contact,omitempty"`
	TransactionDate   string     `json:"transaction_date,omitempty"`
	TransactionAmount string     `json:"transaction_amount,omitempty"`
	Currency          string     `json:"currency,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	LineItems         []LineItem `json:"line_items"`

	UpdatedAt time.Time `json:"updated_at"`
}

// LineItem is a single purchased item on a receipt
type LineItem struct {
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	TotalPrice float64 `json:"total_price"`
}

// Valid reports whether all numeric fields are non-negative.
func (li LineItem) Valid() bool {
	return li.Quantity >= 0 && li.UnitPrice >= 0 && li.TotalPrice >= 0
}

// ReceiptStatus constants, case-sensitive as exposed to consumers
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// ValidStatus reports whether s is one of the exposed status values.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// ExtractionCandidate is the structured result the extraction agent proposes
// for a receipt. It is the only input the extraction tool accepts.
type ExtractionCandidate struct {
	ReceiptID         string     `json:"receipt_id"`
	FileDisplayName   string     `json:"file_display_name"`
	MerchantName      string     `json:"merchant_name"`
	MerchantAddress   string     `json:"merchant_address"`
	MerchantContact   string     `json:"merchant_contact"`
	TransactionDate   string     `json:"transaction_date"`
	TransactionAmount string     `json:"transaction_amount"`
	Currency          string     `json:"currency"`
	Summary           string     `json:"receipt_summary"`
	Items             []LineItem `json:"items"`
}

// Usable reports whether the candidate carries at least one field worth
// persisting. A receipt never becomes processed with a fully empty payload.
func (c *ExtractionCandidate) Usable() bool {
	return c.MerchantName != "" || c.TransactionAmount != ""
}
