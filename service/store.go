package service

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"receiptflow/model"

	"github.com/google/uuid"
)

// ReceiptStore is an in-memory store for receipts behind the same facade a
// managed document store would sit behind. It is the only synchronization
// point shared by concurrent pipeline runs. Records are removed through
// Delete only: every record references a stored blob, so any other removal
// path would strand blobs in the object store.
type ReceiptStore struct {
	receipts map[string]*model.Receipt
	mu       sync.RWMutex
}

func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{
		receipts: make(map[string]*model.Receipt),
	}
}

// Create inserts a new pending receipt and returns its id. All
// extraction-derived fields start empty.
func (s *ReceiptStore) Create(ownerID, fileHandle, fileName string, sizeBytes int64, mimeType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	receipt := &model.Receipt{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		FileHandle: fileHandle,
		FileName:   fileName,
		MimeType:   mimeType,
		SizeBytes:  sizeBytes,
		UploadedAt: now,
		UpdatedAt:  now,
		Status:     model.StatusPending,
		LineItems:  []model.LineItem{},
	}
	s.receipts[receipt.ID] = receipt

	return receipt.ID
}

// Get returns the receipt with the given id, scoped to callerID. A missing
// receipt and an owner mismatch both fail; neither reveals more than the
// other to the caller.
func (s *ReceiptStore) Get(id, callerID string) (*model.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.receipts[id]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", id, model.ErrNotFound)
	}
	if receipt.OwnerID != callerID {
		return nil, fmt.Errorf("receipt %s: %w", id, model.ErrNotAuthorized)
	}

	return copyReceipt(receipt), nil
}

// ListByOwner returns all receipts owned by ownerID, newest first.
func (s *ReceiptStore) ListByOwner(ownerID string) []*model.Receipt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Receipt
	for _, r := range s.receipts {
		if r.OwnerID == ownerID {
			result = append(result, copyReceipt(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UploadedAt.After(result[j].UploadedAt)
	})
	return result
}

// SetStatus updates the receipt status. The pending to processed transition
// is reserved for ApplyExtraction, and processed is terminal: a receipt
// that holds extracted data never moves back, so a failed re-run triggered
// by a duplicate delivery cannot demote it.
func (s *ReceiptStore) SetStatus(id, status string) error {
	if !model.ValidStatus(status) {
		return fmt.Errorf("status %q: %w", status, model.ErrValidation)
	}
	if status == model.StatusProcessed {
		return fmt.Errorf("processed is set through ApplyExtraction only: %w", model.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receipts[id]
	if !ok {
		return fmt.Errorf("receipt %s: %w", id, model.ErrNotFound)
	}
	if receipt.Status == model.StatusProcessed {
		return fmt.Errorf("receipt %s is already processed: %w", id, model.ErrValidation)
	}
	receipt.Status = status
	receipt.UpdatedAt = time.Now()
	return nil
}

// ApplyExtraction persists an extraction candidate and moves the receipt to
// processed. It is idempotent: re-applying to an already processed receipt
// is a no-op reported through alreadyApplied, so duplicate event delivery
// cannot double-count downstream metering. The owner id is returned so the
// caller can emit usage events without a second lookup.
func (s *ReceiptStore) ApplyExtraction(c *model.ExtractionCandidate) (ownerID string, alreadyApplied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receipts[c.ReceiptID]
	if !ok {
		return "", false, fmt.Errorf("receipt %s: %w", c.ReceiptID, model.ErrNotFound)
	}

	if receipt.Status == model.StatusProcessed {
		slog.Info("extraction already applied, skipping", "receipt_id", c.ReceiptID)
		return receipt.OwnerID, true, nil
	}

	if !c.Usable() {
		return "", false, fmt.Errorf("extraction produced no merchant name or transaction amount: %w", model.ErrValidation)
	}

	receipt.DisplayName = c.FileDisplayName
	receipt.MerchantName = c.MerchantName
	receipt.MerchantAddress = c.MerchantAddress
	receipt.MerchantContact = c.MerchantContact
	receipt.TransactionDate = c.TransactionDate
	receipt.TransactionAmount = c.TransactionAmount
	receipt.Currency = c.Currency
	receipt.Summary = c.Summary
	receipt.LineItems = append([]model.LineItem{}, c.Items...)
	receipt.Status = model.StatusProcessed
	receipt.UpdatedAt = time.Now()

	return receipt.OwnerID, false, nil
}

// Delete removes the receipt record. Blob cleanup is the caller's job and
// must happen before this call.
func (s *ReceiptStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.receipts[id]; !ok {
		return fmt.Errorf("receipt %s: %w", id, model.ErrNotFound)
	}
	delete(s.receipts, id)
	return nil
}

// Count returns the number of receipts in the store
func (s *ReceiptStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.receipts)
}

// copyReceipt returns a shallow copy with its own line-item slice, so
// readers never share memory with pipeline writers.
func copyReceipt(r *model.Receipt) *model.Receipt {
	c := *r
	c.LineItems = append([]model.LineItem{}, r.LineItems...)
	return &c
}
