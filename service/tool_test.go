package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"receiptflow/model"
)

// recordingTracker captures Track calls and optionally fails them.
type recordingTracker struct {
	events []string
	err    error
}

func (r *recordingTracker) Track(ctx context.Context, event, subject string) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event+":"+subject)
	return nil
}

func newTestTool(t *testing.T) (*ExtractionTool, *ReceiptStore, *recordingTracker) {
	t.Helper()
	store := NewReceiptStore()
	tracker := &recordingTracker{}
	return NewExtractionTool(store, tracker), store, tracker
}

func TestToolSave(t *testing.T) {
	tool, store, tracker := newTestTool(t)
	id := store.Create("user-1", "h", "a.pdf", 1, "application/pdf")

	result, err := tool.Save(context.Background(), &model.ExtractionCandidate{
		ReceiptID:         id,
		FileDisplayName:   "Coffee run",
		MerchantName:      "Beanhouse",
		TransactionAmount: "9.80",
		Currency:          "EUR",
		Items: []model.LineItem{
			{Name: "espresso", Quantity: 2, UnitPrice: 2.4, TotalPrice: 4.8},
			{Name: "croissant", Quantity: 2, UnitPrice: 2.5, TotalPrice: 5.0},
		},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.Status != "ok" {
		t.Errorf("Expected status ok, got %s", result.Status)
	}
	if result.ItemsPersisted != 2 || result.ItemsDropped != 0 {
		t.Errorf("Expected 2 persisted / 0 dropped, got %d/%d", result.ItemsPersisted, result.ItemsDropped)
	}

	receipt, _ := store.Get(id, "user-1")
	if receipt.Status != model.StatusProcessed {
		t.Errorf("Expected status processed, got %s", receipt.Status)
	}
	if len(tracker.events) != 1 || tracker.events[0] != "scan:user-1" {
		t.Errorf("Expected one scan event for user-1, got %v", tracker.events)
	}
}

func TestToolSaveDropsInvalidItems(t *testing.T) {
	tool, store, _ := newTestTool(t)
	id := store.Create("user-1", "h", "a.pdf", 1, "application/pdf")

	// One of three items carries a negative quantity: drop it, keep the rest
	result, err := tool.Save(context.Background(), &model.ExtractionCandidate{
		ReceiptID:    id,
		MerchantName: "Acme",
		Items: []model.LineItem{
			{Name: "good one", Quantity: 1, UnitPrice: 1, TotalPrice: 1},
			{Name: "bad one", Quantity: -1, UnitPrice: 1, TotalPrice: 1},
			{Name: "good two", Quantity: 3, UnitPrice: 2, TotalPrice: 6},
		},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.ItemsPersisted != 2 {
		t.Errorf("Expected 2 items persisted, got %d", result.ItemsPersisted)
	}
	if result.ItemsDropped != 1 {
		t.Errorf("Expected 1 item dropped, got %d", result.ItemsDropped)
	}

	receipt, _ := store.Get(id, "user-1")
	if receipt.Status != model.StatusProcessed {
		t.Errorf("Expected status processed, got %s", receipt.Status)
	}
	if len(receipt.LineItems) != 2 {
		t.Fatalf("Expected 2 line items persisted, got %d", len(receipt.LineItems))
	}
	for _, item := range receipt.LineItems {
		if item.Name == "bad one" {
			t.Error("Expected invalid item to be dropped")
		}
	}
}

func TestToolSaveNotFound(t *testing.T) {
	tool, _, tracker := newTestTool(t)

	result, err := tool.Save(context.Background(), &model.ExtractionCandidate{
		ReceiptID:    "missing",
		MerchantName: "Acme",
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if result.Status != "failed" {
		t.Errorf("Expected failed result, got %s", result.Status)
	}
	if len(tracker.events) != 0 {
		t.Error("Expected no metering event on failure")
	}
}

func TestToolSaveMissingReceiptID(t *testing.T) {
	tool, _, _ := newTestTool(t)

	_, err := tool.Save(context.Background(), &model.ExtractionCandidate{MerchantName: "Acme"})
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestToolSaveMeteringBestEffort(t *testing.T) {
	store := NewReceiptStore()
	tracker := &recordingTracker{err: fmt.Errorf("entitlement service down")}
	tool := NewExtractionTool(store, tracker)
	id := store.Create("user-1", "h", "a.pdf", 1, "application/pdf")

	// Metering failure must not roll back the persisted extraction
	result, err := tool.Save(context.Background(), &model.ExtractionCandidate{
		ReceiptID:    id,
		MerchantName: "Acme",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.Status != "ok" {
		t.Errorf("Expected status ok despite metering failure, got %s", result.Status)
	}

	receipt, _ := store.Get(id, "user-1")
	if receipt.Status != model.StatusProcessed {
		t.Errorf("Expected status processed, got %s", receipt.Status)
	}
}

func TestToolSaveIdempotentMetering(t *testing.T) {
	tool, store, tracker := newTestTool(t)
	id := store.Create("user-1", "h", "a.pdf", 1, "application/pdf")

	candidate := &model.ExtractionCandidate{ReceiptID: id, MerchantName: "Acme"}

	if _, err := tool.Save(context.Background(), candidate); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// Same candidate again, as a duplicate event delivery would produce
	result, err := tool.Save(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Unexpected error on re-save: %v", err)
	}
	if !result.AlreadyApplied {
		t.Error("Expected re-save to report already applied")
	}

	if len(tracker.events) != 1 {
		t.Errorf("Expected exactly one metering event, got %d", len(tracker.events))
	}
}
