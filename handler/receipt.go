package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"receiptflow/middleware"
	"receiptflow/model"
	"receiptflow/pipeline"
	"receiptflow/pkg/logger"
	"receiptflow/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// scanFlag gates uploads on the caller's plan.
const scanFlag = "scans"

// DocumentStore is the slice of blob storage the handler needs.
type DocumentStore interface {
	Upload(ctx context.Context, fileHandle string, reader io.Reader, size int64, contentType string) error
	SignedURL(ctx context.Context, fileHandle string) (string, error)
	Remove(ctx context.Context, fileHandle string) error
}

// FlagChecker looks up entitlement flags.
type FlagChecker interface {
	CheckFlag(ctx context.Context, flag, subject string) (bool, error)
}

// EventPublisher enqueues extraction events for the pipeline.
type EventPublisher interface {
	Publish(ctx context.Context, req pipeline.ExtractionRequested) error
}

type ReceiptHandler struct {
	blob         DocumentStore
	store        *service.ReceiptStore
	entitlements FlagChecker
	events       EventPublisher
}

func NewReceiptHandler(blob DocumentStore, store *service.ReceiptStore, entitlements FlagChecker, events EventPublisher) *ReceiptHandler {
	return &ReceiptHandler{
		blob:         blob,
		store:        store,
		entitlements: entitlements,
		events:       events,
	}
}

// Upload handles receipt file upload. Validation happens before anything is
// stored: a rejected file leaves no blob and no record behind. Once the
// pending record exists a failure to hand off to the pipeline marks it
// failed instead of leaving it pending forever.
func (h *ReceiptHandler) Upload(c *gin.Context) {
	userID := middleware.GetUserID(c)
	ctx := c.Request.Context()

	enabled, err := h.entitlements.CheckFlag(ctx, scanFlag, userID)
	if err != nil {
		logger.Warn(ctx, "entitlement check failed, allowing upload",
			"user_id", userID,
			"error", err,
		)
	}
	if !enabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "You have run out of scans. Upgrade your plan to scan more receipts."})
		return
	}

	// Get file from form
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	// Validate file type - only PDF allowed
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".pdf" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only PDF files are allowed"})
		return
	}

	// The declared type has to agree with the extension. A generic or
	// missing type is treated as PDF; a contradicting one is rejected even
	// if the bytes happen to look like a PDF.
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "application/pdf"
	} else if !strings.Contains(contentType, "pdf") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only PDF files are allowed"})
		return
	}

	// Store the blob first, then the record pointing at it
	uploadID := uuid.New().String()
	fileHandle := service.FileHandle(userID, uploadID, header.Filename)

	if err := h.blob.Upload(ctx, fileHandle, file, header.Size, contentType); err != nil {
		logger.Error(ctx, "blob upload failed",
			"user_id", userID,
			"file_name", header.Filename,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload file"})
		return
	}

	receiptID := h.store.Create(userID, fileHandle, header.Filename, header.Size, contentType)

	documentURL, err := h.blob.SignedURL(ctx, fileHandle)
	if err != nil {
		logger.Error(ctx, "signing document url failed",
			"receipt_id", receiptID,
			"error", err,
		)
		h.markFailed(ctx, receiptID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate URL"})
		return
	}

	if err := h.events.Publish(ctx, pipeline.ExtractionRequested{
		DocumentURL: documentURL,
		ReceiptID:   receiptID,
	}); err != nil {
		logger.Error(ctx, "queueing extraction failed",
			"receipt_id", receiptID,
			"error", err,
		)
		h.markFailed(ctx, receiptID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue receipt for extraction"})
		return
	}

	logger.Info(ctx, "receipt uploaded and queued",
		"receipt_id", receiptID,
		"user_id", userID,
		"file_name", header.Filename,
		"size_bytes", header.Size,
	)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"receiptId": receiptID,
			"fileName":  header.Filename,
		},
	})
}

func (h *ReceiptHandler) markFailed(ctx context.Context, receiptID string) {
	if err := h.store.SetStatus(receiptID, model.StatusFailed); err != nil {
		logger.Error(ctx, "failed to mark receipt as failed",
			"receipt_id", receiptID,
			"error", err,
		)
	}
}

// List returns all receipts for the current user, newest first
func (h *ReceiptHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)
	receipts := h.store.ListByOwner(userID)

	// Return without line items for list view
	result := make([]gin.H, len(receipts))
	for i, r := range receipts {
		result[i] = gin.H{
			"id":                 r.ID,
			"file_name":          r.FileName,
			"display_name":       r.DisplayName,
			"status":             r.Status,
			"merchant_name":      r.MerchantName,
			"transaction_date":   r.TransactionDate,
			"transaction_amount": r.TransactionAmount,
			"currency":           r.Currency,
			"uploaded_at":        r.UploadedAt.Format("2006-01-02T15:04:05Z07:00"),
			"updated_at":         r.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	c.JSON(http.StatusOK, gin.H{"receipts": result})
}

// Get returns a single receipt with its line items
func (h *ReceiptHandler) Get(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id := c.Param("id")

	receipt, err := h.store.Get(id, userID)
	if err != nil {
		// A receipt owned by someone else reads as missing
		c.JSON(http.StatusNotFound, gin.H{"error": "Receipt not found"})
		return
	}

	c.JSON(http.StatusOK, receipt)
}

// GetStatus returns the processing status of a receipt
func (h *ReceiptHandler) GetStatus(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id := c.Param("id")

	receipt, err := h.store.Get(id, userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Receipt not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         receipt.ID,
		"status":     receipt.Status,
		"updated_at": receipt.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// GetDownloadURL returns a fresh time-limited download URL for the document
func (h *ReceiptHandler) GetDownloadURL(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id := c.Param("id")

	receipt, err := h.store.Get(id, userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Receipt not found"})
		return
	}

	url, err := h.blob.SignedURL(c.Request.Context(), receipt.FileHandle)
	if err != nil {
		logger.Error(c.Request.Context(), "signing document url failed",
			"receipt_id", id,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate URL"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Delete removes a receipt and its stored document. The blob goes first: if
// blob removal fails the record stays so the file is still reachable for a
// retry, never the other way around.
func (h *ReceiptHandler) Delete(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id := c.Param("id")
	ctx := c.Request.Context()

	receipt, err := h.store.Get(id, userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Receipt not found"})
		return
	}

	if err := h.blob.Remove(ctx, receipt.FileHandle); err != nil {
		logger.Error(ctx, "blob removal failed",
			"receipt_id", id,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete file"})
		return
	}

	if err := h.store.Delete(id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Receipt not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete receipt"})
		return
	}

	logger.Info(ctx, "receipt deleted",
		"receipt_id", id,
		"user_id", userID,
	)

	c.JSON(http.StatusOK, gin.H{"message": "Receipt deleted"})
}
