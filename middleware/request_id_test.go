package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"receiptflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var inContext string
	router := gin.New()
	router.Use(RequestID())
	router.GET("/receipts", func(c *gin.Context) {
		inContext, _ = c.Request.Context().Value(logger.RequestIDKey).(string)
		c.JSON(http.StatusOK, gin.H{"request_id": GetRequestID(c)})
	})

	req := httptest.NewRequest("GET", "/receipts", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	responseID := w.Header().Get("X-Request-ID")
	if responseID == "" {
		t.Fatal("Expected X-Request-ID header to be set")
	}
	if _, err := uuid.Parse(responseID); err != nil {
		t.Errorf("Expected generated id to be a UUID, got %q", responseID)
	}
	// The same id must reach the request context, where the logger picks it up
	if inContext != responseID {
		t.Errorf("Expected request context id %q, got %q", responseID, inContext)
	}
}

func TestRequestIDHonorsCallerProvidedID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID())
	router.GET("/receipts", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/receipts", nil)
	req.Header.Set("X-Request-ID", "upstream-trace-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "upstream-trace-42" {
		t.Errorf("Expected caller-provided id to be echoed, got %q", got)
	}
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if id := GetRequestID(c); id != "" {
		t.Errorf("Expected empty string, got %q", id)
	}
}
