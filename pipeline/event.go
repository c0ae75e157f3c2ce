package pipeline

import (
	"context"
	"fmt"
	"sync"

	"receiptflow/model"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventExtractReceipt triggers one extraction pipeline run for a receipt.
const EventExtractReceipt = "EXTRACT_DATA_FROM_PDF_AND_SAVE_TO_DATABASE"

const eventSource = "receiptflow/upload"

// ExtractionRequested is the event payload naming the record and the
// time-limited URL the agent reads the document from.
type ExtractionRequested struct {
	DocumentURL string `json:"documentUrl"`
	ReceiptID   string `json:"receiptId"`
}

// Dispatcher is the publish side of the pipeline queue. The upload path
// enqueues one event per stored document; the orchestrator consumes them.
type Dispatcher struct {
	events    chan cloudevents.Event
	closeOnce sync.Once
}

func NewDispatcher(queueSize int) *Dispatcher {
	return &Dispatcher{
		events: make(chan cloudevents.Event, queueSize),
	}
}

// Publish wraps the payload in a CloudEvent and enqueues it. A full queue
// fails fast with a transient error instead of blocking the upload request.
func (d *Dispatcher) Publish(ctx context.Context, req ExtractionRequested) error {
	if req.ReceiptID == "" || req.DocumentURL == "" {
		return fmt.Errorf("event needs both receipt id and document url: %w", model.ErrValidation)
	}

	ev := cloudevents.NewEvent()
	ev.SetID(uuid.New().String())
	ev.SetSource(eventSource)
	ev.SetType(EventExtractReceipt)
	if err := ev.SetData(cloudevents.ApplicationJSON, req); err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	select {
	case d.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("pipeline queue is full: %w", model.ErrTransient)
	}
}

// Events exposes the consume side for the orchestrator.
func (d *Dispatcher) Events() <-chan cloudevents.Event {
	return d.events
}

// Close stops the queue; the orchestrator drains what is left and exits.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.events)
	})
}
