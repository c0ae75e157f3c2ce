package pipeline

import (
	"context"
	"errors"
	"sync"

	"receiptflow/model"
	"receiptflow/pkg/logger"
	"receiptflow/service"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"golang.org/x/sync/errgroup"
)

// Run states, logged as each pipeline run advances.
const (
	RunStarted      = "started"
	RunAgentInvoked = "agent_invoked"
	RunCompleted    = "completed"
	RunFailed       = "failed"
)

// Extractor produces a structured candidate from a document URL.
type Extractor interface {
	Extract(ctx context.Context, receiptID, documentURL string) (*model.ExtractionCandidate, error)
}

// ResultSaver persists a candidate through the validated write path.
type ResultSaver interface {
	Save(ctx context.Context, c *model.ExtractionCandidate) (*service.ToolResult, error)
}

// StatusSetter marks records that ended in terminal failure.
type StatusSetter interface {
	SetStatus(id, status string) error
}

// Orchestrator consumes extraction events and drives each one through the
// agent and tool steps. Every step runs under the retry policy on its own,
// so a store timeout after a successful model call re-runs only the write,
// not the model.
type Orchestrator struct {
	agent   Extractor
	tool    ResultSaver
	store   StatusSetter
	policy  RetryPolicy
	workers int

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewOrchestrator(agent Extractor, tool ResultSaver, store StatusSetter, policy RetryPolicy, workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		agent:    agent,
		tool:     tool,
		store:    store,
		policy:   policy,
		workers:  workers,
		inflight: make(map[string]struct{}),
	}
}

// Run consumes events until the channel closes or the context ends.
// Independent receipts proceed concurrently across the worker pool.
func (o *Orchestrator) Run(ctx context.Context, events <-chan cloudevents.Event) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					o.handle(ctx, ev)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}

	return g.Wait()
}

func (o *Orchestrator) handle(ctx context.Context, ev cloudevents.Event) {
	if ev.Type() != EventExtractReceipt {
		logger.Warn(ctx, "ignoring event of unknown type", "type", ev.Type())
		return
	}

	var req ExtractionRequested
	if err := ev.DataAs(&req); err != nil {
		logger.Error(ctx, "failed to decode event data", "event_id", ev.ID(), "error", err)
		return
	}
	if req.ReceiptID == "" || req.DocumentURL == "" {
		logger.Error(ctx, "event is missing receipt id or document url", "event_id", ev.ID())
		return
	}

	// At most one run per record at a time; a duplicate delivery while the
	// first run is in flight is dropped, not queued behind it.
	if !o.acquire(req.ReceiptID) {
		logger.Info(ctx, "run already in flight for receipt, skipping duplicate delivery",
			"receipt_id", req.ReceiptID,
		)
		return
	}
	defer o.release(req.ReceiptID)

	ctx = context.WithValue(ctx, logger.ReceiptIDKey, req.ReceiptID)
	o.process(ctx, req)
}

func (o *Orchestrator) process(ctx context.Context, req ExtractionRequested) {
	logger.Info(ctx, "pipeline run state changed",
		"receipt_id", req.ReceiptID,
		"state", RunStarted,
	)

	var candidate *model.ExtractionCandidate
	err := o.policy.Do(ctx, "invoke-agent", func(ctx context.Context) error {
		c, err := o.agent.Extract(ctx, req.ReceiptID, req.DocumentURL)
		if err != nil {
			return err
		}
		candidate = c
		return nil
	})
	if err != nil {
		o.fail(ctx, req.ReceiptID, "invoke-agent", err)
		return
	}

	logger.Info(ctx, "pipeline run state changed",
		"receipt_id", req.ReceiptID,
		"state", RunAgentInvoked,
	)

	var result *service.ToolResult
	err = o.policy.Do(ctx, "save-extraction", func(ctx context.Context) error {
		r, err := o.tool.Save(ctx, candidate)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		o.fail(ctx, req.ReceiptID, "save-extraction", err)
		return
	}

	logger.Info(ctx, "pipeline run state changed",
		"receipt_id", req.ReceiptID,
		"state", RunCompleted,
		"items_persisted", result.ItemsPersisted,
		"items_dropped", result.ItemsDropped,
		"already_applied", result.AlreadyApplied,
	)
}

// fail marks the record as terminally failed so callers polling status see
// the outcome instead of a pending record that never resolves. The store
// refuses to demote a processed receipt, which covers a re-run triggered by
// a duplicate delivery of an already completed extraction.
func (o *Orchestrator) fail(ctx context.Context, receiptID, step string, cause error) {
	logger.Error(ctx, "pipeline run state changed",
		"receipt_id", receiptID,
		"state", RunFailed,
		"step", step,
		"error", cause,
	)

	if err := o.store.SetStatus(receiptID, model.StatusFailed); err != nil {
		if errors.Is(err, model.ErrValidation) {
			logger.Warn(ctx, "receipt already holds a terminal result, keeping it",
				"receipt_id", receiptID,
				"error", err,
			)
			return
		}
		logger.Error(ctx, "failed to mark receipt as failed",
			"receipt_id", receiptID,
			"error", err,
		)
	}
}

func (o *Orchestrator) acquire(receiptID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[receiptID]; busy {
		return false
	}
	o.inflight[receiptID] = struct{}{}
	return true
}

func (o *Orchestrator) release(receiptID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, receiptID)
}
