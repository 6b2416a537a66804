package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/knowbase/knowbase/internal/catalog"
	kberrors "github.com/knowbase/knowbase/internal/errors"
	"github.com/knowbase/knowbase/internal/pipeline"
	"github.com/knowbase/knowbase/internal/queue"
	"github.com/knowbase/knowbase/internal/vectorstore"
)

// RegisterHandlers installs the service's task handlers on the pool.
func (s *Service) RegisterHandlers(pool *queue.WorkerPool) {
	pool.Register(queue.KindProcessDocument, s.handleProcessDocument)
	pool.Register(queue.KindProcessBatch, s.handleProcessBatch)
	pool.Register(queue.KindReprocessFailed, s.handleReprocessFailed)
	pool.Register(queue.KindProcessPending, s.handleProcessPending)
	pool.Register(queue.KindDeleteDocumentVectors, s.handleDeleteVectors)
}

func (s *Service) handleProcessDocument(ctx context.Context, task *queue.Task) (any, error) {
	var payload queue.ProcessDocumentPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, kberrors.ValidationError("malformed process_document payload", err)
	}
	return s.runDocument(ctx, payload.DocumentID, task.WorkerID, payload.Force)
}

// ProcessDocument runs the pipeline synchronously for one document, firing
// the same lifecycle hooks as the queued path.
func (s *Service) ProcessDocument(ctx context.Context, documentID, workerID string, force bool) (*pipeline.Outcome, error) {
	return s.runDocument(ctx, documentID, workerID, force)
}

// runDocument executes the pipeline for one document and fires the lifecycle
// hooks on the outcome.
func (s *Service) runDocument(ctx context.Context, documentID, workerID string, force bool) (*pipeline.Outcome, error) {
	outcome, err := s.pipeline.ProcessDocument(ctx, documentID, workerID, force)
	if err != nil {
		s.fireDocumentFailed(ctx, documentID, err)
		return nil, err
	}
	if outcome.Status == pipeline.StatusCompleted && s.Hooks.DocumentCompleted != nil {
		s.Hooks.DocumentCompleted(documentID, outcome.ChunkCount)
	}
	return outcome, nil
}

// fireDocumentFailed invokes the failure hook only when the document row
// recorded the failure. Lookup and claim errors finalized nothing, so they
// fire no hook.
func (s *Service) fireDocumentFailed(ctx context.Context, documentID string, cause error) {
	if s.Hooks.DocumentFailed == nil {
		return
	}
	doc, err := s.catalog.GetDocument(ctx, documentID)
	if err != nil || doc.Status != catalog.StatusFailed {
		return
	}
	s.Hooks.DocumentFailed(documentID, cause.Error())
}

// batchResult summarizes a process_batch run. Per-document failures are
// recorded on the document rows; the batch itself still succeeds.
type batchResult struct {
	Processed int               `json:"processed"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (s *Service) handleProcessBatch(ctx context.Context, task *queue.Task) (any, error) {
	var payload queue.ProcessBatchPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, kberrors.ValidationError("malformed process_batch payload", err)
	}

	res := batchResult{Errors: make(map[string]string)}
	for _, docID := range payload.DocumentIDs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		outcome, err := s.runDocument(ctx, docID, task.WorkerID, payload.Force)
		if err != nil {
			res.Failed++
			res.Errors[docID] = err.Error()
			continue
		}
		if outcome.Status == pipeline.StatusSkipped {
			res.Skipped++
		} else {
			res.Processed++
		}
	}
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	s.logger.Info("batch processed",
		slog.String("task_id", task.ID),
		slog.Int("processed", res.Processed),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed))
	return res, nil
}

// fanoutResult reports how many follow-up tasks a scoped scan queued.
type fanoutResult struct {
	Queued int `json:"queued"`
}

func (s *Service) handleReprocessFailed(ctx context.Context, task *queue.Task) (any, error) {
	return s.fanout(ctx, task, catalog.StatusFailed, true)
}

func (s *Service) handleProcessPending(ctx context.Context, task *queue.Task) (any, error) {
	return s.fanout(ctx, task, catalog.StatusPending, false)
}

// fanout scans for documents in the given status and queues one
// process_document task per hit, so the work spreads across workers.
func (s *Service) fanout(ctx context.Context, task *queue.Task, status catalog.Status, force bool) (any, error) {
	var payload queue.ScopedPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, kberrors.ValidationError("malformed scoped payload", err)
	}

	ids, err := s.catalog.ListIDsByStatus(ctx, payload.KBID, status, payload.Limit)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := s.queue.Enqueue(ctx, queue.KindProcessDocument,
			queue.ProcessDocumentPayload{DocumentID: id, Force: force}); err != nil {
			return nil, err
		}
	}
	return fanoutResult{Queued: len(ids)}, nil
}

func (s *Service) handleDeleteVectors(ctx context.Context, task *queue.Task) (any, error) {
	var payload queue.DeleteVectorsPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, kberrors.ValidationError("malformed delete_document_vectors payload", err)
	}
	if len(payload.VectorIDs) == 0 {
		return map[string]int{"deleted": 0}, nil
	}

	collection := vectorstore.CollectionName(payload.KBID)
	if err := s.vectors.Delete(ctx, collection, payload.VectorIDs); err != nil {
		// The collection may already be gone with the KB.
		if kberrors.IsNotFound(err) {
			return map[string]int{"deleted": 0}, nil
		}
		return nil, err
	}
	s.logger.Info("swept orphaned vectors",
		slog.String("document_id", payload.DocumentID),
		slog.String("kb_id", payload.KBID),
		slog.Int("vectors", len(payload.VectorIDs)))
	return map[string]int{"deleted": len(payload.VectorIDs)}, nil
}
