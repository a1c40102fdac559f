package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/state"
	"github.com/TheMichaelB/kbsync/internal/transport"
)

// Engine implements the reconciliation algorithm.
type Engine struct {
	transport transport.Transport
	state     state.Store
	resolver  Resolver
	logger    *events.Logger

	// Configuration
	poll transport.PollOptions

	// Progress tracking
	progress atomic.Value // *Progress
	events   chan Event

	// Sync state
	mu           sync.Mutex
	syncing      bool
	cancelFn     context.CancelFunc
	eventsClosed bool
}

// Progress tracks sync progress.
type Progress struct {
	Phase       string
	TotalFiles  int
	Processed   int
	CurrentFile string
	StartTime   time.Time
	Errors      []error
}

// Event represents a sync event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Path      string
	Action    Action
	Error     error
	Progress  *Progress
}

// EventType defines sync event types.
type EventType string

const (
	EventStarted      EventType = "started"
	EventFileStarted  EventType = "file_started"
	EventFileComplete EventType = "file_complete"
	EventFileSkipped  EventType = "file_skipped"
	EventFileError    EventType = "file_error"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
)

// EngineConfig contains engine configuration.
type EngineConfig struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}

// Request describes one run.
type Request struct {
	StoreID   string
	Documents []*models.Document
	Reset     bool // delete every remote document before the pass
	DryRun    bool // plan only
}

// Result summarizes a run.
type Result struct {
	RunID        string           `json:"run_id,omitempty"`
	StoreID      string           `json:"store_id"`
	StoreCreated bool             `json:"store_created,omitempty"`
	DryRun       bool             `json:"dry_run,omitempty"`
	Created      int              `json:"created"`
	Updated      int              `json:"updated"`
	Unchanged    int              `json:"unchanged"`
	Deleted      int              `json:"deleted"`
	Failed       int              `json:"failed"`
	Orphaned     int              `json:"orphaned"` // remote documents knowingly left behind
	Purged       int              `json:"purged"`   // documents removed by the reset pass
	Duration     time.Duration    `json:"duration"`
	Plan         *Plan            `json:"plan,omitempty"`
	Snapshot     *models.Snapshot `json:"-"`
}

// NewEngine creates a sync engine.
func NewEngine(
	t transport.Transport,
	store state.Store,
	resolver Resolver,
	config *EngineConfig,
	logger *events.Logger,
) *Engine {
	return &Engine{
		transport: t,
		state:     store,
		resolver:  resolver,
		logger:    logger.WithField("component", "sync_engine"),
		poll: transport.PollOptions{
			Interval: config.PollInterval,
			MaxWait:  config.MaxWait,
		},
		events: make(chan Event, 100),
	}
}

// Events returns the event channel. It stays open across runs until Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// GetProgress returns current progress.
func (e *Engine) GetProgress() *Progress {
	if p := e.progress.Load(); p != nil {
		return p.(*Progress)
	}
	return nil
}

// Close closes the event channel.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.eventsClosed {
		close(e.events)
		e.eventsClosed = true
	}
}

// Cancel stops an ongoing sync.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelFn != nil {
		e.logger.Info("Cancelling sync")
		e.cancelFn()
	}
}

// Sync reconciles the remote store with req.Documents.
//
// The next snapshot is saved only after every path was processed. A cancelled
// run returns the context error and leaves the previous snapshot in place.
func (e *Engine) Sync(ctx context.Context, req Request) (*Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, models.ErrSyncInProgress
	}
	e.syncing = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.syncing = false
		e.cancelFn = nil
		e.mu.Unlock()
	}()

	logger := e.logger
	if id := events.GetRunID(ctx); id != "" {
		logger = logger.WithField("run_id", id)
	}

	progress := &Progress{
		Phase:     "initializing",
		StartTime: time.Now(),
	}
	e.progress.Store(progress)

	logger.WithFields(map[string]interface{}{
		"store":     req.StoreID,
		"documents": len(req.Documents),
		"reset":     req.Reset,
		"dry_run":   req.DryRun,
	}).Info("Starting sync")

	e.emitEvent(Event{
		Type:      EventStarted,
		Timestamp: time.Now(),
		Progress:  progress,
	})

	result := &Result{
		StoreID: req.StoreID,
		DryRun:  req.DryRun,
	}

	prev, err := state.LoadOrEmpty(ctx, e.state, logger)
	if err != nil {
		return nil, e.handleError(&models.SyncError{
			Code:    models.ErrCodeState,
			Phase:   "load",
			StoreID: req.StoreID,
			Err:     err,
		})
	}

	if req.Reset {
		if req.DryRun {
			logger.Info("Dry run: reset pass skipped, planning against an empty snapshot")
		} else {
			purged, err := e.purge(ctx, req.StoreID, logger)
			if err != nil {
				return nil, e.handleError(err)
			}
			result.Purged = purged
		}
		prev = models.NewSnapshot()
	}

	plan := BuildPlan(prev, req.Documents)
	result.Plan = plan

	e.updateProgress(func(p *Progress) {
		p.Phase = "syncing"
		p.TotalFiles = len(plan.Items)
	})

	if req.DryRun {
		for _, item := range plan.Items {
			e.count(result, item.Action)
		}
		result.Snapshot = prev
		result.Duration = time.Since(progress.StartTime)
		e.complete(logger, result)
		return result, nil
	}

	next := models.NewSnapshot()
	for _, item := range plan.Items {
		if err := ctx.Err(); err != nil {
			return nil, e.handleError(err)
		}

		e.updateProgress(func(p *Progress) {
			p.CurrentFile = item.Path
		})

		if err := e.apply(ctx, req.StoreID, item, next, result, logger); err != nil {
			return nil, e.handleError(err)
		}

		e.updateProgress(func(p *Progress) {
			p.Processed++
		})
	}

	e.updateProgress(func(p *Progress) {
		p.Phase = "finalizing"
		p.CurrentFile = ""
	})

	if err := e.state.Save(ctx, next); err != nil {
		return nil, e.handleError(&models.SyncError{
			Code:    models.ErrCodeState,
			Phase:   "save",
			StoreID: req.StoreID,
			Err:     err,
		})
	}

	result.Snapshot = next
	result.Duration = time.Since(progress.StartTime)
	e.complete(logger, result)

	return result, nil
}

// apply executes one plan item and records its outcome in next. Only
// cancellation is returned as an error; remote failures are counted.
func (e *Engine) apply(ctx context.Context, storeID string, item PlanItem, next *models.Snapshot, result *Result, logger *events.Logger) error {
	log := logger.WithFields(map[string]interface{}{
		"path":   item.Path,
		"action": string(item.Action),
	})

	switch item.Action {
	case ActionUnchanged:
		next.Put(item.Path, item.Previous)
		result.Unchanged++
		log.Debug("Unchanged")
		e.emitEvent(Event{Type: EventFileSkipped, Timestamp: time.Now(), Path: item.Path, Action: item.Action, Progress: e.GetProgress()})
		return nil

	case ActionDelete:
		e.emitEvent(Event{Type: EventFileStarted, Timestamp: time.Now(), Path: item.Path, Action: item.Action, Progress: e.GetProgress()})
		result.Deleted++

		if !item.Previous.HasRemoteID() {
			result.Orphaned++
			log.Warn("Removed locally but no remote id is known, remote copy left in place")
			e.emitEvent(Event{Type: EventFileComplete, Timestamp: time.Now(), Path: item.Path, Action: item.Action, Progress: e.GetProgress()})
			return nil
		}

		if err := e.deleteRemote(ctx, item.Previous.RemoteID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result.Orphaned++
			log.WithError(err).WithField("document", item.Previous.RemoteID).Warn("Remote delete failed, document orphaned")
			e.recordError(item, err, models.ErrCodeDelete, storeID)
			return nil
		}

		log.WithField("document", item.Previous.RemoteID).Info("Deleted")
		e.emitEvent(Event{Type: EventFileComplete, Timestamp: time.Now(), Path: item.Path, Action: item.Action, Progress: e.GetProgress()})
		return nil
	}

	doc := item.Document
	e.emitEvent(Event{Type: EventFileStarted, Timestamp: time.Now(), Path: item.Path, Action: item.Action, Progress: e.GetProgress()})

	oldDeleted := false
	switch item.Action {
	case ActionUpdate:
		if err := e.deleteRemote(ctx, item.Previous.RemoteID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result.Orphaned++
			log.WithError(err).WithField("document", item.Previous.RemoteID).Warn("Could not delete previous version, uploading anyway")
		} else {
			oldDeleted = true
		}
	case ActionUpdateNoCleanup:
		result.Orphaned++
		log.Warn("Previous remote id unknown, previous version left in place")
	}

	remoteID, err := e.upload(ctx, storeID, doc, log)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		result.Failed++
		switch {
		case item.Action == ActionCreate:
			// Nothing recorded; the next run creates it again.
		case oldDeleted:
			// The recorded id is gone; keep the old fingerprint so the next
			// run uploads without trying to delete.
			next.Put(item.Path, models.SyncEntry{Fingerprint: item.Previous.Fingerprint})
		default:
			next.Put(item.Path, item.Previous)
		}

		log.WithError(err).Error("Upload failed")
		e.recordError(item, err, models.ErrCodeUpload, storeID)
		return nil
	}

	next.Put(item.Path, models.SyncEntry{
		Fingerprint: doc.Fingerprint,
		RemoteID:    remoteID,
	})

	if item.Action == ActionCreate {
		result.Created++
	} else {
		result.Updated++
	}

	log.WithField("document", remoteID).Info("Uploaded")
	e.emitEvent(Event{Type: EventFileComplete, Timestamp: time.Now(), Path: item.Path, Action: item.Action, Progress: e.GetProgress()})
	return nil
}

// upload sends one document, waits for the operation and resolves the new
// remote id. A timed out operation or an unresolved id degrades to the
// operation name.
func (e *Engine) upload(ctx context.Context, storeID string, doc *models.Document, log *events.Logger) (string, error) {
	op, err := e.transport.UploadDocument(ctx, storeID, models.UploadRequest{
		DisplayName: doc.Path,
		MimeType:    transport.DefaultMimeType,
		Content:     doc.Content,
		Metadata:    doc.Metadata(),
	})
	if err != nil {
		return "", err
	}

	done, err := transport.AwaitOperation(ctx, e.transport, op, e.poll)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, models.ErrOperationTimeout) {
			log.WithError(err).Warn("Operation did not finish in time, recording operation name")
			return op.Name, nil
		}
		return "", err
	}
	if done.Failed() {
		return "", done.Err()
	}

	id, err := e.resolver.ResolveNewID(ctx, storeID, doc, done)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.WithError(err).WithField("operation", done.Name).Warn("Document id not resolved, recording operation name")
		return done.Name, nil
	}

	return id, nil
}

// deleteRemote deletes a document. A missing document counts as deleted.
func (e *Engine) deleteRemote(ctx context.Context, name string) error {
	err := e.transport.DeleteDocument(ctx, name, true)
	if errors.Is(err, models.ErrDocumentNotFound) {
		return nil
	}
	return err
}

// purge deletes every document of the store.
func (e *Engine) purge(ctx context.Context, storeID string, logger *events.Logger) (int, error) {
	docs, err := e.transport.ListDocuments(ctx, storeID)
	if err != nil {
		return 0, &models.SyncError{
			Code:    models.ErrCodeDelete,
			Phase:   "reset",
			StoreID: storeID,
			Err:     err,
		}
	}

	logger.WithField("documents", len(docs)).Warn("Reset: deleting every remote document")

	purged := 0
	for _, doc := range docs {
		if err := e.deleteRemote(ctx, doc.Name); err != nil {
			if ctx.Err() != nil {
				return purged, ctx.Err()
			}
			logger.WithError(err).WithField("document", doc.Name).Warn("Reset: delete failed")
			continue
		}
		purged++
	}

	logger.WithFields(map[string]interface{}{
		"purged": purged,
		"failed": len(docs) - purged,
	}).Info("Reset completed")

	return purged, nil
}

func (e *Engine) count(result *Result, action Action) {
	switch action {
	case ActionCreate:
		result.Created++
	case ActionUpdate, ActionUpdateNoCleanup:
		result.Updated++
	case ActionUnchanged:
		result.Unchanged++
	case ActionDelete:
		result.Deleted++
	}
}

func (e *Engine) complete(logger *events.Logger, result *Result) {
	e.updateProgress(func(p *Progress) {
		p.Phase = "completed"
	})

	e.emitEvent(Event{
		Type:      EventCompleted,
		Timestamp: time.Now(),
		Progress:  e.GetProgress(),
	})

	logger.WithFields(map[string]interface{}{
		"duration":  result.Duration,
		"created":   result.Created,
		"updated":   result.Updated,
		"unchanged": result.Unchanged,
		"deleted":   result.Deleted,
		"failed":    result.Failed,
		"orphaned":  result.Orphaned,
		"dry_run":   result.DryRun,
	}).Info("Sync completed")
}

func (e *Engine) recordError(item PlanItem, err error, code, storeID string) {
	syncErr := &models.SyncError{
		Code:    code,
		Phase:   string(item.Action),
		StoreID: storeID,
		Path:    item.Path,
		Err:     err,
	}

	e.updateProgress(func(p *Progress) {
		p.Errors = append(p.Errors, syncErr)
	})

	e.emitEvent(Event{
		Type:      EventFileError,
		Timestamp: time.Now(),
		Path:      item.Path,
		Action:    item.Action,
		Error:     syncErr,
		Progress:  e.GetProgress(),
	})
}

// updateProgress stores a modified copy so readers never see a partial update.
func (e *Engine) updateProgress(fn func(p *Progress)) {
	current := e.GetProgress()
	if current == nil {
		return
	}
	updated := *current
	updated.Errors = append([]error(nil), current.Errors...)
	fn(&updated)
	e.progress.Store(&updated)
}

func (e *Engine) emitEvent(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eventsClosed {
		return
	}

	select {
	case e.events <- event:
	default:
		// Channel full, drop event
		e.logger.Debug("Event channel full, dropping event")
	}
}

func (e *Engine) handleError(err error) error {
	e.updateProgress(func(p *Progress) {
		p.Phase = "failed"
	})
	e.emitEvent(Event{
		Type:      EventFailed,
		Timestamp: time.Now(),
		Error:     err,
	})
	return err
}

// String formats the summary line shown after a run.
func (r *Result) String() string {
	return fmt.Sprintf("created %d, updated %d, unchanged %d, deleted %d, failed %d",
		r.Created, r.Updated, r.Unchanged, r.Deleted, r.Failed)
}
