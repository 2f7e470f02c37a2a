// Package chunk implements the batch execution engine: a timer-driven,
// single-writer state machine per chunk of entity identifiers. Progress is
// materialized as rows in the durable store, so every phase pass is
// re-entrant and the worker can be re-driven after a restart.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/Arke-Institute/arke-metadata-service/internal/arke"
	"github.com/Arke-Institute/arke-metadata-service/internal/extract"
	"github.com/Arke-Institute/arke-metadata-service/internal/fetch"
	"github.com/Arke-Institute/arke-metadata-service/internal/orchestrator"
	"github.com/Arke-Institute/arke-metadata-service/internal/pinax"
	"github.com/Arke-Institute/arke-metadata-service/internal/store"
)

// ErrPublish marks an upload or CAS append that failed after its inner
// retries. Terminal for the affected PI.
var ErrPublish = errors.New("publish error")

const (
	// pinaxComponent is the component label the record is published under.
	pinaxComponent = "pinax.json"

	// appendNote annotates the appended entity version.
	appendNote = "Added PINAX metadata"

	// CAS append retry schedule.
	casAttempts  = 3
	casBaseDelay = 500 * time.Millisecond

	// defaultCallbackBaseDelay is doubled per callback retry.
	defaultCallbackBaseDelay = 1000 * time.Millisecond
)

// Config bounds the worker's retry budgets and pass cadence.
type Config struct {
	MaxRetriesPerPI    int
	MaxCallbackRetries int
	AlarmInterval      time.Duration

	// CallbackBaseDelay is the first callback backoff step; it doubles per
	// retry. Defaults to one second.
	CallbackBaseDelay time.Duration
}

// Deps are the collaborators a worker needs.
type Deps struct {
	Store        *store.Store
	Archive      *arke.Client
	Fetcher      *fetch.Fetcher
	Extractor    *extract.Extractor
	Orchestrator *orchestrator.Client
	Logger       *slog.Logger
	Config       Config
}

// Worker owns one chunk. All durable writes happen on the worker's own
// goroutine between fan-out rounds; per-PI tasks only talk to external
// services and report back.
type Worker struct {
	chunkID string
	deps    Deps
	logger  *slog.Logger

	// onStop is called once after cleanup, with the worker's chunk id.
	onStop func(string)
}

// newWorker creates a worker for a chunk that already has durable rows.
func newWorker(chunkID string, deps Deps, onStop func(string)) *Worker {
	return &Worker{
		chunkID: chunkID,
		deps:    deps,
		logger:  deps.Logger.With("chunk_id", chunkID),
		onStop:  onStop,
	}
}

// run drives the state machine until the chunk reaches a terminal phase and
// its rows are cleaned up. Call in a goroutine.
func (w *Worker) run(ctx context.Context) {
	defer func() {
		if w.onStop != nil {
			w.onStop(w.chunkID)
		}
	}()

	timer := time.NewTimer(w.deps.Config.AlarmInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker interrupted; durable state retained for resume")
			return
		case <-timer.C:
			next, rearm := w.tick(ctx)
			if !rearm {
				return
			}
			timer.Reset(next)
		}
	}
}

// tick performs one pass of the current phase and reports when and whether
// to wake again.
func (w *Worker) tick(ctx context.Context) (next time.Duration, rearm bool) {
	interval := w.deps.Config.AlarmInterval

	chunk, err := w.deps.Store.GetChunk(ctx, w.chunkID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false
	}
	if err != nil {
		w.logger.Error("failed to load chunk state", "error", err)
		return interval, true
	}

	switch chunk.Phase {
	case store.PhaseProcessing:
		err = w.processingPass(ctx, chunk)
	case store.PhasePublishing:
		err = w.publishingPass(ctx, chunk)
	case store.PhaseCallback:
		return w.callbackPass(ctx, chunk)
	case store.PhaseDone, store.PhaseError:
		w.cleanup(ctx)
		return 0, false
	default:
		err = fmt.Errorf("unknown phase %q", chunk.Phase)
	}

	if err != nil {
		// An uncaught failure in a phase short-circuits to callback so the
		// orchestrator learns about the chunk.
		w.logger.Error("phase pass failed", "phase", chunk.Phase, "error", err)
		if serr := w.deps.Store.SetGlobalError(ctx, w.chunkID, err.Error()); serr != nil {
			w.logger.Error("failed to record global error", "error", serr)
		}
	}
	return interval, true
}

// itemOutcome is what one per-PI processing task reports back.
type itemOutcome struct {
	pi         string
	newContext *store.Context // set when the context was fetched this pass
	record     pinax.Record
	err        error
}

// processingPass runs one round of extraction over all pending PIs.
// Exit condition: no PI pending or processing moves the chunk to PUBLISHING.
func (w *Worker) processingPass(ctx context.Context, chunk *store.Chunk) error {
	// No task is in flight at pass entry, so any row still marked
	// processing was stranded by an interrupted pass. Return it to pending.
	stale, err := w.deps.Store.ListPIs(ctx, w.chunkID, store.PIProcessing)
	if err != nil {
		return fmt.Errorf("list processing: %w", err)
	}
	for _, p := range stale {
		w.logger.Info("recovering interrupted pi", "pi", p.PI)
		if err := w.deps.Store.SetPIStatus(ctx, w.chunkID, p.PI, store.PIPending); err != nil {
			return fmt.Errorf("recover %s: %w", p.PI, err)
		}
	}

	pending, err := w.deps.Store.ListPIs(ctx, w.chunkID, store.PIPending)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		counts, err := w.deps.Store.CountByStatus(ctx, w.chunkID)
		if err != nil {
			return fmt.Errorf("count statuses: %w", err)
		}
		w.logger.Info("processing complete", "done", counts[store.PIDone], "failed", counts[store.PIError])
		return w.deps.Store.SetPhase(ctx, w.chunkID, store.PhasePublishing)
	}

	for _, p := range pending {
		if err := w.deps.Store.SetPIStatus(ctx, w.chunkID, p.PI, store.PIProcessing); err != nil {
			return fmt.Errorf("mark processing %s: %w", p.PI, err)
		}
	}

	results := make(chan itemOutcome, len(pending))
	for _, p := range pending {
		go func(pi string) {
			results <- w.processItem(ctx, chunk, pi)
		}(p.PI)
	}

	for range pending {
		out := <-results
		if out.newContext != nil {
			if err := w.deps.Store.SaveContext(ctx, w.chunkID, out.pi, out.newContext); err != nil {
				w.logger.Warn("failed to cache context", "pi", out.pi, "error", err)
			}
		}
		if out.err == nil {
			data, err := out.record.MarshalIndent()
			if err != nil {
				out.err = fmt.Errorf("serialize record: %w", err)
			} else {
				if err := w.deps.Store.SetPIDone(ctx, w.chunkID, out.pi, string(data)); err != nil {
					return fmt.Errorf("mark done %s: %w", out.pi, err)
				}
				if err := w.deps.Store.DeleteContext(ctx, w.chunkID, out.pi); err != nil {
					w.logger.Warn("failed to drop context cache", "pi", out.pi, "error", err)
				}
				continue
			}
		}

		count, err := w.deps.Store.BumpPIRetry(ctx, w.chunkID, out.pi, out.err.Error())
		if err != nil {
			return fmt.Errorf("bump retry %s: %w", out.pi, err)
		}
		if count >= w.deps.Config.MaxRetriesPerPI {
			w.logger.Warn("pi failed terminally", "pi", out.pi, "retries", count, "error", out.err)
			if err := w.deps.Store.SetPIError(ctx, w.chunkID, out.pi, out.err.Error()); err != nil {
				return fmt.Errorf("mark error %s: %w", out.pi, err)
			}
			if err := w.deps.Store.DeleteContext(ctx, w.chunkID, out.pi); err != nil {
				w.logger.Warn("failed to drop context cache", "pi", out.pi, "error", err)
			}
		} else {
			w.logger.Info("pi failed, will retry", "pi", out.pi, "attempt", count, "error", out.err)
		}
	}
	return nil
}

// processItem runs the per-PI pipeline: cached or fresh context, then
// extraction. It performs no durable writes.
func (w *Worker) processItem(ctx context.Context, chunk *store.Chunk, pi string) itemOutcome {
	out := itemOutcome{pi: pi}

	bundle, cached, err := w.loadCachedBundle(ctx, pi)
	if err != nil {
		w.logger.Warn("context cache unreadable, refetching", "pi", pi, "error", err)
	}
	if !cached {
		bundle, err = w.deps.Fetcher.Fetch(ctx, pi)
		if err != nil {
			out.err = fmt.Errorf("fetch: %w", err)
			return out
		}
		out.newContext = bundleToContext(bundle)
	}

	result, err := w.deps.Extractor.Extract(ctx, extract.Input{
		Bundle:       bundle,
		CustomPrompt: chunk.CustomPrompt,
		Institution:  chunk.Institution,
		RequestID:    chunk.ChunkID + "/" + pi,
	})
	if err != nil {
		out.err = err
		return out
	}
	if !result.Validation.Valid {
		// Parseable but imperfect records are published with their warnings
		// rather than burned against the retry budget.
		w.logger.Warn("record failed validation",
			"pi", pi, "missing", result.Validation.MissingRequired)
	}
	out.record = result.Record
	return out
}

// loadCachedBundle reconstructs a fetch bundle from the context cache.
func (w *Worker) loadCachedBundle(ctx context.Context, pi string) (*fetch.Bundle, bool, error) {
	cached, found, err := w.deps.Store.LoadContext(ctx, w.chunkID, pi)
	if err != nil || !found {
		return nil, false, err
	}

	bundle := &fetch.Bundle{DirectoryName: cached.DirectoryName}
	if cached.ExistingPinax != "" {
		if rec, err := pinax.Parse([]byte(cached.ExistingPinax)); err == nil {
			bundle.ExistingPinax = rec
		}
	}
	bundle.Files = make([]fetch.File, len(cached.Files))
	for i, f := range cached.Files {
		bundle.Files[i] = fetch.File{Name: f.Name, Content: f.Content}
	}
	return bundle, true, nil
}

// bundleToContext converts a fetched bundle into cache rows.
func bundleToContext(bundle *fetch.Bundle) *store.Context {
	c := &store.Context{DirectoryName: bundle.DirectoryName}
	if bundle.ExistingPinax != nil {
		if data, err := bundle.ExistingPinax.MarshalIndent(); err == nil {
			c.ExistingPinax = string(data)
		}
	}
	c.Files = make([]store.ContextFile, len(bundle.Files))
	for i, f := range bundle.Files {
		c.Files[i] = store.ContextFile{Name: f.Name, Content: f.Content}
	}
	return c
}

// publishOutcome is what one per-PI publishing task reports back.
type publishOutcome struct {
	pi      string
	cid     string
	tip     string
	version int
	err     error
}

// publishingPass uploads records and appends entity versions for every done
// PI that has not yet been published. Exit condition: every done PI carries
// a new tip.
func (w *Worker) publishingPass(ctx context.Context, chunk *store.Chunk) error {
	done, err := w.deps.Store.ListPIs(ctx, w.chunkID, store.PIDone)
	if err != nil {
		return fmt.Errorf("list done: %w", err)
	}

	var unpublished []store.PIState
	for _, p := range done {
		if p.PinaxCID == "" || p.NewTip == "" {
			unpublished = append(unpublished, p)
		}
	}
	if len(unpublished) == 0 {
		w.logger.Info("publishing complete", "published", len(done))
		return w.deps.Store.SetPhase(ctx, w.chunkID, store.PhaseCallback)
	}

	results := make(chan publishOutcome, len(unpublished))
	for _, p := range unpublished {
		go func(p store.PIState) {
			results <- w.publishItem(ctx, p)
		}(p)
	}

	for range unpublished {
		out := <-results
		if out.err != nil {
			w.logger.Warn("publish failed terminally", "pi", out.pi, "error", out.err)
			if err := w.deps.Store.SetPIError(ctx, w.chunkID, out.pi, out.err.Error()); err != nil {
				return fmt.Errorf("mark error %s: %w", out.pi, err)
			}
			continue
		}
		if err := w.deps.Store.SetPIPublished(ctx, w.chunkID, out.pi, out.cid, out.tip, out.version); err != nil {
			return fmt.Errorf("mark published %s: %w", out.pi, err)
		}
	}
	return nil
}

// publishItem uploads one record and appends a new entity version with
// CAS-with-refresh: each attempt re-reads the entity for the latest tip.
func (w *Worker) publishItem(ctx context.Context, p store.PIState) publishOutcome {
	out := publishOutcome{pi: p.PI}

	cid, err := w.deps.Archive.Upload(ctx, []byte(p.PinaxJSON), pinaxComponent)
	if err != nil {
		out.err = fmt.Errorf("%w: upload: %v", ErrPublish, err)
		return out
	}
	out.cid = cid

	err = retry.Do(
		func() error {
			entity, err := w.deps.Archive.GetEntity(ctx, p.PI)
			if err != nil {
				return err
			}
			result, err := w.deps.Archive.AppendVersion(ctx, p.PI, entity.HeadTip(),
				map[string]string{pinaxComponent: cid}, appendNote)
			if err != nil {
				return err
			}
			out.tip = result.Tip
			out.version = result.Version
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(casAttempts),
		retry.Delay(casBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		out.err = fmt.Errorf("%w: append: %v", ErrPublish, err)
	}
	return out
}

// callbackPass assembles the chunk summary and delivers it. Failed delivery
// backs off exponentially until the retry budget is spent; the callback is
// at-least-once and giving up is logged, not fatal.
func (w *Worker) callbackPass(ctx context.Context, chunk *store.Chunk) (time.Duration, bool) {
	interval := w.deps.Config.AlarmInterval

	payload, err := w.assemblePayload(ctx, chunk)
	if err != nil {
		w.logger.Error("failed to assemble callback payload", "error", err)
		return interval, true
	}

	if err := w.deps.Orchestrator.Deliver(ctx, payload); err != nil {
		count, serr := w.deps.Store.IncrCallbackRetry(ctx, w.chunkID)
		if serr != nil {
			w.logger.Error("failed to record callback retry", "error", serr)
			return interval, true
		}
		if count >= w.deps.Config.MaxCallbackRetries {
			w.logger.Error("callback retries exhausted, giving up",
				"retries", count, "error", err)
			if err := w.deps.Store.MarkCompleted(ctx, w.chunkID, time.Now()); err != nil {
				w.logger.Error("failed to mark chunk done", "error", err)
			}
			return interval, true
		}
		base := w.deps.Config.CallbackBaseDelay
		if base <= 0 {
			base = defaultCallbackBaseDelay
		}
		backoff := base * time.Duration(1<<count)
		w.logger.Warn("callback failed, backing off",
			"retry", count, "backoff", backoff, "error", err)
		return backoff, true
	}

	w.logger.Info("callback delivered",
		"status", payload.Status,
		"succeeded", payload.Summary.Succeeded,
		"failed", payload.Summary.Failed)
	if err := w.deps.Store.MarkCompleted(ctx, w.chunkID, time.Now()); err != nil {
		w.logger.Error("failed to mark chunk done", "error", err)
	}
	return interval, true
}

// assemblePayload builds the callback body from the PI rows. It reads a
// consistent snapshot because only the worker mutates them.
func (w *Worker) assemblePayload(ctx context.Context, chunk *store.Chunk) (*orchestrator.Payload, error) {
	pis, err := w.deps.Store.ListPIs(ctx, w.chunkID)
	if err != nil {
		return nil, err
	}

	payload := &orchestrator.Payload{
		BatchID: chunk.BatchID,
		ChunkID: chunk.ChunkID,
		Error:   chunk.GlobalError,
	}
	for _, p := range pis {
		if p.Status == store.PIDone && p.NewTip != "" {
			payload.Results = append(payload.Results, orchestrator.PIResult{
				PI:         p.PI,
				Status:     "success",
				NewTip:     p.NewTip,
				NewVersion: p.NewVersion,
			})
			payload.Summary.Succeeded++
			continue
		}
		message := p.Error
		if message == "" {
			message = "not processed"
		}
		payload.Results = append(payload.Results, orchestrator.PIResult{
			PI:     p.PI,
			Status: "error",
			Error:  message,
		})
		payload.Summary.Failed++
	}
	payload.Summary.Total = len(pis)
	payload.Summary.ProcessingTimeMs = time.Since(chunk.StartedAt).Milliseconds()
	payload.Status = orchestrator.ComputeStatus(payload.Summary.Succeeded, payload.Summary.Failed)
	if chunk.GlobalError != "" && payload.Summary.Succeeded == 0 {
		payload.Status = orchestrator.StatusError
	}
	return payload, nil
}

// cleanup deletes every durable row for this chunk. Runs on the first tick
// in a terminal phase; after it the worker does not re-arm.
func (w *Worker) cleanup(ctx context.Context) {
	if err := w.deps.Store.DeleteChunk(ctx, w.chunkID); err != nil {
		w.logger.Error("cleanup failed", "error", err)
		return
	}
	w.logger.Info("chunk state cleaned up")
}
