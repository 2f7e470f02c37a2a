package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Arke-Institute/arke-metadata-service/internal/store"
)

// Request is an inbound chunk-processing request.
type Request struct {
	BatchID      string   `json:"batch_id"`
	ChunkID      string   `json:"chunk_id"`
	PIs          []string `json:"pis"`
	Prefix       string   `json:"prefix"`
	CustomPrompt string   `json:"custom_prompt,omitempty"`
	Institution  string   `json:"institution,omitempty"`
}

// Admission is the outcome of submitting a Request.
type Admission struct {
	Accepted          bool
	AlreadyProcessing bool
	Phase             store.Phase
	TotalPIs          int
}

// Progress counts PIs by lifecycle stage.
type Progress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// StatusSnapshot is the polled view of a chunk.
type StatusSnapshot struct {
	Phase    store.Phase `json:"phase"`
	Progress Progress    `json:"progress"`
}

// Registry owns the chunk workers, one singleton per chunk id.
type Registry struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*Worker
}

// NewRegistry creates a Registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		deps:    deps,
		logger:  deps.Logger,
		workers: make(map[string]*Worker),
	}
}

// Start binds the registry to its lifetime context and resumes workers for
// any chunk rows left behind by a previous process.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	active, err := r.deps.Store.ListActiveChunks(ctx)
	if err != nil {
		return fmt.Errorf("list active chunks: %w", err)
	}
	for _, c := range active {
		r.logger.Info("resuming chunk after restart", "chunk_id", c.ChunkID, "phase", c.Phase)
		r.spawn(c.ChunkID)
	}
	return nil
}

// Process admits a chunk request. A chunk already running (durably or
// in-process) is not restarted; the caller gets its current phase instead.
func (r *Registry) Process(ctx context.Context, req *Request) (*Admission, error) {
	if req.ChunkID == "" || req.BatchID == "" {
		return nil, errors.New("batch_id and chunk_id are required")
	}
	if len(req.PIs) == 0 {
		return nil, errors.New("pis must not be empty")
	}

	existing, err := r.deps.Store.GetChunk(ctx, req.ChunkID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load chunk: %w", err)
	}
	if existing != nil && !existing.Phase.Terminal() {
		return &Admission{AlreadyProcessing: true, Phase: existing.Phase}, nil
	}
	if existing != nil {
		// Terminal leftovers from a crashed cleanup; clear them first.
		if err := r.deps.Store.DeleteChunk(ctx, req.ChunkID); err != nil {
			return nil, fmt.Errorf("clear stale chunk: %w", err)
		}
	}

	err = r.deps.Store.CreateChunk(ctx, &store.Chunk{
		BatchID:      req.BatchID,
		ChunkID:      req.ChunkID,
		Prefix:       req.Prefix,
		CustomPrompt: req.CustomPrompt,
		Institution:  req.Institution,
		Phase:        store.PhaseProcessing,
		StartedAt:    time.Now(),
	}, req.PIs)
	if err != nil {
		return nil, fmt.Errorf("create chunk: %w", err)
	}

	r.spawn(req.ChunkID)
	r.logger.Info("chunk admitted", "chunk_id", req.ChunkID, "batch_id", req.BatchID, "pis", len(req.PIs))
	return &Admission{Accepted: true, Phase: store.PhaseProcessing, TotalPIs: len(req.PIs)}, nil
}

// spawn launches the worker goroutine for a chunk unless one is running.
func (r *Registry) spawn(chunkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.workers[chunkID]; running {
		return
	}
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	w := newWorker(chunkID, r.deps, r.remove)
	r.workers[chunkID] = w
	go w.run(ctx)
}

// remove drops a finished worker from the registry.
func (r *Registry) remove(chunkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, chunkID)
}

// ActiveWorkers returns the number of running workers.
func (r *Registry) ActiveWorkers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Status reports a chunk's phase and per-status progress counts.
func (r *Registry) Status(ctx context.Context, chunkID string) (*StatusSnapshot, error) {
	chunk, err := r.deps.Store.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	counts, err := r.deps.Store.CountByStatus(ctx, chunkID)
	if err != nil {
		return nil, err
	}

	progress := Progress{
		Pending:    counts[store.PIPending],
		Processing: counts[store.PIProcessing],
		Done:       counts[store.PIDone],
		Failed:     counts[store.PIError],
	}
	progress.Total = progress.Pending + progress.Processing + progress.Done + progress.Failed

	return &StatusSnapshot{Phase: chunk.Phase, Progress: progress}, nil
}
