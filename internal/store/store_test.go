package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedChunk(t *testing.T, s *Store, chunkID string, pis []string) {
	t.Helper()
	err := s.CreateChunk(context.Background(), &Chunk{
		BatchID:   "batch-1",
		ChunkID:   chunkID,
		Prefix:    "arc",
		Phase:     PhaseProcessing,
		StartedAt: time.Now(),
	}, pis)
	if err != nil {
		t.Fatalf("CreateChunk: %v", err)
	}
}

func TestChunkRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedChunk(t, s, "chunk-1", []string{"pi-a", "pi-b"})

	chunk, err := s.GetChunk(ctx, "chunk-1")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if chunk.Phase != PhaseProcessing || chunk.BatchID != "batch-1" {
		t.Errorf("chunk = %+v", chunk)
	}

	pis, err := s.ListPIs(ctx, "chunk-1")
	if err != nil {
		t.Fatalf("ListPIs: %v", err)
	}
	if len(pis) != 2 || pis[0].PI != "pi-a" || pis[1].PI != "pi-b" {
		t.Errorf("pis = %+v, want admission order", pis)
	}
	for _, p := range pis {
		if p.Status != PIPending {
			t.Errorf("pi %s status = %s, want pending", p.PI, p.Status)
		}
	}
}

func TestGetChunk_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetChunk(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPILifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedChunk(t, s, "chunk-1", []string{"pi-a"})

	if err := s.SetPIStatus(ctx, "chunk-1", "pi-a", PIProcessing); err != nil {
		t.Fatalf("SetPIStatus: %v", err)
	}

	// First failure returns the item to pending with a bumped count.
	count, err := s.BumpPIRetry(ctx, "chunk-1", "pi-a", "llm error: transient")
	if err != nil {
		t.Fatalf("BumpPIRetry: %v", err)
	}
	if count != 1 {
		t.Errorf("retry count = %d, want 1", count)
	}
	pis, _ := s.ListPIs(ctx, "chunk-1", PIPending)
	if len(pis) != 1 || pis[0].Error != "llm error: transient" {
		t.Errorf("pending after retry = %+v", pis)
	}

	// Success stores the record and clears the error.
	if err := s.SetPIDone(ctx, "chunk-1", "pi-a", `{"title":"T"}`); err != nil {
		t.Fatalf("SetPIDone: %v", err)
	}
	pis, _ = s.ListPIs(ctx, "chunk-1", PIDone)
	if len(pis) != 1 || pis[0].PinaxJSON != `{"title":"T"}` || pis[0].Error != "" {
		t.Errorf("done = %+v", pis)
	}

	// Publication stamps cid, tip, version.
	if err := s.SetPIPublished(ctx, "chunk-1", "pi-a", "bafycid", "bafytip", 7); err != nil {
		t.Fatalf("SetPIPublished: %v", err)
	}
	pis, _ = s.ListPIs(ctx, "chunk-1")
	if pis[0].PinaxCID != "bafycid" || pis[0].NewTip != "bafytip" || pis[0].NewVersion != 7 {
		t.Errorf("published = %+v", pis[0])
	}
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedChunk(t, s, "chunk-1", []string{"pi-a", "pi-b", "pi-c"})

	s.SetPIDone(ctx, "chunk-1", "pi-a", "{}")
	s.SetPIError(ctx, "chunk-1", "pi-b", "boom")

	counts, err := s.CountByStatus(ctx, "chunk-1")
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[PIDone] != 1 || counts[PIError] != 1 || counts[PIPending] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestContextCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedChunk(t, s, "chunk-1", []string{"pi-a"})

	_, found, err := s.LoadContext(ctx, "chunk-1", "pi-a")
	if err != nil || found {
		t.Fatalf("LoadContext empty = %v found=%v", err, found)
	}

	in := &Context{
		DirectoryName: "box-7",
		ExistingPinax: `{"title":"Old"}`,
		Files: []ContextFile{
			{Name: "a.txt", Content: "alpha"},
			{Name: "b.txt", Content: "beta"},
		},
	}
	if err := s.SaveContext(ctx, "chunk-1", "pi-a", in); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}

	out, found, err := s.LoadContext(ctx, "chunk-1", "pi-a")
	if err != nil || !found {
		t.Fatalf("LoadContext = %v found=%v", err, found)
	}
	if out.DirectoryName != "box-7" || out.ExistingPinax != `{"title":"Old"}` {
		t.Errorf("meta = %+v", out)
	}
	if len(out.Files) != 2 || out.Files[0].Name != "a.txt" || out.Files[1].Content != "beta" {
		t.Errorf("files = %+v", out.Files)
	}

	// Saving again replaces rather than appends.
	in.Files = in.Files[:1]
	if err := s.SaveContext(ctx, "chunk-1", "pi-a", in); err != nil {
		t.Fatalf("SaveContext replace: %v", err)
	}
	out, _, _ = s.LoadContext(ctx, "chunk-1", "pi-a")
	if len(out.Files) != 1 {
		t.Errorf("files after replace = %+v", out.Files)
	}

	if err := s.DeleteContext(ctx, "chunk-1", "pi-a"); err != nil {
		t.Fatalf("DeleteContext: %v", err)
	}
	_, found, _ = s.LoadContext(ctx, "chunk-1", "pi-a")
	if found {
		t.Errorf("context survived delete")
	}
}

func TestDeleteChunk_RemovesEverything(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedChunk(t, s, "chunk-1", []string{"pi-a"})
	s.SaveContext(ctx, "chunk-1", "pi-a", &Context{DirectoryName: "d", Files: []ContextFile{{Name: "f", Content: "c"}}})

	if err := s.DeleteChunk(ctx, "chunk-1"); err != nil {
		t.Fatalf("DeleteChunk: %v", err)
	}

	if _, err := s.GetChunk(ctx, "chunk-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("chunk survived cleanup: %v", err)
	}
	pis, _ := s.ListPIs(ctx, "chunk-1")
	if len(pis) != 0 {
		t.Errorf("pi rows survived cleanup: %v", pis)
	}
	if _, found, _ := s.LoadContext(ctx, "chunk-1", "pi-a"); found {
		t.Errorf("context survived cleanup")
	}
}

func TestPhaseTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedChunk(t, s, "chunk-1", []string{"pi-a"})

	if err := s.SetPhase(ctx, "chunk-1", PhasePublishing); err != nil {
		t.Fatalf("SetPhase: %v", err)
	}
	chunk, _ := s.GetChunk(ctx, "chunk-1")
	if chunk.Phase != PhasePublishing {
		t.Errorf("phase = %s", chunk.Phase)
	}

	count, err := s.IncrCallbackRetry(ctx, "chunk-1")
	if err != nil || count != 1 {
		t.Errorf("IncrCallbackRetry = %d, %v", count, err)
	}

	if err := s.SetGlobalError(ctx, "chunk-1", "phase blew up"); err != nil {
		t.Fatalf("SetGlobalError: %v", err)
	}
	chunk, _ = s.GetChunk(ctx, "chunk-1")
	if chunk.Phase != PhaseCallback || chunk.GlobalError != "phase blew up" {
		t.Errorf("chunk = %+v", chunk)
	}

	now := time.Now()
	if err := s.MarkCompleted(ctx, "chunk-1", now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	chunk, _ = s.GetChunk(ctx, "chunk-1")
	if chunk.Phase != PhaseDone || chunk.CompletedAt == nil {
		t.Errorf("chunk = %+v", chunk)
	}
}
