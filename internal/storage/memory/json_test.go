package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/FranksOps/prospector/internal/storage"
)

func TestMemoryBackend_JobLifecycle(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	job := storage.NewJob("job1", storage.StageDiscover, storage.Parameters{Keywords: []string{"pottery"}})
	if err := b.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := b.CreateJob(ctx, job); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey on second create, got %v", err)
	}

	loaded, err := b.LoadJob(ctx, "job1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if err := loaded.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.SaveJob(ctx, loaded); err != nil {
		t.Fatalf("SaveJob running: %v", err)
	}
	if err := loaded.Complete(storage.Result{Stats: map[string]int{"new": 2}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := b.SaveJob(ctx, loaded); err != nil {
		t.Fatalf("SaveJob completed: %v", err)
	}

	// terminal jobs are frozen
	if err := b.SaveJob(ctx, loaded); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after terminal save, got %v", err)
	}

	got, _ := b.LoadJob(ctx, "job1")
	if got.Status != storage.StatusCompleted || got.Result.Count("new") != 2 {
		t.Errorf("unexpected job state: %+v", got)
	}

	// mutating the returned copy must not leak into the store
	got.Parameters.Keywords[0] = "changed"
	again, _ := b.LoadJob(ctx, "job1")
	if again.Parameters.Keywords[0] != "pottery" {
		t.Errorf("stored parameters were mutated through a loaded copy")
	}

	if _, err := b.LoadJob(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryBackend_CandidateUniqueness(t *testing.T) {
	b := New()
	ctx := context.Background()

	c := &storage.Candidate{ID: "c1", Key: "example.com", URL: "https://example.com", Status: storage.CandidateNew}
	if err := b.CreateCandidate(ctx, c); err != nil {
		t.Fatalf("CreateCandidate: %v", err)
	}

	dup := &storage.Candidate{ID: "c2", Key: "example.com", URL: "https://www.example.com"}
	if err := b.CreateCandidate(ctx, dup); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	ok, err := b.ExistsCandidate(ctx, "example.com")
	if err != nil || !ok {
		t.Fatalf("expected existing key, got %v %v", ok, err)
	}
	ok, _ = b.ExistsCandidate(ctx, "other.com")
	if ok {
		t.Errorf("did not expect other.com to exist")
	}
}

func TestMemoryBackend_ListCandidatesKeepsIDOrder(t *testing.T) {
	b := New()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_ = b.CreateCandidate(ctx, &storage.Candidate{ID: id, Key: id + ".com", Status: storage.CandidateNew})
	}

	got, err := b.ListCandidates(ctx, storage.CandidateFilter{IDs: []string{"c", "missing", "a"}})
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestMemoryBackend_JournalReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prospector.jsonl")
	ctx := context.Background()

	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	job := storage.NewJob("j1", storage.StageEnrich, storage.Parameters{TargetIDs: []string{"c1"}})
	_ = b.CreateJob(ctx, job)
	_ = job.Start()
	_ = b.SaveJob(ctx, job)
	_ = job.Fail(errors.New("boom"))
	_ = b.SaveJob(ctx, job)

	c := &storage.Candidate{ID: "c1", Key: "shop.example", Status: storage.CandidateNew}
	_ = b.CreateCandidate(ctx, c)
	c.MarkEnriched(storage.CandidateEnriched, []string{"hi@shop.example"}, 0.5, "")
	_ = b.UpdateCandidate(ctx, c)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	gotJob, err := reopened.LoadJob(ctx, "j1")
	if err != nil {
		t.Fatalf("LoadJob after replay: %v", err)
	}
	if gotJob.Status != storage.StatusFailed || gotJob.Error != "boom" {
		t.Errorf("expected failed job with error, got %+v", gotJob)
	}

	gotCand, err := reopened.GetCandidate(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCandidate after replay: %v", err)
	}
	if email, ok := gotCand.PrimaryEmail(); !ok || email != "hi@shop.example" {
		t.Errorf("expected replayed email, got %v", gotCand.Emails)
	}
	if exists, _ := reopened.ExistsCandidate(ctx, "shop.example"); !exists {
		t.Errorf("expected key index to be rebuilt on replay")
	}
}
