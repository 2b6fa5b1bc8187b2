package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/FranksOps/prospector/internal/storage"
	"github.com/FranksOps/prospector/internal/storage/memory"
)

func completedJob(stage storage.Stage, res storage.Result) *storage.Job {
	job := storage.NewJob("parent", stage, storage.Parameters{Keywords: []string{"pottery"}})
	_ = job.Start()
	_ = job.Complete(res)
	return job
}

func TestChainTrigger_Next(t *testing.T) {
	ids := []string{"c1", "c2"}
	tests := []struct {
		name     string
		job      *storage.Job
		autoSend bool
		want     storage.Stage
		ok       bool
	}{
		{
			name: "discover with new records",
			job:  completedJob(storage.StageDiscover, storage.Result{Stats: map[string]int{"new": 2}, CandidateIDs: ids}),
			want: storage.StageEnrich,
			ok:   true,
		},
		{
			name: "discover without new records",
			job:  completedJob(storage.StageDiscover, storage.Result{Stats: map[string]int{"new": 0, "duplicates": 4}}),
		},
		{
			name: "enrich without auto send",
			job:  completedJob(storage.StageEnrich, storage.Result{Stats: map[string]int{"enriched": 2}, CandidateIDs: ids}),
		},
		{
			name:     "enrich with auto send",
			job:      completedJob(storage.StageEnrich, storage.Result{Stats: map[string]int{"enriched": 2}, CandidateIDs: ids}),
			autoSend: true,
			want:     storage.StageSend,
			ok:       true,
		},
		{
			name:     "enrich found nothing",
			job:      completedJob(storage.StageEnrich, storage.Result{Stats: map[string]int{"enriched": 0}}),
			autoSend: true,
		},
		{
			name:     "send never chains",
			job:      completedJob(storage.StageSend, storage.Result{Stats: map[string]int{"sent": 2}, CandidateIDs: ids}),
			autoSend: true,
		},
		{
			name: "unimplemented outcome",
			job:  completedJob(storage.StageDiscover, storage.Result{Outcome: storage.OutcomeUnimplemented, CandidateIDs: ids}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChainTrigger(nil, tt.autoSend, nil)
			stage, params, ok := c.Next(tt.job)
			if ok != tt.ok || stage != tt.want {
				t.Fatalf("expected (%q, %v), got (%q, %v)", tt.want, tt.ok, stage, ok)
			}
			if ok {
				if params.ParentJobID != "parent" {
					t.Errorf("expected parent job id, got %q", params.ParentJobID)
				}
				if len(params.TargetIDs) != len(ids) {
					t.Errorf("expected %d targets, got %d", len(ids), len(params.TargetIDs))
				}
			}
		})
	}
}

func TestChain_DiscoverTriggersEnrich(t *testing.T) {
	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	enrichTargets := make(chan []string, 1)

	reg := NewRegistry(memory.New(), map[storage.Stage]StageFunc{
		storage.StageDiscover: func(ctx context.Context, job *storage.Job) (storage.Result, error) {
			return storage.Result{Stats: map[string]int{"new": 5, "duplicates": 3}, CandidateIDs: ids}, nil
		},
		storage.StageEnrich: func(ctx context.Context, job *storage.Job) (storage.Result, error) {
			enrichTargets <- job.Parameters.TargetIDs
			return storage.Result{}, nil
		},
	}, Options{})

	parentID, err := reg.CreateJob(context.Background(), storage.StageDiscover, storage.Parameters{Keywords: []string{"pottery"}})
	if err != nil {
		t.Fatal(err)
	}
	waitAll(t, reg)

	if got := <-enrichTargets; len(got) != 5 {
		t.Errorf("expected enrich to target 5 records, got %d", len(got))
	}

	enrich, err := reg.ListJobs(context.Background(), storage.JobFilter{Stage: storage.StageEnrich})
	if err != nil {
		t.Fatal(err)
	}
	if len(enrich) != 1 {
		t.Fatalf("expected one enrich job, got %d", len(enrich))
	}
	if enrich[0].Parameters.ParentJobID != parentID {
		t.Errorf("expected parent %s, got %s", parentID, enrich[0].Parameters.ParentJobID)
	}
	if enrich[0].Status != storage.StatusCompleted {
		t.Errorf("expected chained job to run to completion, got %s", enrich[0].Status)
	}
}

type failingScheduler struct{ calls int }

func (f *failingScheduler) CreateJob(ctx context.Context, stage storage.Stage, params storage.Parameters) (string, error) {
	f.calls++
	return "", errors.New("store unavailable")
}

func TestChain_SchedulingFailureKeepsParentCompleted(t *testing.T) {
	store := memory.New()
	reg := NewRegistry(store, map[storage.Stage]StageFunc{
		storage.StageDiscover: func(ctx context.Context, job *storage.Job) (storage.Result, error) {
			return storage.Result{Stats: map[string]int{"new": 1}, CandidateIDs: []string{"c1"}}, nil
		},
	}, Options{})
	sched := &failingScheduler{}
	reg.chain.scheduler = sched

	id, _ := reg.CreateJob(context.Background(), storage.StageDiscover, storage.Parameters{})
	waitAll(t, reg)

	if sched.calls != 1 {
		t.Errorf("expected one scheduling attempt, got %d", sched.calls)
	}
	job := getJob(t, reg, id)
	if job.Status != storage.StatusCompleted || job.Result.Count("new") != 1 {
		t.Errorf("parent outcome changed by chain failure: %s %+v", job.Status, job.Result)
	}
}

func TestChain_CancelDoesNotPropagate(t *testing.T) {
	enrichStarted := make(chan struct{})
	finish := make(chan struct{})

	reg := NewRegistry(memory.New(), map[storage.Stage]StageFunc{
		storage.StageDiscover: func(ctx context.Context, job *storage.Job) (storage.Result, error) {
			return storage.Result{Stats: map[string]int{"new": 1}, CandidateIDs: []string{"c1"}}, nil
		},
		storage.StageEnrich: func(ctx context.Context, job *storage.Job) (storage.Result, error) {
			close(enrichStarted)
			select {
			case <-finish:
				return storage.Result{}, nil
			case <-ctx.Done():
				return storage.Result{}, ctx.Err()
			}
		},
	}, Options{})

	parentID, _ := reg.CreateJob(context.Background(), storage.StageDiscover, storage.Parameters{})
	<-enrichStarted

	// the parent has finished; cancelling it must not reach the child
	_ = reg.Cancel(context.Background(), parentID)
	close(finish)
	waitAll(t, reg)

	enrich, _ := reg.ListJobs(context.Background(), storage.JobFilter{Stage: storage.StageEnrich})
	if len(enrich) != 1 || enrich[0].Status != storage.StatusCompleted {
		t.Errorf("expected enrich to complete independently, got %+v", enrich)
	}
}
