package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tallyware/tally/internal/conversation"
)

func TestClaimNextJobFIFO(t *testing.T) {
	s := newTestStore(t)

	first, err := s.EnqueueJob(JobProcessConversation, map[string]string{"conversation_id": "c1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.EnqueueJob(JobProcessConversation, map[string]string{"conversation_id": "c2"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ClaimNextJob()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("claimed %v, want oldest job %s", got, first.ID)
	}
	if got.Status != JobProcessing || got.StartedAt == nil {
		t.Errorf("claimed job not processing: status=%s startedAt=%v", got.Status, got.StartedAt)
	}

	// The in-flight job must not be claimable again; the next claim
	// serves the second job.
	next, err := s.ClaimNextJob()
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("claimed %v, want %s", next, second.ID)
	}

	// Queue drained.
	empty, err := s.ClaimNextJob()
	if err != nil {
		t.Fatal(err)
	}
	if empty != nil {
		t.Fatalf("claimed %s from an empty queue", empty.ID)
	}
}

func TestJobCompletion(t *testing.T) {
	s := newTestStore(t)

	job, err := s.EnqueueJob(JobProcessConversation, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Terminal transitions require the job to be processing.
	if err := s.CompleteJob(job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("completing enqueued job: err = %v, want ErrNotFound", err)
	}

	if _, err := s.ClaimNextJob(); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJob(job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != JobSucceeded || got.CompletedAt == nil {
		t.Errorf("status=%s completedAt=%v", got.Status, got.CompletedAt)
	}

	// Terminal jobs never reappear in the queue.
	if next, _ := s.ClaimNextJob(); next != nil {
		t.Errorf("claimed terminal job %s", next.ID)
	}
}

func TestJobFailure(t *testing.T) {
	s := newTestStore(t)

	job, err := s.EnqueueJob(JobDownSyncCollection, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextJob(); err != nil {
		t.Fatal(err)
	}
	if err := s.FailJob(job.ID, "remote unreachable"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != JobFailed || got.Error != "remote unreachable" {
		t.Errorf("status=%s error=%q", got.Status, got.Error)
	}
}

func TestRequeueProcessingPreservesEnqueuedAt(t *testing.T) {
	s := newTestStore(t)

	job, err := s.EnqueueJob(JobProcessConversation, nil)
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimNextJob()
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	// Simulate a crashed worker: the job is stuck processing.
	n, err := s.RequeueProcessing()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("requeued %d jobs, want 1", n)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != JobEnqueued {
		t.Errorf("status = %s, want enqueued", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt survived requeue")
	}
	if !got.EnqueuedAt.Equal(job.EnqueuedAt) {
		t.Errorf("EnqueuedAt changed: %v != %v", got.EnqueuedAt, job.EnqueuedAt)
	}

	// The requeued job keeps its place ahead of newer work.
	newer, err := s.EnqueueJob(JobProcessConversation, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = newer
	next, err := s.ClaimNextJob()
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != job.ID {
		t.Errorf("claimed %s, want requeued job %s first", next.ID, job.ID)
	}
}

func TestClaimNextJobConcurrent(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.EnqueueJob(JobProcessConversation, nil); err != nil {
		t.Fatal(err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	claims := make(chan *Job, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := s.ClaimNextJob()
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if job != nil {
				claims <- job
			}
		}()
	}
	wg.Wait()
	close(claims)

	var won int
	for range claims {
		won++
	}
	if won != 1 {
		t.Fatalf("%d claimers won, want exactly 1", won)
	}
}

func TestEnqueueTurnIsAtomic(t *testing.T) {
	s := newTestStore(t)

	c := &conversation.Conversation{
		ID:       NewID(),
		Messages: []conversation.Message{conversation.NewUserText("hi")},
	}
	c.SetProcessing()

	job, err := s.EnqueueTurn(c)
	if err != nil {
		t.Fatalf("enqueue turn: %v", err)
	}

	got, err := s.GetConversation(c.ID)
	if err != nil {
		t.Fatalf("conversation not persisted with the job: %v", err)
	}
	if got.Status != conversation.StatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}

	queued, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if queued.Status != JobEnqueued || queued.Name != JobProcessConversation {
		t.Errorf("job status=%s name=%s", queued.Status, queued.Name)
	}
}

func TestEnqueueTurnRollsBackOnInvalidConversation(t *testing.T) {
	s := newTestStore(t)

	c := &conversation.Conversation{
		ID:        NewID(),
		Status:    conversation.StatusProcessing,
		LastError: "leftover", // invalid co-occurrence
		Messages:  []conversation.Message{conversation.NewUserText("hi")},
	}
	if _, err := s.EnqueueTurn(c); err == nil {
		t.Fatal("invalid conversation enqueued")
	}

	jobs, err := s.ListJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("job persisted despite rollback: %d jobs", len(jobs))
	}
}

func TestListJobsOrder(t *testing.T) {
	s := newTestStore(t)

	a, _ := s.EnqueueJob(JobProcessConversation, nil)
	time.Sleep(2 * time.Millisecond)
	b, _ := s.EnqueueJob(JobProcessConversation, nil)

	jobs, err := s.ListJobs(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != a.ID || jobs[1].ID != b.ID {
		t.Fatalf("jobs out of FIFO order: %v", jobs)
	}
}
