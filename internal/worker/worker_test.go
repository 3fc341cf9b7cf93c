package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tallyware/tally/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunOnceSuccess(t *testing.T) {
	s := newTestStore(t)
	w := New(s, time.Millisecond, nil)

	var handled *store.Job
	w.Register("test_job", func(_ context.Context, job *store.Job) error {
		handled = job
		return nil
	})

	job, err := s.EnqueueJob("test_job", map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}

	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !processed || handled == nil || handled.ID != job.ID {
		t.Fatalf("processed=%v handled=%+v", processed, handled)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.JobSucceeded {
		t.Errorf("status = %s, want succeeded", got.Status)
	}
}

func TestRunOnceHandlerError(t *testing.T) {
	s := newTestStore(t)
	w := New(s, time.Millisecond, nil)
	w.Register("test_job", func(context.Context, *store.Job) error {
		return errors.New("downstream unavailable")
	})

	job, err := s.EnqueueJob("test_job", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("handler error must not fail the loop: %v", err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.JobFailed || got.Error != "downstream unavailable" {
		t.Errorf("status=%s error=%q", got.Status, got.Error)
	}
}

func TestRunOnceUnknownJobName(t *testing.T) {
	s := newTestStore(t)
	w := New(s, time.Millisecond, nil)

	job, err := s.EnqueueJob("mystery_job", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	s := newTestStore(t)
	w := New(s, time.Millisecond, nil)

	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if processed {
		t.Error("claimed a job from an empty queue")
	}
}

// Run drains jobs in FIFO order and requeues a job left processing by a
// previous (crashed) run before touching new work.
func TestRunDrainsQueueAfterRequeue(t *testing.T) {
	s := newTestStore(t)

	// The crashed job: enqueued first, then left processing.
	crashed, err := s.EnqueueJob("test_job", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextJob(); err != nil {
		t.Fatal(err)
	}
	newer, err := s.EnqueueJob("test_job", nil)
	if err != nil {
		t.Fatal(err)
	}

	var order []string
	done := make(chan struct{})
	w := New(s, time.Millisecond, nil)
	w.Register("test_job", func(_ context.Context, job *store.Job) error {
		order = append(order, job.ID)
		if len(order) == 2 {
			close(done)
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		<-done
		cancel()
	}()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(order) != 2 || order[0] != crashed.ID || order[1] != newer.ID {
		t.Fatalf("processed order %v, want [%s %s]", order, crashed.ID, newer.ID)
	}
}
