package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"portraitd/internal/domain"
)

func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("worker run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("worker did not stop")
		}
	}
}

func TestWorkerCompletesPendingJobs(t *testing.T) {
	gen := &stubGenerator{}
	pub := &stubPublisher{}
	engine, base := newTestEngine(t, gen, pub, nil)
	jobs := newMemJobs()
	for _, id := range []string{"j1", "j2", "j3"} {
		_ = jobs.Create(context.Background(), &domain.GenerationJob{ID: id, UserID: "u1", SourceImageURL: base + "/face.png", StyleID: "classic_bw"})
	}

	stop := runWorker(t, NewWorker(WorkerOptions{Engine: engine, Jobs: jobs, Concurrency: 2, IdleInterval: 10 * time.Millisecond}))
	waitFor(t, "jobs to succeed", func() bool {
		for _, id := range []string{"j1", "j2", "j3"} {
			if jobs.get(id).Status != domain.JobStatusSucceeded {
				return false
			}
		}
		return true
	})
	stop()

	if pub.Calls() != 3 {
		t.Fatalf("publish calls = %d, want 3", pub.Calls())
	}
	if got := jobs.get("j2"); got.ProviderID != "stub" || got.ImageURL == "" {
		t.Fatalf("job = %+v", got)
	}
	if len(jobs.attemptsFor("j1")) != 1 {
		t.Fatalf("attempts not stored: %+v", jobs.attemptsFor("j1"))
	}
	if jobs.staleCalls != 1 {
		t.Fatalf("stale sweep calls = %d", jobs.staleCalls)
	}
}

func TestWorkerFailsExhaustedJob(t *testing.T) {
	attempts := []domain.ProviderAttempt{
		{ProviderID: "a", Outcome: domain.OutcomeError},
		{ProviderID: "text", Outcome: domain.OutcomeError},
	}
	gen := &stubGenerator{err: &domain.ExhaustedError{Attempts: attempts, Last: errors.New("503")}}
	pub := &stubPublisher{}
	engine, base := newTestEngine(t, gen, pub, nil)
	jobs := newMemJobs()
	_ = jobs.Create(context.Background(), &domain.GenerationJob{ID: "j1", UserID: "u1", SourceImageURL: base + "/face.png", StyleID: "classic_bw"})

	stop := runWorker(t, NewWorker(WorkerOptions{Engine: engine, Jobs: jobs, IdleInterval: 10 * time.Millisecond}))
	waitFor(t, "job to fail", func() bool { return jobs.get("j1").Status == domain.JobStatusFailed })
	stop()

	got := jobs.get("j1")
	if got.FailureReason != domain.FailureGeneration {
		t.Fatalf("reason = %q", got.FailureReason)
	}
	if len(jobs.attemptsFor("j1")) != 2 {
		t.Fatalf("attempts = %+v", jobs.attemptsFor("j1"))
	}
	if pub.Calls() != 0 {
		t.Fatalf("failed job published")
	}
}

func TestWorkerSkipsPublishWhenCanceledMidRun(t *testing.T) {
	// No cancel bus: the row is canceled while the provider runs and only the
	// pre-publish status check can catch it.
	gen := &stubGenerator{started: make(chan string)}
	pub := &stubPublisher{}
	engine, base := newTestEngine(t, gen, pub, nil)
	jobs := newMemJobs()
	_ = jobs.Create(context.Background(), &domain.GenerationJob{ID: "j1", UserID: "u1", SourceImageURL: base + "/face.png", StyleID: "classic_bw"})

	w := NewWorker(WorkerOptions{Engine: engine, Jobs: jobs, IdleInterval: 10 * time.Millisecond})
	stop := runWorker(t, w)
	select {
	case <-gen.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("job never started")
	}
	if ok, _ := jobs.Cancel(context.Background(), "j1", "u1"); !ok {
		t.Fatalf("cancel did not apply")
	}
	waitFor(t, "worker to drop the job", func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.inflight) == 0
	})
	stop()

	if pub.Calls() != 0 {
		t.Fatalf("canceled job was published")
	}
	if got := jobs.get("j1"); got.Status != domain.JobStatusCanceled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestWorkerShutdownAbandonsInFlightJob(t *testing.T) {
	gen := &stubGenerator{block: true, started: make(chan string, 1)}
	engine, base := newTestEngine(t, gen, &stubPublisher{}, nil)
	jobs := newMemJobs()
	_ = jobs.Create(context.Background(), &domain.GenerationJob{ID: "j1", UserID: "u1", SourceImageURL: base + "/face.png", StyleID: "classic_bw"})

	stop := runWorker(t, NewWorker(WorkerOptions{Engine: engine, Jobs: jobs, IdleInterval: 10 * time.Millisecond}))
	select {
	case <-gen.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("job never started")
	}
	stop()

	got := jobs.get("j1")
	if got.Status != domain.JobStatusFailed || got.FailureReason != domain.FailureAbandoned {
		t.Fatalf("job = %+v", got)
	}
}

func TestWorkerHeartbeatsLongRunningJob(t *testing.T) {
	gen := &stubGenerator{block: true, started: make(chan string, 1)}
	engine, base := newTestEngine(t, gen, &stubPublisher{}, nil)
	jobs := newMemJobs()
	_ = jobs.Create(context.Background(), &domain.GenerationJob{ID: "j1", UserID: "u1", SourceImageURL: base + "/face.png", StyleID: "classic_bw"})

	stop := runWorker(t, NewWorker(WorkerOptions{
		Engine:       engine,
		Jobs:         jobs,
		IdleInterval: 10 * time.Millisecond,
		StaleAfter:   time.Second,
		Heartbeat:    5 * time.Millisecond,
	}))
	select {
	case <-gen.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("job never started")
	}
	waitFor(t, "heartbeats", func() bool { return jobs.touchCount("j1") >= 3 })
	stop()

	settled := jobs.touchCount("j1")
	time.Sleep(30 * time.Millisecond)
	if jobs.touchCount("j1") != settled {
		t.Fatalf("heartbeat kept running after the job settled")
	}
}

func TestWorkerHeartbeatCappedByStaleWindow(t *testing.T) {
	w := NewWorker(WorkerOptions{Engine: &Engine{}, Jobs: newMemJobs(), StaleAfter: 30 * time.Second, Heartbeat: time.Hour})
	if w.beatEvery != 10*time.Second {
		t.Fatalf("heartbeat = %s, want 10s", w.beatEvery)
	}
}
