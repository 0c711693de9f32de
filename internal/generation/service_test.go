package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"portraitd/internal/credits"
	"portraitd/internal/domain"
	"portraitd/internal/infra/cancelbus"
)

type recordingBus struct {
	published []string
}

func (b *recordingBus) Publish(_ context.Context, jobID string) error {
	b.published = append(b.published, jobID)
	return nil
}

type serviceFixture struct {
	svc   *Service
	gen   *stubGenerator
	pub   *stubPublisher
	jobs  *memJobs
	store *credits.MemoryStore
	bus   *recordingBus
	base  string
}

func newServiceFixture(t *testing.T, dailyLimit int) *serviceFixture {
	t.Helper()
	gen := &stubGenerator{}
	pub := &stubPublisher{}
	engine, base := newTestEngine(t, gen, pub, nil)
	store := credits.NewMemoryStore()
	jobs := newMemJobs()
	bus := &recordingBus{}
	svc := NewService(ServiceOptions{
		Engine:       engine,
		Ledger:       credits.NewLedger(store, credits.Options{DailyLimit: dailyLimit}),
		Jobs:         jobs,
		Cancels:      bus,
		CostPerImage: 2,
	})
	return &serviceFixture{svc: svc, gen: gen, pub: pub, jobs: jobs, store: store, bus: bus, base: base}
}

func TestGenerateReturnsURLAndRemaining(t *testing.T) {
	f := newServiceFixture(t, 10)
	res, err := f.svc.Generate(context.Background(), Request{UserID: "u1", SourceImageURL: f.base + "/face.png", StyleID: "classic_bw"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.ImageURL == "" || res.RemainingCredits != 8 {
		t.Fatalf("result = %+v", res)
	}
}

func TestGenerateQuotaExceededSkipsPipeline(t *testing.T) {
	f := newServiceFixture(t, 1)
	_, err := f.svc.Generate(context.Background(), Request{UserID: "u1", SourceImageURL: f.base + "/face.png", StyleID: "classic_bw"})
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v", err)
	}
	if f.gen.Calls() != 0 || f.pub.Calls() != 0 {
		t.Fatalf("pipeline ran without credits")
	}
	acct, _ := f.store.Get(context.Background(), "u1")
	if acct.Credits != 1 {
		t.Fatalf("credits = %d, want 1 (no debit on denial)", acct.Credits)
	}
}

func TestGenerateStopsAtSyncDeadline(t *testing.T) {
	gen := &stubGenerator{block: true}
	pub := &stubPublisher{}
	engine, base := newTestEngine(t, gen, pub, nil)
	svc := NewService(ServiceOptions{
		Engine:       engine,
		Ledger:       credits.NewLedger(credits.NewMemoryStore(), credits.Options{DailyLimit: 10}),
		Jobs:         newMemJobs(),
		SyncDeadline: 50 * time.Millisecond,
	})

	start := time.Now()
	_, err := svc.Generate(context.Background(), Request{UserID: "u1", SourceImageURL: base + "/face.png", StyleID: "classic_bw"})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("generate ran %s past its deadline", elapsed)
	}
	if pub.Calls() != 0 {
		t.Fatalf("timed out generation was published")
	}
}

func TestGenerateCallerCancelIsNotTimeout(t *testing.T) {
	gen := &stubGenerator{block: true, started: make(chan string, 1)}
	engine, base := newTestEngine(t, gen, &stubPublisher{}, nil)
	svc := NewService(ServiceOptions{
		Engine:       engine,
		Ledger:       credits.NewLedger(credits.NewMemoryStore(), credits.Options{DailyLimit: 10}),
		Jobs:         newMemJobs(),
		SyncDeadline: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-gen.started
		cancel()
	}()
	_, err := svc.Generate(ctx, Request{UserID: "u1", SourceImageURL: base + "/face.png", StyleID: "classic_bw"})
	if !errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestGenerateRejectsMultipleStyles(t *testing.T) {
	f := newServiceFixture(t, 10)
	_, err := f.svc.Generate(context.Background(), Request{UserID: "u1", SourceImageURL: f.base + "/face.png", StyleIDs: []string{"a", "b"}})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitAdmitsOnceForAllStyles(t *testing.T) {
	f := newServiceFixture(t, 10)
	res, err := f.svc.Submit(context.Background(), Request{
		UserID:         "u1",
		SourceImageURL: f.base + "/face.png",
		StyleIDs:       []string{"classic_bw", "neon_dual_tone", "classic_bw", " "},
		FilterIDs:      []string{"smooth_skin"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res.Tasks) != 2 {
		t.Fatalf("tasks = %+v", res.Tasks)
	}
	if res.RemainingCredits != 6 {
		t.Fatalf("remaining = %d, want 6", res.RemainingCredits)
	}
	for _, task := range res.Tasks {
		job := f.jobs.get(task.TaskID)
		if job.Status != domain.JobStatusPending || job.StyleID != task.StyleID || len(job.FilterIDs) != 1 {
			t.Fatalf("job = %+v", job)
		}
	}
	if f.gen.Calls() != 0 {
		t.Fatalf("submit must not run the pipeline")
	}
}

func TestSubmitDeniedCreatesNothing(t *testing.T) {
	f := newServiceFixture(t, 3)
	_, err := f.svc.Submit(context.Background(), Request{UserID: "u1", SourceImageURL: f.base + "/face.png", StyleIDs: []string{"a", "b"}})
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v", err)
	}
	if len(f.jobs.jobs) != 0 {
		t.Fatalf("jobs created on denial: %d", len(f.jobs.jobs))
	}
}

func TestSubmitRefundsWhenJobsCannotBeStored(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.jobs.failOnJob = 2

	_, err := f.svc.Submit(context.Background(), Request{
		UserID:         "u1",
		SourceImageURL: f.base + "/face.png",
		StyleIDs:       []string{"classic_bw", "neon_dual_tone", "vintage_film"},
	})
	var perr *domain.PersistenceError
	if !errors.As(err, &perr) || !errors.Is(err, errStoreDown) {
		t.Fatalf("err = %v, want persistence error wrapping %v", err, errStoreDown)
	}
	if n := f.jobs.count(); n != 0 {
		t.Fatalf("queued jobs = %d, want 0", n)
	}
	acct, _ := f.store.Get(context.Background(), "u1")
	if acct.Credits != 10 {
		t.Fatalf("credits = %d, want 10 after refund", acct.Credits)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newServiceFixture(t, 100)
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"no user", Request{SourceImageURL: "https://x/y.png", StyleID: "a"}, domain.ErrUnauthorized},
		{"bad scheme", Request{UserID: "u", SourceImageURL: "file:///etc/passwd", StyleID: "a"}, domain.ErrInvalidRequest},
		{"no style", Request{UserID: "u", SourceImageURL: "https://x/y.png"}, domain.ErrInvalidRequest},
		{"too many", Request{UserID: "u", SourceImageURL: "https://x/y.png", StyleIDs: []string{"1", "2", "3", "4", "5", "6", "7"}}, domain.ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Submit(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	acct, _ := f.store.Get(context.Background(), "u")
	if acct.LastResetAt != nil {
		t.Fatalf("ledger touched by invalid requests: %+v", acct)
	}
}

func TestGetStatusIsIdempotentOnTerminalJobs(t *testing.T) {
	f := newServiceFixture(t, 10)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, Request{UserID: "u1", SourceImageURL: f.base + "/face.png", StyleID: "classic_bw"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := res.Tasks[0].TaskID

	st, err := f.svc.GetStatus(ctx, "u1", id)
	if err != nil || st.Status != StateProcessing {
		t.Fatalf("status = %+v, %v", st, err)
	}

	_, _ = f.jobs.Claim(ctx)
	_, _ = f.jobs.Complete(ctx, id, "https://cdn.test/x.png", "stub", nil)
	for i := 0; i < 3; i++ {
		st, err := f.svc.GetStatus(ctx, "u1", id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.Status != StateComplete || st.ImageURL != "https://cdn.test/x.png" {
			t.Fatalf("status = %+v", st)
		}
	}
	if f.pub.Calls() != 0 {
		t.Fatalf("status reads published %d times", f.pub.Calls())
	}
}

func TestGetStatusFailureIsGeneric(t *testing.T) {
	f := newServiceFixture(t, 10)
	ctx := context.Background()
	_ = f.jobs.Create(ctx, &domain.GenerationJob{ID: "7c9e6679-7425-40de-944b-e07fc1f90ae7", UserID: "u1", StyleID: "a"})
	_, _ = f.jobs.Claim(ctx)
	_, _ = f.jobs.Fail(ctx, "7c9e6679-7425-40de-944b-e07fc1f90ae7", "hf:model: 503 loading", nil)

	st, err := f.svc.GetStatus(ctx, "u1", "7c9e6679-7425-40de-944b-e07fc1f90ae7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != StateFailed || st.Error != domain.FailureGeneration {
		t.Fatalf("status = %+v", st)
	}
}

func TestGetStatusUnknownOrForeign(t *testing.T) {
	f := newServiceFixture(t, 10)
	ctx := context.Background()
	if _, err := f.svc.GetStatus(ctx, "u1", "not-a-uuid"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("bad id err = %v", err)
	}
	res, _ := f.svc.Submit(ctx, Request{UserID: "u1", SourceImageURL: f.base + "/face.png", StyleID: "classic_bw"})
	if _, err := f.svc.GetStatus(ctx, "u2", res.Tasks[0].TaskID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign err = %v", err)
	}
}

func TestCancelPendingBroadcasts(t *testing.T) {
	f := newServiceFixture(t, 10)
	ctx := context.Background()
	res, _ := f.svc.Submit(ctx, Request{UserID: "u1", SourceImageURL: f.base + "/face.png", StyleID: "classic_bw"})
	id := res.Tasks[0].TaskID

	st, err := f.svc.Cancel(ctx, "u1", id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st.Status != StateFailed || st.Error != domain.FailureCanceled {
		t.Fatalf("status = %+v", st)
	}
	if len(f.bus.published) != 1 || f.bus.published[0] != id {
		t.Fatalf("broadcasts = %v", f.bus.published)
	}

	// A second cancel is a no-op.
	if _, err := f.svc.Cancel(ctx, "u1", id); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if len(f.bus.published) != 1 {
		t.Fatalf("second cancel broadcast again")
	}
}

func TestCancelForeignJob(t *testing.T) {
	f := newServiceFixture(t, 10)
	ctx := context.Background()
	res, _ := f.svc.Submit(ctx, Request{UserID: "u1", SourceImageURL: f.base + "/face.png", StyleID: "classic_bw"})
	if _, err := f.svc.Cancel(ctx, "u2", res.Tasks[0].TaskID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if f.jobs.get(res.Tasks[0].TaskID).Status != domain.JobStatusPending {
		t.Fatalf("foreign cancel changed the job")
	}
}

func TestCancelStopsWorkerBeforePublish(t *testing.T) {
	gen := &stubGenerator{block: true, started: make(chan string, 1)}
	pub := &stubPublisher{}
	engine, base := newTestEngine(t, gen, pub, nil)
	jobs := newMemJobs()
	bus := cancelbus.NewLocalBus()
	svc := NewService(ServiceOptions{
		Engine:  engine,
		Ledger:  credits.NewLedger(credits.NewMemoryStore(), credits.Options{DailyLimit: 5}),
		Jobs:    jobs,
		Cancels: bus,
	})
	worker := NewWorker(WorkerOptions{Engine: engine, Jobs: jobs, Cancels: bus, IdleInterval: 10 * time.Millisecond})

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	res, err := svc.Submit(context.Background(), Request{UserID: "u1", SourceImageURL: base + "/face.png", StyleID: "classic_bw"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := res.Tasks[0].TaskID

	select {
	case <-gen.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("worker never started the job")
	}
	waitFor(t, "cancel listener", func() bool {
		worker.mu.Lock()
		defer worker.mu.Unlock()
		_, ok := worker.inflight[id]
		return ok
	})

	if _, err := svc.Cancel(context.Background(), "u1", id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Pub/Sub style delivery: rebroadcast until the listener has seen it.
	waitFor(t, "job to leave the worker", func() bool {
		_ = bus.Publish(context.Background(), id)
		worker.mu.Lock()
		defer worker.mu.Unlock()
		return len(worker.inflight) == 0
	})

	stop()
	if err := <-done; err != nil {
		t.Fatalf("worker run: %v", err)
	}
	if pub.Calls() != 0 {
		t.Fatalf("canceled job was published")
	}
	if got := jobs.get(id); got.Status != domain.JobStatusCanceled {
		t.Fatalf("status = %s", got.Status)
	}
}
