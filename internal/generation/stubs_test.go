package generation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"portraitd/internal/domain"
	"portraitd/internal/orchestrator"
	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

var fakePNG = []byte("\x89PNG\r\n\x1a\nsource")

func newSourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fakePNG)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type stubCaptioner struct {
	caption string
	calls   int
}

func (s *stubCaptioner) Describe(context.Context, image.SourceImage) string {
	s.calls++
	return s.caption
}

type stubGenerator struct {
	mu      sync.Mutex
	calls   int
	err     error
	block   bool
	started chan string
	prompts []prompt.Prompts
}

func (s *stubGenerator) Generate(ctx context.Context, job *domain.GenerationJob, src image.SourceImage, p prompt.Prompts) (*orchestrator.Result, error) {
	s.mu.Lock()
	s.calls++
	s.prompts = append(s.prompts, p)
	s.mu.Unlock()
	if s.started != nil {
		s.started <- job.ID
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	attempt := domain.ProviderAttempt{ProviderID: "stub", Mode: domain.ModeSync, Outcome: domain.OutcomeSuccess}
	return &orchestrator.Result{
		Artifact:   &image.Artifact{Data: src.Data, MIME: "image/png"},
		ProviderID: "stub",
		Attempts:   []domain.ProviderAttempt{attempt},
	}, nil
}

func (s *stubGenerator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubPublisher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubPublisher) Publish(_ context.Context, userID, styleID string, _ *image.Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "https://cdn.test/gen-" + userID + "-" + styleID + ".png", nil
}

func (s *stubPublisher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// memJobs is an in-memory JobQueue with the same conditional transitions as
// the Postgres repository.
type memJobs struct {
	mu         sync.Mutex
	jobs       map[string]*domain.GenerationJob
	attempts   map[string][]domain.ProviderAttempt
	updates    []domain.JobStatus
	staleCalls int
	touches    map[string]int

	// failOnJob makes Create fail when it reaches the n-th job stored overall.
	failOnJob int
	created   int
}

func newMemJobs() *memJobs {
	return &memJobs{
		jobs:     make(map[string]*domain.GenerationJob),
		attempts: make(map[string][]domain.ProviderAttempt),
		touches:  make(map[string]int),
	}
}

var errStoreDown = errors.New("db down")

func (m *memJobs) Create(_ context.Context, jobs ...*domain.GenerationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := make([]*domain.GenerationJob, 0, len(jobs))
	for _, job := range jobs {
		m.created++
		if m.failOnJob > 0 && m.created == m.failOnJob {
			return errStoreDown
		}
		cp := *job
		cp.Status = domain.JobStatusPending
		cp.CreatedAt = time.Now()
		staged = append(staged, &cp)
	}
	for _, job := range staged {
		m.jobs[job.ID] = job
	}
	return nil
}

func (m *memJobs) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && inFlight(j.Status) {
		m.touches[id]++
	}
	return nil
}

func (m *memJobs) touchCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touches[id]
}

func (m *memJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memJobs) Claim(context.Context) (*domain.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*domain.GenerationJob
	for _, j := range m.jobs {
		if j.Status == domain.JobStatusPending {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Slice(pending, func(a, b int) bool { return pending[a].CreatedAt.Before(pending[b].CreatedAt) })
	pending[0].Status = domain.JobStatusComposing
	cp := *pending[0]
	return &cp, nil
}

func inFlight(s domain.JobStatus) bool {
	return s == domain.JobStatusComposing || s == domain.JobStatusAttempting
}

func (m *memJobs) UpdateStatus(_ context.Context, id string, status domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && inFlight(j.Status) {
		j.Status = status
		m.updates = append(m.updates, status)
	}
	return nil
}

func (m *memJobs) Complete(_ context.Context, id, url, provider string, attempts []domain.ProviderAttempt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !inFlight(j.Status) {
		return false, nil
	}
	j.Status, j.ImageURL, j.ProviderID = domain.JobStatusSucceeded, url, provider
	m.attempts[id] = attempts
	return true, nil
}

func (m *memJobs) Fail(_ context.Context, id, reason string, attempts []domain.ProviderAttempt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !inFlight(j.Status) {
		return false, nil
	}
	j.Status, j.FailureReason = domain.JobStatusFailed, reason
	m.attempts[id] = attempts
	return true, nil
}

func (m *memJobs) Cancel(_ context.Context, id, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.UserID != userID || j.Status.Terminal() {
		return false, nil
	}
	j.Status, j.FailureReason = domain.JobStatusCanceled, domain.FailureCanceled
	return true, nil
}

func (m *memJobs) GetForUser(_ context.Context, id, userID string) (*domain.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.UserID != userID {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) Status(_ context.Context, id string) (domain.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	return j.Status, nil
}

func (m *memJobs) FailStale(context.Context, time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleCalls++
	return 0, nil
}

func (m *memJobs) get(id string) domain.GenerationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memJobs) attemptsFor(id string) []domain.ProviderAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
