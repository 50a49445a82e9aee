// Package storetest provides an in-memory store.Store for service tests.
// Semantics mirror the postgres implementation closely enough for the queue,
// chain, ledger and allocator logic to run against it unchanged.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	builds   map[string]*models.Build
	steps    map[string][]*models.BuildStep
	jobs     map[string]*models.Job
	workers  map[string]*models.Worker
	entries  []*models.LedgerEntry
	balances map[string]float64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		projects: make(map[string]*models.Project),
		builds:   make(map[string]*models.Build),
		steps:    make(map[string][]*models.BuildStep),
		jobs:     make(map[string]*models.Job),
		workers:  make(map[string]*models.Worker),
		balances: make(map[string]float64),
	}
}

func (s *Store) Projects() store.ProjectStore { return (*projectStore)(s) }
func (s *Store) Builds() store.BuildStore     { return (*buildStore)(s) }
func (s *Store) Jobs() store.JobStore         { return (*jobStore)(s) }
func (s *Store) Workers() store.WorkerStore   { return (*workerStore)(s) }
func (s *Store) Ledger() store.LedgerStore    { return (*ledgerStore)(s) }

// WithTx runs fn against the same store. Tests do not exercise rollback.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// SeedBalance sets a user's balance directly.
func (s *Store) SeedBalance(userID string, balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

// AddSteps records pipeline steps for a build.
func (s *Store) AddSteps(buildID string, steps ...*models.BuildStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[buildID] = append(s.steps[buildID], steps...)
}

// Steps returns the recorded steps for a build.
func (s *Store) Steps(buildID string) []*models.BuildStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[buildID]
}

// Entries returns all ledger entries appended so far.
func (s *Store) Entries() []*models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.LedgerEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

type projectStore Store

func (s *projectStore) Upsert(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.projects[project.ID]; ok {
		existing.Status = project.Status
		existing.UpdatedAt = now
		return nil
	}
	p := *project
	p.CreatedAt = now
	p.UpdatedAt = now
	s.projects[project.ID] = &p
	return nil
}

func (s *projectStore) Get(ctx context.Context, id string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *projectStore) SetStatus(ctx context.Context, id string, status models.ProjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

type buildStore Store

func (s *buildStore) Create(ctx context.Context, build *models.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[build.ID]; ok {
		return store.ErrDuplicateKey
	}
	now := time.Now().UTC()
	build.Version = 1
	build.CreatedAt = now
	build.UpdatedAt = now
	cp := *build
	s.builds[build.ID] = &cp
	return nil
}

func (s *buildStore) Get(ctx context.Context, id string) (*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *buildStore) Update(ctx context.Context, build *models.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.builds[build.ID]
	if !ok || existing.Version != build.Version {
		return store.ErrNotFound
	}
	build.Version++
	build.UpdatedAt = time.Now().UTC()
	build.SpendTotal = existing.SpendTotal
	build.RefundedTotal = existing.RefundedTotal
	cp := *build
	s.builds[build.ID] = &cp
	return nil
}

func (s *buildStore) GetActive(ctx context.Context, projectID string) (*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Build
	for _, b := range s.builds {
		if b.ProjectID != projectID {
			continue
		}
		if b.Status != models.BuildStatusQueued && b.Status != models.BuildStatusRunning {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *buildStore) GetUnresolvedFailure(ctx context.Context, projectID string) (*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Build
	for _, b := range s.builds {
		if b.ProjectID == projectID && b.Status == models.BuildStatusFailed {
			if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
				latest = b
			}
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *buildStore) ListStaged(ctx context.Context, projectID string) ([]*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var staged []*models.Build
	for _, b := range s.builds {
		if b.ProjectID == projectID && b.Status == models.BuildStatusPending && b.DependsOnBuildID != nil {
			cp := *b
			staged = append(staged, &cp)
		}
	}
	sort.Slice(staged, func(i, j int) bool {
		return staged[i].CreatedAt.Before(staged[j].CreatedAt)
	})
	return staged, nil
}

func (s *buildStore) CountStaged(ctx context.Context, projectID string) (int, error) {
	staged, _ := s.ListStaged(ctx, projectID)
	return len(staged), nil
}

func (s *buildStore) GetDependent(ctx context.Context, buildID string) (*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.builds {
		if b.Status == models.BuildStatusPending && b.DependsOnBuildID != nil && *b.DependsOnBuildID == buildID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *buildStore) Relink(ctx context.Context, fromBuildID string, toBuildID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.builds {
		if b.DependsOnBuildID != nil && *b.DependsOnBuildID == fromBuildID {
			b.DependsOnBuildID = toBuildID
			b.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (s *buildStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.builds, id)
	return nil
}

func (s *buildStore) AddSpend(ctx context.Context, id string, spent, refunded float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return store.ErrNotFound
	}
	b.SpendTotal += spent
	b.RefundedTotal += refunded
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *buildStore) ClearSteps(ctx context.Context, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.steps, buildID)
	return nil
}

type jobStore Store

func (s *jobStore) Create(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *jobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *jobStore) ClaimNext(ctx context.Context, projectID, workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[string]bool)
	for _, j := range s.jobs {
		if j.Status.Active() {
			active[j.ProjectID] = true
		}
	}

	var oldest *models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobStatusQueued {
			continue
		}
		if projectID != "" && j.ProjectID != projectID {
			continue
		}
		if active[j.ProjectID] {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	oldest.Status = models.JobStatusClaimed
	oldest.WorkerID = workerID
	oldest.ClaimedAt = &now
	oldest.UpdatedAt = now
	cp := *oldest
	return &cp, nil
}

func (s *jobStore) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var killed []string
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if !j.Status.Active() {
			continue
		}
		liveness := j.UpdatedAt
		if j.ClaimedAt != nil {
			liveness = *j.ClaimedAt
		}
		if j.LastHeartbeat != nil {
			liveness = *j.LastHeartbeat
		}
		if liveness.Before(cutoff) {
			j.Status = models.JobStatusKilled
			killedAt := now
			j.KilledAt = &killedAt
			j.UpdatedAt = now
			killed = append(killed, j.ID)
		}
	}
	return killed, nil
}

func (s *jobStore) ListRecoverable(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusKilled && j.KilledAt != nil && j.KilledAt.Before(cutoff) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *jobStore) Requeue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = models.JobStatusQueued
	j.WorkerID = ""
	j.LastHeartbeat = nil
	j.KilledAt = nil
	j.ClaimedAt = nil
	j.Result = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *jobStore) Heartbeat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !j.Status.Active() {
		return nil
	}
	now := time.Now().UTC()
	j.LastHeartbeat = &now
	j.UpdatedAt = now
	return nil
}

func (s *jobStore) SetStatus(ctx context.Context, id string, status models.JobStatus, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if err := j.Transition(status); err != nil {
		return err
	}
	if result != nil {
		j.Result = result
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *jobStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.JobStatus]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *jobStore) OldestQueuedAge(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	for _, j := range s.jobs {
		if j.Status == models.JobStatusQueued && (oldest.IsZero() || j.CreatedAt.Before(oldest)) {
			oldest = j.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return time.Since(oldest), nil
}

type workerStore Store

func (s *workerStore) Register(ctx context.Context, worker *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	worker.Status = models.WorkerStatusIdle
	worker.ProjectID = ""
	worker.LeaseOwner = ""
	worker.LeaseExpiresAt = nil
	worker.LastError = ""
	if worker.LastHeartbeat.IsZero() {
		worker.LastHeartbeat = now
	}
	if existing, ok := s.workers[worker.ID]; ok {
		worker.RegisteredAt = existing.RegisteredAt
	} else {
		worker.RegisteredAt = now
	}
	cp := *worker
	s.workers[worker.ID] = &cp
	return nil
}

func (s *workerStore) Get(ctx context.Context, id string) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *workerStore) List(ctx context.Context) ([]*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Worker
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
	})
	return out, nil
}

func (s *workerStore) Heartbeat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return store.ErrNotFound
	}
	w.LastHeartbeat = time.Now().UTC()
	return nil
}

func (s *workerStore) PruneStale(ctx context.Context, heartbeatCutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for _, w := range s.workers {
		if w.Status == models.WorkerStatusError {
			continue
		}
		expired := w.LastHeartbeat.Before(heartbeatCutoff) ||
			(w.LeaseExpiresAt != nil && w.LeaseExpiresAt.Before(now))
		if expired {
			w.Status = models.WorkerStatusError
			w.ProjectID = ""
			w.LeaseOwner = ""
			w.LeaseExpiresAt = nil
			w.LastError = "pruned: stale heartbeat or expired lease"
			pruned++
		}
	}
	return pruned, nil
}

func (s *workerStore) GetBound(ctx context.Context, projectID string) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.ProjectID == projectID && projectID != "" {
			cp := *w
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *workerStore) FindIdleCandidate(ctx context.Context, projectID string, heartbeatCutoff time.Time) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*models.Worker
	for _, w := range s.workers {
		if w.Status == models.WorkerStatusIdle && !w.LastHeartbeat.Before(heartbeatCutoff) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}
	cached := func(w *models.Worker) bool {
		for _, id := range w.CachedProjectIDs {
			if id == projectID {
				return true
			}
		}
		return false
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := cached(candidates[i]), cached(candidates[j])
		if ci != cj {
			return ci
		}
		return candidates[i].LastHeartbeat.After(candidates[j].LastHeartbeat)
	})
	cp := *candidates[0]
	return &cp, nil
}

func (s *workerStore) TryClaim(ctx context.Context, workerID, projectID, leaseOwner string, leaseExpiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok || w.Status != models.WorkerStatusIdle {
		return false, nil
	}
	w.Status = models.WorkerStatusBusy
	w.ProjectID = projectID
	w.LeaseOwner = leaseOwner
	expiry := leaseExpiry
	w.LeaseExpiresAt = &expiry
	w.ReleasedAt = nil
	found := false
	for _, id := range w.CachedProjectIDs {
		if id == projectID {
			found = true
		}
	}
	if !found {
		w.CachedProjectIDs = append(w.CachedProjectIDs, projectID)
	}
	return true, nil
}

func (s *workerStore) Release(ctx context.Context, workerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	w.Status = models.WorkerStatusIdle
	w.ProjectID = ""
	w.LeaseOwner = ""
	w.LeaseExpiresAt = nil
	w.LastError = reason
	w.ReleasedAt = &now
	return nil
}

type ledgerStore Store

func (s *ledgerStore) Balance(ctx context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *ledgerStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.UserID == userID && e.IdempotencyKey == key && key != "" {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *ledgerStore) FindByExternalEventID(ctx context.Context, userID, eventID string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.UserID == userID && e.ExternalEventID == eventID && eventID != "" {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *ledgerStore) Append(ctx context.Context, entry *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.UserID != entry.UserID {
			continue
		}
		if entry.IdempotencyKey != "" && e.IdempotencyKey == entry.IdempotencyKey {
			return store.ErrDuplicateKey
		}
		if entry.ExternalEventID != "" && e.ExternalEventID == entry.ExternalEventID {
			return store.ErrDuplicateKey
		}
	}

	balance := s.balances[entry.UserID] + entry.Amount
	if balance < 0 {
		return store.ErrInsufficientBalance
	}
	s.balances[entry.UserID] = balance
	entry.BalanceAfter = balance
	entry.CreatedAt = time.Now().UTC()
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *ledgerStore) SpentOnBuild(ctx context.Context, buildID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, e := range s.entries {
		if e.BuildID == buildID && e.Type == models.LedgerEntrySpend {
			total += -e.Amount
		}
	}
	return total, nil
}

func (s *ledgerStore) RefundedOnBuild(ctx context.Context, buildID, reason string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, e := range s.entries {
		if e.BuildID == buildID && e.Type == models.LedgerEntryAdjustment && e.Reason == reason {
			total += e.Amount
		}
	}
	return total, nil
}

func (s *ledgerStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].UserID == userID {
			cp := *s.entries[i]
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
