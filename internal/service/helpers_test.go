package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"plaza/internal/docstore"
	"plaza/internal/models"
	"plaza/internal/repository"

	"github.com/stretchr/testify/require"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

// faultStore hides the memory store's Transactor and lets a test fail
// selected updates.
type faultStore struct {
	docstore.Store
	updateFault func(collection, id string, mutations []docstore.Mutation) error
	updates     atomic.Int64
}

func (s *faultStore) Update(ctx context.Context, collection, id string, mutations []docstore.Mutation, opts ...docstore.UpdateOption) error {
	s.updates.Add(1)
	if s.updateFault != nil {
		if err := s.updateFault(collection, id, mutations); err != nil {
			return err
		}
	}
	return s.Store.Update(ctx, collection, id, mutations, opts...)
}

func touchesField(mutations []docstore.Mutation, field string) bool {
	for _, m := range mutations {
		if m.Field == field {
			return true
		}
	}
	return false
}

type testEnv struct {
	mem           *docstore.MemoryStore
	store         docstore.Store
	users         repository.UserRepository
	graph         repository.GraphRepository
	posts         repository.PostRepository
	comments      repository.CommentRepository
	notifications repository.NotificationRepository
	prefs         repository.PreferencesRepository
}

func newEnv(t *testing.T, store docstore.Store, mem *docstore.MemoryStore) *testEnv {
	t.Helper()
	return &testEnv{
		mem:           mem,
		store:         store,
		users:         repository.NewUserRepository(store),
		graph:         repository.NewGraphRepository(store),
		posts:         repository.NewPostRepository(store),
		comments:      repository.NewCommentRepository(store),
		notifications: repository.NewNotificationRepository(store),
		prefs:         repository.NewPreferencesRepository(store),
	}
}

// newTxEnv runs over the memory store with transactions enabled.
func newTxEnv(t *testing.T, opts ...docstore.MemoryOption) *testEnv {
	mem := docstore.NewMemoryStore(opts...)
	return newEnv(t, mem, mem)
}

// newPlainEnv runs over the memory store without transactions, so the
// ordered two-write protocol is used.
func newPlainEnv(t *testing.T, opts ...docstore.MemoryOption) (*testEnv, *faultStore) {
	mem := docstore.NewMemoryStore(opts...)
	fs := &faultStore{Store: mem}
	return newEnv(t, fs, mem), fs
}

func (e *testEnv) seedUsers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.users.Create(context.Background(), &models.User{
			ID:          id,
			Handle:      id,
			HandleKey:   id,
			DisplayName: id,
			SearchName:  id,
			CreatedAt:   time.Now().UTC(),
		}))
	}
}

func (e *testEnv) user(t *testing.T, id string) *models.User {
	t.Helper()
	u, err := e.users.GetFresh(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (e *testEnv) seedPost(t *testing.T, id, author string, at time.Time) {
	t.Helper()
	require.NoError(t, e.posts.Create(context.Background(), &models.Post{
		ID:        id,
		AuthorID:  author,
		Text:      "post " + id,
		CreatedAt: at.UTC(),
	}))
}

// recordingSink collects emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []models.EngagementEvent
	err    error
}

func (s *recordingSink) Emit(_ context.Context, e models.EngagementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) snapshot() []models.EngagementEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EngagementEvent(nil), s.events...)
}

// repairRepoStub is a stub for repository.RepairRepository.
type repairRepoStub struct {
	mu       sync.Mutex
	tasks    map[string]*models.RepairTask
	recordFn func(context.Context, *models.RepairTask) error
}

func newRepairRepoStub() *repairRepoStub {
	return &repairRepoStub{tasks: map[string]*models.RepairTask{}}
}

func (s *repairRepoStub) Record(ctx context.Context, task *models.RepairTask) error {
	if s.recordFn != nil {
		if err := s.recordFn(ctx, task); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *repairRepoStub) ListPending(_ context.Context, limit int) ([]models.RepairTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RepairTask
	for _, t := range s.tasks {
		if t.Status == models.RepairPending && len(out) < limit {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *repairRepoStub) MarkDone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.NewNotFoundError("RepairTask", id)
	}
	t.Status = models.RepairDone
	return nil
}

func (s *repairRepoStub) MarkAttemptFailed(_ context.Context, id string, cause error, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.NewNotFoundError("RepairTask", id)
	}
	t.Attempts++
	t.LastError = cause.Error()
	if t.Attempts >= maxAttempts {
		t.Status = models.RepairFailed
	}
	return nil
}

func (s *repairRepoStub) CountPending(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.Status == models.RepairPending {
			n++
		}
	}
	return n, nil
}

func (s *repairRepoStub) status(id string) models.RepairStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}
