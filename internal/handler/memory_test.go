package handler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
)

// --- シナリオテスト用のインメモリストア ---

// memStore はユーザー・リスト・タスク・カスケードジョブを保持する共有状態。
// 全リポジトリが同じロックを使うため、削除とジョブ登録は原子的に行われる。
type memStore struct {
	mu    sync.Mutex
	users map[string]*model.User
	lists []*model.List
	tasks []*model.Task
	jobs  []*model.CascadeJob
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*model.User)}
}

func (s *memStore) enqueueLocked(listID string) {
	s.jobs = append(s.jobs, &model.CascadeJob{ID: uuid.New().String(), ListID: listID})
}

func (s *memStore) taskCount(listID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.ListID == listID {
			n++
		}
	}
	return n
}

func (s *memStore) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// memUsers はUserRepositoryのインメモリ実装。
type memUsers struct{ *memStore }

func (m memUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		cp.Sessions = append([]model.Session(nil), u.Sessions...)
		return &cp, nil
	}
	return nil, nil
}

func (m memUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m memUsers) Create(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m memUsers) AppendSession(_ context.Context, userID string, session model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.Sessions = append(u.Sessions, session)
	return nil
}

func (m memUsers) RemoveSession(_ context.Context, userID, tokenHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	for i, s := range u.Sessions {
		if s.TokenHash == tokenHash {
			u.Sessions = append(u.Sessions[:i], u.Sessions[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m memUsers) PruneExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m memUsers) DeleteWithCascade(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return 0, repository.ErrUserNotFound
	}
	var kept []*model.List
	var jobs int64
	for _, l := range m.lists {
		if l.UserID == userID {
			m.enqueueLocked(l.ID)
			jobs++
			continue
		}
		kept = append(kept, l)
	}
	m.lists = kept
	delete(m.users, userID)
	return jobs, nil
}

// memLists はListRepositoryのインメモリ実装。
type memLists struct{ *memStore }

func (m memLists) ListByOwner(_ context.Context, userID string) ([]*model.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lists := []*model.List{}
	for _, l := range m.lists {
		if l.UserID == userID {
			cp := *l
			lists = append(lists, &cp)
		}
	}
	return lists, nil
}

func (m memLists) FindOwned(_ context.Context, listID, userID string) (*model.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lists {
		if l.ID == listID && l.UserID == userID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m memLists) Create(_ context.Context, list *model.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[list.UserID]; !ok {
		return repository.ErrUserNotFound
	}
	cp := *list
	m.lists = append(m.lists, &cp)
	return nil
}

func (m memLists) UpdateTitleOwned(_ context.Context, listID, userID, title string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lists {
		if l.ID == listID && l.UserID == userID {
			l.Title = title
			return true, nil
		}
	}
	return false, nil
}

func (m memLists) DeleteOwnedWithCascade(_ context.Context, listID, userID string) (*model.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.lists {
		if l.ID == listID && l.UserID == userID {
			m.lists = append(m.lists[:i], m.lists[i+1:]...)
			m.enqueueLocked(listID)
			return l, nil
		}
	}
	return nil, nil
}

// memTasks はTaskRepositoryのインメモリ実装。
type memTasks struct{ *memStore }

func (m memTasks) ListByList(_ context.Context, listID string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := []*model.Task{}
	for _, t := range m.tasks {
		if t.ListID == listID {
			cp := *t
			tasks = append(tasks, &cp)
		}
	}
	return tasks, nil
}

func (m memTasks) FindInList(_ context.Context, listID, taskID string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == taskID && t.ListID == listID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m memTasks) CreateInOwnedList(_ context.Context, task *model.Task, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lists {
		if l.ID == task.ListID && l.UserID == ownerID {
			cp := *task
			m.tasks = append(m.tasks, &cp)
			return true, nil
		}
	}
	return false, nil
}

func (m memTasks) UpdateInList(_ context.Context, listID, taskID string, patch model.TaskPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == taskID && t.ListID == listID {
			if patch.Title != nil {
				t.Title = *patch.Title
			}
			if patch.Completed != nil {
				t.Completed = *patch.Completed
			}
			return true, nil
		}
	}
	return false, nil
}

func (m memTasks) DeleteInList(_ context.Context, listID, taskID string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID == taskID && t.ListID == listID {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return t, nil
		}
	}
	return nil, nil
}

func (m memTasks) DeleteByListID(_ context.Context, listID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*model.Task
	var n int64
	for _, t := range m.tasks {
		if t.ListID == listID {
			n++
			continue
		}
		kept = append(kept, t)
	}
	m.tasks = kept
	return n, nil
}

// memJobs はCascadeJobRepositoryのインメモリ実装。リースは扱わない。
type memJobs struct{ *memStore }

func (m memJobs) ClaimDue(_ context.Context, limit int, _ time.Duration) ([]*model.CascadeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*model.CascadeJob
	for _, j := range m.jobs {
		if len(claimed) == limit {
			break
		}
		j.Attempts++
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (m memJobs) Complete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.jobs {
		if j.ID == jobID {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m memJobs) Reschedule(_ context.Context, jobID string, next time.Time, lastError string) error {
	return nil
}

var (
	_ repository.UserRepository       = memUsers{}
	_ repository.ListRepository       = memLists{}
	_ repository.TaskRepository       = memTasks{}
	_ repository.CascadeJobRepository = memJobs{}
)
