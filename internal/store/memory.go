package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/msageha/taskrouter/internal/model"
)

// MemoryStore keeps deep copies of tasks and presence in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*model.Task
	presence map[string]model.Presence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*model.Task),
		presence: make(map[string]model.Presence),
	}
}

func (s *MemoryStore) Find(taskID string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Save(task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) DeleteByID(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryStore) UpdateActiveMedias(taskID string, medias []*model.TaskMedia) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	c := (&model.Task{Medias: medias}).Clone()
	t.Medias = c.Medias
	return nil
}

func (s *MemoryStore) FindByConversation(conversationID string) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.ConversationID == conversationID {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) List() ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) SavePresence(p model.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Skills = append([]model.SkillPresence(nil), p.Skills...)
	s.presence[p.AgentID] = p
	return nil
}

func (s *MemoryStore) Presence(agentID string) (model.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[agentID]
	if !ok {
		return model.Presence{}, fmt.Errorf("presence %s: %w", agentID, model.ErrNotFound)
	}
	return p, nil
}

func sortTasks(tasks []*model.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
