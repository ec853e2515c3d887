// Package store persists tasks and agent presence. The routing engine only
// sees the TaskRepository and PresenceStore interfaces.
package store

import "github.com/msageha/taskrouter/internal/model"

// TaskRepository stores Task documents. Find returns an error wrapping
// model.ErrNotFound for unknown ids.
type TaskRepository interface {
	Find(taskID string) (*model.Task, error)
	Save(task *model.Task) error
	DeleteByID(taskID string) error
	UpdateActiveMedias(taskID string, medias []*model.TaskMedia) error
	FindByConversation(conversationID string) ([]*model.Task, error)
	List() ([]*model.Task, error)
}

type PresenceStore interface {
	SavePresence(p model.Presence) error
	Presence(agentID string) (model.Presence, error)
}
