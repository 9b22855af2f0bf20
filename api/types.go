package api

import (
	"context"

	"tasklist/domain"
)

// Storage abstracts the task store for handlers.
type Storage interface {
	Load(ctx context.Context) ([]domain.Task, error)
	Update(ctx context.Context, fn func([]domain.Task) ([]domain.Task, error)) ([]domain.Task, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when the create fails.
	Remove(ctx context.Context, scope, key string) error
}

type errorResponse struct {
	Error string `json:"error"`
}

type createTaskRequest struct {
	Task *string `json:"task"`
	Done *bool   `json:"done"`
}

type updateTaskRequest struct {
	Task *string `json:"task"`
	Done *bool   `json:"done"`
}
