package api

import (
	"context"

	"taskroom/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTasks(ctx context.Context, room string) ([]domain.Task, error)
	GetTask(ctx context.Context, room, id string) (domain.Task, error)
	CreateTask(ctx context.Context, room string, draft domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, room, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, room, id string) error
	FetchUsers(ctx context.Context) ([]domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate mutations.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the store operation fails.
	Remove(ctx context.Context, userID, key string) error
}

// Publisher hands a completed mutation's event to the broadcast fabric.
// Implementations are fire-and-forget; a failed publish never surfaces to
// the mutating request.
type Publisher interface {
	Publish(env domain.Envelope)
}

// ConnectionIDHeader carries the caller's realtime connection ID on mutation
// requests so the resulting broadcast can suppress the self-echo.
const ConnectionIDHeader = "X-Connection-Id"

// IdempotencyKeyHeader carries an optional client-chosen key deduplicating
// retried create requests.
const IdempotencyKeyHeader = "Idempotency-Key"
