package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"taskroom/domain"
)

// Storage persists tasks and users in Azure Table Storage. Tasks are
// partitioned by collection room with the task ID as row key, so a room
// fetch is a single-partition scan.
type Storage struct {
	taskTable *aztables.Client
	userTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, usersTable string) (*Storage, error) {
	clientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &clientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable: svc.NewClient(tasksTable),
		userTable: svc.NewClient(usersTable),
	}, nil
}

type taskEntity struct {
	aztables.Entity
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Status        string `json:"Status"`
	Tags          string `json:"Tags"`
	CreatedByID   string `json:"CreatedById"`
	CreatedByName string `json:"CreatedByName"`
	CreatedAt     int64  `json:"CreatedAt"`
	UpdatedAt     int64  `json:"UpdatedAt"`
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	tags := []string{}
	if ent.Tags != "" {
		if err := json.Unmarshal([]byte(ent.Tags), &tags); err != nil {
			return domain.Task{}, err
		}
	}
	return domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      ent.Status,
		Tags:        tags,
		CreatedBy:   domain.UserRef{ID: ent.CreatedByID, Username: ent.CreatedByName},
		CreatedAt:   ent.CreatedAt,
		UpdatedAt:   ent.UpdatedAt,
	}, nil
}

func encodeTaskEntity(room string, t domain.Task) ([]byte, error) {
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taskEntity{
		Entity:        aztables.Entity{PartitionKey: room, RowKey: t.ID},
		Title:         t.Title,
		Description:   t.Description,
		Status:        t.Status,
		Tags:          string(tags),
		CreatedByID:   t.CreatedBy.ID,
		CreatedByName: t.CreatedBy.Username,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	})
}

// FetchTasks retrieves every task in the given room, newest first.
func (s *Storage) FetchTasks(ctx context.Context, room string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + room + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	sortTasks(tasks)
	return tasks, nil
}

// GetTask retrieves a single task by ID.
func (s *Storage) GetTask(ctx context.Context, room, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, room, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, ErrTaskNotFound
		}
		return domain.Task{}, err
	}
	return decodeTaskEntity(resp.Value)
}

// CreateTask assigns an identifier and timestamps to the draft and writes it.
// The returned task is the stored entity, ready for the broadcast payload.
func (s *Storage) CreateTask(ctx context.Context, room string, draft domain.Task) (domain.Task, error) {
	now := nextTimestamp()
	draft.ID = uuid.NewString()
	draft.CreatedAt = now
	draft.UpdatedAt = now
	if draft.Tags == nil {
		draft.Tags = []string{}
	}
	payload, err := encodeTaskEntity(room, draft)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return draft, nil
}

// UpdateTask reads the current entity, merges the patch and writes the result
// back, replacing the whole row. Last write wins; there is no version check.
func (s *Storage) UpdateTask(ctx context.Context, room, id string, patch domain.TaskPatch) (domain.Task, error) {
	current, err := s.GetTask(ctx, room, id)
	if err != nil {
		return domain.Task{}, err
	}
	updated := patch.Apply(current)
	updated.UpdatedAt = nextTimestamp()
	payload, err := encodeTaskEntity(room, updated)
	if err != nil {
		return domain.Task{}, err
	}
	et := azcore.ETagAny
	opts := &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace}
	if _, err := s.taskTable.UpdateEntity(ctx, payload, opts); err != nil {
		if isNotFound(err) {
			return domain.Task{}, ErrTaskNotFound
		}
		return domain.Task{}, err
	}
	return updated, nil
}

// DeleteTask removes a task by ID.
func (s *Storage) DeleteTask(ctx context.Context, room, id string) error {
	et := azcore.ETagAny
	opts := &aztables.DeleteEntityOptions{IfMatch: &et}
	if _, err := s.taskTable.DeleteEntity(ctx, room, id, opts); err != nil {
		if isNotFound(err) {
			return ErrTaskNotFound
		}
		return err
	}
	return nil
}

type userEntity struct {
	aztables.Entity
	Username string `json:"Username"`
}

// FetchUsers retrieves the full user directory.
func (s *Storage) FetchUsers(ctx context.Context) ([]domain.User, error) {
	pager := s.userTable.NewListEntitiesPager(nil)
	users := []domain.User{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent userEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			users = append(users, domain.User{ID: ent.RowKey, Username: ent.Username})
		}
	}
	return users, nil
}

// GetUser retrieves a single user by ID.
func (s *Storage) GetUser(ctx context.Context, id string) (domain.User, error) {
	resp, err := s.userTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, err
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: ent.RowKey, Username: ent.Username}, nil
}
