package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/interviewace/backend/internal/models"
)

// ErrTaskExists is returned when creating a task whose id is already taken.
var ErrTaskExists = errors.New("task already exists")

// taskTTL is the fixed expiry of every registry entry.
const taskTTL = 24 * time.Hour

// Registry tracks in-flight billed tasks in Redis, one JSON value per
// task key. It provides last-write-wins per key and nothing more; status
// monotonicity is the calling flow's responsibility.
type Registry struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRegistry(redisClient *redis.Client) *Registry {
	return &Registry{
		redis: redisClient,
		now:   time.Now,
	}
}

func taskKey(id string) string {
	return fmt.Sprintf("task:%s", id)
}

// Create stores the task with status pending and the fixed 24h expiry.
// Rejects with ErrTaskExists if the id is already present.
func (r *Registry) Create(ctx context.Context, task *models.Task) error {
	task.Status = models.TaskPending
	task.CreatedAt = r.now()
	task.UpdatedAt = task.CreatedAt

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	ok, err := r.redis.SetNX(ctx, taskKey(task.ID), data, taskTTL).Result()
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if !ok {
		return ErrTaskExists
	}
	return nil
}

// Get returns the task or nil if absent or expired.
func (r *Registry) Get(ctx context.Context, taskID string) (*models.Task, error) {
	data, err := r.redis.Get(ctx, taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// UpdateStatus overwrites the task status (and result, if non-empty) and
// refreshes the updated timestamp. Returns false if the task is absent.
// The original expiry is kept.
func (r *Registry) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, result string) (bool, error) {
	task, err := r.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	task.Status = status
	task.UpdatedAt = r.now()
	if result != "" {
		task.Result = result
	}

	data, err := json.Marshal(task)
	if err != nil {
		return false, err
	}
	if err := r.redis.Set(ctx, taskKey(taskID), data, redis.KeepTTL).Err(); err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	return true, nil
}

// SetError records a failure message alongside the failed status.
func (r *Registry) SetError(ctx context.Context, taskID string, message string) (bool, error) {
	task, err := r.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	task.Status = models.TaskFailed
	task.Error = message
	task.UpdatedAt = r.now()

	data, err := json.Marshal(task)
	if err != nil {
		return false, err
	}
	if err := r.redis.Set(ctx, taskKey(taskID), data, redis.KeepTTL).Err(); err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	return true, nil
}

// Cancel marks the task cancelled. Returns false if the task is absent or
// already completed. In-flight work is not interrupted; the streaming side
// observes the status and stops.
func (r *Registry) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := r.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil || task.Status == models.TaskCompleted {
		return false, nil
	}
	return r.UpdateStatus(ctx, taskID, models.TaskCancelled, "")
}

// Delete removes the task entry. Returns false if nothing was removed.
func (r *Registry) Delete(ctx context.Context, taskID string) (bool, error) {
	n, err := r.redis.Del(ctx, taskKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return n > 0, nil
}
