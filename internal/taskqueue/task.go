package taskqueue

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a work unit
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is one work unit in the outer pool: a feature or a quadkey bucket.
// A task is only mutated by the goroutine running it.
type Task struct {
	ID       string     `json:"id"`
	Key      string     `json:"key"`
	Status   TaskStatus `json:"status"`
	Tiles    int        `json:"tiles"`
	Started  time.Time  `json:"started,omitzero"`
	Finished time.Time  `json:"finished,omitzero"`
	Error    string     `json:"error,omitempty"`

	// OutputPath is empty when the unit wrote no raster
	OutputPath string `json:"outputPath,omitempty"`

	err error
}

func NewTask(key string, tiles int) *Task {
	return &Task{
		ID:     uuid.NewString(),
		Key:    key,
		Status: TaskStatusPending,
		Tiles:  tiles,
	}
}

// Err returns the failure of a failed task
func (t *Task) Err() error {
	return t.err
}

func (t *Task) MarkStarted() {
	t.Started = time.Now()
	t.Status = TaskStatusRunning
}

func (t *Task) MarkCompleted(outputPath string) {
	t.finish(TaskStatusCompleted)
	t.OutputPath = outputPath
}

func (t *Task) MarkFailed(err error) {
	t.finish(TaskStatusFailed)
	t.err = err
	if err != nil {
		t.Error = err.Error()
	}
}

func (t *Task) MarkCancelled() {
	t.finish(TaskStatusCancelled)
}

func (t *Task) finish(status TaskStatus) {
	t.Finished = time.Now()
	t.Status = status
}
