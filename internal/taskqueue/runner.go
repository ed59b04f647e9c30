package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"imagery-pipeline/internal/logging"
)

// Default threads per core for each grouping
const (
	DefaultFeatureThreadsPerCore = 5
	DefaultQuadkeyThreadsPerCore = 2
)

// Plan sizes the two pools: cores is the number of units processed at once,
// threads the number of tiles fetched at once inside each unit.
//
// maxCores <= 0 or above systemCores means systemCores. With more units than
// cores, threads is ceil(maxThreads/cores) or threadsPerCore when maxThreads
// is unset. Otherwise one core per unit, and threads is ceil(maxThreads/cores)
// or ceil(systemCores*threadsPerCore/cores). Both are at least 1.
func Plan(units, systemCores, maxCores, maxThreads, threadsPerCore int) (cores, threads int) {
	systemCores = max(systemCores, 1)
	if maxCores <= 0 || maxCores > systemCores {
		maxCores = systemCores
	}

	if units > maxCores {
		cores = maxCores
		if maxThreads > 0 {
			threads = ceilDiv(maxThreads, cores)
		} else {
			threads = threadsPerCore
		}
	} else {
		cores = max(units, 1)
		if maxThreads > 0 {
			threads = ceilDiv(maxThreads, cores)
		} else {
			threads = ceilDiv(systemCores*threadsPerCore, cores)
		}
	}
	return max(cores, 1), max(threads, 1)
}

// SystemCores returns the usable CPU count
func SystemCores() int {
	return runtime.GOMAXPROCS(0)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// QueueStatus represents the runner's progress
type QueueStatus struct {
	TotalTasks     int `json:"totalTasks"`
	CompletedTasks int `json:"completedTasks"`
	FailedTasks    int `json:"failedTasks"`
	RunningTasks   int `json:"runningTasks"`
}

// Executor processes one task and returns its output path
type Executor func(ctx context.Context, task *Task) (string, error)

// UnitsError reports the units that failed in a run
type UnitsError struct {
	Failed int
	Total  int
	First  error
}

func (e *UnitsError) Error() string {
	return fmt.Sprintf("%d of %d units failed, first: %v", e.Failed, e.Total, e.First)
}

func (e *UnitsError) Unwrap() error {
	return e.First
}

// Runner executes tasks with at most cores running at once. A failing task
// does not stop its siblings.
type Runner struct {
	cores          int
	onQueueUpdate  func(status QueueStatus)
	onTaskComplete func(task *Task)

	mu     sync.Mutex
	status QueueStatus
}

// NewRunner creates a runner for cores concurrent tasks
func NewRunner(cores int) *Runner {
	return &Runner{cores: max(cores, 1)}
}

// SetCallbacks sets event callbacks; they are called from worker goroutines
// but never concurrently
func (r *Runner) SetCallbacks(onQueueUpdate func(QueueStatus), onTaskComplete func(*Task)) {
	r.onQueueUpdate = onQueueUpdate
	r.onTaskComplete = onTaskComplete
}

// Status returns the current counts
func (r *Runner) Status() QueueStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run executes every task. It returns ctx.Err() when cancelled, a
// *UnitsError when some tasks failed, and nil otherwise.
func (r *Runner) Run(ctx context.Context, tasks []*Task, exec Executor) error {
	r.mu.Lock()
	r.status = QueueStatus{TotalTasks: len(tasks)}
	r.mu.Unlock()

	l := logging.Component("taskqueue")
	var g errgroup.Group
	g.SetLimit(r.cores)

	for _, task := range tasks {
		if ctx.Err() != nil {
			task.MarkCancelled()
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				task.MarkCancelled()
				return nil
			}
			r.update(func(s *QueueStatus) { s.RunningTasks++ }, nil)
			task.MarkStarted()

			out, err := exec(ctx, task)
			switch {
			case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
				task.MarkCancelled()
			case err != nil:
				task.MarkFailed(err)
				l.Error().Str("unit", task.Key).Err(err).Msg("unit failed")
			default:
				task.MarkCompleted(out)
			}

			r.update(func(s *QueueStatus) {
				s.RunningTasks--
				s.CompletedTasks++
				if task.Status == TaskStatusFailed {
					s.FailedTasks++
				}
			}, task)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return summarize(tasks)
}

func (r *Runner) update(change func(*QueueStatus), done *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	change(&r.status)
	if done != nil && r.onTaskComplete != nil {
		r.onTaskComplete(done)
	}
	if r.onQueueUpdate != nil {
		r.onQueueUpdate(r.status)
	}
}

func summarize(tasks []*Task) error {
	var ue *UnitsError
	for _, t := range tasks {
		if t.Status != TaskStatusFailed {
			continue
		}
		if ue == nil {
			ue = &UnitsError{Total: len(tasks), First: t.Err()}
		}
		ue.Failed++
	}
	if ue == nil {
		return nil
	}
	return ue
}
