package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is periodic maintenance work such as session sweeping or retrying
// pending writes.
type Task interface {
	Name() string
	Run(ctx context.Context)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context)
}

func (t TaskFunc) Name() string            { return t.TaskName }
func (t TaskFunc) Run(ctx context.Context) { t.Fn(ctx) }

type entry struct {
	task     Task
	interval time.Duration
}

// Scheduler manages the registration and execution of periodic tasks.
type Scheduler struct {
	mu    sync.Mutex
	tasks []entry
	wg    sync.WaitGroup
}

// NewScheduler creates and returns a new Scheduler instance.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Register adds a task run every interval. Tasks with a non-positive interval
// are skipped.
func (s *Scheduler) Register(t Task, interval time.Duration) {
	if interval <= 0 {
		log.Warn().Msgf("Task '%s' has no valid interval, skipping.", t.Name())
		return
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, entry{task: t, interval: interval})
	s.mu.Unlock()
	log.Debug().Msgf("Task '%s' registered with interval %s.", t.Name(), interval)
}

// Start launches all registered tasks. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]entry(nil), s.tasks...)
	s.mu.Unlock()

	for _, e := range tasks {
		s.wg.Add(1)
		go s.runTask(ctx, e.task, e.interval)
	}
	log.Info().Msgf("Scheduler started %d tasks.", len(tasks))
}

// Wait blocks until every task goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t Task, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Debug().Msgf("Running task '%s'.", t.Name())
			t.Run(ctx)
		case <-ctx.Done():
			log.Debug().Msgf("Task '%s' received shutdown signal.", t.Name())
			return
		}
	}
}
