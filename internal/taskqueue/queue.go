// Package taskqueue holds the tasks waiting to be handed to the child
// after a restart. The queue is FIFO; dispatch takes everything at
// once and failed dispatches put their tasks back at the front.
package taskqueue

import (
	"sort"
	"strings"
	"sync"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// Queue is a concurrency-safe FIFO of queued tasks
type Queue struct {
	mu    sync.Mutex
	tasks []*domain.QueuedTask
}

// New returns an empty queue
func New() *Queue {
	return &Queue{}
}

// Add appends a task built from a plain description
func (q *Queue) Add(description string) (*domain.QueuedTask, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, domain.Errorf(domain.ErrTask, "task description is empty")
	}
	task := domain.NewQueuedTask(description)
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	return task.Clone(), nil
}

// AddTask appends a prepared task, for template-built entries
func (q *Queue) AddTask(task *domain.QueuedTask) error {
	if task == nil || strings.TrimSpace(task.Description) == "" {
		return domain.Errorf(domain.ErrTask, "task description is empty")
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, task.Clone())
	q.mu.Unlock()
	return nil
}

// Len returns the number of queued tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// List returns copies of all queued tasks in dispatch order
func (q *Queue) List() []*domain.QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.QueuedTask, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = t.Clone()
	}
	return out
}

// Remove deletes tasks by their 1-based positions as shown in List.
// Duplicates are ignored; any out-of-range index fails the whole call
// before anything is removed. Removed tasks come back in position
// order.
func (q *Queue) Remove(indices []int) ([]*domain.QueuedTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[int]bool)
	var unique []int
	for _, idx := range indices {
		if idx < 1 || idx > len(q.tasks) {
			return nil, domain.Errorf(domain.ErrTask, "task index %d outside [1,%d]", idx, len(q.tasks))
		}
		if !seen[idx] {
			seen[idx] = true
			unique = append(unique, idx)
		}
	}
	sort.Ints(unique)

	removed := make([]*domain.QueuedTask, 0, len(unique))
	for _, idx := range unique {
		removed = append(removed, q.tasks[idx-1])
	}
	// Delete from the back so earlier positions stay valid
	for i := len(unique) - 1; i >= 0; i-- {
		idx := unique[i] - 1
		q.tasks = append(q.tasks[:idx], q.tasks[idx+1:]...)
	}
	return removed, nil
}

// Clear drops every queued task and returns how many were dropped
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	q.tasks = nil
	return n
}

// PopAll removes and returns every queued task in dispatch order
func (q *Queue) PopAll() []*domain.QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

// Prepend puts tasks back at the front, preserving their order. Used
// when a dispatch fails and the tasks must not be lost.
func (q *Queue) Prepend(tasks []*domain.QueuedTask) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(append([]*domain.QueuedTask(nil), tasks...), q.tasks...)
}

// Replace swaps the queue contents, for state restore
func (q *Queue) Replace(tasks []*domain.QueuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append([]*domain.QueuedTask(nil), tasks...)
}
