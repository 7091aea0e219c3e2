package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task is one artifact waiting to be moved to the remote store.
type Task struct {
	ID         string
	Key        string // caller's handle, the job stem in the pipeline
	LocalPath  string
	RemotePath string
	Enqueued   time.Time
	Attempts   int
	Prepared   bool
}

func NewTask(key, localPath, remotePath string) Task {
	return Task{
		ID:         uuid.NewString(),
		Key:        key,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Enqueued:   time.Now(),
	}
}

// PendingSet is the FIFO of tasks shared by the producer and the transfer worker.
// A task leaves the set exactly once, through Remove.
type PendingSet struct {
	mu      sync.Mutex
	tasks   []Task
	changed chan struct{} // closed and replaced on every mutation
	signal  chan struct{} // buffered, size 1
	done    atomic.Bool
}

func NewPendingSet() *PendingSet {
	return &PendingSet{
		tasks:   make([]Task, 0, 4),
		changed: make(chan struct{}),
		signal:  make(chan struct{}, 1),
	}
}

// Add appends t. Returns false once the set is closed.
func (p *PendingSet) Add(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done.Load() {
		return false
	}
	p.tasks = append(p.tasks, t)
	p.notify()
	return true
}

// Snapshot copies the tasks in enqueue order.
func (p *PendingSet) Snapshot() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Task(nil), p.tasks...)
}

// Replace swaps the task with t's ID in place, keeping its position.
func (p *PendingSet) Replace(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.tasks {
		if p.tasks[i].ID == t.ID {
			p.tasks[i] = t
			return true
		}
	}
	return false
}

// Remove drops the task with the given id. A second call for the same id returns false.
func (p *PendingSet) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.tasks {
		if p.tasks[i].ID != id {
			continue
		}
		copy(p.tasks[i:], p.tasks[i+1:])
		p.tasks[len(p.tasks)-1] = Task{}
		p.tasks = p.tasks[:len(p.tasks)-1]
		p.notify()
		return true
	}
	return false
}

func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Close marks production as finished. The worker drains what is left and exits.
func (p *PendingSet) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done.Swap(true) {
		return
	}
	p.notify()
}

func (p *PendingSet) Closed() bool {
	return p.done.Load()
}

// Wait returns a channel that receives after an Add or Close.
func (p *PendingSet) Wait() <-chan struct{} {
	return p.signal
}

// WaitBelow blocks until fewer than n tasks are pending.
func (p *PendingSet) WaitBelow(ctx context.Context, n int) error {
	for {
		p.mu.Lock()
		if len(p.tasks) < n {
			p.mu.Unlock()
			return nil
		}
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// notify must be called with p.mu held.
func (p *PendingSet) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
	select {
	case p.signal <- struct{}{}:
	default:
	}
}
