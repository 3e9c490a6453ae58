package flow

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Executor runs tasks asynchronously
type Executor interface {
	Execute(task func())
}

// Inline runs every task on the calling goroutine
type Inline struct{}

// Execute runs the task immediately
func (Inline) Execute(task func()) {
	task()
}

// Pool is a fixed set of worker goroutines draining an unbounded FIFO queue.
// Execute never blocks so tasks may safely schedule further tasks.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts a pool with the given number of workers
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Execute queues a task. Tasks submitted after Close run on their own
// goroutine so they are never lost.
func (p *Pool) Execute(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go run(task)
		return
	}
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	p.cond.Signal()
}

// Close stops the workers once queued tasks have drained
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		run(task)
	}
}

func run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Executor task panicked")
		}
	}()
	task()
}
