package agent

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/young1lin/searchmux/pkg/logger"
)

// ErrQueueFull is returned when the task queue hit its configured bound
var ErrQueueFull = errors.New("task queue is full")

// ErrNoExecutor is returned when no executor handles the task type
var ErrNoExecutor = errors.New("no executor for task type")

// successRateAlpha is the EWMA weight applied to each task result
const successRateAlpha = 0.1

// Task is one unit of prioritized work. Higher Priority runs first;
// equal priorities run in submission order.
type Task struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Priority int                    `json:"priority"`
	Params   map[string]interface{} `json:"params,omitempty"`
	UserID   string                 `json:"user_id,omitempty"`
}

// Executor runs tasks of one type
type Executor func(ctx context.Context, task Task) error

// Agent is one worker identity with a specialization and a tracked
// success rate. Specialists are preferred for their task type; the best
// generalist picks up the rest.
type Agent struct {
	ID             string
	Specialization string // empty = generalist

	mu          sync.Mutex
	successRate float64
	tasksDone   uint64
	busy        bool
}

// AgentSnapshot is one agent's stats as exposed on the status surface
type AgentSnapshot struct {
	ID             string  `json:"id"`
	Specialization string  `json:"specialization,omitempty"`
	SuccessRate    float64 `json:"success_rate"`
	TasksDone      uint64  `json:"tasks_done"`
	Busy           bool    `json:"busy"`
}

func (a *Agent) recordResult(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	outcome := 0.0
	if ok {
		outcome = 1.0
	}
	if a.tasksDone == 0 {
		a.successRate = outcome
	} else {
		a.successRate = (1-successRateAlpha)*a.successRate + successRateAlpha*outcome
	}
	a.tasksDone++
}

func (a *Agent) snapshot() AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentSnapshot{
		ID:             a.ID,
		Specialization: a.Specialization,
		SuccessRate:    a.successRate,
		TasksDone:      a.tasksDone,
		Busy:           a.busy,
	}
}

// ==================== priority queue ====================

type queuedTask struct {
	task Task
	seq  uint64 // submission order, breaks priority ties FIFO
}

type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(queuedTask)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ==================== pool ====================

// Pool holds the agents, the bounded priority queue, and the worker
// goroutines draining it.
type Pool struct {
	mu        sync.Mutex
	queue     taskHeap
	queueSize int
	seq       uint64
	agents    []*Agent
	executors map[string]Executor

	wake   chan struct{}
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// PoolSnapshot is the pool's status surface
type PoolSnapshot struct {
	QueueDepth int             `json:"queue_depth"`
	Agents     []AgentSnapshot `json:"agents"`
}

// NewPool creates a pool with the given worker count and queue bound.
// Workers do not start until Start is called.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	p := &Pool{
		queueSize: queueSize,
		executors: make(map[string]Executor),
		wake:      make(chan struct{}, workers),
		done:      make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.agents = append(p.agents, &Agent{ID: fmt.Sprintf("agent-%d", i)})
	}
	return p
}

// AddAgent replaces a default generalist with a specialist, or grows the
// pool when all workers are already specialized.
func (p *Pool) AddAgent(specialization string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.agents {
		if a.Specialization == "" {
			a.Specialization = specialization
			return
		}
	}
	p.agents = append(p.agents, &Agent{
		ID:             fmt.Sprintf("agent-%d", len(p.agents)),
		Specialization: specialization,
	})
}

// RegisterExecutor installs the handler for one task type
func (p *Pool) RegisterExecutor(taskType string, exec Executor) {
	p.mu.Lock()
	p.executors[taskType] = exec
	p.mu.Unlock()
}

// Start launches the worker goroutines
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	workers := len(p.agents)
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit enqueues a task, assigning an ID when absent. Returns
// ErrQueueFull when the bound is hit and ErrNoExecutor for unknown
// task types.
func (p *Pool) Submit(task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", errors.New("pool is closed")
	}
	if _, ok := p.executors[task.Type]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNoExecutor, task.Type)
	}
	if len(p.queue) >= p.queueSize {
		return "", ErrQueueFull
	}

	p.seq++
	heap.Push(&p.queue, queuedTask{task: task, seq: p.seq})

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return task.ID, nil
}

// Snapshot exposes queue depth and per-agent stats
func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	depth := len(p.queue)
	agents := make([]*Agent, len(p.agents))
	copy(agents, p.agents)
	p.mu.Unlock()

	snap := PoolSnapshot{QueueDepth: depth}
	for _, a := range agents {
		snap.Agents = append(snap.Agents, a.snapshot())
	}
	return snap
}

// Close stops the workers after the current tasks finish. Queued tasks
// that never ran are dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-p.wake:
		}

		for {
			task, agent, exec, ok := p.next()
			if !ok {
				break
			}
			p.run(ctx, task, agent, exec)
		}
	}
}

// next pops the highest-priority task and claims the best idle agent
// for it. Returns false when the queue is empty or every agent is busy
// (the task stays queued in that case).
func (p *Pool) next() (Task, *Agent, Executor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return Task{}, nil, nil, false
	}

	task := p.queue[0].task
	agent := p.bestIdleAgent(task.Type)
	if agent == nil {
		return Task{}, nil, nil, false
	}

	heap.Pop(&p.queue)
	agent.mu.Lock()
	agent.busy = true
	agent.mu.Unlock()

	return task, agent, p.executors[task.Type], true
}

// bestIdleAgent prefers the highest-success-rate idle specialist for the
// task type, then the best idle generalist. Called with p.mu held.
func (p *Pool) bestIdleAgent(taskType string) *Agent {
	var bestSpecialist, bestGeneralist *Agent
	var bestSpecRate, bestGenRate float64

	for _, a := range p.agents {
		a.mu.Lock()
		busy := a.busy
		rate := a.successRate
		a.mu.Unlock()
		if busy {
			continue
		}

		switch a.Specialization {
		case taskType:
			if bestSpecialist == nil || rate > bestSpecRate {
				bestSpecialist, bestSpecRate = a, rate
			}
		case "":
			if bestGeneralist == nil || rate > bestGenRate {
				bestGeneralist, bestGenRate = a, rate
			}
		}
	}

	if bestSpecialist != nil {
		return bestSpecialist
	}
	return bestGeneralist
}

func (p *Pool) run(ctx context.Context, task Task, agent *Agent, exec Executor) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task executor panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
			agent.recordResult(false)
		}
		agent.mu.Lock()
		agent.busy = false
		agent.mu.Unlock()

		// Another task may be waiting for a free agent.
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}()

	err := exec(ctx, task)
	agent.recordResult(err == nil)
	if err != nil {
		logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.Type),
			zap.String("agent", agent.ID),
			zap.Error(err))
	} else {
		logger.Debug("task completed",
			zap.String("task_id", task.ID),
			zap.String("agent", agent.ID))
	}
}
