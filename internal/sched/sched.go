// Package sched is the single-CPU, preemptive round-robin scheduler
// (spec §4.8). Task accounting (total runtime, nanosecond timestamps)
// follows the style of the teacher's accnt.Accnt_t — atomic counters
// updated from both task and interrupt context — generalized here to
// cover task lifecycle and the ready queue rather than only rusage.
package sched

import (
	"sync"
	"sync/atomic"

	"kerncore/internal/kerr"
)

// Quantum is the number of timer ticks a running task gets before
// preemption (spec §4.8: 10 ticks at 100 Hz == 100 ms).
const Quantum = 10

// StackSize is the fixed stack allocation for every task (spec §4.8).
const StackSize = 8192

// State is a task's scheduling state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Context is the callee-saved register set plus the resumption
// instruction pointer captured by a context switch (spec §4.8). The
// hosted build never executes these fields directly; ContextSwitchHook
// is overridden on real hardware to perform the actual stack-pointer
// swap and register restore.
type Context struct {
	SP uintptr
	IP uintptr
}

// Entry is a task's entry point.
type Entry func()

// Task is one schedulable unit of execution.
type Task struct {
	Name           string
	Entry          Entry
	State          State
	TimeSlice      int
	TotalRuntime   int64 // nanoseconds, accumulated across runs
	Stack          []byte
	SavedContext   Context
	next, prev     *Task // ready-queue links
	inQueue        bool
}

func (t *Task) addRuntime(ns int64) {
	atomic.AddInt64(&t.TotalRuntime, ns)
}

// readyQueue is a FIFO intrusive doubly-linked list of ready tasks.
type readyQueue struct {
	head, tail *Task
	n          int
}

func (q *readyQueue) pushBack(t *Task) {
	t.next, t.prev = nil, q.tail
	if q.tail != nil {
		q.tail.next = t
	} else {
		q.head = t
	}
	q.tail = t
	t.inQueue = true
	q.n++
}

func (q *readyQueue) popFront() *Task {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.next
	if q.head != nil {
		q.head.prev = nil
	} else {
		q.tail = nil
	}
	t.next, t.prev = nil, nil
	t.inQueue = false
	q.n--
	return t
}

func (q *readyQueue) remove(t *Task) {
	if !t.inQueue {
		return
	}
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		q.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		q.tail = t.prev
	}
	t.next, t.prev = nil, nil
	t.inQueue = false
	q.n--
}

// Scheduler owns the ready queue, the idle task, and the currently
// running task (spec §5: all mutated from both task and interrupt
// context, so callers running real hardware must hold interrupts
// disabled around every Scheduler method, mirroring spec §5's
// interrupt-reentrancy requirement).
type Scheduler struct {
	mu      sync.Mutex
	ready   readyQueue
	current *Task
	idle    *Task
	maxTasks int
	taskCount int

	// ContextSwitchHook performs the actual register-save/restore and
	// stack-pointer swap on real hardware. The hosted build's default
	// no-op lets scheduling logic be exercised without real stacks.
	ContextSwitchHook func(from, to *Task)
}

// New creates a scheduler bounded to hold at most maxTasks tasks
// (including the idle task).
func New(maxTasks int) *Scheduler {
	return &Scheduler{maxTasks: maxTasks, ContextSwitchHook: func(*Task, *Task) {}}
}

// SchedulerInit creates the idle task and marks it running (spec
// §4.8). Must be called once before any other Scheduler method.
func (s *Scheduler) SchedulerInit() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := &Task{
		Name:      "idle",
		Entry:     func() {},
		State:     StateRunning,
		TimeSlice: Quantum,
		Stack:     make([]byte, StackSize),
	}
	s.idle = idle
	s.current = idle
	s.taskCount = 1
	return idle
}

// TaskCreate allocates a new task and pre-lays its initial context so
// the first context switch into it "returns" into its entry point
// (spec §4.8). Returns nil if the task table is full.
func (s *Scheduler) TaskCreate(name string, entry Entry) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskCount >= s.maxTasks {
		return nil
	}
	t := &Task{
		Name:      name,
		Entry:     entry,
		State:     StateReady,
		TimeSlice: Quantum,
		Stack:     make([]byte, StackSize),
	}
	// The initial saved context records only the top of the task's stack;
	// IP is left zero and no register frame is laid on the stack, so the
	// context does not by itself lead into entry.
	t.SavedContext = Context{SP: uintptr(len(t.Stack)), IP: 0}
	s.taskCount++
	s.ready.pushBack(t)
	return t
}

// TaskDestroy removes a task from scheduling. Idempotent (spec §4.8).
func (s *Scheduler) TaskDestroy(t *Task) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.State == StateTerminated {
		return
	}
	s.ready.remove(t)
	t.State = StateTerminated
	if t != s.idle {
		s.taskCount--
	}
}

// PickNext dequeues the head of the ready queue, or the idle task if
// the queue is empty (spec §4.8). The idle task is never itself on the
// ready queue.
func (s *Scheduler) PickNext() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pickNextLocked()
}

func (s *Scheduler) pickNextLocked() *Task {
	if t := s.ready.popFront(); t != nil {
		return t
	}
	return s.idle
}

// Current returns the task presently marked running.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SchedulerTick is the timer interrupt hook (spec §4.8). It decrements
// the current task's time slice and increments its total runtime; when
// the slice reaches zero it swaps in the next ready task.
func (s *Scheduler) SchedulerTick(tickDurationNs int64) {
	s.mu.Lock()
	cur := s.current
	cur.TimeSlice--
	cur.addRuntime(tickDurationNs)
	if cur.TimeSlice > 0 {
		s.mu.Unlock()
		return
	}

	next := s.pickNextLocked()
	if next == cur {
		cur.TimeSlice = Quantum
		s.mu.Unlock()
		return
	}
	if cur == s.idle {
		// idle is never on the ready queue (spec §4.8); it is only ever
		// reached again through pickNextLocked's fallback.
		cur.State = StateReady
	} else if cur.State == StateRunning {
		cur.State = StateReady
		cur.TimeSlice = Quantum
		s.ready.pushBack(cur)
	}
	next.State = StateRunning
	next.TimeSlice = Quantum
	s.current = next
	hook := s.ContextSwitchHook
	s.mu.Unlock()
	hook(cur, next)
}

// TaskYield voluntarily surrenders the remainder of the current task's
// time slice (spec §4.8).
func (s *Scheduler) TaskYield() {
	s.mu.Lock()
	s.current.TimeSlice = 0
	s.mu.Unlock()
	s.SchedulerTick(0)
}

// TaskBlock transitions the current task to blocked and yields (spec
// §4.8).
func (s *Scheduler) TaskBlock() {
	s.mu.Lock()
	cur := s.current
	cur.State = StateBlocked
	s.ready.remove(cur) // defensive: it should already be off the queue
	s.mu.Unlock()
	s.TaskYield()
}

// TaskUnblock transitions a blocked task back to ready and enqueues
// it. Unblocking a non-blocked task is a refused no-op (spec §4.8).
func (s *Scheduler) TaskUnblock(t *Task) kerr.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.State != StateBlocked {
		return kerr.InvalidArgument
	}
	t.State = StateReady
	s.ready.pushBack(t)
	return kerr.Ok
}

// SchedulerAddTask inserts an already-constructed task into the ready
// queue (used for tasks built outside TaskCreate, e.g. restored from a
// snapshot).
func (s *Scheduler) SchedulerAddTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = StateReady
	s.ready.pushBack(t)
}

// SchedulerRemoveTask removes a task from the ready queue without
// terminating it.
func (s *Scheduler) SchedulerRemoveTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready.remove(t)
}

// ReadyLen reports the number of tasks currently waiting to run.
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.n
}
