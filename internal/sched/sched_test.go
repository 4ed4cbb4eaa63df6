package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerncore/internal/kerr"
)

func TestSchedulerInitCreatesRunningIdle(t *testing.T) {
	s := New(4)
	idle := s.SchedulerInit()
	assert.Same(t, idle, s.Current(), "expected idle task to be current after init")
	assert.Equal(t, StateRunning, idle.State)
}

func TestPickNextFallsBackToIdle(t *testing.T) {
	s := New(4)
	idle := s.SchedulerInit()
	assert.Same(t, idle, s.PickNext(), "expected idle task when ready queue is empty")
}

func TestRoundRobinFIFO(t *testing.T) {
	s := New(4)
	s.SchedulerInit()
	a := s.TaskCreate("a", func() {})
	b := s.TaskCreate("b", func() {})

	got := s.PickNext()
	require.Same(t, a, got, "expected a first, got %v", got.Name)
	got = s.PickNext()
	require.Same(t, b, got, "expected b second, got %v", got.Name)
}

func TestTickPreemptsAtQuantum(t *testing.T) {
	s := New(4)
	s.SchedulerInit()
	a := s.TaskCreate("a", func() {})
	// Make a current by hand: take it off the ready queue (a running task
	// is never queued) and demote idle, so the tick that exhausts a's
	// quantum falls back to idle and requeues a.
	s.mu.Lock()
	s.current.State = StateReady
	s.ready.remove(a)
	s.current = a
	a.State = StateRunning
	a.TimeSlice = Quantum
	s.mu.Unlock()

	for i := 0; i < Quantum-1; i++ {
		s.SchedulerTick(10)
		assert.Samef(t, a, s.Current(), "expected a to remain current at tick %d", i)
	}
	s.SchedulerTick(10) // quantum exhausted, should switch away from a
	assert.NotSame(t, a, s.Current(), "expected a to be preempted after exhausting its quantum")
	assert.Equal(t, StateReady, a.State, "expected a requeued as ready")
}

func TestBlockUnblock(t *testing.T) {
	s := New(4)
	s.SchedulerInit()
	a := s.TaskCreate("a", func() {})

	s.mu.Lock()
	s.current = a
	a.State = StateRunning
	s.mu.Unlock()

	s.TaskBlock()
	require.Equal(t, StateBlocked, a.State)

	require.Equal(t, kerr.Ok, s.TaskUnblock(a), "unblock failed")
	assert.Equal(t, StateReady, a.State, "expected ready after unblock")
}

func TestUnblockNonBlockedIsNoop(t *testing.T) {
	s := New(4)
	s.SchedulerInit()
	a := s.TaskCreate("a", func() {})
	assert.Equal(t, kerr.InvalidArgument, s.TaskUnblock(a), "expected InvalidArgument for unblocking a ready task")
}

func TestTaskDestroyIdempotent(t *testing.T) {
	s := New(4)
	s.SchedulerInit()
	a := s.TaskCreate("a", func() {})
	s.TaskDestroy(a)
	require.Equal(t, StateTerminated, a.State)

	s.TaskDestroy(a) // must not panic or double-decrement
	assert.Equal(t, StateTerminated, a.State, "expected still terminated")
}

func TestTaskCreateFailsWhenTableFull(t *testing.T) {
	s := New(2) // idle + 1
	s.SchedulerInit()
	a := s.TaskCreate("a", func() {})
	require.NotNil(t, a, "expected first task to be created")
	assert.Nil(t, s.TaskCreate("b", func() {}), "expected nil when task table is full")
}
