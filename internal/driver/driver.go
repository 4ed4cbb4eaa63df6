// Package driver is the kernel's driver registry: a fixed-capacity table
// of named drivers brought up in priority and dependency order (spec
// §4.5). The bring-up algorithm mirrors the way the teacher's own
// subsystems hand off to each other during boot, generalized here into
// an explicit registry instead of a hand-ordered sequence of init calls.
package driver

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"kerncore/internal/kerr"
	"kerncore/internal/klog"
)

// State is a driver's lifecycle stage.
type State int

const (
	StateRegistered State = iota
	StateInitialized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateInitialized:
		return "initialized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const maxNameLen = 31

// Driver is the contract every registrant implements.
type Driver interface {
	Name() string
	Type() string
	// Priority orders bring-up; lower values initialize first (0..255).
	Priority() uint8
	// DependsOn names another driver that must already be in
	// StateInitialized before Init runs. Empty string means no dependency.
	DependsOn() string
	Init() kerr.Kind
}

type entry struct {
	drv   Driver
	state State
}

// Registry is the fixed-capacity driver table (spec §4.5).
type Registry struct {
	mu       sync.Mutex
	capacity int
	order    []string // registration order, preserved for List
	byName   map[string]*entry
}

// New creates an empty registry able to hold up to capacity drivers.
func New(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		byName:   make(map[string]*entry, capacity),
	}
}

// Register adds a driver to the registry. Returns InvalidArgument for a
// nil driver or an over-length name, AlreadyExists for a duplicate name,
// and OutOfMemory when the registry is full.
func (r *Registry) Register(d Driver) kerr.Kind {
	if d == nil || d.Name() == "" || len(d.Name()) > maxNameLen {
		return kerr.InvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name()]; ok {
		return kerr.AlreadyExists
	}
	if len(r.byName) >= r.capacity {
		return kerr.OutOfMemory
	}
	r.byName[d.Name()] = &entry{drv: d, state: StateRegistered}
	r.order = append(r.order, d.Name())
	return kerr.Ok
}

// Unregister removes a driver by name.
func (r *Registry) Unregister(name string) kerr.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return kerr.NotFound
	}
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return kerr.Ok
}

// GetByName returns the registered driver with the given name.
func (r *Registry) GetByName(name string) (Driver, kerr.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, kerr.NotFound
	}
	return e.drv, kerr.Ok
}

// GetByType fills out with up to max drivers of the given type, in
// registration order, and returns the count written.
func (r *Registry) GetByType(typ string, out []Driver) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, name := range r.order {
		if n >= len(out) {
			break
		}
		e := r.byName[name]
		if e.drv.Type() == typ {
			out[n] = e.drv
			n++
		}
	}
	return n
}

// Status reports a driver's current lifecycle state.
func (r *Registry) Status(name string) (State, kerr.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return 0, kerr.NotFound
	}
	return e.state, kerr.Ok
}

// List returns every registered driver name in registration order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) dependencySatisfied(dep string) bool {
	if dep == "" {
		return true
	}
	e, ok := r.byName[dep]
	return ok && e.state == StateInitialized
}

// InitAll brings up every registered driver: priority-ordered within
// each pass, dependency-respecting across passes, terminating within
// 2*N outer iterations (spec §4.5). It returns the names of drivers
// left uninitialized due to unresolved dependencies; drivers whose Init
// failed are in StateFailed and are not included.
func (r *Registry) InitAll() []string {
	r.mu.Lock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	n := len(names)
	r.mu.Unlock()

	maxIter := 2 * n
	if maxIter == 0 {
		return nil
	}

	for iter := 0; iter < maxIter; iter++ {
		progress := false
		r.mu.Lock()
		byPriority := make([]string, len(r.order))
		copy(byPriority, r.order)
		sort.SliceStable(byPriority, func(i, j int) bool {
			return r.byName[byPriority[i]].drv.Priority() < r.byName[byPriority[j]].drv.Priority()
		})

		for _, name := range byPriority {
			e := r.byName[name]
			if e.state != StateRegistered {
				continue
			}
			if !r.dependencySatisfied(e.drv.DependsOn()) {
				continue
			}
			d := e.drv
			r.mu.Unlock()
			k := d.Init()
			r.mu.Lock()
			if k == kerr.Ok {
				e.state = StateInitialized
			} else {
				e.state = StateFailed
				klog.Fail("driver", "InitAll:"+name, k)
			}
			progress = true
		}
		r.mu.Unlock()

		if !progress {
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var unresolved []string
	for _, name := range r.order {
		if r.byName[name].state == StateRegistered {
			unresolved = append(unresolved, name)
		}
	}
	return unresolved
}

// InitAllConcurrent runs the same bring-up algorithm as InitAll but
// hands each pass's eligible drivers to an errgroup goroutine each.
// The group's limit is 1, so Init calls still run one at a time; the
// set of eligible drivers is fixed at the start of each pass.
func (r *Registry) InitAllConcurrent(ctx context.Context) []string {
	r.mu.Lock()
	n := len(r.order)
	r.mu.Unlock()

	maxIter := 2 * n
	if maxIter == 0 {
		return nil
	}

	for iter := 0; iter < maxIter; iter++ {
		r.mu.Lock()
		byPriority := make([]string, len(r.order))
		copy(byPriority, r.order)
		sort.SliceStable(byPriority, func(i, j int) bool {
			return r.byName[byPriority[i]].drv.Priority() < r.byName[byPriority[j]].drv.Priority()
		})

		var eligible []*entry
		for _, name := range byPriority {
			e := r.byName[name]
			if e.state == StateRegistered && r.dependencySatisfied(e.drv.DependsOn()) {
				eligible = append(eligible, e)
			}
		}
		r.mu.Unlock()

		if len(eligible) == 0 {
			break
		}

		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(1) // MMIO bring-up on one controller must not race (spec's domain stack contract)
		for _, e := range eligible {
			e := e
			g.Go(func() error {
				k := e.drv.Init()
				r.mu.Lock()
				defer r.mu.Unlock()
				if k == kerr.Ok {
					e.state = StateInitialized
				} else {
					e.state = StateFailed
					klog.Fail("driver", "InitAllConcurrent:"+e.drv.Name(), k)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var unresolved []string
	for _, name := range r.order {
		if r.byName[name].state == StateRegistered {
			unresolved = append(unresolved, name)
		}
	}
	return unresolved
}
