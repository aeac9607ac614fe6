package procexec

import "sync"

// Registry tracks live processes so they can be terminated together.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	procs  map[uint64]*Process
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[uint64]*Process)}
}

func (r *Registry) add(p *Process) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.procs[r.nextID] = p
	return r.nextID
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.procs, id)
	r.mu.Unlock()
}

// Len returns the number of live processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Snapshot returns the live processes.
func (r *Registry) Snapshot() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}

// TerminateAll terminates every live process in parallel and returns how
// many were signalled.
func (r *Registry) TerminateAll() int {
	procs := r.Snapshot()
	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			p.Terminate()
		}(p)
	}
	wg.Wait()
	return len(procs)
}
