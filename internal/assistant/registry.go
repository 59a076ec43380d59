package assistant

import "sync"

// liveProcesses tracks every running subprocess so shutdown can reap them
// even if their sessions were lost.
var liveProcesses = &registry{procs: make(map[*Process]struct{})}

type registry struct {
	mu    sync.Mutex
	procs map[*Process]struct{}
}

func (r *registry) register(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p] = struct{}{}
}

func (r *registry) unregister(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, p)
}

func (r *registry) snapshot() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	procs := make([]*Process, 0, len(r.procs))
	for p := range r.procs {
		procs = append(procs, p)
	}
	return procs
}

// KillAll force-kills every live subprocess. Called as the last step of
// shutdown after sessions have been closed gracefully.
func KillAll() {
	for _, p := range liveProcesses.snapshot() {
		p.Kill()
	}
}
