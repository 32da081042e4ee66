package fleet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/runtime"
)

// fakeRuntime is an in-memory runtime.Runtime. Containers are keyed by name
// and hold the status text List reports.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]string
	specs      map[string]runtime.RunSpec
	stats      map[string]runtime.Stats
	calls      []string
	updates    []string

	runErr    error
	removeErr error
	listErr   error

	// hangProbes makes Stats and State block until their context ends.
	hangProbes bool

	// hooks run inside the named call, outside the lock.
	hooks map[string]func()

	inflight    map[string]int
	maxInflight map[string]int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers:  make(map[string]string),
		specs:       make(map[string]runtime.RunSpec),
		stats:       make(map[string]runtime.Stats),
		hooks:       make(map[string]func()),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
	}
}

func (f *fakeRuntime) enter(op, name string) func() {
	f.mu.Lock()
	f.calls = append(f.calls, op+" "+name)
	f.inflight[name]++
	if f.inflight[name] > f.maxInflight[name] {
		f.maxInflight[name] = f.inflight[name]
	}
	hook := f.hooks[op+" "+name]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return func() {
		f.mu.Lock()
		f.inflight[name]--
		f.mu.Unlock()
	}
}

func (f *fakeRuntime) setHook(op, name string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[op+" "+name] = fn
}

func (f *fakeRuntime) setStatus(name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = status
}

func (f *fakeRuntime) drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
}

func (f *fakeRuntime) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeRuntime) countCalls(prefix string) int {
	n := 0
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) Run(_ context.Context, spec runtime.RunSpec) error {
	defer f.enter("run", spec.Name)()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}
	if _, ok := f.containers[spec.Name]; ok {
		return nil
	}
	f.containers[spec.Name] = "Up Less than a second"
	f.specs[spec.Name] = spec
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, name string) error {
	defer f.enter("start", name)()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return errdefs.NotFound("container %s not found", name)
	}
	f.containers[name] = "Up Less than a second"
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, name string) error {
	defer f.enter("stop", name)()
	time.Sleep(5 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return errdefs.NotFound("container %s not found", name)
	}
	f.containers[name] = "Exited (0) Less than a second ago"
	return nil
}

func (f *fakeRuntime) Restart(_ context.Context, name string) error {
	defer f.enter("restart", name)()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return errdefs.NotFound("container %s not found", name)
	}
	f.containers[name] = "Up Less than a second"
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, name string) error {
	defer f.enter("remove", name)()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) List(_ context.Context) ([]runtime.ContainerRow, error) {
	defer f.enter("list", "")()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var rows []runtime.ContainerRow
	for name, status := range f.containers {
		rows = append(rows, runtime.ContainerRow{Name: name, Status: status})
	}
	return rows, nil
}

func (f *fakeRuntime) hang(ctx context.Context) error {
	f.mu.Lock()
	hang := f.hangProbes
	f.mu.Unlock()
	if !hang {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeRuntime) Stats(ctx context.Context, name string) (runtime.Stats, error) {
	defer f.enter("stats", name)()
	if err := f.hang(ctx); err != nil {
		return runtime.Stats{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[name], nil
}

func (f *fakeRuntime) State(ctx context.Context, name string) (runtime.State, error) {
	defer f.enter("state", name)()
	if err := f.hang(ctx); err != nil {
		return runtime.State{}, err
	}
	return runtime.State{Status: "running", RestartCount: 2, StartedAt: time.Now().Add(-2 * time.Hour)}, nil
}

func (f *fakeRuntime) UpdateResources(_ context.Context, name, memLimit string, cpuLimit float64) error {
	defer f.enter("update", name)()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, name+" "+memLimit)
	return nil
}

func (f *fakeRuntime) Ping(context.Context) error {
	return nil
}
