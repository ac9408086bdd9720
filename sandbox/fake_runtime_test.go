package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// fakeRuntime implements ContainerRuntime in memory for tests.
type fakeRuntime struct {
	mu sync.Mutex

	pingErr   error
	pingCount int

	createErr   error
	createCount int
	live        map[string]string // container name -> image
	removed     []string

	// execFn, when set, handles every exec call. The default returns an
	// empty success.
	execFn func(ctx context.Context, name string, cmd, env []string, workingDir string) (ExecOutput, error)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{live: make(map[string]string)}
}

func (f *fakeRuntime) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCount++
	return f.pingErr
}

func (f *fakeRuntime) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, exists := f.live[spec.Name]; exists {
		return fmt.Errorf("container name collision: %s", spec.Name)
	}
	f.createCount++
	f.live[spec.Name] = spec.Image
	return nil
}

func (f *fakeRuntime) ExecContainer(ctx context.Context, name string, cmd, env []string, workingDir string) (ExecOutput, error) {
	f.mu.Lock()
	_, exists := f.live[name]
	fn := f.execFn
	f.mu.Unlock()

	if !exists {
		return ExecOutput{}, fmt.Errorf("no such container: %s", name)
	}
	if fn != nil {
		return fn(ctx, name, cmd, env, workingDir)
	}
	return ExecOutput{}, nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, _ string) error { return nil }

func (f *fakeRuntime) RemoveContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeRuntime) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

func (f *fakeRuntime) pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingCount
}

func (f *fakeRuntime) creations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCount
}
