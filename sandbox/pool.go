// Package sandbox provides secure command execution capabilities.
//
// The ContainerPool bounds and reuses warm containers per image. Containers
// are created on first demand, lent to exactly one execution at a time, and
// destroyed by idle-timeout eviction or DestroyAll at shutdown. All
// bookkeeping (acquire, release, sweep, destroyAll) is serialized under one
// mutex; slow runtime operations happen outside it.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PoolConfig bounds the container pool.
type PoolConfig struct {
	// MaxSize caps the aggregate live-container count (idle + in-use).
	MaxSize int

	// IdleTimeout is how long an idle container survives before the
	// background sweep destroys it. Zero disables the sweep.
	IdleTimeout time.Duration
}

// ContainerPool manages a bounded set of reusable warm containers.
type ContainerPool struct {
	logger      *zap.Logger
	runtime     ContainerRuntime
	maxSize     int
	idleTimeout time.Duration

	mu         sync.Mutex
	containers map[string]*PooledContainer
	closed     bool

	// slotFreed wakes one blocked acquirer per release/destroy. Buffered so
	// a notify with no waiter is remembered for the next arrival.
	slotFreed chan struct{}

	stopSweep chan struct{}
	sweepDone chan struct{}
	stopOnce  sync.Once
}

// NewContainerPool creates a pool over the given runtime. A non-positive
// MaxSize is an unrecoverable configuration error.
func NewContainerPool(logger *zap.Logger, runtime ContainerRuntime, cfg PoolConfig) (*ContainerPool, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("pool max size must be positive, got: %d", cfg.MaxSize)
	}

	p := &ContainerPool{
		logger:      logger,
		runtime:     runtime,
		maxSize:     cfg.MaxSize,
		idleTimeout: cfg.IdleTimeout,
		containers:  make(map[string]*PooledContainer),
		slotFreed:   make(chan struct{}, 1),
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}

	if p.idleTimeout > 0 {
		go p.sweep()
	} else {
		close(p.sweepDone)
	}

	return p, nil
}

// Acquire returns a container for the image, marked in-use. Preference
// order: reuse an idle container of the same image, create a new one if a
// slot is free, evict the oldest idle container of another image, and
// otherwise block until a slot frees or ctx expires.
func (p *ContainerPool) Acquire(ctx context.Context, image string, spec ContainerSpec) (*PooledContainer, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, newError(KindPoolClosed, "pool acquire", errf("pool is shut down"))
		}

		if c := p.takeIdleLocked(image); c != nil {
			p.mu.Unlock()
			return c, nil
		}

		if len(p.containers) < p.maxSize {
			c := p.reserveLocked(image, spec)
			p.mu.Unlock()
			return p.create(ctx, c)
		}

		// Pool is full. An idle container of another image is dead weight
		// for this caller: evict the least recently used one to make room.
		if victim := p.oldestIdleLocked(); victim != nil {
			p.removeLocked(victim)
			c := p.reserveLocked(image, spec)
			p.mu.Unlock()
			p.teardown(victim)
			return p.create(ctx, c)
		}

		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, newError(KindPoolExhausted, "pool acquire",
				fmt.Errorf("no container slot freed in time: %w", ctx.Err()))
		case <-p.slotFreed:
		}
	}
}

// Release returns a borrowed container to the pool, marking it idle.
// The container is not stopped; it stays warm for the next acquire.
func (p *ContainerPool) Release(c *PooledContainer) {
	p.mu.Lock()
	if c.State == StateInUse {
		c.State = StateIdle
		c.LastUsedAt = time.Now()
	}
	p.mu.Unlock()
	p.notify()
}

// Destroy force-removes a borrowed container instead of returning it. Used
// when the container's internal state is suspect (killed process, crashed
// exec) — it must never carry side effects into the next tenant.
func (p *ContainerPool) Destroy(c *PooledContainer) {
	p.mu.Lock()
	p.removeLocked(c)
	p.mu.Unlock()
	p.teardown(c)
	p.notify()
}

// DestroyAll force-stops and removes every tracked container and closes the
// pool. Safe to call repeatedly; after the first call Acquire fails with
// KindPoolClosed.
func (p *ContainerPool) DestroyAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	victims := make([]*PooledContainer, 0, len(p.containers))
	for _, c := range p.containers {
		c.State = StateDestroyed
		victims = append(victims, c)
	}
	p.containers = make(map[string]*PooledContainer)
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopSweep) })
	<-p.sweepDone

	var firstErr error
	for _, c := range victims {
		if err := p.runtime.RemoveContainer(ctx, c.ID); err != nil {
			p.logger.Warn("failed to remove container",
				zap.String("container", c.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	p.notify()
	return firstErr
}

// Size reports the aggregate live-container count (idle + in-use).
func (p *ContainerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.containers)
}

func (p *ContainerPool) takeIdleLocked(image string) *PooledContainer {
	for _, c := range p.containers {
		if c.Image == image && c.State == StateIdle {
			c.State = StateInUse
			c.LastUsedAt = time.Now()
			return c
		}
	}
	return nil
}

func (p *ContainerPool) oldestIdleLocked() *PooledContainer {
	var oldest *PooledContainer
	for _, c := range p.containers {
		if c.State != StateIdle {
			continue
		}
		if oldest == nil || c.LastUsedAt.Before(oldest.LastUsedAt) {
			oldest = c
		}
	}
	return oldest
}

// reserveLocked claims a slot before the (slow) container creation runs
// outside the lock, so two acquirers cannot overshoot maxSize.
func (p *ContainerPool) reserveLocked(image string, spec ContainerSpec) *PooledContainer {
	id := "runbox-" + uuid.NewString()[:8]
	spec.Name = id
	spec.Image = image
	c := &PooledContainer{
		ID:         id,
		Image:      image,
		State:      StateInUse,
		LastUsedAt: time.Now(),
		spec:       spec,
	}
	p.containers[id] = c
	return c
}

func (p *ContainerPool) removeLocked(c *PooledContainer) {
	c.State = StateDestroyed
	delete(p.containers, c.ID)
}

func (p *ContainerPool) create(ctx context.Context, c *PooledContainer) (*PooledContainer, error) {
	if err := p.runtime.CreateContainer(ctx, c.spec); err != nil {
		p.mu.Lock()
		p.removeLocked(c)
		p.mu.Unlock()
		p.notify()
		return nil, err
	}
	p.logger.Debug("container created",
		zap.String("container", c.ID), zap.String("image", c.Image))
	return c, nil
}

// teardown stops and removes a container outside the pool lock.
func (p *ContainerPool) teardown(c *PooledContainer) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := p.runtime.StopContainer(ctx, c.ID); err != nil {
		p.logger.Debug("container stop failed, forcing removal",
			zap.String("container", c.ID), zap.Error(err))
	}
	if err := p.runtime.RemoveContainer(ctx, c.ID); err != nil {
		p.logger.Warn("failed to remove container",
			zap.String("container", c.ID), zap.Error(err))
	}
}

func (p *ContainerPool) notify() {
	select {
	case p.slotFreed <- struct{}{}:
	default:
	}
}

// sweep periodically destroys containers idle longer than the idle timeout.
func (p *ContainerPool) sweep() {
	defer close(p.sweepDone)

	interval := p.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *ContainerPool) evictIdle() {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	var victims []*PooledContainer
	for _, c := range p.containers {
		if c.State == StateIdle && c.LastUsedAt.Before(cutoff) {
			p.removeLocked(c)
			victims = append(victims, c)
		}
	}
	p.mu.Unlock()

	for _, c := range victims {
		p.logger.Info("evicting idle container",
			zap.String("container", c.ID),
			zap.String("image", c.Image),
			zap.Time("last_used", c.LastUsedAt))
		p.teardown(c)
		p.notify()
	}
}
