package streamlock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Registry hands out per-key locks. The processor uses one lock per logical
// stream so two entries of the same stream are never in flight at once.
type Registry struct {
	mu   sync.Mutex
	held map[string]string // key -> holder value
}

func NewRegistry() *Registry {
	return &Registry{held: make(map[string]string)}
}

// Locker guards a single key. The value identifies the holder so that only
// the goroutine that acquired the lock can release it.
type Locker struct {
	reg   *Registry
	key   string
	value string
}

func (r *Registry) NewLocker(key, value string) *Locker {
	return &Locker{reg: r, key: key, value: value}
}

func (l *Locker) Lock() error {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	if _, taken := l.reg.held[l.key]; taken {
		return fmt.Errorf("lock for key %s is already held", l.key)
	}
	l.reg.held[l.key] = l.value
	return nil
}

func (l *Locker) Unlock() error {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	if holder, taken := l.reg.held[l.key]; !taken || holder != l.value {
		return fmt.Errorf("unlock failed, you're not the lock holder for key %s", l.key)
	}
	delete(l.reg.held, l.key)
	return nil
}

// WaitLock keeps trying to acquire the lock until it succeeds, the wait
// timeout lapses, or the context is cancelled.
func (l *Locker) WaitLock(ctx context.Context, waitTimeout time.Duration) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.Lock()
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
	}
	return fmt.Errorf("failed to acquire lock for key %s within the wait timeout", l.key)
}
