package dedup

import (
	"context"
	"sync"

	"github.com/algomatic/strat-service/internal/types"
)

// KeyLocker hands out exclusive in-process locks per alert key.
// The zero value is ready to use.
type KeyLocker struct {
	mu   sync.Mutex
	held map[types.AlertKey]chan struct{}
}

// Lock blocks until key is free or ctx is done. The returned unlock func is
// safe to call more than once.
func (l *KeyLocker) Lock(ctx context.Context, key types.AlertKey) (func(), error) {
	for {
		l.mu.Lock()
		if l.held == nil {
			l.held = make(map[types.AlertKey]chan struct{})
		}
		wait, busy := l.held[key]
		if !busy {
			ch := make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
