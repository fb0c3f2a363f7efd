package bus

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Waiter blocks the calling goroutine until a group of requests completes.
type Waiter struct {
	mu      sync.Mutex
	pending []*Request
}

// Add tracks requests. They may be sent before or after being added.
func (w *Waiter) Add(requests ...*Request) {
	w.mu.Lock()
	w.pending = append(w.pending, requests...)
	w.mu.Unlock()
}

// Wait returns when all tracked requests are done, or with the first error. When one
// request fails the others are abandoned, their callbacks may still run later.
func (w *Waiter) Wait(ctx context.Context) error {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range pending {
		r := r
		g.Go(func() error {
			return r.Wait(gctx)
		})
	}
	return g.Wait()
}

// WaitAll sends nothing, it only waits for the given requests.
func WaitAll(ctx context.Context, requests ...*Request) error {
	var w Waiter
	w.Add(requests...)
	return w.Wait(ctx)
}
