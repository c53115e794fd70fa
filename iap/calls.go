package iap

import (
	"context"
	"sync"

	"github.com/code-payments/iap-bridge/model"
)

type CallResult[T any] struct {
	Value T
	Err   error
}

// Calls correlates vendor requests with their single completion callback
// through unique request handles, so concurrent requests of the same kind do
// not collide.
type Calls[T any] struct {
	mu      sync.Mutex
	pending map[string]chan CallResult[T]
}

func NewCalls[T any]() *Calls[T] {
	return &Calls[T]{
		pending: make(map[string]chan CallResult[T]),
	}
}

// Register allocates a handle and the channel its result will arrive on.
func (c *Calls[T]) Register() (string, <-chan CallResult[T]) {
	handle := model.MustGenerateRequestHandle()
	ch := make(chan CallResult[T], 1)

	c.mu.Lock()
	c.pending[handle] = ch
	c.mu.Unlock()

	return handle, ch
}

// Resolve completes the call for handle. It returns false if the handle is
// unknown, already resolved or forgotten.
func (c *Calls[T]) Resolve(handle string, value T, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[handle]
	delete(c.pending, handle)
	c.mu.Unlock()

	if !ok {
		return false
	}

	ch <- CallResult[T]{Value: value, Err: err}
	return true
}

// Forget drops a handle whose caller stopped waiting.
func (c *Calls[T]) Forget(handle string) {
	c.mu.Lock()
	delete(c.pending, handle)
	c.mu.Unlock()
}

// Len returns the number of unresolved calls.
func (c *Calls[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Await waits for the result of handle, forgetting it if ctx ends first.
func (c *Calls[T]) Await(ctx context.Context, handle string, ch <-chan CallResult[T]) (T, error) {
	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		c.Forget(handle)
		var zero T
		return zero, ctx.Err()
	}
}
