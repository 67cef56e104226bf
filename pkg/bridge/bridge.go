// Package bridge turns single-value, possibly asynchronous sources into
// blocking calls that honour context cancellation.
//
// A source is subscribed once per Await. The waiting caller is resumed exactly
// once: with the first value, the first error, ErrFinishedWithoutValue when
// the source completes empty, or the context error on cancellation. Anything
// the source emits after that is dropped. The release function returned by
// Subscribe is invoked exactly once after the caller has been resumed.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrFinishedWithoutValue is returned when a source completes without
// emitting a value or an error.
var ErrFinishedWithoutValue = errors.New("source finished without value")

// Emitter receives the outcome of a source. Only the first call has an effect.
type Emitter[T any] interface {
	Value(v T)
	Error(err error)
	Complete()
}

// Handle is passed to a source on subscription. It is cancelled as soon as
// the waiting caller has been resumed, for whatever reason.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled once the result is settled or the caller gives up.
func (h *Handle) Context() context.Context {
	return h.ctx
}

func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

func (h *Handle) Cancelled() bool {
	return h.ctx.Err() != nil
}

// Source produces at most one meaningful outcome per subscription.
// The returned release function may be nil.
type Source[T any] interface {
	Subscribe(h *Handle, e Emitter[T]) (release func())
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc[T any] func(h *Handle, e Emitter[T]) func()

func (f SourceFunc[T]) Subscribe(h *Handle, e Emitter[T]) func() {
	return f(h, e)
}

// Go returns a source which runs fn on its own goroutine. The context passed
// to fn is the subscription handle's context.
func Go[T any](fn func(ctx context.Context) (T, error)) Source[T] {
	return SourceFunc[T](func(h *Handle, e Emitter[T]) func() {
		go func() {
			v, err := fn(h.Context())
			if err != nil {
				e.Error(err)
				return
			}
			e.Value(v)
		}()
		return nil
	})
}

type outcome[T any] struct {
	value T
	err   error
}

type continuation[T any] struct {
	completed atomic.Bool
	result    chan outcome[T]
	handle    *Handle

	mu       sync.Mutex
	release  func()
	settled  bool
	released bool
}

func newContinuation[T any](ctx context.Context) *continuation[T] {
	hctx, cancel := context.WithCancel(ctx)
	return &continuation[T]{
		result: make(chan outcome[T], 1),
		handle: &Handle{ctx: hctx, cancel: cancel},
	}
}

func (c *continuation[T]) Value(v T) {
	c.resume(outcome[T]{value: v})
}

func (c *continuation[T]) Error(err error) {
	if err == nil {
		err = ErrFinishedWithoutValue
	}
	c.resume(outcome[T]{err: err})
}

func (c *continuation[T]) Complete() {
	c.resume(outcome[T]{err: ErrFinishedWithoutValue})
}

// resume delivers o if nothing has been delivered yet.
func (c *continuation[T]) resume(o outcome[T]) bool {
	if !c.completed.CompareAndSwap(false, true) {
		return false
	}
	c.result <- o
	c.handle.cancel()
	c.settle()
	return true
}

func (c *continuation[T]) settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled = true
	c.releaseLocked()
}

// attach records the release function once Subscribe has returned. If the
// source already emitted synchronously the release runs right away.
func (c *continuation[T]) attach(release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release = release
	if c.settled {
		c.releaseLocked()
	}
}

func (c *continuation[T]) releaseLocked() {
	if c.release == nil || c.released {
		return
	}
	c.released = true
	c.release()
}

// Await subscribes to src and blocks until the first outcome or until ctx is
// done. On cancellation the subscription handle is cancelled and ctx.Err() is
// returned, unless a value or error won the race.
func Await[T any](ctx context.Context, src Source[T]) (T, error) {
	c := newContinuation[T](ctx)
	c.attach(src.Subscribe(c.handle, c))

	select {
	case o := <-c.result:
		return o.value, o.err
	case <-ctx.Done():
		c.resume(outcome[T]{err: ctx.Err()})
		o := <-c.result
		return o.value, o.err
	}
}

// Result carries either a value or an error already mapped into the
// caller's error type.
type Result[T any, E error] struct {
	Value T
	Err   E
	ok    bool
}

func (r Result[T, E]) OK() bool {
	return r.ok
}

func (r Result[T, E]) Get() (T, E) {
	return r.Value, r.Err
}

// AwaitResult is Await with the error converted by mapErr.
func AwaitResult[T any, E error](ctx context.Context, src Source[T], mapErr func(error) E) Result[T, E] {
	v, err := Await(ctx, src)
	if err != nil {
		return Result[T, E]{Err: mapErr(err)}
	}
	return Result[T, E]{Value: v, ok: true}
}
