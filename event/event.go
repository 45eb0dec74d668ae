/*
Package event provides typed event sources with reference-counted listener registration.

An Emitter owns the listener list and fires payloads; consumers only see its Event func, which registers a
listener and returns a Disposable that removes it again. Emitters can be configured with hooks that run when the
first listener is added and when the last listener is removed, which is how remote subscriptions are opened and
closed lazily.
*/
package event

import (
	"sync"
	"sync/atomic"
)

// Listener receives the payload of a single firing.
type Listener[T any] func(T)

// Event registers a listener. Disposing the returned value removes the listener.
type Event[T any] func(Listener[T]) Disposable

// Disposable releases a registration or resource.
type Disposable interface {
	Dispose()
}

// DisposableFunc adapts a func into a Disposable.
type DisposableFunc func()

func (f DisposableFunc) Dispose() { f() }

// Once returns a Disposable that runs f at most once, no matter how many times it is disposed.
func Once(f func()) Disposable {
	var once sync.Once
	return DisposableFunc(func() { once.Do(f) })
}

var nopDisposable = DisposableFunc(func() {})

// None returns an Event that never fires.
func None[T any]() Event[T] {
	return func(Listener[T]) Disposable { return nopDisposable }
}

type Option func(o *options)

type options struct {
	onFirstListenerAdd   func()
	onLastListenerRemove func()
}

// WithOnFirstListenerAdd sets a hook that runs right before the first listener is registered.
// The hook runs with the emitter locked, so it must not register or remove listeners on the same emitter.
func WithOnFirstListenerAdd(f func()) Option {
	return func(o *options) {
		o.onFirstListenerAdd = f
	}
}

// WithOnLastListenerRemove sets a hook that runs right after the last listener is removed.
// The same locking rule as WithOnFirstListenerAdd applies.
func WithOnLastListenerRemove(f func()) Option {
	return func(o *options) {
		o.onLastListenerRemove = f
	}
}

type listenerEntry[T any] struct {
	fn      Listener[T]
	removed atomic.Bool
}

// Emitter is a goroutine-safe event source.
type Emitter[T any] struct {
	opts options

	m         sync.Mutex
	disposed  bool
	listeners []*listenerEntry[T]
}

func NewEmitter[T any](opts ...Option) *Emitter[T] {
	e := &Emitter[T]{}
	for _, o := range opts {
		o(&e.opts)
	}
	return e
}

// Event registers l. It has the signature of Event[T], so e.Event can be handed out directly.
func (e *Emitter[T]) Event(l Listener[T]) Disposable {
	e.m.Lock()
	defer e.m.Unlock()

	if e.disposed {
		return nopDisposable
	}

	entry := &listenerEntry[T]{fn: l}
	if len(e.listeners) == 0 && e.opts.onFirstListenerAdd != nil {
		e.opts.onFirstListenerAdd()
	}
	e.listeners = append(e.listeners, entry)

	return Once(func() { e.remove(entry) })
}

func (e *Emitter[T]) remove(entry *listenerEntry[T]) {
	e.m.Lock()
	defer e.m.Unlock()

	entry.removed.Store(true)
	if e.disposed {
		return
	}
	for i, l := range e.listeners {
		if l == entry {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			if len(e.listeners) == 0 && e.opts.onLastListenerRemove != nil {
				e.opts.onLastListenerRemove()
			}
			return
		}
	}
}

// Fire calls every registered listener with v, in registration order, on the calling goroutine.
// Listeners removed while a firing is in progress are skipped.
func (e *Emitter[T]) Fire(v T) {
	e.m.Lock()
	listeners := make([]*listenerEntry[T], len(e.listeners))
	copy(listeners, e.listeners)
	e.m.Unlock()

	for _, l := range listeners {
		if l.removed.Load() {
			continue
		}
		l.fn(v)
	}
}

func (e *Emitter[T]) ListenerCount() int {
	e.m.Lock()
	defer e.m.Unlock()
	return len(e.listeners)
}

// Dispose drops all listeners without running the last-listener hook. Later registrations are ignored.
func (e *Emitter[T]) Dispose() {
	e.m.Lock()
	defer e.m.Unlock()
	for _, l := range e.listeners {
		l.removed.Store(true)
	}
	e.listeners = nil
	e.disposed = true
}
