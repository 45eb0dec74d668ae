package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/workerrpc/event"
)

// MemberKind is how a proxy member name is interpreted.
type MemberKind int

const (
	MemberNone MemberKind = iota
	// MemberMethod names start with "$".
	MemberMethod
	// MemberEvent names are "on" followed by an upper-case letter.
	MemberEvent
	// MemberDynamicEvent names are "onDynamic" followed by an upper-case letter. They take an argument.
	MemberDynamicEvent
)

func (k MemberKind) String() string {
	switch k {
	case MemberMethod:
		return "method"
	case MemberEvent:
		return "event"
	case MemberDynamicEvent:
		return "dynamic event"
	default:
		return "none"
	}
}

// Classify applies the member naming convention shared with remote peers.
func Classify(name string) MemberKind {
	switch {
	case len(name) > 9 && name[:9] == "onDynamic" && isUpperASCII(name[9]):
		return MemberDynamicEvent
	case len(name) > 2 && name[:2] == "on" && isUpperASCII(name[2]):
		return MemberEvent
	case len(name) > 0 && name[0] == '$':
		return MemberMethod
	default:
		return MemberNone
	}
}

func isUpperASCII(c byte) bool { return c >= 'A' && c <= 'Z' }

// Barrier gates a proxy until a precondition holds, such as the handshake completing.
// It must return nil immediately once the precondition holds, even when ctx is already done.
type Barrier func(ctx context.Context) error

// Proxy is the local stand-in for a channel registered on the peer.
// Proxies are created and cached by Engine.Proxy.
type Proxy struct {
	engine  *Engine
	channel string
	barrier Barrier

	// registrations made before the barrier passed, in order
	m        sync.Mutex
	queued   []*gatedListener
	flushing bool
}

type gatedListener struct {
	ev event.Event[any]
	l  event.Listener[any]

	m        sync.Mutex
	disposed bool
	inner    event.Disposable
}

func (g *gatedListener) register() {
	g.m.Lock()
	defer g.m.Unlock()
	if !g.disposed {
		g.inner = g.ev(g.l)
	}
}

func (g *gatedListener) Dispose() {
	g.m.Lock()
	g.disposed = true
	inner := g.inner
	g.inner = nil
	g.m.Unlock()
	if inner != nil {
		inner.Dispose()
	}
}

func (p *Proxy) Channel() string { return p.channel }

// Call invokes a remote method. The method name must start with "$".
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	if kind := Classify(method); kind != MemberMethod {
		return nil, fmt.Errorf("%q is not a method name (got %s)", method, kind)
	}
	if p.barrier != nil && !p.passed() {
		resume := p.engine.yield(ctx)
		err := p.barrier(ctx)
		resume()
		if err != nil {
			return nil, err
		}
	}
	return p.engine.Call(ctx, p.channel, method, args...)
}

// Event returns the remote event with the given name, which must be "on" followed by an upper-case letter.
func (p *Proxy) Event(name string) (event.Event[any], error) {
	if kind := Classify(name); kind != MemberEvent {
		return nil, fmt.Errorf("%q is not an event name (got %s)", name, kind)
	}
	return p.gate(p.engine.Listen(p.channel, name, nil)), nil
}

// DynamicEvent returns the parameterized remote event for arg. The name must be "onDynamic" followed by an
// upper-case letter.
func (p *Proxy) DynamicEvent(name string, arg any) (event.Event[any], error) {
	if kind := Classify(name); kind != MemberDynamicEvent {
		return nil, fmt.Errorf("%q is not a dynamic event name (got %s)", name, kind)
	}
	return p.gate(p.engine.Listen(p.channel, name, arg)), nil
}

// Get resolves a member by name the way a dynamic proxy would. It returns
//
//	func(ctx context.Context, args ...any) (any, error)  for methods
//	event.Event[any]                                      for events
//	func(arg any) event.Event[any]                        for dynamic events
//	nil                                                   for anything else
func (p *Proxy) Get(name string) any {
	switch Classify(name) {
	case MemberMethod:
		return func(ctx context.Context, args ...any) (any, error) {
			return p.Call(ctx, name, args...)
		}
	case MemberEvent:
		ev, _ := p.Event(name)
		return ev
	case MemberDynamicEvent:
		return func(arg any) event.Event[any] {
			ev, _ := p.DynamicEvent(name, arg)
			return ev
		}
	default:
		return nil
	}
}

// passed reports whether the barrier lets calls through right now.
func (p *Proxy) passed() bool {
	done, cancel := context.WithCancel(context.Background())
	cancel()
	return p.barrier(done) == nil
}

// gate holds back listener registration on ev until the barrier passes. Held back registrations are made in the
// order they were requested, and before any later one.
func (p *Proxy) gate(ev event.Event[any]) event.Event[any] {
	if p.barrier == nil {
		return ev
	}
	return func(l event.Listener[any]) event.Disposable {
		done, cancel := context.WithCancel(context.Background())
		cancel()
		err := p.barrier(done)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.engine.log.Warnw("not subscribing, barrier failed", "Channel", p.channel, "Error", err)
			return event.DisposableFunc(func() {})
		}

		g := &gatedListener{ev: ev, l: l}
		p.m.Lock()
		if err == nil && !p.flushing {
			p.m.Unlock()
			g.register()
			return event.Once(g.Dispose)
		}
		p.queued = append(p.queued, g)
		if !p.flushing {
			p.flushing = true
			go p.flush()
		}
		p.m.Unlock()
		return event.Once(g.Dispose)
	}
}

// flush waits for the barrier and then registers the queued listeners one by one.
func (p *Proxy) flush() {
	if err := p.barrier(p.engine.ctx); err != nil {
		p.engine.log.Warnw("not subscribing, barrier failed", "Channel", p.channel, "Error", err)
		p.m.Lock()
		p.queued = nil
		p.flushing = false
		p.m.Unlock()
		return
	}
	for {
		p.m.Lock()
		if len(p.queued) == 0 {
			p.flushing = false
			p.m.Unlock()
			return
		}
		g := p.queued[0]
		p.queued[0] = nil
		p.queued = p.queued[1:]
		p.m.Unlock()
		g.register()
	}
}

// Invoke calls a remote method through p and converts the result into T.
func Invoke[T any](ctx context.Context, p *Proxy, method string, args ...any) (T, error) {
	var zero T
	res, err := p.Call(ctx, method, args...)
	if err != nil {
		return zero, err
	}
	out, err := As[T](res)
	if err != nil {
		return zero, fmt.Errorf("decoding result of %s.%s: %w", p.channel, method, err)
	}
	return out, nil
}
