package protocol

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/guseggert/workerrpc/event"
)

// Channel is a named capability set registered on one side that the other side can call into.
//
// Call returns an error wrapping ErrNoSuchMethod for unknown methods, and Listen returns one wrapping
// ErrNoSuchEvent for unknown events. For dynamic events Listen receives the subscriber's argument.
type Channel interface {
	Call(ctx context.Context, method string, args []any) (any, error)
	Listen(eventName string, arg any) (event.Event[any], error)
}

// MethodFunc is the untyped form of a channel method.
type MethodFunc func(ctx context.Context, args []any) (any, error)

// DynamicEventFunc resolves a parameterized event for the subscriber's argument.
type DynamicEventFunc func(arg any) (event.Event[any], error)

// Handler is a Channel assembled from individually registered methods and events.
type Handler struct {
	m       sync.RWMutex
	methods map[string]MethodFunc
	events  map[string]event.Event[any]
	dynamic map[string]DynamicEventFunc
}

func NewHandler() *Handler {
	return &Handler{
		methods: map[string]MethodFunc{},
		events:  map[string]event.Event[any]{},
		dynamic: map[string]DynamicEventFunc{},
	}
}

// Handle registers an untyped method.
func (h *Handler) Handle(name string, fn MethodFunc) *Handler {
	h.m.Lock()
	defer h.m.Unlock()
	h.methods[name] = fn
	return h
}

// Method registers a typed Go func as a method. See Method for the accepted signatures.
func (h *Handler) Method(name string, fn any) *Handler {
	return h.Handle(name, Method(fn))
}

func (h *Handler) Event(name string, ev event.Event[any]) *Handler {
	h.m.Lock()
	defer h.m.Unlock()
	h.events[name] = ev
	return h
}

func (h *Handler) DynamicEvent(name string, fn DynamicEventFunc) *Handler {
	h.m.Lock()
	defer h.m.Unlock()
	h.dynamic[name] = fn
	return h
}

func (h *Handler) Call(ctx context.Context, method string, args []any) (any, error) {
	h.m.RLock()
	fn, ok := h.methods[method]
	h.m.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchMethod, method)
	}
	return fn(ctx, args)
}

func (h *Handler) Listen(eventName string, arg any) (event.Event[any], error) {
	h.m.RLock()
	ev, isStatic := h.events[eventName]
	dyn, isDynamic := h.dynamic[eventName]
	h.m.RUnlock()
	switch {
	case isDynamic:
		return dyn(arg)
	case isStatic:
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoSuchEvent, eventName)
	}
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Method adapts a typed Go func into a MethodFunc.
//
// The func may take a context.Context as its first parameter, followed by any number of parameters (variadic
// included) that incoming arguments are converted into with As. Missing arguments become zero values and extra
// arguments are ignored. It may return nothing, a result, an error, or a result and an error.
// Method panics if fn does not have such a signature.
func Method(fn any) MethodFunc {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		panic(fmt.Sprintf("protocol.Method: %T is not a func", fn))
	}
	switch ft.NumOut() {
	case 0, 1:
	case 2:
		if ft.Out(1) != errorType {
			panic(fmt.Sprintf("protocol.Method: second result of %s must be error", ft))
		}
	default:
		panic(fmt.Sprintf("protocol.Method: %s returns too many results", ft))
	}

	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		first = 1
	}
	numParams := ft.NumIn() - first

	return func(ctx context.Context, args []any) (any, error) {
		in := make([]reflect.Value, 0, ft.NumIn())
		if first == 1 {
			in = append(in, reflect.ValueOf(ctx))
		}

		fixed := numParams
		if ft.IsVariadic() {
			fixed--
		}
		for i := 0; i < fixed; i++ {
			var a any
			if i < len(args) {
				a = args[i]
			}
			v, err := convertValue(a, ft.In(first+i))
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}
		if ft.IsVariadic() && len(args) > fixed {
			elem := ft.In(ft.NumIn() - 1).Elem()
			for i := fixed; i < len(args); i++ {
				v, err := convertValue(args[i], elem)
				if err != nil {
					return nil, fmt.Errorf("argument %d: %w", i, err)
				}
				in = append(in, v)
			}
		}

		return splitResults(fv.Call(in))
	}
}

func splitResults(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type() == errorType {
			err, _ := out[0].Interface().(error)
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		err, _ := out[1].Interface().(error)
		if err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	}
}

// Untyped widens a typed event so it can be registered on a Handler.
func Untyped[T any](ev event.Event[T]) event.Event[any] {
	return func(l event.Listener[any]) event.Disposable {
		return ev(func(v T) { l(v) })
	}
}

// Typed narrows an event received from a peer, converting each payload with As.
// Payloads that cannot be converted are not delivered.
func Typed[T any](ev event.Event[any]) event.Event[T] {
	return func(l event.Listener[T]) event.Disposable {
		return ev(func(v any) {
			t, err := As[T](v)
			if err != nil {
				return
			}
			l(t)
		})
	}
}
