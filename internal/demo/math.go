// Package demo has the channels served by the worker binaries, and typed stubs for calling them.
package demo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/workerrpc/event"
	"github.com/guseggert/workerrpc/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const MathChannel = "math"

// Registrar is implemented by worker.Server and worker.Client.
type Registrar interface {
	SetChannel(name string, ch protocol.Channel) error
}

type Option func(m *Math)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(m *Math) {
		m.log = log.Named("math")
	}
}

// WithTickInterval sets how often onTick and onDynamicCountdown fire.
func WithTickInterval(d time.Duration) Option {
	return func(m *Math) {
		m.interval = d
	}
}

// Math is a small channel for exercising calls, errors, binary payloads, and events.
type Math struct {
	log      *zap.SugaredLogger
	interval time.Duration
	tick     *event.Emitter[int]

	tickMut  sync.Mutex
	stopTick chan struct{}
}

func NewMath(opts ...Option) *Math {
	m := &Math{
		log:      zap.NewNop().Sugar(),
		interval: time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	// the ticker only runs while someone listens
	m.tick = event.NewEmitter[int](
		event.WithOnFirstListenerAdd(m.startTicking),
		event.WithOnLastListenerRemove(m.stopTicking),
	)
	return m
}

// Register serves a new Math on r.
func Register(r Registrar, opts ...Option) error {
	return r.SetChannel(MathChannel, NewMath(opts...).Handler())
}

func (m *Math) Handler() *protocol.Handler {
	return protocol.NewHandler().
		Method("$add", m.Add).
		Method("$concat", m.Concat).
		Method("$reverse", m.Reverse).
		Method("$fail", m.Fail).
		Method("$sleep", m.Sleep).
		Event("onTick", protocol.Untyped(m.tick.Event)).
		DynamicEvent("onDynamicCountdown", m.countdown)
}

func (m *Math) Add(a, b int) int { return a + b }

func (m *Math) Concat(parts ...string) string { return strings.Join(parts, "") }

// Reverse returns a reversed copy of b.
func (m *Math) Reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

func (m *Math) Fail(msg string) error {
	return errors.Wrap(errors.New(msg), "math failed")
}

// Sleep returns after d milliseconds, or when the caller's engine goes away.
func (m *Math) Sleep(ctx context.Context, ms int) error {
	protocol.Release(ctx)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick fires onTick with the given value.
func (m *Math) Tick(v int) { m.tick.Fire(v) }

func (m *Math) startTicking() {
	m.tickMut.Lock()
	defer m.tickMut.Unlock()
	stop := make(chan struct{})
	m.stopTick = stop
	m.log.Debug("ticker started")
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for n := 1; ; n++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			m.tick.Fire(n)
		}
	}()
}

func (m *Math) stopTicking() {
	m.tickMut.Lock()
	defer m.tickMut.Unlock()
	if m.stopTick != nil {
		close(m.stopTick)
		m.stopTick = nil
		m.log.Debug("ticker stopped")
	}
}

// countdown fires from, from-1, ..., 1 once per interval, starting when the subscription is made.
func (m *Math) countdown(arg any) (event.Event[any], error) {
	from, err := protocol.As[int](arg)
	if err != nil {
		return nil, errors.Wrap(err, "countdown start")
	}
	if from < 0 {
		return nil, errors.Errorf("countdown from negative number %d", from)
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	var em *event.Emitter[int]
	em = event.NewEmitter[int](
		event.WithOnFirstListenerAdd(func() {
			go func() {
				ticker := time.NewTicker(m.interval)
				defer ticker.Stop()
				for n := from; n > 0; n-- {
					select {
					case <-stop:
						return
					case <-ticker.C:
					}
					em.Fire(n)
				}
			}()
		}),
		event.WithOnLastListenerRemove(func() { stopOnce.Do(func() { close(stop) }) }),
	)
	return protocol.Untyped(em.Event), nil
}
