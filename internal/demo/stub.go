package demo

import (
	"context"

	"github.com/guseggert/workerrpc/event"
	"github.com/guseggert/workerrpc/protocol"
)

// MathStub calls a remote Math channel with static types.
type MathStub struct {
	p *protocol.Proxy
}

func NewMathStub(p *protocol.Proxy) *MathStub {
	return &MathStub{p: p}
}

func (s *MathStub) Add(ctx context.Context, a, b int) (int, error) {
	return protocol.Invoke[int](ctx, s.p, "$add", a, b)
}

func (s *MathStub) Concat(ctx context.Context, parts ...string) (string, error) {
	args := make([]any, len(parts))
	for i, p := range parts {
		args[i] = p
	}
	return protocol.Invoke[string](ctx, s.p, "$concat", args...)
}

func (s *MathStub) Reverse(ctx context.Context, b []byte) ([]byte, error) {
	return protocol.Invoke[[]byte](ctx, s.p, "$reverse", b)
}

func (s *MathStub) Fail(ctx context.Context, msg string) error {
	_, err := s.p.Call(ctx, "$fail", msg)
	return err
}

func (s *MathStub) Sleep(ctx context.Context, ms int) error {
	_, err := s.p.Call(ctx, "$sleep", ms)
	return err
}

func (s *MathStub) OnTick() event.Event[int] {
	ev, _ := s.p.Event("onTick")
	return protocol.Typed[int](ev)
}

func (s *MathStub) OnCountdown(from int) event.Event[int] {
	ev, _ := s.p.DynamicEvent("onDynamicCountdown", from)
	return protocol.Typed[int](ev)
}
