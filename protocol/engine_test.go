package protocol

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/workerrpc/event"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

type sent struct {
	msg      *Message
	transfer [][]byte
}

// recorder captures everything an engine sends, optionally forwarding it.
type recorder struct {
	m       sync.Mutex
	msgs    []sent
	forward func(*Message)
}

func (r *recorder) send(msg *Message, transfer [][]byte) error {
	r.m.Lock()
	r.msgs = append(r.msgs, sent{msg: msg, transfer: transfer})
	fwd := r.forward
	r.m.Unlock()
	if fwd != nil {
		fwd(msg)
	}
	return nil
}

func (r *recorder) sent() []sent {
	r.m.Lock()
	defer r.m.Unlock()
	out := make([]sent, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recorder) ofType(t MessageType) []*Message {
	var out []*Message
	for _, s := range r.sent() {
		if s.msg.Type == t {
			out = append(out, s.msg)
		}
	}
	return out
}

// pump delivers messages to an engine in order on one goroutine, like a transport reader.
func pump(t *testing.T, dst func() *Engine) func(*Message) {
	ch := make(chan *Message, 1024)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case msg := <-ch:
				dst().HandleMessage(msg)
			case <-done:
				return
			}
		}
	}()
	return func(msg *Message) {
		select {
		case ch <- msg:
		case <-done:
		}
	}
}

// connect returns two engines wired to each other, plus recorders of what each side sent.
func connect(t *testing.T) (a, b *Engine, aSent, bSent *recorder) {
	aSent, bSent = &recorder{}, &recorder{}
	a = NewEngine(aSent.send, WithLogger(log.Named("a")))
	b = NewEngine(bSent.send, WithLogger(log.Named("b")))
	aSent.forward = pump(t, func() *Engine { return b })
	bSent.forward = pump(t, func() *Engine { return a })
	t.Cleanup(func() {
		a.Dispose()
		b.Dispose()
	})
	return a, b, aSent, bSent
}

func mathHandler() *Handler {
	return NewHandler().
		Method("$add", func(a, b int) int { return a + b }).
		Method("$echo", func(ctx context.Context, v int) (int, error) {
			// replies come back out of order
			Release(ctx)
			select {
			case <-time.After(time.Duration(rand.Intn(5)) * time.Millisecond):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
			return v, nil
		})
}

func TestCallAdd(t *testing.T) {
	a, b, _, _ := connect(t)
	b.SetChannel("math", mathHandler())

	res, err := a.Call(context.Background(), "math", "$add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, res)
}

func TestCallMissingMethod(t *testing.T) {
	a, b, _, _ := connect(t)
	b.SetChannel("math", mathHandler())

	_, err := a.Call(context.Background(), "math", "$missingMethod")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$missingMethod")
	assert.Contains(t, err.Error(), "math")

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "MissingMethodError", remote.Name)
}

func TestCallMissingChannel(t *testing.T) {
	a, _, _, _ := connect(t)

	_, err := a.Call(context.Background(), "nope", "$add", 1, 2)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "MissingChannelError", remote.Name)
	assert.Contains(t, remote.Message, "nope")
	assert.Contains(t, remote.Message, "$add")
}

func TestCallCorrelation(t *testing.T) {
	a, b, _, _ := connect(t)
	b.SetChannel("math", mathHandler())

	var g errgroup.Group
	for i := 0; i < 100; i++ {
		i := i
		g.Go(func() error {
			res, err := a.Call(context.Background(), "math", "$echo", i)
			if err != nil {
				return err
			}
			if res != i {
				return fmt.Errorf("call %d got %v", i, res)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestCallHandlerError(t *testing.T) {
	a, b, _, _ := connect(t)
	b.SetChannel("math", NewHandler().Method("$fail", func() error {
		return fmt.Errorf("outer: %w", pkgerrors.New("inner"))
	}))

	_, err := a.Call(context.Background(), "math", "$fail")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Error", remote.Name)
	assert.Equal(t, "outer: inner", remote.Message)
	assert.NotEmpty(t, remote.Stack)
	require.NotNil(t, remote.Detail)
	assert.Equal(t, "inner", remote.Detail.Message)
}

func TestCallHandlerPanic(t *testing.T) {
	a, b, _, _ := connect(t)
	b.SetChannel("math", NewHandler().Method("$panic", func() int { panic("kaboom") }))

	_, err := a.Call(context.Background(), "math", "$panic")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "PanicError", remote.Name)
	assert.Contains(t, remote.Message, "kaboom")
	assert.NotEmpty(t, remote.Stack)

	// the engine keeps serving
	res, err := a.Call(context.Background(), "math", "$panic")
	assert.Nil(t, res)
	assert.Error(t, err)
}

func TestCallOpaqueError(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, WithLogger(log))
	defer e.Dispose()

	errs := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), "math", "$add")
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(rec.ofType(MessageTypeRequest)) == 1 }, time.Second, time.Millisecond)
	req := rec.ofType(MessageTypeRequest)[0]

	e.HandleMessage(NewReply(UnboundRemoteID, req.Req, nil, "boom"))

	err := <-errs
	var opaque *OpaqueError
	require.ErrorAs(t, err, &opaque)
	assert.Equal(t, "boom", opaque.Value)
}

func TestCallContextCanceled(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, WithLogger(log))
	defer e.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := e.Call(ctx, "math", "$add")
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(rec.ofType(MessageTypeRequest)) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	// a late reply is dropped
	req := rec.ofType(MessageTypeRequest)[0]
	e.HandleMessage(NewReply(UnboundRemoteID, req.Req, 1, nil))
}

func TestRequestDispatchedAtMostOnce(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, WithLogger(log))
	defer e.Dispose()

	var calls atomic.Int32
	e.SetChannel("math", NewHandler().Method("$add", func(a, b int) int {
		calls.Add(1)
		return a + b
	}))

	req := NewRequest(UnboundRemoteID, "7", "math", "$add", []any{2, 3})
	e.HandleMessage(req)
	e.HandleMessage(req)

	require.Eventually(t, func() bool { return len(rec.ofType(MessageTypeReply)) == 2 }, time.Second, time.Millisecond)

	// replay after the first reply went out
	e.HandleMessage(req)
	require.Eventually(t, func() bool { return len(rec.ofType(MessageTypeReply)) == 3 }, time.Second, time.Millisecond)

	assert.EqualValues(t, 1, calls.Load())
	for _, r := range rec.ofType(MessageTypeReply) {
		assert.Equal(t, "7", r.Seq)
		assert.Equal(t, 5, r.Res)
	}
}

func TestReplayWindowEvicts(t *testing.T) {
	c := newReplayCache(2)
	c.start("1")
	c.start("2")
	c.start("3")
	assert.Nil(t, c.get("1"))
	assert.NotNil(t, c.get("2"))
	assert.NotNil(t, c.get("3"))

	assert.Equal(t, 0, c.finish("1", &Message{}))

	c.get("3").duplicates = 2
	assert.Equal(t, 2, c.finish("3", &Message{}))

	off := newReplayCache(0)
	off.start("1")
	assert.Nil(t, off.get("1"))
}

func TestSubscriptionRefCounting(t *testing.T) {
	a, b, aSent, _ := connect(t)
	tick := event.NewEmitter[int]()
	b.SetChannel("clock", NewHandler().Event("onTick", Untyped(tick.Event)))

	ev := a.Listen("clock", "onTick", nil)
	var subs []event.Disposable
	for i := 0; i < 3; i++ {
		subs = append(subs, ev(func(any) {}))
	}
	assert.Len(t, aSent.ofType(MessageTypeSubscribeEvent), 1)

	subs[0].Dispose()
	subs[1].Dispose()
	subs[1].Dispose()
	assert.Empty(t, aSent.ofType(MessageTypeUnsubscribeEvent))

	subs[2].Dispose()
	unsubs := aSent.ofType(MessageTypeUnsubscribeEvent)
	require.Len(t, unsubs, 1)
	first := aSent.ofType(MessageTypeSubscribeEvent)[0]
	assert.Equal(t, first.Req, unsubs[0].Req)

	sub := ev(func(any) {})
	defer sub.Dispose()
	subscribes := aSent.ofType(MessageTypeSubscribeEvent)
	require.Len(t, subscribes, 2)
	assert.NotEqual(t, first.Req, subscribes[1].Req)
}

func TestEventsDeliveredInOrder(t *testing.T) {
	a, b, _, _ := connect(t)
	tick := event.NewEmitter[int]()
	b.SetChannel("clock", NewHandler().Event("onTick", Untyped(tick.Event)))

	got := make(chan int, 10)
	sub := Typed[int](a.Listen("clock", "onTick", nil))(func(v int) { got <- v })
	require.Eventually(t, func() bool { return tick.ListenerCount() == 1 }, time.Second, time.Millisecond)

	for i := 1; i <= 3; i++ {
		tick.Fire(i)
	}
	for i := 1; i <= 3; i++ {
		select {
		case v := <-got:
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for tick %d", i)
		}
	}

	sub.Dispose()
	require.Eventually(t, func() bool { return tick.ListenerCount() == 0 }, time.Second, time.Millisecond)
	tick.Fire(4)
	assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDynamicEvent(t *testing.T) {
	a, b, _, _ := connect(t)
	rooms := map[string]*event.Emitter[string]{}
	var m sync.Mutex
	b.SetChannel("chat", NewHandler().DynamicEvent("onDynamicRoom", func(arg any) (event.Event[any], error) {
		name, err := As[string](arg)
		if err != nil {
			return nil, err
		}
		m.Lock()
		defer m.Unlock()
		em := event.NewEmitter[string]()
		rooms[name] = em
		return Untyped(em.Event), nil
	}))

	got := make(chan any, 1)
	sub := a.Listen("chat", "onDynamicRoom", "lobby")(func(v any) { got <- v })
	defer sub.Dispose()
	require.Eventually(t, func() bool {
		m.Lock()
		defer m.Unlock()
		return rooms["lobby"] != nil && rooms["lobby"].ListenerCount() == 1
	}, time.Second, time.Millisecond)

	m.Lock()
	rooms["lobby"].Fire("hi")
	m.Unlock()
	assert.Equal(t, "hi", <-got)
}

func TestListenerMayCall(t *testing.T) {
	a, b, _, _ := connect(t)
	tick := event.NewEmitter[int]()
	b.SetChannel("math", mathHandler().Event("onTick", Untyped(tick.Event)))

	sums := make(chan any, 1)
	sub := a.Listen("math", "onTick", nil)(func(v any) {
		res, err := a.Call(context.Background(), "math", "$add", v, 1)
		if err == nil {
			sums <- res
		}
	})
	defer sub.Dispose()
	require.Eventually(t, func() bool { return tick.ListenerCount() == 1 }, time.Second, time.Millisecond)

	tick.Fire(41)
	select {
	case res := <-sums:
		assert.Equal(t, 42, res)
	case <-time.After(time.Second):
		t.Fatal("listener call did not complete")
	}
}

func TestRequestsRunInArrivalOrder(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, WithLogger(log))
	defer e.Dispose()

	var value atomic.Int64
	e.SetChannel("store", NewHandler().
		Method("$set", func(v int) { value.Store(int64(v)) }).
		Method("$get", func() int { return int(value.Load()) }))

	const n = 100
	var want []string
	for i := 0; i < n; i++ {
		set, get := fmt.Sprintf("s%d", i), fmt.Sprintf("g%d", i)
		e.HandleMessage(NewRequest(UnboundRemoteID, set, "store", "$set", []any{i}))
		e.HandleMessage(NewRequest(UnboundRemoteID, get, "store", "$get", []any{}))
		want = append(want, set, get)
	}
	require.Eventually(t, func() bool { return len(rec.ofType(MessageTypeReply)) == 2*n }, 5*time.Second, time.Millisecond)

	var seqs []string
	for _, r := range rec.ofType(MessageTypeReply) {
		seqs = append(seqs, r.Seq)
		var i int
		if _, err := fmt.Sscanf(r.Seq, "g%d", &i); err == nil {
			assert.Equal(t, i, r.Res, "$get after $set %d", i)
		}
	}
	assert.Equal(t, want, seqs)
}

func TestHandlerEventsBeforeReply(t *testing.T) {
	a, b, _, _ := connect(t)
	progress := event.NewEmitter[int]()
	b.SetChannel("job", NewHandler().
		Method("$work", func(i int) int {
			progress.Fire(i)
			return i
		}).
		Event("onProgress", Untyped(progress.Event)))

	got := make(chan int, 100)
	sub := Typed[int](a.Listen("job", "onProgress", nil))(func(v int) { got <- v })
	defer sub.Dispose()
	require.Eventually(t, func() bool { return progress.ListenerCount() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 50; i++ {
		res, err := a.Call(context.Background(), "job", "$work", i)
		require.NoError(t, err)
		assert.Equal(t, i, res)
		select {
		case v := <-got:
			assert.Equal(t, i, v)
		default:
			t.Fatalf("reply to $work %d arrived before its progress event", i)
		}
	}
}

func TestNestedCallsYieldTurn(t *testing.T) {
	a, b, _, _ := connect(t)
	b.SetChannel("math", mathHandler().Method("$addVia", func(ctx context.Context, x, y int) (any, error) {
		return b.Call(ctx, "relay", "$add", x, y)
	}))
	a.SetChannel("relay", NewHandler().Method("$add", func(ctx context.Context, x, y int) (any, error) {
		return a.Call(ctx, "math", "$add", x, y)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := a.Call(ctx, "math", "$addVia", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, res)
}

func TestReleasedHandlerLetsOthersRun(t *testing.T) {
	a, b, aSent, _ := connect(t)
	unblock := make(chan struct{})
	b.SetChannel("math", mathHandler().Method("$wait", func(ctx context.Context) error {
		Release(ctx)
		select {
		case <-unblock:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	waited := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), "math", "$wait")
		waited <- err
	}()
	require.Eventually(t, func() bool { return len(aSent.ofType(MessageTypeRequest)) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := a.Call(ctx, "math", "$add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, res)

	close(unblock)
	require.NoError(t, <-waited)
}

func TestSubscribeMissingEvent(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, WithLogger(log))
	defer e.Dispose()
	e.SetChannel("math", NewHandler())

	e.HandleMessage(NewSubscribeEvent(UnboundRemoteID, "1", "math", "onNothing", nil))
	e.HandleMessage(NewSubscribeEvent(UnboundRemoteID, "2", "nope", "onNothing", nil))
	e.HandleMessage(NewUnsubscribeEvent(UnboundRemoteID, "1"))
	assert.Empty(t, rec.sent())
}

func TestStrayMessagesIgnored(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, WithLogger(log))
	defer e.Dispose()

	e.HandleMessage(NewReply(UnboundRemoteID, "99", 1, nil))
	e.HandleMessage(NewEvent(UnboundRemoteID, "99", 1))
	e.HandleMessage(NewUnsubscribeEvent(UnboundRemoteID, "99"))
	e.HandleMessage(&Message{Type: 42})
	e.HandleMessage(nil)
	assert.Empty(t, rec.sent())
}

func TestBoundEngineDropsOtherPeers(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, WithLogger(log))
	defer e.Dispose()
	e.SetChannel("math", mathHandler())
	e.SetRemoteID(3)
	assert.Equal(t, 3, e.RemoteID())

	e.HandleMessage(NewRequest(4, "1", "math", "$add", []any{1, 2}))
	e.HandleMessage(NewRequest(3, "2", "math", "$add", []any{1, 2}))

	require.Eventually(t, func() bool { return len(rec.ofType(MessageTypeReply)) == 1 }, time.Second, time.Millisecond)
	r := rec.ofType(MessageTypeReply)[0]
	assert.Equal(t, "2", r.Seq)
	assert.Equal(t, 3, r.VSWorker)
}

func TestDisposeIdempotent(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, WithLogger(log))

	sub := e.Listen("clock", "onTick", nil)(func(any) {})
	errs := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), "math", "$add", 1, 2)
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(rec.ofType(MessageTypeRequest)) == 1 }, time.Second, time.Millisecond)
	before := len(rec.sent())

	e.Dispose()
	e.Dispose()
	sub.Dispose()

	require.ErrorIs(t, <-errs, ErrDisposed)
	assert.Len(t, rec.sent(), before)

	_, err := e.Call(context.Background(), "math", "$add", 1, 2)
	assert.ErrorIs(t, err, ErrDisposed)
	e.Listen("clock", "onTick", nil)(func(any) {}).Dispose()
	assert.Len(t, rec.sent(), before)
}

func TestTransferHints(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, WithLogger(log))
	defer e.Dispose()
	buf := []byte("payload")
	e.SetChannel("blob", NewHandler().
		Method("$same", func(b []byte) []byte { return b }).
		Method("$len", func(b []byte) int { return len(b) }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = e.Call(ctx, "blob", "$put", buf, 1)
	_, _ = e.Call(ctx, "blob", "$put", 1, "x")

	e.HandleMessage(NewRequest(UnboundRemoteID, "a", "blob", "$same", []any{buf}))
	e.HandleMessage(NewRequest(UnboundRemoteID, "b", "blob", "$len", []any{buf}))
	require.Eventually(t, func() bool { return len(rec.ofType(MessageTypeReply)) == 2 }, time.Second, time.Millisecond)

	for _, s := range rec.sent() {
		require.NotNil(t, s.transfer)
		switch {
		case s.msg.Type == MessageTypeRequest && len(s.msg.Args) == 2 && s.msg.Args[1] == 1:
			require.Len(t, s.transfer, 1)
			assert.Same(t, &buf[0], &s.transfer[0][0])
		case s.msg.Type == MessageTypeReply && s.msg.Seq == "a":
			require.Len(t, s.transfer, 1)
			assert.Same(t, &buf[0], &s.transfer[0][0])
		default:
			assert.Empty(t, s.transfer)
		}
	}
}
