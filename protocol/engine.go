package protocol

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/guseggert/workerrpc/event"
	"go.uber.org/zap"
)

const (
	// DefaultChannel is reserved for the bootstrap handshake.
	DefaultChannel = "default"
	// InitializeMethod is the handshake method served on DefaultChannel. Its arguments are the bound remote ID
	// and the caller's init data.
	InitializeMethod = "initialize"

	defaultReplayWindow = 256
)

// SendFunc hands a message to the transport. transfer lists the buffers the transport may move instead of copy.
type SendFunc func(msg *Message, transfer [][]byte) error

type Option func(e *Engine)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) {
		e.log = log.Named("engine")
	}
}

// WithReplayWindow sets how many served request IDs are remembered for answering replayed requests.
// Zero disables replay detection.
func WithReplayWindow(n int) Option {
	return func(e *Engine) {
		e.replay = newReplayCache(n)
	}
}

type reply struct {
	res any
	err error
}

type pendingCall struct {
	ch chan reply
	// blocker is the delivery item that was running when the call was made, 0 if none.
	blocker uint64
}

// Engine correlates requests with replies and tracks event subscriptions in both directions.
// The same Engine type runs on both sides of a connection.
//
// Engine is safe for concurrent use. Incoming messages are expected to be passed to HandleMessage from a single
// goroutine, in transport order.
//
// Request handlers start in arrival order and run one at a time. A handler gives up its turn while it waits on a
// call to the peer made with its context, and for good when it calls Release. Event firings and replies are
// delivered in arrival order on a separate goroutine.
type Engine struct {
	log  *zap.SugaredLogger
	send SendFunc

	ctx      context.Context
	cancel   context.CancelFunc
	events   *mailbox
	requests *mailbox
	turns    chan struct{}

	m        sync.Mutex
	disposed bool
	remoteID int
	lastID   uint64
	// outgoing calls by request ID
	pending map[string]*pendingCall
	// outgoing subscriptions by request ID
	emitters map[string]*event.Emitter[any]
	// incoming subscriptions by request ID
	sources  map[string]event.Disposable
	channels map[string]Channel
	proxies  map[string]*Proxy
	replay   *replayCache
}

func NewEngine(send SendFunc, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:      zap.NewNop().Sugar(),
		send:     send,
		ctx:      ctx,
		cancel:   cancel,
		remoteID: UnboundRemoteID,
		pending:  map[string]*pendingCall{},
		turns:    make(chan struct{}, 1),
		emitters: map[string]*event.Emitter[any]{},
		sources:  map[string]event.Disposable{},
		channels: map[string]Channel{},
		proxies:  map[string]*Proxy{},
		replay:   newReplayCache(defaultReplayWindow),
	}
	for _, o := range opts {
		o(e)
	}
	e.events = newMailbox()
	e.requests = newMailbox()
	return e
}

// SetRemoteID binds the engine to a peer. Once bound, messages addressed to any other ID are dropped.
func (e *Engine) SetRemoteID(id int) {
	e.m.Lock()
	defer e.m.Unlock()
	e.remoteID = id
}

func (e *Engine) RemoteID() int {
	e.m.Lock()
	defer e.m.Unlock()
	return e.remoteID
}

// SetChannel registers a local channel the peer can call into. A nil channel removes the registration.
func (e *Engine) SetChannel(name string, ch Channel) {
	e.m.Lock()
	defer e.m.Unlock()
	if ch == nil {
		delete(e.channels, name)
		return
	}
	e.channels[name] = ch
}

func (e *Engine) Channel(name string) Channel {
	e.m.Lock()
	defer e.m.Unlock()
	return e.channels[name]
}

// Proxy returns the proxy for the peer's channel with the given name. The same proxy is returned for every call
// with the same name; barrier is only used when the proxy is first created.
func (e *Engine) Proxy(name string, barrier Barrier) *Proxy {
	e.m.Lock()
	defer e.m.Unlock()
	if p, ok := e.proxies[name]; ok {
		return p
	}
	p := &Proxy{engine: e, channel: name, barrier: barrier}
	e.proxies[name] = p
	return p
}

func (e *Engine) nextIDLocked() string {
	e.lastID++
	return strconv.FormatUint(e.lastID, 10)
}

func (e *Engine) sendMessage(msg *Message) error {
	return e.send(msg, Transferables(msg))
}

// Call sends a request to method on the peer's channel and waits for the reply or for ctx to be done.
// A reply that arrives after ctx is done is dropped. The peer's computation is not interrupted.
func (e *Engine) Call(ctx context.Context, channel, method string, args ...any) (any, error) {
	e.m.Lock()
	if e.disposed {
		e.m.Unlock()
		return nil, ErrDisposed
	}
	id := e.nextIDLocked()
	call := &pendingCall{ch: make(chan reply, 1), blocker: e.events.running()}
	e.pending[id] = call
	remoteID := e.remoteID
	e.m.Unlock()

	if args == nil {
		args = []any{}
	}
	e.log.Debugw("sending request", "RequestID", id, "Channel", channel, "Method", method)
	if err := e.sendMessage(NewRequest(remoteID, id, channel, method, args)); err != nil {
		e.removePending(id)
		return nil, fmt.Errorf("sending request %s: %w", id, err)
	}

	resume := e.yield(ctx)
	defer resume()
	select {
	case r := <-call.ch:
		return r.res, r.err
	case <-ctx.Done():
		e.removePending(id)
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, ErrDisposed
	}
}

func (e *Engine) removePending(id string) {
	e.m.Lock()
	defer e.m.Unlock()
	delete(e.pending, id)
}

// Listen returns the peer's event with the given name on channel. arg is passed to dynamic events.
//
// The subscription is opened when the first listener is added and closed when the last one is removed, so all
// listeners of the returned event share a single remote subscription. Each new subscription gets a new ID.
func (e *Engine) Listen(channel, eventName string, arg any) event.Event[any] {
	e.m.Lock()
	disposed := e.disposed
	e.m.Unlock()
	if disposed {
		return event.None[any]()
	}

	// id is guarded by the emitter lock, which is held while the hooks run.
	var (
		id      string
		emitter *event.Emitter[any]
	)
	emitter = event.NewEmitter[any](
		event.WithOnFirstListenerAdd(func() {
			e.m.Lock()
			if e.disposed {
				e.m.Unlock()
				return
			}
			id = e.nextIDLocked()
			e.emitters[id] = emitter
			remoteID := e.remoteID
			e.m.Unlock()

			e.log.Debugw("subscribing", "RequestID", id, "Channel", channel, "Event", eventName)
			if err := e.sendMessage(NewSubscribeEvent(remoteID, id, channel, eventName, arg)); err != nil {
				e.log.Warnw("sending subscription", "RequestID", id, "Error", err)
			}
		}),
		event.WithOnLastListenerRemove(func() {
			if id == "" {
				return
			}
			subID := id
			id = ""

			e.m.Lock()
			delete(e.emitters, subID)
			disposed := e.disposed
			remoteID := e.remoteID
			e.m.Unlock()
			if disposed {
				return
			}

			e.log.Debugw("unsubscribing", "RequestID", subID, "Channel", channel, "Event", eventName)
			if err := e.sendMessage(NewUnsubscribeEvent(remoteID, subID)); err != nil {
				e.log.Warnw("sending unsubscription", "RequestID", subID, "Error", err)
			}
		}),
	)
	return emitter.Event
}

// HandleMessage processes a message received from the peer.
func (e *Engine) HandleMessage(msg *Message) {
	if msg == nil {
		return
	}
	e.m.Lock()
	disposed := e.disposed
	remoteID := e.remoteID
	e.m.Unlock()
	if disposed {
		return
	}
	if remoteID != UnboundRemoteID && msg.VSWorker != remoteID {
		e.log.Debugw("dropping message for other peer", "RemoteID", msg.VSWorker, "BoundID", remoteID)
		return
	}

	switch msg.Type {
	case MessageTypeRequest:
		e.handleRequest(msg)
	case MessageTypeReply:
		e.handleReply(msg)
	case MessageTypeSubscribeEvent:
		e.handleSubscribe(msg)
	case MessageTypeEvent:
		e.handleEvent(msg)
	case MessageTypeUnsubscribeEvent:
		e.handleUnsubscribe(msg)
	default:
		e.log.Warnw("ignoring message of unknown type", "Type", msg.Type)
	}
}

func (e *Engine) handleRequest(msg *Message) {
	e.m.Lock()
	if entry := e.replay.get(msg.Req); entry != nil {
		if entry.reply == nil {
			entry.duplicates++
			e.m.Unlock()
			e.log.Warnw("request replayed while in flight", "RequestID", msg.Req)
			return
		}
		cached := entry.reply
		e.m.Unlock()
		e.log.Warnw("request replayed, resending reply", "RequestID", msg.Req)
		if err := e.sendMessage(cached); err != nil {
			e.log.Warnw("resending reply", "RequestID", msg.Req, "Error", err)
		}
		return
	}
	e.replay.start(msg.Req)
	ch := e.channels[msg.Channel]
	e.m.Unlock()

	e.requests.push(func() { e.startRequest(ch, msg) })
}

// startRequest waits for the turn and hands it to a new handler goroutine.
func (e *Engine) startRequest(ch Channel, msg *Message) {
	select {
	case e.turns <- struct{}{}:
	case <-e.ctx.Done():
		return
	}
	t := &turn{turns: e.turns, done: e.ctx.Done(), held: true}
	go e.serve(context.WithValue(e.ctx, turnKey{}, t), t, ch, msg)
}

func (e *Engine) serve(ctx context.Context, t *turn, ch Channel, msg *Message) {
	defer t.release()
	res, err := e.dispatch(ctx, ch, msg)

	e.m.Lock()
	remoteID := e.remoteID
	var r *Message
	if err != nil {
		e.log.Debugw("request failed", "RequestID", msg.Req, "Channel", msg.Channel, "Method", msg.Method, "Error", err)
		r = NewReply(remoteID, msg.Req, nil, SerializeError(err))
	} else {
		r = NewReply(remoteID, msg.Req, res, nil)
	}
	sends := 1 + e.replay.finish(msg.Req, r)
	disposed := e.disposed
	e.m.Unlock()
	if disposed {
		return
	}

	for i := 0; i < sends; i++ {
		if err := e.sendMessage(r); err != nil {
			e.log.Warnw("sending reply", "RequestID", msg.Req, "Error", err)
			return
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ch Channel, msg *Message) (res any, err error) {
	if ch == nil {
		return nil, &MissingChannelError{Channel: msg.Channel, Member: msg.Method}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	res, err = ch.Call(ctx, msg.Method, msg.Args)
	if errors.Is(err, ErrNoSuchMethod) {
		var missing *MissingMethodError
		if !errors.As(err, &missing) {
			err = &MissingMethodError{Channel: msg.Channel, Method: msg.Method}
		}
	}
	return res, err
}

func (e *Engine) handleReply(msg *Message) {
	e.m.Lock()
	call, ok := e.pending[msg.Seq]
	delete(e.pending, msg.Seq)
	e.m.Unlock()
	if !ok {
		e.log.Warnw("ignoring reply without pending request", "RequestID", msg.Seq)
		return
	}
	r := reply{res: msg.Res}
	if msg.Err != nil {
		r = reply{err: DecodeError(msg.Err)}
	}
	// A reply goes behind the events that arrived before it, unless the listener that was running when the call
	// was made still is. That listener may be the caller.
	if e.events.isRunning(call.blocker) {
		call.ch <- r
		return
	}
	e.events.push(func() { call.ch <- r })
}

func (e *Engine) handleSubscribe(msg *Message) {
	e.m.Lock()
	ch := e.channels[msg.Channel]
	e.m.Unlock()
	if ch == nil {
		e.log.Errorw("subscription to missing channel", "RequestID", msg.Req, "Channel", msg.Channel, "Event", msg.EventName)
		return
	}

	ev, err := ch.Listen(msg.EventName, msg.Arg)
	if err != nil || ev == nil {
		if err == nil || errors.Is(err, ErrNoSuchEvent) {
			err = &MissingEventError{Channel: msg.Channel, Event: msg.EventName}
		}
		e.log.Errorw("subscription failed", "RequestID", msg.Req, "Channel", msg.Channel, "Event", msg.EventName, "Error", err)
		return
	}

	req := msg.Req
	sub := ev(func(payload any) {
		e.m.Lock()
		remoteID := e.remoteID
		disposed := e.disposed
		e.m.Unlock()
		if disposed {
			return
		}
		if err := e.sendMessage(NewEvent(remoteID, req, payload)); err != nil {
			e.log.Warnw("sending event", "RequestID", req, "Error", err)
		}
	})

	e.m.Lock()
	if e.disposed {
		e.m.Unlock()
		sub.Dispose()
		return
	}
	old := e.sources[req]
	e.sources[req] = sub
	e.m.Unlock()
	if old != nil {
		e.log.Warnw("subscription replayed, replacing", "RequestID", req)
		old.Dispose()
	}
}

func (e *Engine) handleEvent(msg *Message) {
	e.m.Lock()
	emitter, ok := e.emitters[msg.Req]
	e.m.Unlock()
	if !ok {
		e.log.Warnw("ignoring event without subscription", "RequestID", msg.Req)
		return
	}
	payload := msg.Event
	e.events.push(func() { emitter.Fire(payload) })
}

func (e *Engine) handleUnsubscribe(msg *Message) {
	e.m.Lock()
	sub, ok := e.sources[msg.Req]
	delete(e.sources, msg.Req)
	e.m.Unlock()
	if !ok {
		e.log.Warnw("ignoring unsubscription without subscription", "RequestID", msg.Req)
		return
	}
	sub.Dispose()
}

// Dispose abandons all pending calls, which fail with ErrDisposed, and drops all subscriptions in both directions.
// Nothing is sent to the peer. Dispose is idempotent.
func (e *Engine) Dispose() {
	e.m.Lock()
	if e.disposed {
		e.m.Unlock()
		return
	}
	e.disposed = true
	pending := e.pending
	emitters := e.emitters
	sources := e.sources
	e.pending = map[string]*pendingCall{}
	e.emitters = map[string]*event.Emitter[any]{}
	e.sources = map[string]event.Disposable{}
	e.m.Unlock()

	e.cancel()
	for _, call := range pending {
		call.ch <- reply{err: ErrDisposed}
	}
	for _, em := range emitters {
		em.Dispose()
	}
	for _, s := range sources {
		s.Dispose()
	}
	e.events.close()
	e.requests.close()
	e.log.Debugw("disposed", "AbandonedCalls", len(pending), "AbandonedSubscriptions", len(emitters))
}

// mailbox runs queued funcs one at a time, in order, on its own goroutine.
type mailbox struct {
	m      sync.Mutex
	cond   *sync.Cond
	queue  []mailboxItem
	closed bool
	last   uint64
	// current is the sequence number of the running item, 0 when idle.
	current uint64
}

type mailboxItem struct {
	seq uint64
	f   func()
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.m)
	go mb.run()
	return mb
}

func (mb *mailbox) push(f func()) {
	mb.m.Lock()
	defer mb.m.Unlock()
	if mb.closed {
		return
	}
	mb.last++
	mb.queue = append(mb.queue, mailboxItem{seq: mb.last, f: f})
	mb.cond.Signal()
}

func (mb *mailbox) running() uint64 {
	mb.m.Lock()
	defer mb.m.Unlock()
	return mb.current
}

func (mb *mailbox) isRunning(seq uint64) bool {
	return seq != 0 && mb.running() == seq
}

func (mb *mailbox) close() {
	mb.m.Lock()
	defer mb.m.Unlock()
	mb.closed = true
	mb.queue = nil
	mb.cond.Signal()
}

func (mb *mailbox) run() {
	mb.m.Lock()
	defer mb.m.Unlock()
	for {
		for len(mb.queue) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if mb.closed {
			return
		}
		item := mb.queue[0]
		mb.queue[0] = mailboxItem{}
		mb.queue = mb.queue[1:]
		mb.current = item.seq
		mb.m.Unlock()
		item.f()
		mb.m.Lock()
		mb.current = 0
	}
}

type turnKey struct{}

// turn is a request handler's right to run. The engine's turns channel holds a token while some handler has it.
type turn struct {
	turns chan struct{}
	done  <-chan struct{}

	m        sync.Mutex
	held     bool
	released bool
	// number of calls waiting on the peer
	waiting int
}

func (t *turn) yield() {
	t.m.Lock()
	defer t.m.Unlock()
	t.waiting++
	if t.held {
		t.held = false
		<-t.turns
	}
}

// resume takes the turn back once the last waiting call has returned.
func (t *turn) resume() {
	t.m.Lock()
	defer t.m.Unlock()
	t.waiting--
	if t.waiting > 0 || t.held || t.released {
		return
	}
	select {
	case t.turns <- struct{}{}:
		t.held = true
	case <-t.done:
	}
}

func (t *turn) release() {
	t.m.Lock()
	defer t.m.Unlock()
	t.released = true
	if t.held {
		t.held = false
		<-t.turns
	}
}

// yield gives up the turn of the handler running with ctx, if any, and returns a func that takes it back.
func (e *Engine) yield(ctx context.Context) func() {
	t, ok := ctx.Value(turnKey{}).(*turn)
	if !ok || t.turns != e.turns {
		return func() {}
	}
	t.yield()
	return t.resume
}

// Release lets the next request start while the handler running with ctx carries on. Handlers call it before
// blocking on anything other than a call to the peer. It does nothing when ctx is not a handler's context.
func Release(ctx context.Context) {
	if t, ok := ctx.Value(turnKey{}).(*turn); ok {
		t.release()
	}
}

type replayEntry struct {
	// reply is nil while the request is in flight.
	reply      *Message
	duplicates int
}

// replayCache remembers the most recently served request IDs, oldest evicted first.
type replayCache struct {
	size    int
	order   []string
	entries map[string]*replayEntry
}

func newReplayCache(size int) *replayCache {
	return &replayCache{size: size, entries: map[string]*replayEntry{}}
}

func (c *replayCache) get(id string) *replayEntry {
	return c.entries[id]
}

func (c *replayCache) start(id string) {
	if c.size <= 0 {
		return
	}
	if len(c.order) >= c.size {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.order = append(c.order, id)
	c.entries[id] = &replayEntry{}
}

// finish records the reply for id and returns how many duplicates arrived while it was in flight.
func (c *replayCache) finish(id string, r *Message) int {
	entry, ok := c.entries[id]
	if !ok {
		return 0
	}
	entry.reply = r
	dups := entry.duplicates
	entry.duplicates = 0
	return dups
}
