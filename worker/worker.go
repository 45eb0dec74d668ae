/*
Package worker connects a protocol engine to a remote execution context.

A Worker wraps the Conn to one remote context and turns it into message and error signals. A Client is the host
side: it owns a Worker, performs the initialize handshake on the reserved "default" channel, and hands out proxies
for the remote channels. A Server is the remote side of the same handshake.
*/
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/guseggert/workerrpc/event"
	"github.com/guseggert/workerrpc/protocol"
	"go.uber.org/zap"
)

// ErrDisposed is returned when posting to a disposed worker.
var ErrDisposed = errors.New("worker disposed")

// Conn is an ordered, bidirectional message pipe to one remote execution context.
//
// Receive returns io.EOF once the peer has ended the stream, and errors wrapping protocol.ErrMalformedMessage for
// payloads that could not be decoded; reading may continue after the latter. transfer lists buffers of msg that
// the transport may move instead of copying.
type Conn interface {
	Send(ctx context.Context, msg *protocol.Message, transfer [][]byte) error
	Receive(ctx context.Context) (*protocol.Message, error)
	Close() error
}

var lastWorkerID atomic.Int64

type Option func(o *options)

type options struct {
	log          *zap.SugaredLogger
	initData     any
	replayWindow int
	onInitialize func(ctx context.Context, id int, data any) error
}

func defaultOptions() options {
	return options{
		log:          zap.NewNop().Sugar(),
		replayWindow: -1,
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithInitData sets the value a Client passes to the remote side's initialize method.
func WithInitData(data any) Option {
	return func(o *options) {
		o.initData = data
	}
}

// WithReplayWindow is passed through to the engine, see protocol.WithReplayWindow.
func WithReplayWindow(n int) Option {
	return func(o *options) {
		o.replayWindow = n
	}
}

// WithOnInitialize sets a hook a Server runs when the host's initialize request arrives, after the remote ID is
// bound. An error from the hook fails the handshake.
func WithOnInitialize(f func(ctx context.Context, id int, data any) error) Option {
	return func(o *options) {
		o.onInitialize = f
	}
}

func (o options) engineOptions() []protocol.Option {
	opts := []protocol.Option{protocol.WithLogger(o.log)}
	if o.replayWindow >= 0 {
		opts = append(opts, protocol.WithReplayWindow(o.replayWindow))
	}
	return opts
}

// Worker represents one remote execution context.
// It starts reading from its Conn when the first message listener is added.
type Worker struct {
	id   int
	log  *zap.SugaredLogger
	conn Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	onMessage *event.Emitter[*protocol.Message]
	onError   *event.Emitter[error]

	startOnce   sync.Once
	disposeOnce sync.Once
}

func New(conn Conn, opts ...Option) *Worker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:      int(lastWorkerID.Add(1)),
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		onError: event.NewEmitter[error](),
	}
	w.log = o.log.Named("worker").With("WorkerID", w.id)
	w.onMessage = event.NewEmitter[*protocol.Message](event.WithOnFirstListenerAdd(func() {
		w.startOnce.Do(func() { go w.readLoop() })
	}))
	return w
}

// ID is unique within the process. The first worker gets 1.
func (w *Worker) ID() int { return w.id }

// OnMessage fires for every message received, in order, on the reading goroutine.
func (w *Worker) OnMessage() event.Event[*protocol.Message] { return w.onMessage.Event }

// OnError fires for undecodable messages, and once for the error that ended reading.
func (w *Worker) OnError() event.Event[error] { return w.onError.Event }

// Done is closed when reading has stopped, because the connection ended or the worker was disposed.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) PostMessage(msg *protocol.Message, transfer [][]byte) error {
	if w.ctx.Err() != nil {
		return ErrDisposed
	}
	return w.conn.Send(w.ctx, msg, transfer)
}

func (w *Worker) readLoop() {
	defer close(w.done)
	for {
		msg, err := w.conn.Receive(w.ctx)
		if w.ctx.Err() != nil {
			return
		}
		if errors.Is(err, protocol.ErrMalformedMessage) {
			w.log.Warnw("dropping malformed message", "Error", err)
			w.onError.Fire(err)
			continue
		}
		if err != nil {
			w.log.Debugw("reading stopped", "Error", err)
			w.onError.Fire(err)
			return
		}
		w.onMessage.Fire(msg)
	}
}

// Dispose detaches all listeners and closes the connection, which terminates the remote context.
// It is safe to call more than once.
func (w *Worker) Dispose() {
	w.disposeOnce.Do(func() {
		w.cancel()
		w.onMessage.Dispose()
		w.onError.Dispose()
		if err := w.conn.Close(); err != nil {
			w.log.Debugw("closing conn", "Error", err)
		}
		// reading never started
		w.startOnce.Do(func() { close(w.done) })
	})
}
