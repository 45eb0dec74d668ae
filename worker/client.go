package worker

import (
	"context"
	"sync"

	"github.com/guseggert/workerrpc/event"
	"github.com/guseggert/workerrpc/protocol"
	"go.uber.org/zap"
)

// Client is the host side of a connection to one worker.
type Client struct {
	log    *zap.SugaredLogger
	worker *Worker
	engine *protocol.Engine

	ctx    context.Context
	cancel context.CancelFunc

	ready    chan struct{}
	readyErr error

	subs        []event.Disposable
	disposeOnce sync.Once
}

// NewClient starts the initialize handshake with w. Proxies returned by GetChannel hold their calls until the
// handshake has completed.
func NewClient(w *Worker, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:    o.log.Named("client").With("WorkerID", w.ID()),
		worker: w,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	c.engine = protocol.NewEngine(w.PostMessage, o.engineOptions()...)
	c.engine.SetRemoteID(w.ID())
	c.subs = append(c.subs,
		w.OnError()(func(err error) {
			c.log.Warnw("worker error", "Error", err)
		}),
		w.OnMessage()(c.engine.HandleMessage),
	)

	go c.initialize(o.initData)
	return c
}

func (c *Client) initialize(data any) {
	defer close(c.ready)
	_, err := c.engine.Call(c.ctx, protocol.DefaultChannel, protocol.InitializeMethod, c.worker.ID(), data)
	if err != nil {
		c.log.Errorw("initialize failed", "Error", err)
		c.readyErr = err
		return
	}
	c.log.Debug("initialized")
}

func (c *Client) barrier(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.readyErr
	default:
	}
	select {
	case <-c.ready:
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready waits for the handshake and returns its error.
func (c *Client) Ready(ctx context.Context) error {
	return c.barrier(ctx)
}

// GetChannel returns the proxy for the worker's channel with the given name.
func (c *Client) GetChannel(name string) *protocol.Proxy {
	return c.engine.Proxy(name, c.barrier)
}

// SetChannel registers a channel the worker can call back into.
func (c *Client) SetChannel(name string, ch protocol.Channel) error {
	if name == protocol.DefaultChannel {
		return protocol.ErrReservedChannel
	}
	c.engine.SetChannel(name, ch)
	return nil
}

func (c *Client) OnError() event.Event[error] {
	return c.worker.OnError()
}

func (c *Client) Worker() *Worker { return c.worker }

// Dispose tears down the engine and then the worker. It is safe to call more than once.
func (c *Client) Dispose() {
	c.disposeOnce.Do(func() {
		c.cancel()
		for _, s := range c.subs {
			s.Dispose()
		}
		c.engine.Dispose()
		c.worker.Dispose()
	})
}
