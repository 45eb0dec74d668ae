package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/guseggert/workerrpc/protocol"
)

type readResult struct {
	msg *protocol.Message
	err error
}

// StreamConn exchanges CBOR frames over a reader and a writer, such as the two ends of a child process's stdio.
type StreamConn struct {
	r      *FrameReader
	w      *FrameWriter
	closer io.Closer

	writeMut sync.Mutex

	incoming chan readResult
	readDone chan struct{}
	readErr  error

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn starts reading frames from r. closer, which may be nil, is closed by Close.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer, limits Limits) *StreamConn {
	c := &StreamConn{
		r:        NewFrameReader(r),
		w:        NewFrameWriter(w),
		closer:   closer,
		incoming: make(chan readResult),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	c.r.SetLimits(limits)
	c.w.SetLimits(limits)
	go c.readLoop()
	return c
}

// Stdio returns a StreamConn over the process's stdin and stdout, for use inside a worker binary.
// Nothing else may write to stdout while it is in use.
func Stdio() *StreamConn {
	return NewStreamConn(os.Stdin, os.Stdout, closers{os.Stdout, os.Stdin}, DefaultLimits())
}

func (c *StreamConn) readLoop() {
	for {
		msg, err := c.r.ReadMessage()
		if err != nil && !errors.Is(err, protocol.ErrMalformedMessage) {
			c.readErr = err
			close(c.readDone)
			return
		}
		select {
		case c.incoming <- readResult{msg: msg, err: err}:
		case <-c.closed:
			return
		}
	}
}

func (c *StreamConn) Send(ctx context.Context, msg *protocol.Message, transfer [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	return c.w.WriteMessage(msg)
}

func (c *StreamConn) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case r := <-c.incoming:
		return r.msg, r.err
	case <-c.readDone:
		return nil, c.readErr
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
