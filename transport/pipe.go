package transport

import (
	"context"
	"io"
	"sync"

	"github.com/guseggert/workerrpc/protocol"
)

const pipeBuffer = 64

// PipeConn is one end of an in-process connection. Messages are handed over by reference, so transferred buffers
// are moved rather than copied.
type PipeConn struct {
	in  <-chan *protocol.Message
	out chan<- *protocol.Message

	closed     chan struct{}
	peerClosed <-chan struct{}
	closeOnce  sync.Once
}

// Pipe returns the two ends of an in-process connection.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan *protocol.Message, pipeBuffer)
	ba := make(chan *protocol.Message, pipeBuffer)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &PipeConn{in: ba, out: ab, closed: aClosed, peerClosed: bClosed}
	b := &PipeConn{in: ab, out: ba, closed: bClosed, peerClosed: aClosed}
	return a, b
}

func (p *PipeConn) Send(ctx context.Context, msg *protocol.Message, transfer [][]byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns messages still buffered after the peer closed, and io.EOF after that.
func (p *PipeConn) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-p.peerClosed:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
