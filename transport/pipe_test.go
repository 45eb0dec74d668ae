package transport

import (
	"context"
	"io"
	"testing"

	"github.com/guseggert/workerrpc/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeMovesBuffers(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	buf := []byte("large")
	msg := protocol.NewRequest(1, "1", "blob", "$put", []any{buf})
	require.NoError(t, a.Send(ctx, msg, protocol.Transferables(msg)))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Same(t, &buf[0], &got.Args[0].([]byte)[0])
}

func TestPipeOrderAndClose(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Send(ctx, protocol.NewEvent(1, "1", i), nil))
	}
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	for i := 0; i < 5; i++ {
		msg, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, msg.Event)
	}
	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, a.Send(ctx, protocol.NewEvent(1, "1", 0), nil), ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, protocol.NewEvent(1, "1", 0), nil), io.ErrClosedPipe)
	_, err = a.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
