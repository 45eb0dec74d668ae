package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeError(t *testing.T) {
	assert.Nil(t, SerializeError(nil))

	s := SerializeError(&MissingMethodError{Channel: "math", Method: "$nope"})
	assert.True(t, s.IsError)
	assert.Equal(t, "MissingMethodError", s.Name)
	assert.Equal(t, "missing method $nope on channel math", s.Message)
	require.NotNil(t, s.Detail)
	assert.Equal(t, "no such method", s.Detail.Message)

	s = SerializeError(pkgerrors.Wrap(errors.New("disk full"), "writing"))
	assert.Equal(t, "Error", s.Name)
	assert.Equal(t, "writing: disk full", s.Message)
	assert.Contains(t, s.Stack, "TestSerializeError")
	require.NotNil(t, s.Detail)
	assert.Equal(t, "disk full", s.Detail.Message)
}

func TestErrorRoundTripThroughJSON(t *testing.T) {
	orig := SerializeError(fmt.Errorf("outer: %w", &MissingEventError{Channel: "clock", Event: "onTick"}))

	b, err := json.Marshal(NewReply(1, "3", nil, orig))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"$isError":true`)

	var msg Message
	require.NoError(t, json.Unmarshal(b, &msg))

	decoded := DecodeError(msg.Err)
	var remote *RemoteError
	require.ErrorAs(t, decoded, &remote)
	// the name comes from the first named error in the chain
	assert.Equal(t, "MissingEventError", remote.Name)
	assert.Equal(t, "outer: missing event onTick on channel clock", remote.Message)

	var cause *RemoteError
	require.ErrorAs(t, remote.Unwrap(), &cause)
	assert.Equal(t, "MissingEventError", cause.Name)
}

func TestDecodeErrorOpaque(t *testing.T) {
	assert.Nil(t, DecodeError(nil))

	for _, v := range []any{"boom", 42.0, map[string]any{"name": "x"}, []any{1}} {
		var opaque *OpaqueError
		require.ErrorAs(t, DecodeError(v), &opaque)
		assert.Equal(t, v, opaque.Value)
	}
}

func TestDecodeErrorFromCBORMap(t *testing.T) {
	err := DecodeError(map[any]any{"$isError": true, "name": "TypeError", "message": "bad", 1: "ignored"})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "TypeError", remote.Name)
	assert.Equal(t, "bad", remote.Message)
	assert.Nil(t, remote.Unwrap())
}

func TestMessageValidate(t *testing.T) {
	valid := []*Message{
		NewRequest(1, "1", "math", "$add", nil),
		NewReply(1, "1", 5, nil),
		NewSubscribeEvent(1, "2", "clock", "onTick", nil),
		NewEvent(1, "2", 1),
		NewUnsubscribeEvent(1, "2"),
	}
	for _, m := range valid {
		assert.NoError(t, m.Validate(), m.Type.String())
	}

	invalid := []*Message{
		{Type: MessageTypeRequest, Req: "1"},
		{Type: MessageTypeReply},
		{Type: MessageTypeSubscribeEvent, Req: "1"},
		{Type: MessageTypeEvent},
		{Type: 9, Req: "1"},
	}
	for _, m := range invalid {
		assert.ErrorIs(t, m.Validate(), ErrMalformedMessage, m.Type.String())
	}
}

func TestMessageWireShape(t *testing.T) {
	b, err := json.Marshal(NewRequest(2, "5", "math", "$add", []any{2, 3}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"vsWorker":2,"type":0,"req":"5","channel":"math","method":"$add","args":[2,3]}`, string(b))

	b, err = json.Marshal(NewReply(2, "5", 5, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"vsWorker":2,"type":1,"seq":"5","res":5}`, string(b))

	b, err = json.Marshal(NewUnsubscribeEvent(-1, "6"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"vsWorker":-1,"type":4,"req":"6"}`, string(b))
}
