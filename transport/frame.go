/*
Package transport provides worker.Conn implementations: an in-process pipe, length-prefixed CBOR frames over byte
streams such as a child process's stdin and stdout, and JSON messages over WebSocket.
*/
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/guseggert/workerrpc/protocol"
)

const (
	// DefaultMaxFrame is the default limit for a single encoded message (3.5 MB).
	DefaultMaxFrame = 3_670_016
	// MaxFrameHardLimit can't be raised by Limits (16 MB).
	MaxFrameHardLimit = 16_777_216
)

// ErrClosed is returned by operations on a connection that was closed locally.
var ErrClosed = errors.New("connection closed")

type Limits struct {
	MaxFrame int
}

func DefaultLimits() Limits {
	return Limits{MaxFrame: DefaultMaxFrame}
}

func (l Limits) maxFrame() int {
	if l.MaxFrame <= 0 || l.MaxFrame > MaxFrameHardLimit {
		return MaxFrameHardLimit
	}
	return l.MaxFrame
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// decode maps into map[string]any so payloads look the same as with the JSON codec
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeMessage encodes msg as CBOR, with the same keys as its JSON encoding.
func EncodeMessage(msg *protocol.Message) ([]byte, error) {
	return encMode.Marshal(msg)
}

// DecodeMessage decodes and validates a CBOR message.
// Errors wrap protocol.ErrMalformedMessage.
func DecodeMessage(b []byte) (*protocol.Message, error) {
	var msg protocol.Message
	if err := decMode.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FrameReader reads length-prefixed CBOR messages from a stream.
type FrameReader struct {
	reader io.Reader
	limits Limits
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader: r,
		limits: DefaultLimits(),
	}
}

func (fr *FrameReader) SetLimits(limits Limits) {
	fr.limits = limits
}

// ReadMessage reads the next frame. It returns io.EOF when the stream ends between frames.
// A frame that can't be decoded yields an error wrapping protocol.ErrMalformedMessage, after which reading can
// continue. Any other error leaves the stream unusable.
func (fr *FrameReader) ReadMessage() (*protocol.Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if uint64(length) > uint64(fr.limits.maxFrame()) {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", length, fr.limits.maxFrame())
	}

	frameBuf := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, frameBuf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return DecodeMessage(frameBuf)
}

// FrameWriter writes length-prefixed CBOR messages to a stream. It is not safe for concurrent use.
type FrameWriter struct {
	writer io.Writer
	limits Limits
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		writer: w,
		limits: DefaultLimits(),
	}
}

func (fw *FrameWriter) SetLimits(limits Limits) {
	fw.limits = limits
}

func (fw *FrameWriter) WriteMessage(msg *protocol.Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if len(payload) > fw.limits.maxFrame() {
		return fmt.Errorf("encoded message size %d exceeds limit %d", len(payload), fw.limits.maxFrame())
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	_, err = fw.writer.Write(frame)
	return err
}
