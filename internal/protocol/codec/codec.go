// Package codec joins wire framing with the schema capability: bytes in,
// typed messages out, and back.
package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/botlink/internal/protocol/frame"
	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/transport"
)

// Schema is the encode/decode capability the codec delegates payloads to.
type Schema interface {
	Encode(m schema.Message) ([]byte, error)
	Decode(kind schema.Kind, payload []byte) (schema.Message, error)
}

// Error is a frame or payload that could not become a message.
// Recoverable errors leave the stream aligned on the next frame.
type Error struct {
	Kind        schema.Kind
	Err         error
	Recoverable bool
}

func (e *Error) Error() string {
	if e.Recoverable {
		return fmt.Sprintf("codec: kind=%s: %v (frame discarded)", e.Kind, e.Err)
	}
	return fmt.Sprintf("codec: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Reader turns a byte stream into messages.
type Reader struct {
	r      io.Reader
	schema Schema
	limits frame.Limits
}

func NewReader(r io.Reader, s Schema, limits frame.Limits) *Reader {
	if s == nil {
		s = schema.Codec{}
	}
	return &Reader{r: r, schema: s, limits: limits}
}

// ReadMessage returns the next message, transport.ErrEndOfStream on a clean
// close, *transport.TransportError on I/O faults or truncation, or *Error.
func (r *Reader) ReadMessage() (schema.Message, error) {
	f, err := frame.ReadFrame(r.r, r.limits)
	if err != nil {
		return nil, classify(err)
	}
	kind := schema.Kind(f.Kind)
	msg, err := r.schema.Decode(kind, f.Payload)
	if err != nil {
		return nil, &Error{Kind: kind, Err: err, Recoverable: true}
	}
	return msg, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return transport.ErrEndOfStream
	case errors.Is(err, frame.ErrTruncated):
		return &transport.TransportError{Op: "read frame", Err: fmt.Errorf("%w: %w", err, io.ErrUnexpectedEOF)}
	case errors.Is(err, frame.ErrMalformedLength), errors.Is(err, frame.ErrPayloadTooLarge):
		return &Error{Err: err, Recoverable: true}
	case errors.Is(err, frame.ErrUnskippable):
		return &Error{Err: err, Recoverable: false}
	}
	var te *transport.TransportError
	if errors.As(err, &te) {
		return te
	}
	return &transport.TransportError{Op: "read frame", Err: err}
}

// Encode frames msg for the wire.
func Encode(s Schema, msg schema.Message, limits frame.Limits) ([]byte, error) {
	if s == nil {
		s = schema.Codec{}
	}
	payload, err := s.Encode(msg)
	if err != nil {
		return nil, &Error{Kind: msg.Kind(), Err: err}
	}
	if limits.MaxPayloadBytes > 0 && uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, &Error{Kind: msg.Kind(), Err: frame.ErrPayloadTooLarge}
	}
	return frame.Encode(frame.Frame{Kind: uint16(msg.Kind()), Payload: payload}), nil
}

// EncodeAll concatenates the frames for msgs so they can go out in one write.
func EncodeAll(s Schema, limits frame.Limits, msgs ...schema.Message) ([]byte, []string, error) {
	var out []byte
	kinds := make([]string, 0, len(msgs))
	for _, m := range msgs {
		b, err := Encode(s, m, limits)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, b...)
		kinds = append(kinds, m.Kind().String())
	}
	return out, kinds, nil
}
