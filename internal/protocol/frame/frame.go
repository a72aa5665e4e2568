package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LengthPrefixLen is the u32 body length that starts every frame.
	LengthPrefixLen = 4
	// KindLen is the u16 kind tag that starts every body.
	KindLen = 2
)

var (
	ErrTruncated       = errors.New("frame: stream ended mid-frame")
	ErrMalformedLength = errors.New("frame: length smaller than kind tag")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrUnskippable     = errors.New("frame: oversize frame cannot be skipped")
)

// Frame is one complete wire message: a kind tag and its opaque schema payload.
type Frame struct {
	Kind    uint16
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
// Oversize bodies up to MaxSkipBytes are discarded so the stream stays aligned.
type Limits struct {
	MaxPayloadBytes uint32
	MaxSkipBytes    uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1 << 20,
		MaxSkipBytes:    16 << 20,
	}
}

// ReadFrame reads exactly one frame. It returns io.EOF only at a frame boundary.
// ErrMalformedLength and ErrPayloadTooLarge leave r positioned at the next frame.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var prefix [LengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, truncated(err)
	}
	length := binary.BigEndian.Uint32(prefix[:])

	if length < KindLen {
		if err := discard(r, int64(length)); err != nil {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: length=%d", ErrMalformedLength, length)
	}

	payloadLen := length - KindLen
	if payloadLen > limits.MaxPayloadBytes {
		if length > limits.MaxSkipBytes {
			return Frame{}, fmt.Errorf("%w: length=%d", ErrUnskippable, length)
		}
		if err := discard(r, int64(length)); err != nil {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: length=%d", ErrPayloadTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, truncated(err)
	}
	return Frame{
		Kind:    binary.BigEndian.Uint16(body[:KindLen]),
		Payload: body[KindLen:],
	}, nil
}

// WriteFrame writes f with a single Write call so concurrent writers sharing a
// lock never interleave partial frames.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(Encode(f))
	return err
}

// Encode returns the wire bytes for f without applying limits.
func Encode(f Frame) []byte {
	buf := make([]byte, LengthPrefixLen+KindLen+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(KindLen+len(f.Payload)))
	binary.BigEndian.PutUint16(buf[4:6], f.Kind)
	copy(buf[6:], f.Payload)
	return buf
}

// NewReader buffers r for frame reads; small frames then cost one syscall per batch.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 64*1024)
}

func discard(r io.Reader, n int64) error {
	if n == 0 {
		return nil
	}
	copied, err := io.CopyN(io.Discard, r, n)
	if err != nil || copied != n {
		return truncated(err)
	}
	return nil
}

func truncated(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
