package streamapi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var frameHeader = [2]byte{0x94, 0xC3}

// MaxFrameSize is the largest payload accepted on the stream API.
const MaxFrameSize = 512

var (
	ErrFrameTooLarge = errors.New("stream frame too large")
	ErrEmptyFrame    = errors.New("stream frame is empty")
)

type readFullFunc func(buf []byte) error

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, 4+len(payload))
	frame[0] = frameHeader[0]
	frame[1] = frameHeader[1]
	// #nosec G115 -- length is bounded by MaxFrameSize above.
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	return frame, nil
}

// readFrame returns ErrEmptyFrame or ErrFrameTooLarge for frames that
// should be skipped; the stream stays usable after either.
func readFrame(readFull readFullFunc) ([]byte, error) {
	if err := resyncToHeader(readFull); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if err := readFull(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	ln := int(binary.BigEndian.Uint16(lenBuf[:]))
	if ln == 0 {
		return nil, ErrEmptyFrame
	}
	if ln > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, ln)
	}

	payload := make([]byte, ln)
	if err := readFull(payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

func resyncToHeader(readFull readFullFunc) error {
	buf := make([]byte, 1)
	for {
		if err := readFull(buf); err != nil {
			return fmt.Errorf("read frame header byte 1: %w", err)
		}
		if buf[0] != frameHeader[0] {
			continue
		}
		if err := readFull(buf); err != nil {
			return fmt.Errorf("read frame header byte 2: %w", err)
		}
		if buf[0] == frameHeader[1] {
			return nil
		}
	}
}

func isSkippableFrameError(err error) bool {
	return errors.Is(err, ErrEmptyFrame) || errors.Is(err, ErrFrameTooLarge)
}

// readFullContext tolerates zero-byte reads, which serial ports return on
// read timeout, and gives up once ctx is done.
func readFullContext(ctx context.Context, r io.Reader) readFullFunc {
	return func(buf []byte) error {
		read := 0
		for read < len(buf) {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := r.Read(buf[read:])
			if err != nil {
				return err
			}
			read += n
		}

		return nil
	}
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
