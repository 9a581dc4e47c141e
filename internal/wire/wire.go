package wire

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/taskmux/internal/fdio"
)

// MaxPayload is the largest payload a single length byte can describe.
const MaxPayload = 255

var (
	ErrNoFrame       = errors.New("wire: no frame available")
	ErrEmptyFrame    = errors.New("wire: empty frame")
	ErrIncomplete    = errors.New("wire: incomplete frame")
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// IncompleteError reports a payload read that returned fewer bytes than the
// length byte declared. The frame is dropped; no reassembly is attempted.
type IncompleteError struct {
	Declared int
	Got      int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("wire: incomplete frame (len: %d, r: %d)", e.Declared, e.Got)
}

func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncomplete
}

// ReadFrame reads one frame: a single read for the length byte, then a single
// read for the payload.
//
// A would-block length read is ErrNoFrame. End-of-file on the length read is
// returned as io.EOF; whether that means "peer closed" or "nothing yet" is up
// to the caller.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [1]byte
	n, err := r.Read(hdr[:])
	if err != nil {
		if errors.Is(err, fdio.ErrWouldBlock) {
			return nil, ErrNoFrame
		}
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoFrame
	}

	declared := int(hdr[0])
	if declared == 0 {
		return nil, ErrEmptyFrame
	}

	payload := make([]byte, declared)
	n, err = r.Read(payload)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fdio.ErrWouldBlock) {
		return nil, err
	}
	if n < declared {
		return nil, &IncompleteError{Declared: declared, Got: n}
	}
	return payload, nil
}

// WriteFrame writes the length byte and payload with one write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxPayload {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, byte(len(payload)))
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// EncodeText returns s as a NUL-terminated payload.
func EncodeText(s string) []byte {
	out := make([]byte, 0, len(s)+1)
	out = append(out, s...)
	return append(out, 0)
}

// DecodeText returns the text before the first NUL, without a trailing line
// ending. Payloads from peers that omit the terminator decode unchanged.
func DecodeText(payload []byte) string {
	s := string(payload)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, "\r\n")
}

func WriteText(w io.Writer, s string) error {
	return WriteFrame(w, EncodeText(s))
}

// Drain copies every byte currently readable from r to w. It returns nil when
// r would block and io.EOF when r reached end-of-file.
func Drain(r io.Reader, w io.Writer) (int64, error) {
	var total int64
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, fmt.Errorf("wire: drain: %w", werr)
			}
		}
		switch {
		case err == nil:
			if n == 0 {
				return total, nil
			}
		case errors.Is(err, fdio.ErrWouldBlock):
			return total, nil
		case errors.Is(err, io.EOF):
			return total, io.EOF
		default:
			return total, err
		}
	}
}
