package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/danmuck/taskmux/internal/fdio"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, "list -d"))
	require.Equal(t, byte(len("list -d")+1), buf.Bytes()[0])

	payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, "list -d", DecodeText(payload))
}

func TestReadFrameDropsShortPayload(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{5, 'a', 'b'}))
	require.ErrorIs(t, err, ErrIncomplete)

	var inc *IncompleteError
	require.True(t, errors.As(err, &inc))
	require.Equal(t, 5, inc.Declared)
	require.Equal(t, 2, inc.Got)
	require.Equal(t, "wire: incomplete frame (len: 5, r: 2)", inc.Error())
}

func TestReadFrameEmptyAndEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0}))
	require.ErrorIs(t, err, ErrEmptyFrame)

	_, err = ReadFrame(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestWriteFrameRejectsOutOfRangePayloads(t *testing.T) {
	var buf bytes.Buffer
	require.ErrorIs(t, WriteFrame(&buf, nil), ErrEmptyFrame)
	require.ErrorIs(t, WriteFrame(&buf, make([]byte, MaxPayload+1)), ErrFrameTooLarge)
	require.NoError(t, WriteFrame(&buf, make([]byte, MaxPayload)))
	require.Equal(t, MaxPayload+1, buf.Len())
}

func TestReadFrameOnPipe(t *testing.T) {
	r, w, err := fdio.Pipe("frame")
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, err = ReadFrame(r)
	require.ErrorIs(t, err, ErrNoFrame)

	require.NoError(t, WriteText(w, "msg hi"))
	require.NoError(t, WriteText(w, "add 1 2"))

	first, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, "msg hi", DecodeText(first))
	second, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, "add 1 2", DecodeText(second))

	_, err = ReadFrame(r)
	require.ErrorIs(t, err, ErrNoFrame)
}

func TestReadFrameStalledSenderIsDropped(t *testing.T) {
	r, w, err := fdio.Pipe("stall")
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, err = w.Write([]byte{10, 'a', 'd', 'd'})
	require.NoError(t, err)

	_, err = ReadFrame(r)
	require.ErrorIs(t, err, ErrIncomplete)

	_, err = ReadFrame(r)
	require.ErrorIs(t, err, ErrNoFrame)
}

func TestDecodeText(t *testing.T) {
	require.Equal(t, "exit", DecodeText([]byte("exit")))
	require.Equal(t, "hello", DecodeText([]byte("hello\x00junk")))
	require.Equal(t, "line", DecodeText([]byte("line\n\x00")))
}

func TestDrainStopsAtWouldBlockAndEOF(t *testing.T) {
	r, w, err := fdio.Pipe("drain")
	require.NoError(t, err)
	defer r.Close()

	_, err = w.WriteString(strings.Repeat("x", 1500))
	require.NoError(t, err)

	var out bytes.Buffer
	n, err := Drain(r, &out)
	require.NoError(t, err)
	require.EqualValues(t, 1500, n)
	require.Equal(t, 1500, out.Len())

	require.NoError(t, w.Close())
	_, err = Drain(r, &out)
	require.ErrorIs(t, err, io.EOF)
}
