package peering

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name     string
		msg      Message
		expected []byte
	}{
		{name: "choke", msg: Choke{}, expected: []byte{0, 0, 0, 1, 0}},
		{name: "unchoke", msg: Unchoke{}, expected: []byte{0, 0, 0, 1, 1}},
		{name: "interested", msg: Interested{}, expected: []byte{0, 0, 0, 1, 2}},
		{name: "not interested", msg: NotInterested{}, expected: []byte{0, 0, 0, 1, 3}},
		{name: "have", msg: Have{Index: 0x01020304}, expected: []byte{0, 0, 0, 5, 4, 1, 2, 3, 4}},
		{name: "bitfield", msg: Bitfield{0xa0, 0x01}, expected: []byte{0, 0, 0, 3, 5, 0xa0, 0x01}},
		{
			name:     "request",
			msg:      Request{Index: 1, Begin: 16384, Length: 16384},
			expected: []byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0x40, 0, 0, 0, 0x40, 0},
		},
		{
			name:     "piece",
			msg:      Piece{Index: 2, Begin: 3, Block: []byte("abc")},
			expected: []byte{0, 0, 0, 12, 7, 0, 0, 0, 2, 0, 0, 0, 3, 'a', 'b', 'c'},
		},
		{
			name:     "cancel",
			msg:      Cancel{Index: 7, Begin: 0, Length: 1},
			expected: []byte{0, 0, 0, 13, 8, 0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0, 1},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EncodeFrame(tt.msg))

			msg, n, err := DecodeFrame(tt.expected)
			require.NoError(t, err)
			assert.Equal(t, len(tt.expected), n)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestAppendFrameKeepsPrefix(t *testing.T) {
	buf := AppendFrame([]byte("xy"), Have{Index: 9})
	assert.Equal(t, []byte{'x', 'y', 0, 0, 0, 5, 4, 0, 0, 0, 9}, buf)
}

func TestDecodeFrameIncomplete(t *testing.T) {
	full := EncodeFrame(Request{Index: 1, Begin: 2, Length: 3})
	for i := 0; i < len(full); i++ {
		msg, n, err := DecodeFrame(full[:i])
		require.NoError(t, err, "prefix of %d bytes", i)
		assert.Nil(t, msg)
		assert.Zero(t, n)
	}
}

func TestDecodeFrameKeepAlive(t *testing.T) {
	msg, n, err := DecodeFrame([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, 4, n)
}

func TestDecodeFrameConsumesOneFrame(t *testing.T) {
	buf := append(EncodeFrame(Unchoke{}), EncodeFrame(Have{Index: 3})...)

	msg, n, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, Unchoke{}, msg)
	assert.Equal(t, 5, n)

	msg, n, err = DecodeFrame(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, Have{Index: 3}, msg)
	assert.Equal(t, 9, n)
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		id       MessageID
		expected error
	}{
		{name: "unknown type", input: []byte{0, 0, 0, 1, 20}, id: 20, expected: ErrUnknownMessageType},
		{name: "short have", input: []byte{0, 0, 0, 3, 4, 0, 1}, id: MsgHave, expected: ErrTruncatedPayload},
		{name: "short request", input: []byte{0, 0, 0, 9, 6, 0, 0, 0, 1, 0, 0, 0, 2}, id: MsgRequest, expected: ErrTruncatedPayload},
		{name: "short piece", input: []byte{0, 0, 0, 5, 7, 0, 0, 0, 1}, id: MsgPiece, expected: ErrTruncatedPayload},
		{name: "short cancel", input: []byte{0, 0, 0, 1, 8}, id: MsgCancel, expected: ErrTruncatedPayload},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			msg, n, err := DecodeFrame(tt.input)
			assert.Nil(t, msg)
			assert.Zero(t, n)
			require.ErrorIs(t, err, tt.expected)

			var frameErr *FrameError
			require.True(t, errors.As(err, &frameErr))
			assert.Equal(t, tt.id, frameErr.ID)
		})
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0xff, 0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, uint32(0xffffffff), frameErr.Length)
	assert.Equal(t, "frame of 4294967295 bytes: frame too large", err.Error())
}

func TestDecodeFrameIgnoresTrailingPayload(t *testing.T) {
	msg, n, err := DecodeFrame([]byte{0, 0, 0, 6, 4, 0, 0, 0, 5, 0xee})
	require.NoError(t, err)
	assert.Equal(t, Have{Index: 5}, msg)
	assert.Equal(t, 10, n)
}

func TestDecodeFrameCopiesBlocks(t *testing.T) {
	buf := EncodeFrame(Piece{Index: 0, Begin: 0, Block: []byte("data")})
	msg, _, err := DecodeFrame(buf)
	require.NoError(t, err)

	buf[len(buf)-1] = 'X'
	assert.Equal(t, []byte("data"), msg.(Piece).Block)
}

func TestBitfield(t *testing.T) {
	field := Bitfield{0b10100000, 0b00000001}

	assert.True(t, field.HasPiece(0))
	assert.False(t, field.HasPiece(1))
	assert.True(t, field.HasPiece(2))
	assert.True(t, field.HasPiece(15))
	assert.False(t, field.HasPiece(16))
	assert.False(t, field.HasPiece(-1))

	assert.Equal(t, []uint32{0, 2, 15}, field.Pieces().ToArray())
}

func TestMessageIDString(t *testing.T) {
	assert.Equal(t, "bitfield", MsgBitfield.String())
	assert.Equal(t, "unknown(42)", MessageID(42).String())
}

func TestFrameReader(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0, 0, 0, 0})
	stream.Write(EncodeFrame(Bitfield{0xff}))
	stream.Write([]byte{0, 0, 0, 0})
	stream.Write([]byte{0, 0, 0, 0})
	stream.Write(EncodeFrame(Piece{Index: 1, Begin: 0, Block: bytes.Repeat([]byte{7}, 40000)}))

	frames := NewFrameReader(iotest.OneByteReader(&stream))

	msg, err := frames.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, Bitfield{0xff}, msg)

	msg, err = frames.ReadMessage()
	require.NoError(t, err)
	piece, ok := msg.(Piece)
	require.True(t, ok)
	assert.Len(t, piece.Block, 40000)
	assert.Equal(t, 3, frames.KeepAlives())

	_, err = frames.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderUnexpectedEOF(t *testing.T) {
	frame := EncodeFrame(Have{Index: 1})
	frames := NewFrameReader(bytes.NewReader(frame[:6]))

	_, err := frames.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameReaderFrameError(t *testing.T) {
	frames := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 1, 99}))

	_, err := frames.ReadMessage()
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}
