package peering

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring"
)

type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

var messageNames = [...]string{
	"choke", "unchoke", "interested", "not interested", "have", "bitfield", "request", "piece", "cancel",
}

func (id MessageID) String() string {
	if int(id) < len(messageNames) {
		return messageNames[id]
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// MaxFrameLength bounds the length prefix a peer may declare: a 1 MiB block
// plus the piece header.
const MaxFrameLength = 1<<20 + 9

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrTruncatedPayload   = errors.New("truncated payload")
	ErrFrameTooLarge      = errors.New("frame too large")
)

// FrameError is a framing failure. The connection it came from cannot be
// resynchronised. Length is set when the declared length was rejected
// before the message type was read.
type FrameError struct {
	ID     MessageID
	Length uint32
	Err    error
}

func (e *FrameError) Error() string {
	if e.Length > 0 {
		return fmt.Sprintf("frame of %d bytes: %v", e.Length, e.Err)
	}
	return fmt.Sprintf("%s message: %v", e.ID, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Message is one peer wire message. Implementations are the nine types below.
type Message interface {
	ID() MessageID
	appendPayload(dst []byte) []byte
}

type (
	Choke         struct{}
	Unchoke       struct{}
	Interested    struct{}
	NotInterested struct{}

	Have struct {
		Index uint32
	}

	// Bitfield holds one bit per piece, high bit of byte 0 first.
	Bitfield []byte

	Request struct {
		Index  uint32
		Begin  uint32
		Length uint32
	}

	Piece struct {
		Index uint32
		Begin uint32
		Block []byte
	}

	Cancel struct {
		Index  uint32
		Begin  uint32
		Length uint32
	}
)

func (Choke) ID() MessageID         { return MsgChoke }
func (Unchoke) ID() MessageID       { return MsgUnchoke }
func (Interested) ID() MessageID    { return MsgInterested }
func (NotInterested) ID() MessageID { return MsgNotInterested }
func (Have) ID() MessageID          { return MsgHave }
func (Bitfield) ID() MessageID      { return MsgBitfield }
func (Request) ID() MessageID       { return MsgRequest }
func (Piece) ID() MessageID         { return MsgPiece }
func (Cancel) ID() MessageID        { return MsgCancel }

func (Choke) appendPayload(dst []byte) []byte         { return dst }
func (Unchoke) appendPayload(dst []byte) []byte       { return dst }
func (Interested) appendPayload(dst []byte) []byte    { return dst }
func (NotInterested) appendPayload(dst []byte) []byte { return dst }

func (m Have) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, m.Index)
}

func (m Bitfield) appendPayload(dst []byte) []byte {
	return append(dst, m...)
}

func (m Request) appendPayload(dst []byte) []byte {
	return appendTriple(dst, m.Index, m.Begin, m.Length)
}

func (m Piece) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.Index)
	dst = binary.BigEndian.AppendUint32(dst, m.Begin)
	return append(dst, m.Block...)
}

func (m Cancel) appendPayload(dst []byte) []byte {
	return appendTriple(dst, m.Index, m.Begin, m.Length)
}

func appendTriple(dst []byte, a, b, c uint32) []byte {
	dst = binary.BigEndian.AppendUint32(dst, a)
	dst = binary.BigEndian.AppendUint32(dst, b)
	return binary.BigEndian.AppendUint32(dst, c)
}

// HasPiece reports whether the bit for piece i is set.
func (m Bitfield) HasPiece(i int) bool {
	byteIndex := i / 8
	if i < 0 || byteIndex >= len(m) {
		return false
	}
	return m[byteIndex]>>(7-uint(i%8))&1 == 1
}

// Pieces returns the set of piece indices whose bit is set.
func (m Bitfield) Pieces() *roaring.Bitmap {
	pieces := roaring.New()
	for byteIndex, b := range m {
		for bit := 0; bit < 8; bit++ {
			if b>>(7-uint(bit))&1 == 1 {
				pieces.Add(uint32(byteIndex*8 + bit))
			}
		}
	}
	return pieces
}

// EncodeFrame serialises m with its length prefix.
func EncodeFrame(m Message) []byte {
	return AppendFrame(nil, m)
}

// AppendFrame appends the framed encoding of m to dst.
func AppendFrame(dst []byte, m Message) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0, byte(m.ID()))
	dst = m.appendPayload(dst)
	binary.BigEndian.PutUint32(dst[start:], uint32(len(dst)-start-4))
	return dst
}

// DecodeFrame decodes the frame at the start of buf and returns the number of
// bytes it used. A zero count with a nil error means buf does not yet hold a
// whole frame. A keep-alive is consumed (count 4) without producing a message.
func DecodeFrame(buf []byte) (Message, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf)
	if length > MaxFrameLength {
		return nil, 0, &FrameError{Length: length, Err: ErrFrameTooLarge}
	}
	if uint64(length) > uint64(len(buf)-4) {
		return nil, 0, nil
	}
	if length == 0 {
		return nil, 4, nil
	}

	frame := buf[4 : 4+length]
	msg, err := parseMessage(MessageID(frame[0]), frame[1:])
	if err != nil {
		return nil, 0, err
	}
	return msg, 4 + int(length), nil
}

func parseMessage(id MessageID, payload []byte) (Message, error) {
	switch id {
	case MsgChoke:
		return Choke{}, nil
	case MsgUnchoke:
		return Unchoke{}, nil
	case MsgInterested:
		return Interested{}, nil
	case MsgNotInterested:
		return NotInterested{}, nil
	case MsgHave:
		f, err := fields(id, payload, 1)
		if err != nil {
			return nil, err
		}
		return Have{Index: f[0]}, nil
	case MsgBitfield:
		return Bitfield(bytes.Clone(payload)), nil
	case MsgRequest:
		f, err := fields(id, payload, 3)
		if err != nil {
			return nil, err
		}
		return Request{Index: f[0], Begin: f[1], Length: f[2]}, nil
	case MsgPiece:
		f, err := fields(id, payload, 2)
		if err != nil {
			return nil, err
		}
		return Piece{Index: f[0], Begin: f[1], Block: bytes.Clone(payload[8:])}, nil
	case MsgCancel:
		f, err := fields(id, payload, 3)
		if err != nil {
			return nil, err
		}
		return Cancel{Index: f[0], Begin: f[1], Length: f[2]}, nil
	default:
		return nil, &FrameError{ID: id, Err: ErrUnknownMessageType}
	}
}

// fields reads n leading big-endian uint32 values from payload.
func fields(id MessageID, payload []byte, n int) ([3]uint32, error) {
	var out [3]uint32
	if len(payload) < 4*n {
		return out, &FrameError{ID: id, Err: ErrTruncatedPayload}
	}
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint32(payload[4*i:])
	}
	return out, nil
}

// FrameReader turns a byte stream into messages, discarding keep-alives.
type FrameReader struct {
	r          io.Reader
	buf        []byte
	start, end int
	keepAlives int
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, buf: make([]byte, 32*1024)}
}

// KeepAlives returns how many keep-alive frames have been discarded.
func (f *FrameReader) KeepAlives() int {
	return f.keepAlives
}

// ReadMessage blocks until a whole message has arrived. A stream that ends in
// the middle of a frame yields io.ErrUnexpectedEOF.
func (f *FrameReader) ReadMessage() (Message, error) {
	for {
		msg, n, err := DecodeFrame(f.buf[f.start:f.end])
		if err != nil {
			return nil, err
		}
		if n > 0 {
			f.start += n
			if msg == nil {
				f.keepAlives++
				continue
			}
			return msg, nil
		}
		if err := f.fill(); err != nil {
			return nil, err
		}
	}
}

func (f *FrameReader) fill() error {
	if f.start > 0 {
		f.end = copy(f.buf, f.buf[f.start:f.end])
		f.start = 0
	}
	if f.end == len(f.buf) {
		grown := make([]byte, 2*len(f.buf))
		copy(grown, f.buf[:f.end])
		f.buf = grown
	}

	n, err := f.r.Read(f.buf[f.end:])
	f.end += n
	if n > 0 {
		return nil
	}
	if errors.Is(err, io.EOF) && f.end > 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}
