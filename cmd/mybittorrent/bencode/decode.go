package bencode

import (
	"bytes"
	"strconv"
	"unicode/utf8"
)

// Decode parses the single value at the start of buf. Bytes after the value
// are ignored.
func Decode(buf []byte) (Value, error) {
	v, _, err := DecodePrefix(buf)
	return v, err
}

// DecodePrefix parses the value at the start of buf and also returns the
// number of bytes it occupied.
func DecodePrefix(buf []byte) (Value, int, error) {
	d := decoder{buf: buf}
	v, err := d.value()
	if err != nil {
		return nil, 0, err
	}
	return v, d.pos, nil
}

// MaxDepth bounds how many lists and dictionaries may be open at once.
const MaxDepth = 10000

type decoder struct {
	buf   []byte
	pos   int
	depth int
}

func (d *decoder) fail(offset int, err error) error {
	return &DecodeError{Offset: offset, Err: err}
}

func (d *decoder) peek() (byte, bool) {
	if d.pos >= len(d.buf) {
		return 0, false
	}
	return d.buf[d.pos], true
}

func (d *decoder) value() (Value, error) {
	c, ok := d.peek()
	switch {
	case !ok:
		return nil, d.fail(d.pos, ErrUnrecognizedTag)
	case c == 'i':
		return d.integer()
	case isDigit(c):
		return d.string()
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dict()
	default:
		return nil, d.fail(d.pos, ErrUnrecognizedTag)
	}
}

func (d *decoder) integer() (Value, error) {
	start := d.pos
	end := bytes.IndexByte(d.buf[start+1:], 'e')
	if end <= 0 {
		return nil, d.fail(start, ErrMalformedInteger)
	}

	digits := d.buf[start+1 : start+1+end]
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return nil, d.fail(start+1, ErrMalformedInteger)
	}

	d.pos = start + 1 + end + 1 // 'e'
	return Integer(n), nil
}

func (d *decoder) string() (String, error) {
	start := d.pos
	colon := bytes.IndexByte(d.buf[start:], ':')
	if colon <= 0 {
		return nil, d.fail(start, ErrMalformedString)
	}

	length, err := strconv.Atoi(string(d.buf[start : start+colon]))
	if err != nil || length < 0 {
		return nil, d.fail(start, ErrMalformedString)
	}

	body := start + colon + 1
	if length > len(d.buf)-body {
		return nil, d.fail(body, ErrMalformedString)
	}

	d.pos = body + length
	return String(bytes.Clone(d.buf[body:d.pos])), nil
}

func (d *decoder) enter() error {
	if d.depth == MaxDepth {
		return d.fail(d.pos, ErrNestingTooDeep)
	}
	d.depth++
	return nil
}

func (d *decoder) list() (Value, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()
	start := d.pos
	d.pos++ // 'l'

	list := List{}
	for {
		c, ok := d.peek()
		if !ok {
			return nil, d.fail(start, ErrUnterminatedList)
		}
		if c == 'e' {
			d.pos++
			return list, nil
		}

		v, err := d.value()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
}

func (d *decoder) dict() (Value, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()
	start := d.pos
	d.pos++ // 'd'

	dict := Dict{}
	for {
		c, ok := d.peek()
		if !ok {
			return nil, d.fail(start, ErrUnterminatedMap)
		}
		if c == 'e' {
			d.pos++
			return dict, nil
		}
		if !isDigit(c) {
			return nil, d.fail(d.pos, ErrInvalidMapKey)
		}

		keyAt := d.pos
		key, err := d.string()
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(key) {
			return nil, d.fail(keyAt, ErrInvalidMapKey)
		}

		// A key must be followed by a value; the closing 'e' does not count.
		if c, ok := d.peek(); !ok || c == 'e' {
			return nil, d.fail(keyAt, ErrUnterminatedMap)
		}

		v, err := d.value()
		if err != nil {
			return nil, err
		}
		dict[string(key)] = v
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
