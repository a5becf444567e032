package bencode

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Display renders v as JSON-like text for humans. It is not an encoding:
// strings that are not valid UTF-8 make it fail.
func Display(v Value) (string, error) {
	var b strings.Builder
	if err := display(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func display(b *strings.Builder, v Value) error {
	switch v := v.(type) {
	case Integer:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case String:
		return quote(b, v)
	case List:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := display(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case Dict:
		b.WriteByte('{')
		for i, key := range sortedKeys(v) {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := quote(b, []byte(key)); err != nil {
				return err
			}
			b.WriteByte(':')
			if err := display(b, v[key]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

func quote(b *strings.Builder, s []byte) error {
	if !utf8.Valid(s) {
		return ErrInvalidUTF8
	}
	quoted, err := json.Marshal(string(s))
	if err != nil {
		return err
	}
	b.Write(quoted)
	return nil
}
