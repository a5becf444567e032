package bencode

import (
	"fmt"
	"slices"
	"strconv"

	"golang.org/x/exp/maps"
)

// Encode renders v in canonical form: dictionary keys are written in
// ascending byte order.
func Encode(v Value) ([]byte, error) {
	return AppendEncode(nil, v)
}

// AppendEncode appends the canonical encoding of v to dst.
func AppendEncode(dst []byte, v Value) ([]byte, error) {
	switch v := v.(type) {
	case Integer:
		dst = append(dst, 'i')
		dst = strconv.AppendInt(dst, int64(v), 10)
		return append(dst, 'e'), nil
	case String:
		return appendString(dst, v), nil
	case List:
		dst = append(dst, 'l')
		for _, item := range v {
			var err error
			if dst, err = AppendEncode(dst, item); err != nil {
				return nil, fmt.Errorf("failed to encode list item: %w", err)
			}
		}
		return append(dst, 'e'), nil
	case Dict:
		dst = append(dst, 'd')
		for _, key := range sortedKeys(v) {
			dst = appendString(dst, []byte(key))
			var err error
			if dst, err = AppendEncode(dst, v[key]); err != nil {
				return nil, fmt.Errorf("failed to encode value of %q: %w", key, err)
			}
		}
		return append(dst, 'e'), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func appendString(dst, s []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, ':')
	return append(dst, s...)
}

func sortedKeys(d Dict) []string {
	keys := maps.Keys(d)
	slices.Sort(keys)
	return keys
}
