package bencode

import "unicode/utf8"

// Value is a decoded bencode value. The set of implementations is closed:
// Integer, String, List and Dict.
type Value interface {
	isValue()
}

type (
	Integer int64
	String  []byte
	List    []Value
	Dict    map[string]Value
)

func (Integer) isValue() {}
func (String) isValue()  {}
func (List) isValue()    {}
func (Dict) isValue()    {}

// Int returns the integer stored under key.
func (d Dict) Int(key string) (int64, bool) {
	v, ok := d[key].(Integer)
	return int64(v), ok
}

// Bytes returns the raw byte string stored under key.
func (d Dict) Bytes(key string) ([]byte, bool) {
	v, ok := d[key].(String)
	return []byte(v), ok
}

// Text returns the byte string stored under key if it is valid UTF-8.
func (d Dict) Text(key string) (string, bool) {
	v, ok := d[key].(String)
	if !ok || !utf8.Valid(v) {
		return "", false
	}
	return string(v), true
}

// SubDict returns the dictionary stored under key.
func (d Dict) SubDict(key string) (Dict, bool) {
	v, ok := d[key].(Dict)
	return v, ok
}
