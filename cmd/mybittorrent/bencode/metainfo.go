package bencode

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/go-viper/mapstructure/v2"
)

// HashLength is the size of a SHA-1 digest: one per piece and one for the
// info dictionary.
const HashLength = sha1.Size

// Metainfo is the content of a single-file .torrent.
type Metainfo struct {
	Announce string
	Info     Info
	InfoHash [HashLength]byte
}

type Info struct {
	Name        string `mapstructure:"name"`
	Length      int64  `mapstructure:"length"`
	PieceLength int64  `mapstructure:"piece length"`
	Pieces      []byte `mapstructure:"pieces"`
}

type torrentFile struct {
	Announce string `mapstructure:"announce"`
	Info     Info   `mapstructure:"info"`
}

// ParseMetainfo decodes a .torrent file. The info hash is taken over the
// canonical encoding of the decoded info dictionary, so keys this type does
// not model still count towards it.
func ParseMetainfo(buf []byte) (*Metainfo, error) {
	v, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	root, ok := v.(Dict)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T, not a dictionary", ErrInvalidMetainfo, v)
	}
	info, ok := root.SubDict("info")
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrInvalidMetainfo)
	}

	var tf torrentFile
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: stringHook,
		ErrorUnset: true,
		Result:     &tf,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetainfo, err)
	}

	encodedInfo, err := Encode(info)
	if err != nil {
		return nil, err
	}

	m := &Metainfo{
		Announce: tf.Announce,
		Info:     tf.Info,
		InfoHash: sha1.Sum(encodedInfo),
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// stringHook hands byte strings to mapstructure as the Go type the target
// field expects.
func stringHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	s, ok := data.(String)
	if !ok {
		return data, nil
	}
	switch to.Kind() {
	case reflect.String:
		if !utf8.Valid(s) {
			return nil, ErrInvalidUTF8
		}
		return string(s), nil
	case reflect.Slice:
		return []byte(s), nil
	}
	return data, nil
}

func (m *Metainfo) validate() error {
	switch {
	case m.Info.PieceLength <= 0:
		return fmt.Errorf("%w: piece length %d", ErrInvalidMetainfo, m.Info.PieceLength)
	case m.Info.Length < 0:
		return fmt.Errorf("%w: length %d", ErrInvalidMetainfo, m.Info.Length)
	case len(m.Info.Pieces)%HashLength != 0:
		return fmt.Errorf("%w: pieces is %d bytes, not a multiple of %d", ErrInvalidMetainfo, len(m.Info.Pieces), HashLength)
	}

	want := (m.Info.Length + m.Info.PieceLength - 1) / m.Info.PieceLength
	if int64(m.PieceCount()) != want {
		return fmt.Errorf("%w: %d piece hashes for %d pieces", ErrInvalidMetainfo, m.PieceCount(), want)
	}
	return nil
}

func (m *Metainfo) PieceCount() int {
	return len(m.Info.Pieces) / HashLength
}

// PieceHash returns the expected digest of piece i.
func (m *Metainfo) PieceHash(i int) ([]byte, bool) {
	if i < 0 || i >= m.PieceCount() {
		return nil, false
	}
	return m.Info.Pieces[i*HashLength : (i+1)*HashLength], true
}

// PieceHashes returns every piece digest, hex encoded.
func (m *Metainfo) PieceHashes() []string {
	hashes := make([]string, 0, m.PieceCount())
	for i := 0; i < m.PieceCount(); i++ {
		hash, _ := m.PieceHash(i)
		hashes = append(hashes, hex.EncodeToString(hash))
	}
	return hashes
}

func (m *Metainfo) HexInfoHash() string {
	return hex.EncodeToString(m.InfoHash[:])
}
