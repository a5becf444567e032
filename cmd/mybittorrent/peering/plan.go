package peering

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// BlockSize is the request unit used with every peer.
const BlockSize = 16 * 1024

var (
	ErrInvalidGeometry = errors.New("invalid piece geometry")
	ErrPieceOutOfRange = errors.New("piece index out of range")
)

type Block struct {
	Begin  uint32
	Length uint32
}

// Geometry splits a byte range into pieces and pieces into blocks. Pieces
// before the last are expected to be a whole number of blocks; if one is not,
// its final block stops at the piece boundary.
type Geometry struct {
	totalLength int64
	pieceLength int64
	blockSize   int64
}

func NewGeometry(totalLength, pieceLength, blockSize int64) (Geometry, error) {
	switch {
	case pieceLength <= 0 || pieceLength > math.MaxUint32:
		return Geometry{}, fmt.Errorf("%w: piece length %d", ErrInvalidGeometry, pieceLength)
	case blockSize <= 0 || blockSize > math.MaxUint32:
		return Geometry{}, fmt.Errorf("%w: block size %d", ErrInvalidGeometry, blockSize)
	case totalLength < 0:
		return Geometry{}, fmt.Errorf("%w: total length %d", ErrInvalidGeometry, totalLength)
	}
	return Geometry{totalLength: totalLength, pieceLength: pieceLength, blockSize: blockSize}, nil
}

func (g Geometry) TotalLength() int64 { return g.totalLength }
func (g Geometry) PieceLength() int64 { return g.pieceLength }
func (g Geometry) BlockSize() int64   { return g.blockSize }

func (g Geometry) PieceCount() int {
	return int(ceilDiv(g.totalLength, g.pieceLength))
}

// LastPieceSize is the size of the final piece: the remainder of the total
// length, or a full piece when the total divides evenly.
func (g Geometry) LastPieceSize() int64 {
	if g.totalLength == 0 {
		return 0
	}
	if rem := g.totalLength % g.pieceLength; rem != 0 {
		return rem
	}
	return g.pieceLength
}

func (g Geometry) PieceSize(index int) (int64, error) {
	count := g.PieceCount()
	if index < 0 || index >= count {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrPieceOutOfRange, index, count)
	}
	if index == count-1 {
		return g.LastPieceSize(), nil
	}
	return g.pieceLength, nil
}

// PieceOffset is the file offset of the first byte of piece index.
func (g Geometry) PieceOffset(index uint32) int64 {
	return int64(index) * g.pieceLength
}

func (g Geometry) BlockCount(index int) (int, error) {
	size, err := g.PieceSize(index)
	if err != nil {
		return 0, err
	}
	return int(ceilDiv(size, g.blockSize)), nil
}

// Plan lists the blocks covering piece index in ascending order.
func (g Geometry) Plan(index int) ([]Block, error) {
	size, err := g.PieceSize(index)
	if err != nil {
		return nil, err
	}

	blocks := make([]Block, 0, ceilDiv(size, g.blockSize))
	for begin := int64(0); begin < size; begin += g.blockSize {
		blocks = append(blocks, Block{
			Begin:  uint32(begin),
			Length: uint32(min(g.blockSize, size-begin)),
		})
	}
	return blocks, nil
}

// AllPieces returns every piece index in ascending order.
func (g Geometry) AllPieces() []int {
	pieces := make([]int, g.PieceCount())
	for i := range pieces {
		pieces[i] = i
	}
	return pieces
}

// Requests expands a set of piece indices into one Request per block,
// ordered by piece index then by offset. Duplicate indices are requested once.
func (g Geometry) Requests(pieces []int) ([]Request, error) {
	sorted := slices.Clone(pieces)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var requests []Request
	for _, index := range sorted {
		blocks, err := g.Plan(index)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			requests = append(requests, Request{Index: uint32(index), Begin: b.Begin, Length: b.Length})
		}
	}
	return requests, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
